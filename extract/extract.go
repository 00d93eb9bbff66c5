// Package extract turns source file contents into structural entities:
// functions, classes, variables, imports, exports, and call references.
package extract

import "context"

// FileEntities is everything one parse pass finds in a single file.
type FileEntities struct {
	Functions []Function
	Classes   []Class
	Variables []Variable
	Imports   []Import
	Exports   []Export
	Calls     []Call
}

// Function is a named function or method definition.
type Function struct {
	Name      string
	StartLine int
	EndLine   int
	Params    []string
}

// Class is a class, struct, or equivalent type definition.
type Class struct {
	Name       string
	StartLine  int
	EndLine    int
	Methods    []string
	Properties []string
}

// Variable is a top-level variable or constant binding.
type Variable struct {
	Name string
	Type string
	Line int
}

// Import is a module or package reference.
type Import struct {
	Source string
	Line   int
}

// Export is an explicitly exported binding (ES modules) or a
// capitalized top-level identifier (Go).
type Export struct {
	Name      string
	Line      int
	IsDefault bool
}

// Call is a call site inside a named function.
type Call struct {
	CallerName string
	CalleeName string
	Line       int
}

// Extractor parses one file's content into its entities. Implementations
// return (nil, nil) for file types they do not understand.
type Extractor interface {
	Extract(ctx context.Context, filePath string, content []byte) (*FileEntities, error)
	SupportedExtensions() []string
}
