package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// TreeSitterExtractor implements Extractor using tree-sitter AST parsing.
type TreeSitterExtractor struct {
	mu      sync.Mutex
	parsers map[string]*sitter.Parser
}

// NewTreeSitterExtractor creates an extractor for Go, JavaScript,
// TypeScript, and Python sources.
func NewTreeSitterExtractor() *TreeSitterExtractor {
	ext := &TreeSitterExtractor{
		parsers: make(map[string]*sitter.Parser),
	}

	languages := map[string]*sitter.Language{
		".go":  golang.GetLanguage(),
		".js":  javascript.GetLanguage(),
		".jsx": javascript.GetLanguage(),
		".mjs": javascript.GetLanguage(),
		".ts":  typescript.GetLanguage(),
		".tsx": typescript.GetLanguage(),
		".py":  python.GetLanguage(),
	}

	for extension, lang := range languages {
		parser := sitter.NewParser()
		parser.SetLanguage(lang)
		ext.parsers[extension] = parser
	}

	return ext
}

// SupportedExtensions returns the file extensions this extractor parses.
func (e *TreeSitterExtractor) SupportedExtensions() []string {
	exts := make([]string, 0, len(e.parsers))
	for ext := range e.parsers {
		exts = append(exts, ext)
	}
	return exts
}

// Extract parses the file and collects its entities. Unsupported file
// types return (nil, nil) so callers can skip them silently.
func (e *TreeSitterExtractor) Extract(ctx context.Context, filePath string, content []byte) (*FileEntities, error) {
	ext := strings.ToLower(filepath.Ext(filePath))

	e.mu.Lock()
	parser, ok := e.parsers[ext]
	if !ok {
		e.mu.Unlock()
		return nil, nil
	}

	tree, err := parser.ParseCtx(ctx, nil, content)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filePath, err)
	}
	defer tree.Close()

	entities := &FileEntities{}
	walkCtx := &walkContext{content: content, entities: entities}

	switch ext {
	case ".go":
		walkGo(tree.RootNode(), walkCtx)
	case ".js", ".jsx", ".mjs", ".ts", ".tsx":
		walkJS(tree.RootNode(), walkCtx)
	case ".py":
		walkPython(tree.RootNode(), walkCtx)
	}

	return entities, nil
}

type walkContext struct {
	content  []byte
	entities *FileEntities
	// enclosing named function, for attributing call sites
	caller string
}

func startLine(node *sitter.Node) int {
	return int(node.StartPoint().Row) + 1
}

func endLine(node *sitter.Node) int {
	return int(node.EndPoint().Row) + 1
}

func walkGo(node *sitter.Node, wc *walkContext) {
	switch node.Type() {
	case "function_declaration", "method_declaration":
		nameNode := node.ChildByFieldName("name")
		if nameNode != nil {
			name := nameNode.Content(wc.content)
			wc.entities.Functions = append(wc.entities.Functions, Function{
				Name:      name,
				StartLine: startLine(node),
				EndLine:   endLine(node),
				Params:    goParams(node, wc.content),
			})
			if isCapitalized(name) {
				wc.entities.Exports = append(wc.entities.Exports, Export{
					Name: name,
					Line: startLine(node),
				})
			}
			inner := *wc
			inner.caller = name
			for i := 0; i < int(node.ChildCount()); i++ {
				walkGo(node.Child(i), &inner)
			}
			return
		}

	case "type_declaration":
		for i := 0; i < int(node.ChildCount()); i++ {
			spec := node.Child(i)
			if spec.Type() != "type_spec" {
				continue
			}
			nameNode := spec.ChildByFieldName("name")
			typeNode := spec.ChildByFieldName("type")
			if nameNode == nil || typeNode == nil || typeNode.Type() != "struct_type" {
				continue
			}
			name := nameNode.Content(wc.content)
			wc.entities.Classes = append(wc.entities.Classes, Class{
				Name:       name,
				StartLine:  startLine(spec),
				EndLine:    endLine(spec),
				Properties: goStructFields(typeNode, wc.content),
			})
			if isCapitalized(name) {
				wc.entities.Exports = append(wc.entities.Exports, Export{
					Name: name,
					Line: startLine(spec),
				})
			}
		}

	case "import_spec":
		pathNode := node.ChildByFieldName("path")
		if pathNode != nil {
			wc.entities.Imports = append(wc.entities.Imports, Import{
				Source: strings.Trim(pathNode.Content(wc.content), `"`),
				Line:   startLine(node),
			})
		}

	case "var_declaration", "const_declaration":
		if wc.caller == "" {
			for i := 0; i < int(node.ChildCount()); i++ {
				spec := node.Child(i)
				if spec.Type() != "var_spec" && spec.Type() != "const_spec" {
					continue
				}
				typ := ""
				if typeNode := spec.ChildByFieldName("type"); typeNode != nil {
					typ = typeNode.Content(wc.content)
				}
				for j := 0; j < int(spec.ChildCount()); j++ {
					id := spec.Child(j)
					if id.Type() != "identifier" {
						continue
					}
					wc.entities.Variables = append(wc.entities.Variables, Variable{
						Name: id.Content(wc.content),
						Type: typ,
						Line: startLine(spec),
					})
				}
			}
		}

	case "call_expression":
		recordCall(node, wc)
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		walkGo(node.Child(i), wc)
	}
}

func goParams(fnNode *sitter.Node, content []byte) []string {
	paramsNode := fnNode.ChildByFieldName("parameters")
	if paramsNode == nil {
		return nil
	}
	var params []string
	for i := 0; i < int(paramsNode.ChildCount()); i++ {
		decl := paramsNode.Child(i)
		if decl.Type() != "parameter_declaration" && decl.Type() != "variadic_parameter_declaration" {
			continue
		}
		found := false
		for j := 0; j < int(decl.ChildCount()); j++ {
			id := decl.Child(j)
			if id.Type() == "identifier" {
				params = append(params, id.Content(content))
				found = true
			}
		}
		// anonymous parameter, keep its type so signatures stay comparable
		if !found {
			params = append(params, decl.Content(content))
		}
	}
	return params
}

func goStructFields(structNode *sitter.Node, content []byte) []string {
	var fields []string
	body := structNode.ChildByFieldName("body")
	if body == nil {
		for i := 0; i < int(structNode.ChildCount()); i++ {
			if structNode.Child(i).Type() == "field_declaration_list" {
				body = structNode.Child(i)
				break
			}
		}
	}
	if body == nil {
		return nil
	}
	for i := 0; i < int(body.ChildCount()); i++ {
		decl := body.Child(i)
		if decl.Type() != "field_declaration" {
			continue
		}
		for j := 0; j < int(decl.ChildCount()); j++ {
			id := decl.Child(j)
			if id.Type() == "field_identifier" {
				fields = append(fields, id.Content(content))
			}
		}
	}
	return fields
}

func walkJS(node *sitter.Node, wc *walkContext) {
	switch node.Type() {
	case "function_declaration", "generator_function_declaration":
		nameNode := node.ChildByFieldName("name")
		if nameNode != nil {
			name := nameNode.Content(wc.content)
			wc.entities.Functions = append(wc.entities.Functions, Function{
				Name:      name,
				StartLine: startLine(node),
				EndLine:   endLine(node),
				Params:    jsParams(node, wc.content),
			})
			walkJSChildren(node, wc, name)
			return
		}

	case "class_declaration":
		nameNode := node.ChildByFieldName("name")
		if nameNode != nil {
			cls := Class{
				Name:      nameNode.Content(wc.content),
				StartLine: startLine(node),
				EndLine:   endLine(node),
			}
			if body := node.ChildByFieldName("body"); body != nil {
				for i := 0; i < int(body.ChildCount()); i++ {
					member := body.Child(i)
					switch member.Type() {
					case "method_definition":
						if mn := member.ChildByFieldName("name"); mn != nil {
							cls.Methods = append(cls.Methods, mn.Content(wc.content))
						}
					case "field_definition", "public_field_definition":
						if pn := member.ChildByFieldName("property"); pn != nil {
							cls.Properties = append(cls.Properties, pn.Content(wc.content))
						}
					}
				}
			}
			wc.entities.Classes = append(wc.entities.Classes, cls)
		}

	case "lexical_declaration", "variable_declaration":
		for i := 0; i < int(node.ChildCount()); i++ {
			decl := node.Child(i)
			if decl.Type() != "variable_declarator" {
				continue
			}
			nameNode := decl.ChildByFieldName("name")
			if nameNode == nil || nameNode.Type() != "identifier" {
				continue
			}
			name := nameNode.Content(wc.content)
			valueNode := decl.ChildByFieldName("value")
			if valueNode != nil && (valueNode.Type() == "arrow_function" || valueNode.Type() == "function" || valueNode.Type() == "function_expression") {
				wc.entities.Functions = append(wc.entities.Functions, Function{
					Name:      name,
					StartLine: startLine(decl),
					EndLine:   endLine(decl),
					Params:    jsParams(valueNode, wc.content),
				})
				walkJSChildren(decl, wc, name)
				continue
			}
			if wc.caller == "" {
				wc.entities.Variables = append(wc.entities.Variables, Variable{
					Name: name,
					Line: startLine(decl),
				})
			}
		}
		return

	case "import_statement":
		if src := node.ChildByFieldName("source"); src != nil {
			wc.entities.Imports = append(wc.entities.Imports, Import{
				Source: strings.Trim(src.Content(wc.content), `"'`),
				Line:   startLine(node),
			})
		}

	case "export_statement":
		recordJSExport(node, wc)

	case "call_expression":
		recordCall(node, wc)
	}

	walkJSChildren(node, wc, wc.caller)
}

func walkJSChildren(node *sitter.Node, wc *walkContext, caller string) {
	inner := *wc
	inner.caller = caller
	for i := 0; i < int(node.ChildCount()); i++ {
		walkJS(node.Child(i), &inner)
	}
}

func recordJSExport(node *sitter.Node, wc *walkContext) {
	isDefault := false
	for i := 0; i < int(node.ChildCount()); i++ {
		if node.Child(i).Type() == "default" {
			isDefault = true
		}
	}
	if decl := node.ChildByFieldName("declaration"); decl != nil {
		name := ""
		if nameNode := decl.ChildByFieldName("name"); nameNode != nil {
			name = nameNode.Content(wc.content)
		} else if decl.Type() == "identifier" {
			name = decl.Content(wc.content)
		}
		if name == "" && isDefault {
			name = "default"
		}
		if name != "" {
			wc.entities.Exports = append(wc.entities.Exports, Export{
				Name:      name,
				Line:      startLine(node),
				IsDefault: isDefault,
			})
		}
		return
	}
	// export { a, b as c }
	for i := 0; i < int(node.ChildCount()); i++ {
		clause := node.Child(i)
		if clause.Type() != "export_clause" {
			continue
		}
		for j := 0; j < int(clause.ChildCount()); j++ {
			spec := clause.Child(j)
			if spec.Type() != "export_specifier" {
				continue
			}
			nameNode := spec.ChildByFieldName("alias")
			if nameNode == nil {
				nameNode = spec.ChildByFieldName("name")
			}
			if nameNode != nil {
				wc.entities.Exports = append(wc.entities.Exports, Export{
					Name: nameNode.Content(wc.content),
					Line: startLine(spec),
				})
			}
		}
	}
}

func jsParams(fnNode *sitter.Node, content []byte) []string {
	paramsNode := fnNode.ChildByFieldName("parameters")
	if paramsNode == nil {
		if p := fnNode.ChildByFieldName("parameter"); p != nil {
			return []string{p.Content(content)}
		}
		return nil
	}
	var params []string
	for i := 0; i < int(paramsNode.ChildCount()); i++ {
		p := paramsNode.Child(i)
		switch p.Type() {
		case "identifier":
			params = append(params, p.Content(content))
		case "required_parameter", "optional_parameter":
			if pat := p.ChildByFieldName("pattern"); pat != nil {
				params = append(params, pat.Content(content))
			}
		case "assignment_pattern":
			if left := p.ChildByFieldName("left"); left != nil {
				params = append(params, left.Content(content))
			}
		case "rest_pattern", "object_pattern", "array_pattern":
			params = append(params, p.Content(content))
		}
	}
	return params
}

func walkPython(node *sitter.Node, wc *walkContext) {
	switch node.Type() {
	case "function_definition":
		nameNode := node.ChildByFieldName("name")
		if nameNode != nil {
			name := nameNode.Content(wc.content)
			wc.entities.Functions = append(wc.entities.Functions, Function{
				Name:      name,
				StartLine: startLine(node),
				EndLine:   endLine(node),
				Params:    pythonParams(node, wc.content),
			})
			inner := *wc
			inner.caller = name
			for i := 0; i < int(node.ChildCount()); i++ {
				walkPython(node.Child(i), &inner)
			}
			return
		}

	case "class_definition":
		nameNode := node.ChildByFieldName("name")
		if nameNode != nil {
			cls := Class{
				Name:      nameNode.Content(wc.content),
				StartLine: startLine(node),
				EndLine:   endLine(node),
			}
			if body := node.ChildByFieldName("body"); body != nil {
				for i := 0; i < int(body.ChildCount()); i++ {
					stmt := body.Child(i)
					if stmt.Type() == "function_definition" {
						if mn := stmt.ChildByFieldName("name"); mn != nil {
							cls.Methods = append(cls.Methods, mn.Content(wc.content))
						}
					}
				}
			}
			wc.entities.Classes = append(wc.entities.Classes, cls)
		}

	case "import_statement", "import_from_statement":
		for i := 0; i < int(node.ChildCount()); i++ {
			child := node.Child(i)
			if child.Type() == "dotted_name" || child.Type() == "relative_import" {
				wc.entities.Imports = append(wc.entities.Imports, Import{
					Source: child.Content(wc.content),
					Line:   startLine(node),
				})
				break
			}
		}

	case "assignment":
		if wc.caller == "" {
			if left := node.ChildByFieldName("left"); left != nil && left.Type() == "identifier" {
				wc.entities.Variables = append(wc.entities.Variables, Variable{
					Name: left.Content(wc.content),
					Line: startLine(node),
				})
			}
		}

	case "call":
		recordCall(node, wc)
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		walkPython(node.Child(i), wc)
	}
}

func pythonParams(fnNode *sitter.Node, content []byte) []string {
	paramsNode := fnNode.ChildByFieldName("parameters")
	if paramsNode == nil {
		return nil
	}
	var params []string
	for i := 0; i < int(paramsNode.ChildCount()); i++ {
		p := paramsNode.Child(i)
		switch p.Type() {
		case "identifier":
			params = append(params, p.Content(content))
		case "typed_parameter", "default_parameter", "typed_default_parameter":
			for j := 0; j < int(p.ChildCount()); j++ {
				if p.Child(j).Type() == "identifier" {
					params = append(params, p.Child(j).Content(content))
					break
				}
			}
		case "list_splat_pattern", "dictionary_splat_pattern":
			params = append(params, p.Content(content))
		}
	}
	return params
}

// recordCall attributes a call site to the enclosing named function.
// Top-level calls have no caller and are skipped.
func recordCall(node *sitter.Node, wc *walkContext) {
	if wc.caller == "" {
		return
	}
	fnNode := node.ChildByFieldName("function")
	if fnNode == nil {
		return
	}
	callee := fnNode.Content(wc.content)
	// keep only the final segment of member calls like a.b.c()
	if idx := strings.LastIndex(callee, "."); idx >= 0 {
		callee = callee[idx+1:]
	}
	if callee == "" {
		return
	}
	wc.entities.Calls = append(wc.entities.Calls, Call{
		CallerName: wc.caller,
		CalleeName: callee,
		Line:       startLine(node),
	})
}

func isCapitalized(name string) bool {
	for _, r := range name {
		return unicode.IsUpper(r)
	}
	return false
}
