package writer

import (
	"fmt"
	"strings"
)

// Line patch operations. Lines are 1-indexed; an insert may target one
// past the last line to append.
const (
	PatchReplace = "replace"
	PatchInsert  = "insert"
	PatchDelete  = "delete"
)

// PatchOp is one line-oriented edit.
type PatchOp struct {
	Type      string `json:"type"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine,omitempty"`
	Content   string `json:"content,omitempty"`
}

// applyPatch validates and applies ops to content. Ops are applied in
// the given order, each seeing the result of the previous one.
func applyPatch(content string, ops []PatchOp) (string, error) {
	for i, op := range ops {
		next, err := applyOne(content, op)
		if err != nil {
			return "", &ValidationError{Reason: fmt.Sprintf("patch op %d: %v", i+1, err)}
		}
		content = next
	}
	return content, nil
}

func applyOne(content string, op PatchOp) (string, error) {
	lines := strings.Split(content, "\n")

	switch op.Type {
	case PatchReplace:
		end := op.EndLine
		if end == 0 {
			end = op.StartLine
		}
		if op.StartLine < 1 || end > len(lines) || op.StartLine > end {
			return "", fmt.Errorf("replace range %d..%d out of bounds for %d lines", op.StartLine, end, len(lines))
		}
		replacement := strings.Split(op.Content, "\n")
		out := make([]string, 0, len(lines)-(end-op.StartLine+1)+len(replacement))
		out = append(out, lines[:op.StartLine-1]...)
		out = append(out, replacement...)
		out = append(out, lines[end:]...)
		return strings.Join(out, "\n"), nil

	case PatchInsert:
		// Inserting at len+1 appends after the last line.
		if op.StartLine < 1 || op.StartLine > len(lines)+1 {
			return "", fmt.Errorf("insert line %d out of bounds for %d lines", op.StartLine, len(lines))
		}
		inserted := strings.Split(op.Content, "\n")
		out := make([]string, 0, len(lines)+len(inserted))
		out = append(out, lines[:op.StartLine-1]...)
		out = append(out, inserted...)
		out = append(out, lines[op.StartLine-1:]...)
		return strings.Join(out, "\n"), nil

	case PatchDelete:
		end := op.EndLine
		if end == 0 {
			end = op.StartLine
		}
		if op.StartLine < 1 || end > len(lines) || op.StartLine > end {
			return "", fmt.Errorf("delete range %d..%d out of bounds for %d lines", op.StartLine, end, len(lines))
		}
		out := make([]string, 0, len(lines)-(end-op.StartLine+1))
		out = append(out, lines[:op.StartLine-1]...)
		out = append(out, lines[end:]...)
		return strings.Join(out, "\n"), nil

	default:
		return "", fmt.Errorf("unknown patch type %q", op.Type)
	}
}
