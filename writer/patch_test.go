package writer

import (
	"errors"
	"testing"
)

func TestApplyPatch(t *testing.T) {
	content := "one\ntwo\nthree\nfour"

	tests := []struct {
		name string
		ops  []PatchOp
		want string
	}{
		{
			"replace single line",
			[]PatchOp{{Type: PatchReplace, StartLine: 2, Content: "TWO"}},
			"one\nTWO\nthree\nfour",
		},
		{
			"replace range",
			[]PatchOp{{Type: PatchReplace, StartLine: 2, EndLine: 3, Content: "middle"}},
			"one\nmiddle\nfour",
		},
		{
			"insert at top",
			[]PatchOp{{Type: PatchInsert, StartLine: 1, Content: "zero"}},
			"zero\none\ntwo\nthree\nfour",
		},
		{
			"insert past last line appends",
			[]PatchOp{{Type: PatchInsert, StartLine: 5, Content: "five"}},
			"one\ntwo\nthree\nfour\nfive",
		},
		{
			"delete range",
			[]PatchOp{{Type: PatchDelete, StartLine: 1, EndLine: 2}},
			"three\nfour",
		},
		{
			"ops see the previous result",
			[]PatchOp{
				{Type: PatchDelete, StartLine: 1},
				{Type: PatchReplace, StartLine: 1, Content: "TWO"},
			},
			"TWO\nthree\nfour",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyPatch(content, tt.ops)
			if err != nil {
				t.Fatalf("applyPatch() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("applyPatch() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApplyPatchRejectsInvalidOps(t *testing.T) {
	content := "one\ntwo\nthree"

	tests := []struct {
		name string
		op   PatchOp
	}{
		{"replace line zero", PatchOp{Type: PatchReplace, StartLine: 0, Content: "x"}},
		{"replace past end", PatchOp{Type: PatchReplace, StartLine: 2, EndLine: 9, Content: "x"}},
		{"replace inverted range", PatchOp{Type: PatchReplace, StartLine: 3, EndLine: 2, Content: "x"}},
		{"insert too far", PatchOp{Type: PatchInsert, StartLine: 5, Content: "x"}},
		{"delete past end", PatchOp{Type: PatchDelete, StartLine: 4}},
		{"unknown type", PatchOp{Type: "rewrite", StartLine: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := applyPatch(content, []PatchOp{tt.op})
			if err == nil {
				t.Fatal("expected an error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("error type = %T, want *ValidationError", err)
			}
		})
	}
}
