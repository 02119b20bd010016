package extractor

import (
	"errors"
	"fmt"
)

// ErrSyntax marks Python source that does not parse.
var ErrSyntax = errors.New("python syntax error")

// Definition is a top-level function or class found in Python source.
type Definition struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"` // "function" or "class"
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Signature string `json:"signature"`
}

// SyntaxError locates the first ERROR or MISSING node of a parse tree.
type SyntaxError struct {
	Line    int
	Column  int
	Missing string // token tree-sitter inserted, if any
	Context string
}

func (e *SyntaxError) Error() string {
	if e.Missing != "" {
		return fmt.Sprintf("line %d col %d: missing %q", e.Line, e.Column, e.Missing)
	}
	if e.Context != "" {
		return fmt.Sprintf("line %d col %d: unexpected %q", e.Line, e.Column, e.Context)
	}
	return fmt.Sprintf("line %d col %d: invalid syntax", e.Line, e.Column)
}

func (e *SyntaxError) Unwrap() error { return ErrSyntax }
