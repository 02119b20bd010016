// Package extractor parses generated Python with tree-sitter.
package extractor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

const definitionQuery = `
	(module (function_definition name: (identifier) @name) @def)
	(module (class_definition name: (identifier) @name) @def)
	(module (decorated_definition definition: (function_definition name: (identifier) @name)) @def)
	(module (decorated_definition definition: (class_definition name: (identifier) @name)) @def)
`

const maxContext = 40

func parse(ctx context.Context, code []byte) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, code)
	if err != nil {
		return nil, fmt.Errorf("failed to parse python: %w", err)
	}
	return tree, nil
}

// CheckPython reports the first syntax error in code as a *SyntaxError.
func CheckPython(ctx context.Context, code string) error {
	src := []byte(code)
	tree, err := parse(ctx, src)
	if err != nil {
		return err
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil
	}
	if bad := firstError(root); bad != nil {
		return syntaxErrorAt(bad, src)
	}
	return &SyntaxError{Line: 1}
}

func firstError(node *sitter.Node) *sitter.Node {
	if node.IsError() || node.IsMissing() {
		return node
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if bad := firstError(node.Child(i)); bad != nil {
			return bad
		}
	}
	return nil
}

func syntaxErrorAt(node *sitter.Node, src []byte) *SyntaxError {
	start := node.StartPoint()
	se := &SyntaxError{Line: int(start.Row) + 1, Column: int(start.Column)}
	if node.IsMissing() {
		se.Missing = node.Type()
		return se
	}
	text := node.Content(src)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > maxContext {
		text = text[:maxContext]
	}
	se.Context = strings.TrimSpace(text)
	return se
}

// Definitions lists the module-level functions and classes of code in
// source order. Decorators are included in the reported span.
func Definitions(ctx context.Context, code string) ([]Definition, error) {
	src := []byte(code)
	tree, err := parse(ctx, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	lang := python.GetLanguage()
	query, err := sitter.NewQuery([]byte(definitionQuery), lang)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer query.Close()

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(query, tree.RootNode())

	var defs []Definition
	for {
		m, ok := qc.NextMatch()
		if !ok {
			break
		}
		var defNode, nameNode *sitter.Node
		for _, c := range m.Captures {
			switch query.CaptureNameForId(c.Index) {
			case "def":
				defNode = c.Node
			case "name":
				nameNode = c.Node
			}
		}
		if defNode == nil || nameNode == nil {
			continue
		}
		defs = append(defs, newDefinition(defNode, nameNode, src))
	}
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].StartLine < defs[j].StartLine })
	return defs, nil
}

func newDefinition(defNode, nameNode *sitter.Node, src []byte) Definition {
	inner := defNode
	if defNode.Type() == "decorated_definition" {
		if d := defNode.ChildByFieldName("definition"); d != nil {
			inner = d
		}
	}

	kind := "function"
	if inner.Type() == "class_definition" {
		kind = "class"
	}

	signature := inner.Content(src)
	if body := inner.ChildByFieldName("body"); body != nil {
		signature = strings.TrimSpace(string(src[inner.StartByte():body.StartByte()]))
	}

	return Definition{
		Name:      nameNode.Content(src),
		Kind:      kind,
		StartLine: int(defNode.StartPoint().Row) + 1,
		EndLine:   int(defNode.EndPoint().Row) + 1,
		Signature: signature,
	}
}

// FunctionNames returns the names of the module-level functions in code.
func FunctionNames(ctx context.Context, code string) ([]string, error) {
	defs, err := Definitions(ctx, code)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, d := range defs {
		if d.Kind == "function" {
			names = append(names, d.Name)
		}
	}
	return names, nil
}
