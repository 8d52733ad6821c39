// Package calc evaluates the restricted arithmetic used by "calculate" transformations.
//
// An expression may contain numbers, quoted strings, {field.path} references,
// unary + and -, the binary operators + - * / %, and parentheses. Field
// references are rewritten to generated variables, the parsed tree is checked
// against that grammar, and only then is it compiled by expr-lang/expr.
package calc

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)

// Error reports why an expression was rejected or failed.
type Error struct {
	Expression string
	Phase      string // "parse", "validate", "compile", "bind" or "run"
	Cause      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("calc %s %q: %v", e.Phase, e.Expression, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Expression is a validated, compiled expression.
type Expression struct {
	source  string
	fields  []string
	program *vm.Program
}

// Compile validates src and prepares it for evaluation.
func Compile(src string) (*Expression, error) {
	rewritten, fields, err := rewriteFields(src)
	if err != nil {
		return nil, &Error{Expression: src, Phase: "parse", Cause: err}
	}
	if strings.TrimSpace(rewritten) == "" {
		return nil, &Error{Expression: src, Phase: "parse", Cause: fmt.Errorf("empty expression")}
	}

	tree, err := parser.Parse(rewritten)
	if err != nil {
		return nil, &Error{Expression: src, Phase: "parse", Cause: err}
	}
	allowed := make(map[string]bool, len(fields))
	for i := range fields {
		allowed[varName(i)] = true
	}
	v := &whitelist{allowed: allowed}
	ast.Walk(&tree.Node, v)
	if v.err != nil {
		return nil, &Error{Expression: src, Phase: "validate", Cause: v.err}
	}

	program, err := expr.Compile(rewritten, expr.DisableAllBuiltins())
	if err != nil {
		return nil, &Error{Expression: src, Phase: "compile", Cause: err}
	}
	return &Expression{source: src, fields: fields, program: program}, nil
}

// Fields lists the referenced field paths in order of first appearance.
func (e *Expression) Fields() []string {
	return append([]string(nil), e.fields...)
}

// Eval binds every referenced field through lookup and runs the expression.
// Integer results are returned as float64, the JSON number type.
func (e *Expression) Eval(lookup func(path string) (any, bool)) (any, error) {
	env := make(map[string]any, len(e.fields))
	for i, f := range e.fields {
		v, ok := lookup(f)
		if !ok {
			return nil, &Error{Expression: e.source, Phase: "bind", Cause: fmt.Errorf("field %q not found", f)}
		}
		env[varName(i)] = bindValue(v)
	}
	out, err := expr.Run(e.program, env)
	if err != nil {
		return nil, &Error{Expression: e.source, Phase: "run", Cause: err}
	}
	switch n := out.(type) {
	case int:
		return float64(n), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, &Error{Expression: e.source, Phase: "run", Cause: fmt.Errorf("result is not a finite number")}
		}
	}
	return out, nil
}

// Eval compiles and evaluates src in one step.
func Eval(src string, lookup func(path string) (any, bool)) (any, error) {
	e, err := Compile(src)
	if err != nil {
		return nil, err
	}
	return e.Eval(lookup)
}

// bindValue turns whole JSON numbers into ints so % works on them; expr's / still
// yields a float.
func bindValue(v any) any {
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int(f)
	}
	return v
}

func varName(i int) string { return fmt.Sprintf("f%d", i) }

// rewriteFields replaces {path} placeholders outside string literals with f0, f1, ...
func rewriteFields(src string) (string, []string, error) {
	var (
		b      strings.Builder
		fields []string
		index  = map[string]int{}
		quote  rune
		escape bool
	)
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			b.WriteRune(r)
			switch {
			case escape:
				escape = false
			case r == '\\':
				escape = true
			case r == quote:
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'':
			quote = r
			b.WriteRune(r)
		case '{':
			end := -1
			for j := i + 1; j < len(runes); j++ {
				if runes[j] == '}' {
					end = j
					break
				}
			}
			if end < 0 {
				return "", nil, fmt.Errorf("unterminated field reference at offset %d", i)
			}
			path := strings.TrimSpace(string(runes[i+1 : end]))
			if !fieldPattern.MatchString(path) {
				return "", nil, fmt.Errorf("invalid field reference {%s}", path)
			}
			n, seen := index[path]
			if !seen {
				n = len(fields)
				index[path] = n
				fields = append(fields, path)
			}
			b.WriteString(" " + varName(n) + " ")
			i = end
		case '}':
			return "", nil, fmt.Errorf("unexpected '}' at offset %d", i)
		default:
			b.WriteRune(r)
		}
	}
	if quote != 0 {
		return "", nil, fmt.Errorf("unterminated string literal")
	}
	return b.String(), fields, nil
}

// whitelist rejects every node outside the arithmetic grammar.
type whitelist struct {
	allowed map[string]bool
	err     error
}

func (w *whitelist) Visit(node *ast.Node) {
	if w.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.IntegerNode, *ast.FloatNode, *ast.StringNode:
	case *ast.IdentifierNode:
		if !w.allowed[n.Value] {
			w.err = fmt.Errorf("unknown identifier %q (reference fields as {name})", n.Value)
		}
	case *ast.UnaryNode:
		if n.Operator != "-" && n.Operator != "+" {
			w.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	case *ast.BinaryNode:
		switch n.Operator {
		case "+", "-", "*", "/", "%":
		default:
			w.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	default:
		w.err = fmt.Errorf("%T is not allowed", n)
	}
}
