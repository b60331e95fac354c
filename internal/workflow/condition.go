// Package workflow implements the declarative workflow engine: a small
// boolean condition language, a step router with deterministic tie-break
// rules, and a checkpointing executor over persisted instances.
package workflow

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// SyntaxError reports a malformed condition expression: an unknown operator,
// wrong arity, or unbalanced delimiters.
type SyntaxError struct {
	Expr string
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("condition syntax error in %q: %s", e.Expr, e.Msg)
}

// Node is a parsed condition. Evaluation is pure: a node never mutates the
// state bag and re-evaluating against unchanged state is deterministic.
type Node interface {
	Eval(state map[string]any) bool
	String() string
}

type LiteralNode struct{ Value bool }

func (n *LiteralNode) Eval(map[string]any) bool { return n.Value }
func (n *LiteralNode) String() string           { return fmt.Sprintf("%t", n.Value) }

type ExistsNode struct{ Key string }

func (n *ExistsNode) Eval(state map[string]any) bool {
	v, ok := state[n.Key]
	return ok && v != nil
}
func (n *ExistsNode) String() string { return fmt.Sprintf("exists(%s)", n.Key) }

type EqNode struct {
	Key   string
	Value string
}

// Eval string-coerces the stored value before comparing, so a numeric 3
// matches the literal "3".
func (n *EqNode) Eval(state map[string]any) bool {
	v, ok := state[n.Key]
	if !ok || v == nil {
		return false
	}
	return coerce(v) == n.Value
}
func (n *EqNode) String() string { return fmt.Sprintf("eq(%s, %q)", n.Key, n.Value) }

type ContainsNode struct {
	Key   string
	Value string
}

// Eval requires the stored value to be a sequence and checks membership by
// string-coerced equality.
func (n *ContainsNode) Eval(state map[string]any) bool {
	v, ok := state[n.Key]
	if !ok || v == nil {
		return false
	}
	switch seq := v.(type) {
	case []any:
		for _, item := range seq {
			if coerce(item) == n.Value {
				return true
			}
		}
	case []string:
		for _, item := range seq {
			if item == n.Value {
				return true
			}
		}
	}
	return false
}
func (n *ContainsNode) String() string { return fmt.Sprintf("contains(%s, %q)", n.Key, n.Value) }

type AndNode struct{ Left, Right Node }

func (n *AndNode) Eval(state map[string]any) bool {
	return n.Left.Eval(state) && n.Right.Eval(state)
}
func (n *AndNode) String() string { return fmt.Sprintf("and(%s, %s)", n.Left, n.Right) }

type OrNode struct{ Left, Right Node }

func (n *OrNode) Eval(state map[string]any) bool {
	return n.Left.Eval(state) || n.Right.Eval(state)
}
func (n *OrNode) String() string { return fmt.Sprintf("or(%s, %s)", n.Left, n.Right) }

type NotNode struct{ Child Node }

func (n *NotNode) Eval(state map[string]any) bool { return !n.Child.Eval(state) }
func (n *NotNode) String() string                 { return fmt.Sprintf("not(%s)", n.Child) }

func coerce(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// ParseCondition parses an expression into its AST. The empty expression is
// the implicit default edge and parses to literal true.
func ParseCondition(expr string) (Node, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return &LiteralNode{Value: true}, nil
	}
	return parseExpr(trimmed)
}

func parseExpr(expr string) (Node, error) {
	expr = strings.TrimSpace(expr)

	switch expr {
	case "true":
		return &LiteralNode{Value: true}, nil
	case "false":
		return &LiteralNode{Value: false}, nil
	}

	open := strings.IndexByte(expr, '(')
	if open < 0 || !strings.HasSuffix(expr, ")") {
		return nil, &SyntaxError{Expr: expr, Msg: "expected literal or operator(args)"}
	}
	op := strings.TrimSpace(expr[:open])
	inner := expr[open+1 : len(expr)-1]

	args, err := splitArgs(expr, inner)
	if err != nil {
		return nil, err
	}

	switch op {
	case "exists":
		if len(args) != 1 {
			return nil, &SyntaxError{Expr: expr, Msg: fmt.Sprintf("exists takes 1 argument, got %d", len(args))}
		}
		key, err := parseKey(expr, args[0])
		if err != nil {
			return nil, err
		}
		return &ExistsNode{Key: key}, nil

	case "eq", "contains":
		if len(args) != 2 {
			return nil, &SyntaxError{Expr: expr, Msg: fmt.Sprintf("%s takes 2 arguments, got %d", op, len(args))}
		}
		key, err := parseKey(expr, args[0])
		if err != nil {
			return nil, err
		}
		value := unquote(args[1])
		if op == "eq" {
			return &EqNode{Key: key, Value: value}, nil
		}
		return &ContainsNode{Key: key, Value: value}, nil

	case "and", "or":
		if len(args) != 2 {
			return nil, &SyntaxError{Expr: expr, Msg: fmt.Sprintf("%s takes 2 arguments, got %d", op, len(args))}
		}
		left, err := parseExpr(args[0])
		if err != nil {
			return nil, err
		}
		right, err := parseExpr(args[1])
		if err != nil {
			return nil, err
		}
		if op == "and" {
			return &AndNode{Left: left, Right: right}, nil
		}
		return &OrNode{Left: left, Right: right}, nil

	case "not":
		if len(args) != 1 {
			return nil, &SyntaxError{Expr: expr, Msg: fmt.Sprintf("not takes 1 argument, got %d", len(args))}
		}
		child, err := parseExpr(args[0])
		if err != nil {
			return nil, err
		}
		return &NotNode{Child: child}, nil

	default:
		return nil, &SyntaxError{Expr: expr, Msg: fmt.Sprintf("unknown operator %q", op)}
	}
}

// splitArgs splits on commas at paren depth zero outside quotes. Quoted
// values may contain commas and parens; there is no escaping.
func splitArgs(full, inner string) ([]string, error) {
	var args []string
	depth := 0
	inQuote := false
	start := 0

	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '"':
			inQuote = !inQuote
		case '(':
			if !inQuote {
				depth++
			}
		case ')':
			if !inQuote {
				depth--
				if depth < 0 {
					return nil, &SyntaxError{Expr: full, Msg: "unbalanced parentheses"}
				}
			}
		case ',':
			if !inQuote && depth == 0 {
				args = append(args, strings.TrimSpace(inner[start:i]))
				start = i + 1
			}
		}
	}
	if inQuote {
		return nil, &SyntaxError{Expr: full, Msg: "unterminated quote"}
	}
	if depth != 0 {
		return nil, &SyntaxError{Expr: full, Msg: "unbalanced parentheses"}
	}
	args = append(args, strings.TrimSpace(inner[start:]))
	return args, nil
}

func parseKey(full, arg string) (string, error) {
	if arg == "" {
		return "", &SyntaxError{Expr: full, Msg: "empty key"}
	}
	for _, r := range arg {
		if !(r == '_' || r == '.' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return "", &SyntaxError{Expr: full, Msg: fmt.Sprintf("key %q is not a bare identifier", arg)}
		}
	}
	return arg, nil
}

// unquote strips one pair of surrounding double quotes. Embedded delimiters
// inside unquoted values are not escaped.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// ConditionCache compiles each distinct expression text once. Concurrent
// compilations of the same text are deduplicated through singleflight.
type ConditionCache struct {
	mu    sync.RWMutex
	nodes map[string]Node
	group singleflight.Group
}

func NewConditionCache() *ConditionCache {
	return &ConditionCache{nodes: make(map[string]Node)}
}

func (c *ConditionCache) Compile(expr string) (Node, error) {
	c.mu.RLock()
	node, ok := c.nodes[expr]
	c.mu.RUnlock()
	if ok {
		return node, nil
	}

	v, err, _ := c.group.Do(expr, func() (any, error) {
		parsed, err := ParseCondition(expr)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.nodes[expr] = parsed
		c.mu.Unlock()
		return parsed, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Node), nil
}
