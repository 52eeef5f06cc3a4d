package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	// Eval runs expression against env and returns whatever it produces.
	Eval(expression string, env map[string]interface{}) (interface{}, error)
	// Evaluate runs expression against env and requires a boolean result.
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ErrUndefinedVariable is returned when an expression names a variable the
// env does not contain.
var ErrUndefinedVariable = errors.New("undefined variable")

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
type ExprEvaluator struct {
	cache map[string]*compiled
	mu    sync.RWMutex
}

// compiled is a cached program and the variables it reads.
type compiled struct {
	program *vm.Program
	vars    []string
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache: make(map[string]*compiled),
	}
}

// Eval evaluates the given expression against env. Programs are compiled
// once per expression and cached. Every variable the expression reads must
// be present in env, even when its value is nil.
func (e *ExprEvaluator) Eval(expression string, env map[string]interface{}) (interface{}, error) {
	if expression == "" {
		return nil, fmt.Errorf("empty expression")
	}

	c, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	for _, name := range c.vars {
		if _, ok := env[name]; !ok {
			return nil, fmt.Errorf("%w %q in '%s'", ErrUndefinedVariable, name, expression)
		}
	}
	return expr.Run(c.program, env)
}

func (e *ExprEvaluator) compile(expression string) (*compiled, error) {
	e.mu.RLock()
	c, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return c, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok = e.cache[expression]; ok {
		return c, nil
	}

	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, err
	}
	// Compiled without a typed env so one cached program serves records of
	// any shape; the variable list replaces the compile-time check.
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	c = &compiled{program: program, vars: variables(tree.Node)}
	e.cache[expression] = c
	return c, nil
}

// variables lists the free identifiers of an expression, excluding called
// function names and names bound by let.
func variables(root ast.Node) []string {
	v := &identCollector{callees: make(map[*ast.IdentifierNode]bool), bound: make(map[string]bool)}
	ast.Walk(&root, v)

	seen := make(map[string]bool)
	var out []string
	for _, id := range v.idents {
		if v.callees[id] || v.bound[id.Value] || seen[id.Value] {
			continue
		}
		seen[id.Value] = true
		out = append(out, id.Value)
	}
	sort.Strings(out)
	return out
}

type identCollector struct {
	idents  []*ast.IdentifierNode
	callees map[*ast.IdentifierNode]bool
	bound   map[string]bool
}

func (c *identCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		c.idents = append(c.idents, n)
	case *ast.CallNode:
		if id, ok := n.Callee.(*ast.IdentifierNode); ok {
			c.callees[id] = true
		}
	case *ast.VariableDeclaratorNode:
		c.bound[n.Name] = true
	}
}

// Evaluate evaluates the given expression against the provided env.
// The expression must evaluate to a boolean; otherwise, an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	result, err := e.Eval(expression, env)
	if err != nil {
		return false, err
	}
	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
