// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 ehs-sentinel contributors

package transform

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"
)

// ErrExpression reports a formula that failed to compile or evaluate
var ErrExpression = errors.New("invalid expression")

// VariableName is the only identifier a formula may reference
const VariableName = "value"

type function struct {
	minArgs, maxArgs int
	call             func(args []float64) float64
}

var functions = map[string]function{
	"abs": {1, 1, func(a []float64) float64 { return math.Abs(a[0]) }},
	"int": {1, 1, func(a []float64) float64 { return math.Trunc(a[0]) }},
	"min": {2, 2, func(a []float64) float64 { return math.Min(a[0], a[1]) }},
	"max": {2, 2, func(a []float64) float64 { return math.Max(a[0], a[1]) }},
	"pow": {2, 2, func(a []float64) float64 { return math.Pow(a[0], a[1]) }},
	"round": {1, 2, func(a []float64) float64 {
		if len(a) == 1 {
			return math.Round(a[0])
		}
		return roundTo(a[0], int(a[1]))
	}},
}

// Expression is a compiled arithmetic formula over one variable.
// Only number literals, the variable, parentheses, unary +/-, the binary
// operators + - * / % and a fixed set of pure functions are accepted.
type Expression struct {
	src  string
	root ast.Expr
}

// Compile parses and checks a formula
func Compile(src string) (*Expression, error) {
	root, err := parser.ParseExpr(src)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrExpression, src, err)
	}
	if err := check(root); err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrExpression, src, err)
	}
	return &Expression{src: src, root: root}, nil
}

func (e *Expression) String() string {
	return e.src
}

// Eval evaluates the formula with value bound to v
func (e *Expression) Eval(v float64) (float64, error) {
	out, err := eval(e.root, v)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrExpression, e.src, err)
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0, fmt.Errorf("%w %q: result is not finite", ErrExpression, e.src)
	}
	return out, nil
}

func check(n ast.Expr) error {
	switch n := n.(type) {
	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return fmt.Errorf("literal %s not allowed", n.Value)
		}
		_, err := parseLiteral(n)
		return err
	case *ast.Ident:
		if n.Name != VariableName {
			return fmt.Errorf("unknown identifier %s", n.Name)
		}
		return nil
	case *ast.ParenExpr:
		return check(n.X)
	case *ast.UnaryExpr:
		if n.Op != token.ADD && n.Op != token.SUB {
			return fmt.Errorf("operator %s not allowed", n.Op)
		}
		return check(n.X)
	case *ast.BinaryExpr:
		switch n.Op {
		case token.ADD, token.SUB, token.MUL, token.QUO, token.REM:
		default:
			return fmt.Errorf("operator %s not allowed", n.Op)
		}
		if err := check(n.X); err != nil {
			return err
		}
		return check(n.Y)
	case *ast.CallExpr:
		ident, ok := n.Fun.(*ast.Ident)
		if !ok {
			return errors.New("only plain function calls are allowed")
		}
		fn, ok := functions[ident.Name]
		if !ok {
			return fmt.Errorf("unknown function %s", ident.Name)
		}
		if len(n.Args) < fn.minArgs || len(n.Args) > fn.maxArgs || n.Ellipsis.IsValid() {
			return fmt.Errorf("%s takes %d to %d arguments", ident.Name, fn.minArgs, fn.maxArgs)
		}
		for _, a := range n.Args {
			if err := check(a); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%T not allowed", n)
}

func eval(n ast.Expr, v float64) (float64, error) {
	switch n := n.(type) {
	case *ast.BasicLit:
		return parseLiteral(n)
	case *ast.Ident:
		return v, nil
	case *ast.ParenExpr:
		return eval(n.X, v)
	case *ast.UnaryExpr:
		x, err := eval(n.X, v)
		if err != nil {
			return 0, err
		}
		if n.Op == token.SUB {
			return -x, nil
		}
		return x, nil
	case *ast.BinaryExpr:
		x, err := eval(n.X, v)
		if err != nil {
			return 0, err
		}
		y, err := eval(n.Y, v)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, errors.New("division by zero")
			}
			return x / y, nil
		case token.REM:
			if y == 0 {
				return 0, errors.New("modulo by zero")
			}
			return math.Mod(x, y), nil
		}
	case *ast.CallExpr:
		fn := functions[n.Fun.(*ast.Ident).Name]
		args := make([]float64, len(n.Args))
		for i, a := range n.Args {
			x, err := eval(a, v)
			if err != nil {
				return 0, err
			}
			args[i] = x
		}
		return fn.call(args), nil
	}
	return 0, fmt.Errorf("%T not allowed", n)
}

func parseLiteral(n *ast.BasicLit) (float64, error) {
	if n.Kind == token.INT {
		i, err := strconv.ParseInt(n.Value, 0, 64)
		if err != nil {
			return 0, err
		}
		return float64(i), nil
	}
	return strconv.ParseFloat(n.Value, 64)
}

func roundTo(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
