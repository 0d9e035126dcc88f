package workflow

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// compareFunc 由 comparisonPatcher 注入。用户表达式中的函数调用在解析阶段即被拒绝，不会与它冲突。
const compareFunc = "compare"

var (
	comparisonOperators = map[string]bool{"==": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true}
	booleanOperators    = map[string]bool{"&&": true, "||": true, "and": true, "or": true}
)

// EvaluateCondition 使用受限表达式语言求值，只支持比较、布尔运算、字面量与变量读取。
// {name} 被改写为标识符而不是被替换为值。数字字符串只在另一侧是数字时按数字比较，
// 未知变量视为 nil。
func EvaluateCondition(expression string, vars map[string]any) (bool, error) {
	program, err := compileCondition(expression)
	if err != nil {
		return false, err
	}
	env := make(map[string]any, len(vars))
	for k, v := range vars {
		env[k] = v
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval condition %q: %w", expression, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return bool (got %T)", expression, output)
	}
	return result, nil
}

// CompileCondition 检查语法与允许的语法结构，供校验使用。
func CompileCondition(expression string) error {
	_, err := compileCondition(expression)
	return err
}

func compileCondition(expression string) (*vm.Program, error) {
	source := strings.TrimSpace(tokenPattern.ReplaceAllString(expression, "$1"))
	if source == "" {
		return nil, fmt.Errorf("empty condition")
	}
	tree, err := parser.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expression, err)
	}
	guard := &grammarGuard{}
	ast.Walk(&tree.Node, guard)
	if guard.err != nil {
		return nil, fmt.Errorf("condition %q: %w", expression, guard.err)
	}
	program, err := expr.Compile(source,
		expr.DisableAllBuiltins(),
		expr.AllowUndefinedVariables(),
		expr.Function(compareFunc, compareValues, new(func(string, any, any) bool)),
		expr.Patch(comparisonPatcher{}),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expression, err)
	}
	return program, nil
}

// grammarGuard 拒绝比较、布尔运算、字面量与变量读取之外的一切节点。
type grammarGuard struct {
	err error
}

func (g *grammarGuard) Visit(node *ast.Node) {
	if g.err != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.NilNode, *ast.IdentifierNode, *ast.IntegerNode, *ast.FloatNode,
		*ast.BoolNode, *ast.StringNode, *ast.MemberNode, *ast.ChainNode:
	case *ast.UnaryNode:
		switch n.Operator {
		case "!", "not":
		case "-", "+":
			switch n.Node.(type) {
			case *ast.IntegerNode, *ast.FloatNode:
			default:
				g.err = fmt.Errorf("sign operator %q only applies to numeric literals", n.Operator)
			}
		default:
			g.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	case *ast.BinaryNode:
		if !comparisonOperators[n.Operator] && !booleanOperators[n.Operator] {
			g.err = fmt.Errorf("operator %q is not allowed", n.Operator)
		}
	case *ast.CallNode, *ast.BuiltinNode:
		g.err = fmt.Errorf("function calls are not allowed")
	case *ast.ClosureNode, *ast.PointerNode:
		g.err = fmt.Errorf("closures are not allowed")
	case *ast.VariableDeclaratorNode:
		g.err = fmt.Errorf("variable declarations are not allowed")
	default:
		g.err = fmt.Errorf("%s is not allowed", nodeName(n))
	}
}

func nodeName(node ast.Node) string {
	name := strings.TrimSuffix(reflect.TypeOf(node).Elem().Name(), "Node")
	return strings.ToLower(name) + " expression"
}

// comparisonPatcher 把比较运算改写为 compare(op, left, right)，让数字字符串与数字可以互相比较。
type comparisonPatcher struct{}

func (comparisonPatcher) Visit(node *ast.Node) {
	n, ok := (*node).(*ast.BinaryNode)
	if !ok || !comparisonOperators[n.Operator] {
		return
	}
	ast.Patch(node, &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: compareFunc},
		Arguments: []ast.Node{&ast.StringNode{Value: n.Operator}, n.Left, n.Right},
	})
}

func compareValues(params ...any) (any, error) {
	op, _ := params[0].(string)
	left, right := params[1], params[2]

	if l, r, ok := numericPair(left, right); ok {
		switch op {
		case "==":
			return l == r, nil
		case "!=":
			return l != r, nil
		case "<":
			return l < r, nil
		case ">":
			return l > r, nil
		case "<=":
			return l <= r, nil
		case ">=":
			return l >= r, nil
		}
	}
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			switch op {
			case "<":
				return ls < rs, nil
			case ">":
				return ls > rs, nil
			case "<=":
				return ls <= rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
	}
	switch op {
	case "==":
		return reflect.DeepEqual(left, right), nil
	case "!=":
		return !reflect.DeepEqual(left, right), nil
	}
	return nil, fmt.Errorf("invalid operation: %T %s %T", left, op, right)
}

// numericPair 在至少一侧是数字、另一侧是数字或数字字符串时返回两侧的 float64。
// 两侧都是字符串时按字符串比较，因此 "007" == "7" 为假。
func numericPair(left, right any) (float64, float64, bool) {
	l, lNum := toNumber(left)
	r, rNum := toNumber(right)
	if lNum && rNum {
		return l, r, true
	}
	if lNum {
		if r, ok := parseNumber(right); ok {
			return l, r, true
		}
	}
	if rNum {
		if l, ok := parseNumber(left); ok {
			return l, r, true
		}
	}
	return 0, 0, false
}

func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func parseNumber(value any) (float64, bool) {
	s, ok := value.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}
