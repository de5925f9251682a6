package analyzer

import (
	"reflect"
	"sort"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"

	"github.com/isdmx/codeguard/lang"
	"github.com/isdmx/codeguard/rules"
)

var nodeInterface = reflect.TypeOf((*ast.Node)(nil)).Elem()

// analyzeJavaScript parses code with goja and walks the resulting tree.
func analyzeJavaScript(code string) *Analysis {
	a := &Analysis{
		Language: lang.JavaScript,
		Lines:    splitLines(code),
	}
	a.Metrics.LinesOfCode = countBraceLOC(code)

	program, err := parser.ParseFile(nil, lang.FilenameJavaScript, code, 0)
	if err != nil {
		a.Errors = append(a.Errors, err.Error())
		a.Metrics.finish()
		return a
	}

	a.Success = true
	a.Tree = program

	w := &jsWalker{
		analysis: a,
		offsets:  lineOffsets(code),
	}
	w.metrics().Cyclomatic = 1
	for _, stmt := range program.Body {
		w.walk(stmt, 0)
	}
	a.Metrics.finish()
	return a
}

type jsWalker struct {
	analysis *Analysis
	offsets  []int
}

func (w *jsWalker) metrics() *Metrics {
	return &w.analysis.Metrics
}

// position converts a goja index (1-based byte offset) into line and column.
func (w *jsWalker) position(n ast.Node) (line, column int) {
	return offsetPosition(w.offsets, int(n.Idx0())-1)
}

func (w *jsWalker) walk(n ast.Node, depth int) {
	if n == nil || reflect.ValueOf(n).IsNil() {
		return
	}

	m := w.metrics()
	switch node := n.(type) {
	case *ast.BlockStatement:
		depth++
		if depth > m.MaxNesting {
			m.MaxNesting = depth
		}
	case *ast.FunctionLiteral, *ast.ArrowFunctionLiteral:
		m.Functions++
	case *ast.ClassLiteral:
		m.Classes++
	case *ast.IfStatement, *ast.ConditionalExpression, *ast.CatchStatement,
		*ast.ForInStatement, *ast.ForOfStatement:
		m.Cyclomatic++
		w.recordIterLoop(n)
	case *ast.CaseStatement:
		if node.Test != nil {
			m.Cyclomatic++
		}
	case *ast.BinaryExpression:
		if node.Operator == token.LOGICAL_AND || node.Operator == token.LOGICAL_OR {
			m.Cyclomatic++
		}
	case *ast.WhileStatement:
		m.Cyclomatic++
		w.recordLoop(n, LoopWhile, isConstantTrue(node.Test), node.Body)
	case *ast.DoWhileStatement:
		m.Cyclomatic++
		w.recordLoop(n, LoopDoWhile, isConstantTrue(node.Test), node.Body)
	case *ast.ForStatement:
		m.Cyclomatic++
		empty := node.Initializer == nil && node.Test == nil && node.Update == nil
		w.recordLoop(n, LoopFor, empty, node.Body)
	case *ast.CallExpression:
		w.recordCall(n, node.Callee, false)
	case *ast.NewExpression:
		w.recordCall(n, node.Callee, true)
	}

	for _, child := range children(n) {
		w.walk(child, depth)
	}
}

func (w *jsWalker) recordIterLoop(n ast.Node) {
	var typ string
	switch n.(type) {
	case *ast.ForInStatement:
		typ = LoopForIn
	case *ast.ForOfStatement:
		typ = LoopForOf
	default:
		return
	}
	line, _ := w.position(n)
	w.metrics().Loops = append(w.metrics().Loops, Loop{Type: typ, Line: line, HasBreakCondition: true})
}

func (w *jsWalker) recordLoop(n ast.Node, typ string, infinite bool, body ast.Statement) {
	line, column := w.position(n)
	hasBreak := containsExit(body)
	// A for loop with a test clause ends on its own.
	if f, ok := n.(*ast.ForStatement); ok && f.Test != nil {
		hasBreak = true
	}
	w.metrics().Loops = append(w.metrics().Loops, Loop{
		Type:              typ,
		Line:              line,
		HasBreakCondition: hasBreak,
		IsInfinite:        infinite,
	})

	kind := rules.NodeWhile
	if typ == LoopFor {
		kind = rules.NodeFor
	}
	w.analysis.Nodes = append(w.analysis.Nodes, Node{
		Kind:     kind,
		Name:     typ,
		Line:     line,
		Column:   column,
		Infinite: infinite,
	})
}

func (w *jsWalker) recordCall(n ast.Node, callee ast.Expression, constructor bool) {
	name := calleeName(callee)
	if name == "" {
		return
	}
	if name == "require" && !constructor {
		w.metrics().Imports++
	}
	line, column := w.position(n)
	w.metrics().Calls = append(w.metrics().Calls, Call{
		Name:          name,
		Line:          line,
		Column:        column,
		IsConstructor: constructor,
	})

	kind := rules.NodeCall
	if constructor {
		kind = rules.NodeNew
	}
	w.analysis.Nodes = append(w.analysis.Nodes, Node{
		Kind:   kind,
		Name:   name,
		Line:   line,
		Column: column,
	})
}

// calleeName renders the callee as a dotted name. Computed members with a
// string key are resolved, so window["eval"] reads as window.eval.
func calleeName(expr ast.Expression) string {
	switch e := expr.(type) {
	case *ast.Identifier:
		return string(e.Name)
	case *ast.DotExpression:
		left := calleeName(e.Left)
		if left == "" {
			return string(e.Identifier.Name)
		}
		return left + "." + string(e.Identifier.Name)
	case *ast.BracketExpression:
		member, ok := e.Member.(*ast.StringLiteral)
		if !ok {
			return calleeName(e.Left)
		}
		left := calleeName(e.Left)
		if left == "" {
			return string(member.Value)
		}
		return left + "." + string(member.Value)
	case *ast.ThisExpression:
		return "this"
	default:
		return ""
	}
}

// isConstantTrue reports whether a loop test is a literal that is always truthy.
func isConstantTrue(expr ast.Expression) bool {
	switch e := expr.(type) {
	case *ast.BooleanLiteral:
		return e.Value
	case *ast.NumberLiteral:
		switch v := e.Value.(type) {
		case int64:
			return v != 0
		case float64:
			return v != 0
		}
	case *ast.StringLiteral:
		return len(e.Value) > 0
	}
	return false
}

// containsExit reports whether a loop body holds a break, return or throw.
func containsExit(body ast.Node) bool {
	found := false
	var visit func(n ast.Node)
	visit = func(n ast.Node) {
		if found || n == nil || reflect.ValueOf(n).IsNil() {
			return
		}
		switch s := n.(type) {
		case *ast.BranchStatement:
			if s.Token == token.BREAK {
				found = true
				return
			}
		case *ast.ReturnStatement, *ast.ThrowStatement:
			found = true
			return
		case *ast.FunctionLiteral, *ast.ArrowFunctionLiteral:
			// Exits inside nested functions do not leave the loop.
			return
		}
		for _, child := range children(n) {
			visit(child)
		}
	}
	visit(body)
	return found
}

// children lists the direct AST children of n by reflecting over its
// exported fields. Declaration lists are skipped because they alias nodes
// that already appear in statement bodies.
func children(n ast.Node) []ast.Node {
	v := reflect.ValueOf(n)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	var out []ast.Node
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Name == "DeclarationList" {
			continue
		}
		collectNodes(v.Field(i), &out)
	}
	return out
}

func collectNodes(v reflect.Value, out *[]ast.Node) {
	switch v.Kind() {
	case reflect.Interface:
		if !v.IsNil() {
			collectNodes(v.Elem(), out)
		}
	case reflect.Ptr:
		if v.IsNil() {
			return
		}
		if v.Type().Implements(nodeInterface) {
			*out = append(*out, v.Interface().(ast.Node))
			return
		}
		collectNodes(v.Elem(), out)
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			collectNodes(v.Index(i), out)
		}
	case reflect.Struct:
		if v.CanAddr() && v.Addr().Type().Implements(nodeInterface) {
			*out = append(*out, v.Addr().Interface().(ast.Node))
			return
		}
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if t.Field(i).IsExported() {
				collectNodes(v.Field(i), out)
			}
		}
	}
}

// lineOffsets returns the byte offset at which each line starts.
func lineOffsets(code string) []int {
	offsets := []int{0}
	for i := 0; i < len(code); i++ {
		if code[i] == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

// offsetPosition converts a 0-based byte offset into 1-based line and column.
func offsetPosition(offsets []int, offset int) (line, column int) {
	if offset < 0 {
		offset = 0
	}
	i := sort.Search(len(offsets), func(i int) bool { return offsets[i] > offset }) - 1
	if i < 0 {
		i = 0
	}
	return i + 1, offset - offsets[i] + 1
}

func splitLines(code string) []string {
	if code == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")
}
