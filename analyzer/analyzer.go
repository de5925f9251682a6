package analyzer

import (
	"math"

	"github.com/dop251/goja/ast"

	"github.com/isdmx/codeguard/lang"
	"github.com/isdmx/codeguard/rules"
)

// Loop type names
const (
	LoopWhile   = "while"
	LoopDoWhile = "do-while"
	LoopFor     = "for"
	LoopForIn   = "for-in"
	LoopForOf   = "for-of"
)

// Loop describes one loop found in the code.
type Loop struct {
	Type              string `json:"type"`
	Line              int    `json:"line"`
	HasBreakCondition bool   `json:"hasBreakCondition"`
	IsInfinite        bool   `json:"isInfinite"`
}

// Call describes one call or constructor expression.
type Call struct {
	Name          string `json:"name"`
	Line          int    `json:"line"`
	Column        int    `json:"column"`
	IsConstructor bool   `json:"isConstructor"`
}

// Node is a tree node of interest to the security validator's tree phase.
type Node struct {
	Kind     rules.NodeKind
	Name     string
	Line     int
	Column   int
	Infinite bool
}

// Metrics summarises the structure of the code.
type Metrics struct {
	LinesOfCode int     `json:"linesOfCode"`
	Cyclomatic  int     `json:"cyclomatic"`
	Complexity  float64 `json:"complexity"`
	Functions   int     `json:"functions"`
	Classes     int     `json:"classes"`
	Imports     int     `json:"imports"`
	MaxNesting  int     `json:"maxNesting"`
	Loops       []Loop  `json:"loops"`
	Calls       []Call  `json:"calls"`
}

// InfiniteLoops counts loops flagged as infinite.
func (m *Metrics) InfiniteLoops() int {
	n := 0
	for _, l := range m.Loops {
		if l.IsInfinite {
			n++
		}
	}
	return n
}

// Analysis is the outcome of analysing one snippet.
type Analysis struct {
	Language lang.Language
	Success  bool
	// Tree is set for structured languages only.
	Tree *ast.Program
	// Lines holds the raw source lines; it is the textual approximation for
	// languages without a tree.
	Lines    []string
	Nodes    []Node
	Metrics  Metrics
	Errors   []string
	Warnings []string
}

// Structured reports whether a real syntax tree backs this analysis.
func (a *Analysis) Structured() bool {
	return a.Tree != nil
}

// Analyze parses code written in l and collects metrics.
func Analyze(code string, l lang.Language) *Analysis {
	switch l {
	case lang.JavaScript:
		return analyzeJavaScript(code)
	case lang.Python:
		return analyzePython(code)
	case lang.TypeScript:
		return analyzeBraces(code, lang.TypeScript)
	default:
		return &Analysis{
			Language: l,
			Lines:    splitLines(code),
			Errors:   []string{"unsupported language: " + string(l)},
		}
	}
}

// ComplexityScore maps the raw counts onto the 0-10 scale.
func ComplexityScore(cyclomatic, functions, nesting int) float64 {
	decisions := cyclomatic - 1
	if decisions < 0 {
		decisions = 0
	}
	raw := 0.4*float64(decisions) + 0.3*float64(functions) + 0.8*float64(nesting)
	raw = math.Round(raw*10) / 10
	return math.Max(0, math.Min(10, raw))
}

func (m *Metrics) finish() {
	if m.Cyclomatic < 1 {
		m.Cyclomatic = 1
	}
	m.Complexity = ComplexityScore(m.Cyclomatic, m.Functions, m.MaxNesting)
	if m.Loops == nil {
		m.Loops = []Loop{}
	}
	if m.Calls == nil {
		m.Calls = []Call{}
	}
}
