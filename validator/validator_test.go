package validator

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codeguard/lang"
	"github.com/isdmx/codeguard/rules"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	return New(rules.MustDefault(), zaptest.NewLogger(t), DefaultConfig())
}

func hasRule(list []Violation, id string) bool {
	for _, v := range list {
		if v.RuleID == id {
			return true
		}
	}
	return false
}

func hasFeedback(list []Feedback, category string) bool {
	for _, f := range list {
		if f.Category == category {
			return true
		}
	}
	return false
}

func TestZeroLengthCode(t *testing.T) {
	v := newTestValidator(t)
	for _, l := range lang.All() {
		t.Run(string(l), func(t *testing.T) {
			result := v.Validate("", l, Options{})
			assert.True(t, result.IsValid)
			assert.Equal(t, 0, result.RiskScore)
			assert.Empty(t, result.Violations)
		})
	}
}

func TestDynamicEvaluationIsBlocked(t *testing.T) {
	v := newTestValidator(t)
	tests := []struct {
		language lang.Language
		code     string
		ruleID   string
	}{
		{lang.JavaScript, `eval("1+1")`, "js-eval"},
		{lang.TypeScript, `const x: number = eval("1+1");`, "js-eval"},
		{lang.Python, `eval("1+1")`, "py-eval"},
	}

	for _, tt := range tests {
		t.Run(string(tt.language), func(t *testing.T) {
			result := v.Validate(tt.code, tt.language, Options{})
			assert.False(t, result.IsValid)
			assert.GreaterOrEqual(t, result.RiskScore, 40)
			require.True(t, hasRule(result.Violations, tt.ruleID))
			assert.Contains(t, result.Categories(), rules.CategoryCodeInjection)
			assert.True(t, hasFeedback(result.Feedback, string(rules.CategoryCodeInjection)))
		})
	}
}

func TestTreeAndPatternFindingsAreNotDuplicated(t *testing.T) {
	v := newTestValidator(t)
	result := v.Validate(`eval("1+1")`, lang.JavaScript, Options{})

	count := 0
	for _, viol := range result.Violations {
		if viol.RuleID == "js-eval" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 40, result.RiskScore)
}

func TestTreePhaseCatchesComputedMembers(t *testing.T) {
	v := newTestValidator(t)
	result := v.Validate(`window["eval"]("alert(1)");`, lang.JavaScript, Options{})

	require.True(t, hasRule(result.Violations, "js-eval"))
	for _, viol := range result.Violations {
		if viol.RuleID == "js-eval" {
			assert.Equal(t, SourceTree, viol.Source)
			assert.Equal(t, "window.eval", viol.Match)
		}
	}
	assert.False(t, result.IsValid)
}

func TestCalleeMatching(t *testing.T) {
	evalRule := &rules.Rule{ID: "js-eval", Callees: []string{"eval"}}
	workerRule := &rules.Rule{ID: "js-worker", Callees: []string{"Worker", "SharedWorker"}}
	loopRule := &rules.Rule{ID: "js-infinite-loop"}

	tests := []struct {
		name   string
		rule   *rules.Rule
		callee string
		want   bool
	}{
		{name: "Exact", rule: evalRule, callee: "eval", want: true},
		{name: "Member", rule: evalRule, callee: "window.eval", want: true},
		{name: "SubstringOfMethod", rule: evalRule, callee: "foo.evaluate", want: true},
		{name: "SubstringOfIdentifier", rule: evalRule, callee: "window.evalScript", want: true},
		{name: "CaseInsensitive", rule: workerRule, callee: "self.sharedworker", want: true},
		{name: "Unrelated", rule: evalRule, callee: "console.log", want: false},
		{name: "Empty", rule: evalRule, callee: "", want: false},
		{name: "RuleIDWord", rule: loopRule, callee: "runInfinite", want: true},
		{name: "LanguagePrefixIgnored", rule: loopRule, callee: "json.parse", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, calleeMatches(tt.rule, tt.callee))
		})
	}
}

func TestTreePhaseMatchesCalleeSubstrings(t *testing.T) {
	v := newTestValidator(t)

	for _, code := range []string{`foo.evaluate("1+1");`, `window.evalScript("1+1");`} {
		t.Run(code, func(t *testing.T) {
			result := v.Validate(code, lang.JavaScript, Options{})
			require.True(t, hasRule(result.Violations, "js-eval"))
			assert.False(t, result.IsValid)
		})
	}
}

func TestPythonReflectiveEscapeIsBlocked(t *testing.T) {
	v := newTestValidator(t)
	tests := []struct {
		name string
		code string
	}{
		{name: "ComputedBuiltins", code: `b=globals()['__bui'+'ltins__']; imp=getattr(b,'__imp'+'ort__'); m=imp('o'+'s',{'__name__':'x'})`},
		{name: "DunderGetattr", code: `getattr(obj, "__cla" + "ss__")`},
		{name: "ComputedName", code: "name = '_' * 2 + 'class' + '_' * 2\ngetattr(obj, name)"},
		{name: "Vars", code: `print(vars()['__builtins__'])`},
		{name: "ClosureWalk", code: `f.__closure__[0].cell_contents`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(tt.code, lang.Python, Options{})
			assert.False(t, result.IsValid)
			assert.True(t,
				hasRule(result.Violations, "py-reflective-access") || hasRule(result.Violations, "py-introspection-escape"))
			assert.Contains(t, result.Categories(), rules.CategoryCodeInjection)
		})
	}

	t.Run("LiteralAttributeAllowed", func(t *testing.T) {
		result := v.Validate(`print(getattr(point, "x", 0))`, lang.Python, Options{})
		assert.False(t, hasRule(result.Violations, "py-reflective-access"))
	})
}

func TestCriticalMatchFailsRegardlessOfThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRiskScore = 100
	v := New(rules.MustDefault(), zaptest.NewLogger(t), cfg)

	result := v.Validate("import subprocess", lang.Python, Options{})
	assert.GreaterOrEqual(t, len(result.Violations), 1)
	assert.LessOrEqual(t, result.RiskScore, 100)
	assert.False(t, result.IsValid)
}

func TestHelloWorldPasses(t *testing.T) {
	v := newTestValidator(t)
	result := v.Validate(`print("hello")`, lang.Python, Options{})
	assert.True(t, result.IsValid)
	assert.Equal(t, 0, result.RiskScore)
	assert.Empty(t, result.Violations)
	assert.Empty(t, result.Warnings)
}

func TestInfiniteLoop(t *testing.T) {
	v := newTestValidator(t)

	t.Run("JavaScriptWhileTrueScoresFifteen", func(t *testing.T) {
		result := v.Validate("while (true) {}", lang.JavaScript, Options{})
		require.Len(t, result.Metrics.Loops, 1)
		assert.True(t, result.Metrics.Loops[0].IsInfinite)
		assert.Equal(t, 15, result.RiskScore)
		assert.True(t, result.IsValid)
		assert.True(t, hasFeedback(result.Feedback, string(rules.CategoryInfiniteLoop)))
	})

	t.Run("PythonWhileTrue", func(t *testing.T) {
		result := v.Validate("while True:\n    pass", lang.Python, Options{})
		assert.True(t, result.Metrics.Loops[0].IsInfinite)
		assert.Equal(t, 15, result.RiskScore)
		assert.True(t, hasFeedback(result.Feedback, string(rules.CategoryInfiniteLoop)))
	})

	t.Run("StrictModeBlocks", func(t *testing.T) {
		result := v.Validate("while (true) {}", lang.JavaScript, Options{Strict: true})
		assert.Equal(t, 15, result.RiskScore)
		assert.False(t, result.IsValid)
	})

	t.Run("SoftWarningForWhileWithoutBreak", func(t *testing.T) {
		result := v.Validate("let i = 0;\nwhile (i < 3) { i++; }", lang.JavaScript, Options{})
		assert.True(t, result.IsValid)
		assert.Equal(t, 0, result.RiskScore)
		assert.True(t, hasFeedback(result.Feedback, FeedbackLoopSafety))
	})
}

func TestWarningsDoNotBlockAlone(t *testing.T) {
	v := newTestValidator(t)
	result := v.Validate(`const p = "../data.txt";`, lang.JavaScript, Options{})

	assert.Empty(t, result.Violations)
	require.True(t, hasRule(result.Warnings, "js-path-traversal"))
	assert.Equal(t, 5, result.RiskScore)
	assert.True(t, result.IsValid)
}

func TestParseFailureIsMaximalRisk(t *testing.T) {
	v := newTestValidator(t)
	result := v.Validate("function (", lang.JavaScript, Options{})

	assert.False(t, result.IsValid)
	assert.Equal(t, 100, result.RiskScore)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, ParseFailureRuleID, result.Violations[0].RuleID)
	assert.Equal(t, rules.SeverityCritical, result.Violations[0].Severity)
	assert.NotEmpty(t, result.ParseErrors)
	assert.True(t, hasFeedback(result.Feedback, FeedbackParseFailure))
}

func TestValidateIsIdempotent(t *testing.T) {
	v := newTestValidator(t)
	code := "import os\nos.system('ls')\nwhile True:\n    x = open('../etc/passwd')\n"

	first := v.Validate(code, lang.Python, Options{})
	for i := 0; i < 5; i++ {
		again := v.Validate(code, lang.Python, Options{})
		assert.Equal(t, first.RiskScore, again.RiskScore)
		assert.Equal(t, first.Violations, again.Violations)
		assert.Equal(t, first.Warnings, again.Warnings)
		assert.Equal(t, first.Feedback, again.Feedback)
	}
}

func TestFeedbackIsDeduplicatedPerRuleAndCategory(t *testing.T) {
	v := newTestValidator(t)
	result := v.Validate("a = eval('1')\nb = eval('2')\nc = eval('3')", lang.Python, Options{})

	assert.Len(t, result.Violations, 3)
	ruleEntries := 0
	rollups := 0
	for _, f := range result.Feedback {
		if f.Category == string(rules.CategoryCodeInjection) {
			if f.ExampleUnsafe != "" {
				ruleEntries++
			} else {
				rollups++
			}
		}
	}
	assert.Equal(t, 1, ruleEntries)
	assert.Equal(t, 1, rollups)
	assert.Equal(t, 100, result.RiskScore)
}

func TestQuickCheck(t *testing.T) {
	v := newTestValidator(t)

	t.Run("CriticalFound", func(t *testing.T) {
		q := v.Quick(`eval("1+1")`, lang.JavaScript)
		assert.False(t, q.IsValid)
		assert.Equal(t, 1, q.CriticalIssueCount)
	})

	t.Run("QuickPassDoesNotImplyFullPass", func(t *testing.T) {
		code := `fetch("https://example.com")`
		q := v.Quick(code, lang.JavaScript)
		assert.True(t, q.IsValid)

		full := v.Validate(code, lang.JavaScript, Options{})
		assert.False(t, full.IsValid)
	})

	t.Run("Fast", func(t *testing.T) {
		code := strings.Repeat("console.log('hello world');\n", 50)
		start := time.Now()
		q := v.Quick(code, lang.JavaScript)
		assert.True(t, q.IsValid)
		assert.Less(t, time.Since(start), 50*time.Millisecond)
	})
}

func TestPerformanceBudgetOnlyAddsNote(t *testing.T) {
	v := newTestValidator(t)
	ticks := 0
	v.now = func() time.Time {
		ticks++
		return time.Unix(0, 0).Add(time.Duration(ticks) * time.Second)
	}

	result := v.Validate(`print("hello")`, lang.Python, Options{})
	assert.True(t, result.IsValid)
	assert.True(t, hasFeedback(result.Feedback, FeedbackPerformance))
}

func TestComplexityFeedback(t *testing.T) {
	v := newTestValidator(t)
	var b strings.Builder
	for i := 0; i < 120; i++ {
		b.WriteString("x = 1\n")
	}
	result := v.Validate(b.String(), lang.Python, Options{})
	assert.True(t, result.IsValid)
	assert.True(t, hasFeedback(result.Feedback, FeedbackComplexity))
}

func TestRiskScore(t *testing.T) {
	crit := Violation{Severity: rules.SeverityCritical}
	high := Violation{Severity: rules.SeverityHigh}
	med := Violation{Severity: rules.SeverityMedium}
	low := Violation{Severity: rules.SeverityLow}

	tests := []struct {
		name       string
		violations []Violation
		warnings   []Violation
		complexity float64
		infinite   int
		loc        int
		expected   int
	}{
		{"Empty", nil, nil, 0, 0, 0, 0},
		{"NoLinesIgnoresFindings", []Violation{crit}, nil, 0, 0, 0, 0},
		{"Critical", []Violation{crit}, nil, 0, 0, 1, 40},
		{"MixedWeights", []Violation{high}, []Violation{med, low}, 0, 0, 3, 32},
		{"WarningWeights", nil, []Violation{crit, high}, 0, 0, 3, 35},
		{"ComplexityCountedWithFindings", []Violation{high}, nil, 4, 0, 3, 27},
		{"ComplexityIgnoredWhenLowAndClean", nil, nil, 4, 0, 3, 0},
		{"ComplexityCountedWhenHigh", nil, nil, 6, 0, 3, 3},
		{"InfiniteLoops", nil, nil, 1, 2, 3, 30},
		{"Clamped", []Violation{crit, crit, crit}, nil, 10, 0, 3, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RiskScore(tt.violations, tt.warnings, tt.complexity, tt.infinite, tt.loc))
		})
	}
}

func TestSummary(t *testing.T) {
	v := newTestValidator(t)
	result := v.Validate("import subprocess", lang.Python, Options{})
	summary := result.Summary()
	assert.Contains(t, summary, "Security validation failed")
	assert.Contains(t, summary, "py-subprocess")
	assert.Contains(t, summary, "What to learn from this")
}
