package validator

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codeguard/analyzer"
	"github.com/isdmx/codeguard/lang"
	"github.com/isdmx/codeguard/rules"
)

// Default settings
const (
	DefaultMaxRiskScore       = 30
	DefaultStrictMaxRiskScore = 10
	DefaultPerformanceBudget  = 100 * time.Millisecond
)

// Config holds the tunable thresholds of a Validator.
type Config struct {
	MaxRiskScore       int
	StrictMaxRiskScore int
	PerformanceBudget  time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxRiskScore:       DefaultMaxRiskScore,
		StrictMaxRiskScore: DefaultStrictMaxRiskScore,
		PerformanceBudget:  DefaultPerformanceBudget,
	}
}

// Options adjusts one validation request.
type Options struct {
	// Strict applies StrictMaxRiskScore instead of MaxRiskScore.
	Strict bool
}

// Validator checks code against the rule database. It holds no per-request
// state and is safe for concurrent use.
type Validator struct {
	registry *rules.Registry
	logger   *zap.Logger
	config   Config
	now      func() time.Time
}

// New creates a Validator. Zero config fields take their defaults.
func New(registry *rules.Registry, logger *zap.Logger, cfg Config) *Validator {
	if cfg.MaxRiskScore <= 0 {
		cfg.MaxRiskScore = DefaultMaxRiskScore
	}
	if cfg.StrictMaxRiskScore <= 0 {
		cfg.StrictMaxRiskScore = DefaultStrictMaxRiskScore
	}
	if cfg.PerformanceBudget <= 0 {
		cfg.PerformanceBudget = DefaultPerformanceBudget
	}
	return &Validator{
		registry: registry,
		logger:   logger,
		config:   cfg,
		now:      time.Now,
	}
}

// Config returns the effective configuration.
func (v *Validator) Config() Config {
	return v.config
}

// Validate runs the full validation pipeline.
func (v *Validator) Validate(code string, l lang.Language, opts Options) *Result {
	start := v.now()
	result := &Result{
		Language:   l,
		Violations: []Violation{},
		Warnings:   []Violation{},
		Feedback:   []Feedback{},
	}

	analysis := analyzer.Analyze(code, l)
	result.Metrics = analysis.Metrics
	result.Timing.Parse = v.now().Sub(start)

	if !analysis.Success {
		v.parseFailure(result, analysis)
		result.Timing.Total = v.now().Sub(start)
		v.logResult(result)
		return result
	}

	fb := newFeedbackSet()
	ruleset := v.registry.Rules(l)

	phase := v.now()
	seen := v.patternPhase(result, fb, ruleset, analysis.Lines)
	result.Timing.Patterns = v.now().Sub(phase)

	if analysis.Structured() {
		phase = v.now()
		v.treePhase(result, ruleset, analysis.Nodes, seen)
		result.Timing.Tree = v.now().Sub(phase)
	}

	v.loopSafetyPhase(fb, ruleset, analysis.Metrics.Loops)
	v.complexityPhase(fb, analysis.Metrics)

	infinite := analysis.Metrics.InfiniteLoops()
	result.RiskScore = RiskScore(result.Violations, result.Warnings, analysis.Metrics.Complexity, infinite, analysis.Metrics.LinesOfCode)

	threshold := v.config.MaxRiskScore
	if opts.Strict {
		threshold = v.config.StrictMaxRiskScore
	}
	result.IsValid = result.RiskScore <= threshold && len(result.Violations) == 0

	v.categoryRollup(result, fb, infinite > 0)

	result.Timing.Total = v.now().Sub(start)
	if result.Timing.Total > v.config.PerformanceBudget {
		fb.add("", Feedback{
			Category: FeedbackPerformance,
			Title:    "Validation took longer than usual",
			Message: fmt.Sprintf("Validation took %s, above the %s budget. Very long or deeply nested code is slower to check.",
				result.Timing.Total.Round(time.Millisecond), v.config.PerformanceBudget),
			Severity: SeverityInfo,
		})
	}

	result.Feedback = fb.entries
	v.logResult(result)
	return result
}

// Quick evaluates only critical textual patterns.
func (v *Validator) Quick(code string, l lang.Language) QuickResult {
	count := 0
	lines := strings.Split(code, "\n")
	for _, rule := range v.registry.Critical(l) {
		for _, line := range lines {
			count += len(rule.Pattern.FindAllStringIndex(line, -1))
		}
	}
	return QuickResult{
		IsValid:            count == 0,
		CriticalIssueCount: count,
	}
}

func (v *Validator) parseFailure(result *Result, analysis *analyzer.Analysis) {
	msg := "The code could not be parsed"
	if len(analysis.Errors) > 0 {
		msg = analysis.Errors[0]
	}
	result.ParseErrors = analysis.Errors
	result.Violations = append(result.Violations, Violation{
		RuleID:   ParseFailureRuleID,
		RuleName: "Unparseable code",
		Severity: rules.SeverityCritical,
		Line:     1,
		Column:   1,
		Message:  msg,
		Source:   SourceParser,
	})
	result.RiskScore = MaxRiskScore
	result.IsValid = false
	result.Feedback = append(result.Feedback, Feedback{
		Category: FeedbackParseFailure,
		Title:    "Code could not be parsed",
		Message:  "Code that cannot be parsed cannot be checked, so it is treated as maximally risky. Fix the syntax error and try again: " + msg,
		Severity: string(rules.SeverityCritical),
	})
}

type findingKey struct {
	rule string
	line int
}

func (v *Validator) patternPhase(result *Result, fb *feedbackSet, ruleset []rules.Rule, lines []string) map[findingKey]bool {
	seen := map[findingKey]bool{}
	for i := range ruleset {
		rule := &ruleset[i]
		if !rule.HasPattern() {
			continue
		}
		for n, line := range lines {
			for _, loc := range rule.Pattern.FindAllStringIndex(line, -1) {
				found := Violation{
					RuleID:   rule.ID,
					RuleName: rule.Name,
					Category: rule.Category,
					Severity: rule.Severity,
					Line:     n + 1,
					Column:   loc[0] + 1,
					Match:    line[loc[0]:loc[1]],
					Message:  rule.Message,
					Source:   SourcePattern,
				}
				result.add(found)
				seen[findingKey{rule.ID, n + 1}] = true
				if rule.HasExamples() {
					fb.add("rule:"+rule.ID, ruleFeedback(rule))
				}
			}
		}
	}
	return seen
}

func (v *Validator) treePhase(result *Result, ruleset []rules.Rule, nodes []analyzer.Node, seen map[findingKey]bool) {
	for _, node := range nodes {
		if node.Kind != rules.NodeCall && node.Kind != rules.NodeNew {
			continue
		}
		for i := range ruleset {
			rule := &ruleset[i]
			if !rule.AppliesTo(node.Kind) || !calleeMatches(rule, node.Name) {
				continue
			}
			key := findingKey{rule.ID, node.Line}
			if seen[key] {
				continue
			}
			seen[key] = true
			result.add(Violation{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Category: rule.Category,
				Severity: rule.Severity,
				Line:     node.Line,
				Column:   node.Column,
				Match:    node.Name,
				Message:  rule.Message,
				Source:   SourceTree,
			})
		}
	}
}

// calleeMatches compares a call name against a rule, case-insensitively and
// by substring, so window.evalScript matches eval. Rules listing callees match
// on those names only; other rules match on the dash separated words of the
// rule ID, skipping the language prefix and words shorter than four letters.
func calleeMatches(rule *rules.Rule, name string) bool {
	name = strings.ToLower(name)
	if name == "" {
		return false
	}

	if len(rule.Callees) > 0 {
		for _, callee := range rule.Callees {
			if callee != "" && strings.Contains(name, strings.ToLower(callee)) {
				return true
			}
		}
		return false
	}

	for _, word := range strings.Split(strings.ToLower(rule.ID), "-")[1:] {
		if len(word) >= 4 && strings.Contains(name, word) {
			return true
		}
	}
	return false
}

func (v *Validator) loopSafetyPhase(fb *feedbackSet, ruleset []rules.Rule, loops []analyzer.Loop) {
	var loopRule *rules.Rule
	for i := range ruleset {
		if ruleset[i].Category == rules.CategoryInfiniteLoop {
			loopRule = &ruleset[i]
			break
		}
	}

	for _, loop := range loops {
		switch {
		case loop.IsInfinite:
			entry := Feedback{
				Category: string(rules.CategoryInfiniteLoop),
				Title:    fmt.Sprintf("Infinite %s loop on line %d", loop.Type, loop.Line),
				Message:  "This loop's condition is always true, so it only stops if something inside it breaks out. Unbounded loops freeze the page and are stopped by the sandbox timeout.",
				Severity: string(rules.SeverityMedium),
			}
			if loopRule != nil {
				entry.ExampleSafe = loopRule.ExampleSafe
				entry.ExampleUnsafe = loopRule.ExampleUnsafe
			}
			fb.add(fmt.Sprintf("loop:%d:%s", loop.Line, loop.Type), entry)
		case loop.Type == analyzer.LoopWhile && !loop.HasBreakCondition:
			fb.add(fmt.Sprintf("loop-safety:%d", loop.Line), Feedback{
				Category: FeedbackLoopSafety,
				Title:    fmt.Sprintf("Check the exit of the while loop on line %d", loop.Line),
				Message:  "No break was found inside this loop. Make sure its condition eventually becomes false.",
				Severity: SeverityInfo,
			})
		}
	}
}

func (v *Validator) complexityPhase(fb *feedbackSet, m analyzer.Metrics) {
	if m.Complexity > ComplexityFeedbackLimit {
		fb.add(FeedbackComplexity, Feedback{
			Category: FeedbackComplexity,
			Title:    "High complexity",
			Message:  fmt.Sprintf("Complexity is %.1f/10. Splitting the code into smaller functions makes it easier to read and to check.", m.Complexity),
			Severity: SeverityInfo,
		})
	}
	if m.LinesOfCode > LinesOfCodeFeedbackLimit {
		fb.add("length", Feedback{
			Category: FeedbackComplexity,
			Title:    "Long program",
			Message:  fmt.Sprintf("The program has %d lines of code. Short exercises are easier to reason about.", m.LinesOfCode),
			Severity: SeverityInfo,
		})
	}
}

func (v *Validator) categoryRollup(result *Result, fb *feedbackSet, infinite bool) {
	categories := result.Categories()
	if infinite {
		present := false
		for _, c := range categories {
			if c == rules.CategoryInfiniteLoop {
				present = true
			}
		}
		if !present {
			categories = append(categories, rules.CategoryInfiniteLoop)
		}
	}

	for _, c := range categories {
		fb.add("category:"+string(c), Feedback{
			Category: string(c),
			Title:    c.Title(),
			Message:  categoryLessons[c],
			Severity: categorySeverity(result, c),
		})
	}
}

// categorySeverity is the worst severity among findings in category c.
func categorySeverity(result *Result, c rules.Category) string {
	order := []rules.Severity{rules.SeverityCritical, rules.SeverityHigh, rules.SeverityMedium, rules.SeverityLow}
	worst := len(order)
	for _, list := range [][]Violation{result.Violations, result.Warnings} {
		for _, v := range list {
			if v.Category != c {
				continue
			}
			for i, s := range order {
				if s == v.Severity && i < worst {
					worst = i
				}
			}
		}
	}
	if worst == len(order) {
		return string(rules.SeverityMedium)
	}
	return string(order[worst])
}

func (v *Validator) logResult(result *Result) {
	v.logger.Debug("security validation completed",
		zap.String("language", string(result.Language)),
		zap.Bool("is_valid", result.IsValid),
		zap.Int("risk_score", result.RiskScore),
		zap.Int("violations", len(result.Violations)),
		zap.Int("warnings", len(result.Warnings)),
		zap.Duration("duration", result.Timing.Total))
	if result.Timing.Total > v.config.PerformanceBudget {
		v.logger.Warn("security validation exceeded performance budget",
			zap.Duration("duration", result.Timing.Total),
			zap.Duration("budget", v.config.PerformanceBudget))
	}
}

func (r *Result) add(v Violation) {
	if v.Severity.Blocking() {
		r.Violations = append(r.Violations, v)
	} else {
		r.Warnings = append(r.Warnings, v)
	}
}

func ruleFeedback(rule *rules.Rule) Feedback {
	return Feedback{
		Category:      string(rule.Category),
		Title:         rule.Name,
		Message:       rule.Message,
		Severity:      string(rule.Severity),
		ExampleSafe:   rule.ExampleSafe,
		ExampleUnsafe: rule.ExampleUnsafe,
	}
}

// feedbackSet keeps entries in insertion order, dropping repeated keys.
type feedbackSet struct {
	keys    map[string]bool
	entries []Feedback
}

func newFeedbackSet() *feedbackSet {
	return &feedbackSet{keys: map[string]bool{}, entries: []Feedback{}}
}

func (s *feedbackSet) add(key string, f Feedback) {
	if key != "" {
		if s.keys[key] {
			return
		}
		s.keys[key] = true
	}
	s.entries = append(s.entries, f)
}
