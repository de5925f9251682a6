package validator

import (
	"fmt"
	"strings"
	"time"

	"github.com/isdmx/codeguard/analyzer"
	"github.com/isdmx/codeguard/lang"
	"github.com/isdmx/codeguard/rules"
)

// Finding sources
const (
	SourcePattern = "pattern"
	SourceTree    = "tree"
	SourceParser  = "parser"
)

// Feedback categories that do not correspond to a rule category
const (
	FeedbackParseFailure = "parse-failure"
	FeedbackLoopSafety   = "loop-safety"
	FeedbackComplexity   = "complexity"
	FeedbackPerformance  = "performance"
	FeedbackSummary      = "summary"
)

// SeverityInfo marks purely informational feedback.
const SeverityInfo = "info"

// ParseFailureRuleID identifies the synthetic violation emitted when code
// cannot be parsed.
const ParseFailureRuleID = "parse-failure"

// Violation is one finding against one rule. Findings severe enough to block
// live in Result.Violations, the rest in Result.Warnings.
type Violation struct {
	RuleID   string         `json:"ruleId"`
	RuleName string         `json:"ruleName"`
	Category rules.Category `json:"category"`
	Severity rules.Severity `json:"severity"`
	Line     int            `json:"line"`
	Column   int            `json:"column"`
	Match    string         `json:"match"`
	Message  string         `json:"message"`
	Source   string         `json:"source"`
}

func (v Violation) String() string {
	return fmt.Sprintf("[%s] line %d:%d %s (%s): %s", strings.ToUpper(string(v.Severity)), v.Line, v.Column, v.RuleName, v.RuleID, v.Message)
}

// Feedback is one educational entry shown alongside the findings.
type Feedback struct {
	Category      string `json:"category"`
	Title         string `json:"title"`
	Message       string `json:"message"`
	Severity      string `json:"severity"`
	ExampleSafe   string `json:"exampleSafe,omitempty"`
	ExampleUnsafe string `json:"exampleUnsafe,omitempty"`
}

// Timing breaks down where validation time went.
type Timing struct {
	Parse    time.Duration `json:"parse"`
	Patterns time.Duration `json:"patterns"`
	Tree     time.Duration `json:"tree"`
	Total    time.Duration `json:"total"`
}

// Result is the outcome of a full validation.
type Result struct {
	Language    lang.Language    `json:"language"`
	IsValid     bool             `json:"isValid"`
	Violations  []Violation      `json:"violations"`
	Warnings    []Violation      `json:"warnings"`
	RiskScore   int              `json:"riskScore"`
	Feedback    []Feedback       `json:"educationalFeedback"`
	Metrics     analyzer.Metrics `json:"metrics"`
	ParseErrors []string         `json:"parseErrors,omitempty"`
	Timing      Timing           `json:"timing"`
}

// QuickResult is the outcome of a quick check.
type QuickResult struct {
	IsValid            bool `json:"isValid"`
	CriticalIssueCount int  `json:"criticalIssueCount"`
}

// Summary renders blocking findings and guidance as plain text.
func (r *Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Security validation failed (risk score %d/100).\n", r.RiskScore)
	if len(r.Violations) > 0 {
		b.WriteString("\nViolations:\n")
		for _, v := range r.Violations {
			b.WriteString("  - ")
			b.WriteString(v.String())
			b.WriteByte('\n')
		}
	}
	if len(r.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, w := range r.Warnings {
			b.WriteString("  - ")
			b.WriteString(w.String())
			b.WriteByte('\n')
		}
	}
	if len(r.Feedback) > 0 {
		b.WriteString("\nWhat to learn from this:\n")
		for _, f := range r.Feedback {
			fmt.Fprintf(&b, "  * %s: %s\n", f.Title, f.Message)
		}
	}
	return b.String()
}

// Categories returns the distinct categories touched by findings, in order
// of first appearance.
func (r *Result) Categories() []rules.Category {
	seen := map[rules.Category]bool{}
	var out []rules.Category
	for _, list := range [][]Violation{r.Violations, r.Warnings} {
		for _, v := range list {
			if v.Category == "" || seen[v.Category] {
				continue
			}
			seen[v.Category] = true
			out = append(out, v.Category)
		}
	}
	return out
}
