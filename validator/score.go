package validator

import (
	"math"

	"github.com/isdmx/codeguard/rules"
)

var violationWeights = map[rules.Severity]float64{
	rules.SeverityCritical: 40,
	rules.SeverityHigh:     25,
	rules.SeverityMedium:   10,
	rules.SeverityLow:      5,
}

var warningWeights = map[rules.Severity]float64{
	rules.SeverityCritical: 20,
	rules.SeverityHigh:     15,
	rules.SeverityMedium:   5,
	rules.SeverityLow:      2,
}

// Scoring constants
const (
	MaxRiskScore             = 100
	ComplexityWeight         = 0.5
	ComplexityAlwaysCounted  = 5.0
	InfiniteLoopPenalty      = 15
	ComplexityFeedbackLimit  = 7.0
	LinesOfCodeFeedbackLimit = 100
)

// RiskScore computes the 0-100 risk score. Code with no lines scores 0.
func RiskScore(violations, warnings []Violation, complexity float64, infiniteLoops, linesOfCode int) int {
	if linesOfCode == 0 {
		return 0
	}

	score := 0.0
	for _, v := range violations {
		score += violationWeights[v.Severity]
	}
	for _, w := range warnings {
		score += warningWeights[w.Severity]
	}
	if len(violations)+len(warnings) > 0 || complexity > ComplexityAlwaysCounted {
		score += ComplexityWeight * complexity
	}
	score += InfiniteLoopPenalty * float64(infiniteLoops)

	return int(math.Max(0, math.Min(MaxRiskScore, math.Round(score))))
}
