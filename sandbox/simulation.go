package sandbox

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/isdmx/codeguard/lang"
)

// BackendSimulation is the name of the fallback backend.
const BackendSimulation = "simulation"

// literalOutput matches print/console.log calls whose only argument is a
// string literal.
var literalOutput = regexp.MustCompile(`(?m)\b(?:print|console\.(?:log|info))\s*\(\s*(?:"((?:[^"\\]|\\.)*)"|'((?:[^'\\]|\\.)*)'|` + "`([^`$]*)`" + `)\s*\)`)

// SimulationBackend never runs code. It echoes the string literals passed
// to print or console.log so learners still see output when no isolation
// is available.
type SimulationBackend struct{}

// Name implements Backend.
func (SimulationBackend) Name() string {
	return BackendSimulation
}

// Supports implements Backend.
func (SimulationBackend) Supports(l lang.Language) bool {
	return l.Valid()
}

// NewContext implements Backend.
func (SimulationBackend) NewContext(spec ContextSpec) IsolatedContext {
	return &simulationContext{limit: spec.Limits.MaxOutputSize}
}

type simulationContext struct {
	limit int
}

func (*simulationContext) Create(context.Context) error {
	return nil
}

func (s *simulationContext) Run(_ context.Context, code string, _ time.Duration) (Output, error) {
	var b strings.Builder
	for _, m := range literalOutput.FindAllStringSubmatch(code, -1) {
		text := m[1] + m[2] + m[3]
		b.WriteString(unescapeLiteral(text))
		b.WriteByte('\n')
	}
	out := b.String()
	truncated := false
	if s.limit > 0 && len(out) > s.limit {
		out = out[:s.limit]
		truncated = true
	}
	return Output{Stdout: out, Simulated: true, Truncated: truncated}, nil
}

func (*simulationContext) Destroy() error {
	return nil
}

var literalEscapes = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\"`, `"`, `\'`, `'`, `\\`, `\`)

func unescapeLiteral(s string) string {
	return literalEscapes.Replace(s)
}
