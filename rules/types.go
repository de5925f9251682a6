package rules

import (
	"fmt"
	"regexp"

	"github.com/isdmx/codeguard/lang"
)

// Severity ranks how dangerous a finding is.
type Severity string

// Severity levels, most severe first
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Blocking reports whether findings of this severity are violations rather
// than warnings.
func (s Severity) Blocking() bool {
	return s == SeverityCritical || s == SeverityHigh
}

// ParseSeverity resolves a severity key.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity: %q", s)
}

// Category groups rules by the kind of danger they describe.
type Category string

// Rule categories
const (
	CategoryCodeInjection    Category = "code-injection"
	CategoryFilesystemAccess Category = "filesystem-access"
	CategoryNetworkAccess    Category = "network-access"
	CategoryProcessAccess    Category = "process-access"
	CategoryInfiniteLoop     Category = "infinite-loop"
	CategoryMemoryExhaustion Category = "memory-exhaustion"
	CategoryPathTraversal    Category = "path-traversal"
)

// Categories returns every category in declaration order.
func Categories() []Category {
	return []Category{
		CategoryCodeInjection,
		CategoryFilesystemAccess,
		CategoryNetworkAccess,
		CategoryProcessAccess,
		CategoryInfiniteLoop,
		CategoryMemoryExhaustion,
		CategoryPathTraversal,
	}
}

// ParseCategory resolves a category key.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category: %q", s)
}

// Title returns a human readable heading for the category.
func (c Category) Title() string {
	switch c {
	case CategoryCodeInjection:
		return "Code Injection"
	case CategoryFilesystemAccess:
		return "File System Access"
	case CategoryNetworkAccess:
		return "Network Access"
	case CategoryProcessAccess:
		return "Process Access"
	case CategoryInfiniteLoop:
		return "Infinite Loops"
	case CategoryMemoryExhaustion:
		return "Memory Exhaustion"
	case CategoryPathTraversal:
		return "Path Traversal"
	default:
		return string(c)
	}
}

// NodeKind names a syntax tree node a rule applies to during the tree phase.
type NodeKind string

// Node kinds inspected by the tree phase
const (
	NodeCall  NodeKind = "CallExpression"
	NodeNew   NodeKind = "NewExpression"
	NodeWhile NodeKind = "WhileStatement"
	NodeFor   NodeKind = "ForStatement"
)

// ParseNodeKind resolves a node kind key.
func ParseNodeKind(s string) (NodeKind, error) {
	switch NodeKind(s) {
	case NodeCall, NodeNew, NodeWhile, NodeFor:
		return NodeKind(s), nil
	}
	return "", fmt.Errorf("unknown node kind: %q", s)
}

// Rule is one immutable entry of the catalog.
type Rule struct {
	ID            string
	Name          string
	Description   string
	Severity      Severity
	Category      Category
	Languages     []lang.Language
	Pattern       *regexp.Regexp
	NodeKinds     []NodeKind
	Callees       []string
	Message       string
	ExampleSafe   string
	ExampleUnsafe string
}

// HasPattern reports whether the rule takes part in the textual pattern phase.
func (r *Rule) HasPattern() bool {
	return r.Pattern != nil
}

// HasExamples reports whether the rule carries safe or unsafe examples.
func (r *Rule) HasExamples() bool {
	return r.ExampleSafe != "" || r.ExampleUnsafe != ""
}

// AppliesTo reports whether the rule inspects nodes of the given kind.
func (r *Rule) AppliesTo(kind NodeKind) bool {
	for _, k := range r.NodeKinds {
		if k == kind {
			return true
		}
	}
	return false
}
