package rules

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/isdmx/codeguard/lang"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// catalogFile mirrors the on-disk YAML layout.
type catalogFile struct {
	Rules []catalogRule `yaml:"rules"`
}

type catalogRule struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	Severity      string   `yaml:"severity"`
	Category      string   `yaml:"category"`
	Languages     []string `yaml:"languages"`
	Pattern       string   `yaml:"pattern"`
	NodeKinds     []string `yaml:"node_kinds"`
	Callees       []string `yaml:"callees"`
	Message       string   `yaml:"message"`
	ExampleSafe   string   `yaml:"example_safe"`
	ExampleUnsafe string   `yaml:"example_unsafe"`
}

// Registry is the read-only rule database. It is safe for concurrent use
// because nothing mutates it after Load returns.
type Registry struct {
	byLanguage map[lang.Language][]Rule
	byID       map[string]*Rule
	enabled    map[Category]bool
}

// Option configures a Registry at load time.
type Option func(*Registry)

// WithEnabledCategories restricts the registry to the given categories.
// An empty list keeps every category enabled.
func WithEnabledCategories(categories ...Category) Option {
	return func(r *Registry) {
		if len(categories) == 0 {
			return
		}
		r.enabled = make(map[Category]bool, len(categories))
		for _, c := range categories {
			r.enabled[c] = true
		}
	}
}

// Default loads the embedded catalog.
func Default(opts ...Option) (*Registry, error) {
	return Load(defaultCatalog, opts...)
}

// MustDefault loads the embedded catalog and panics if it is malformed.
func MustDefault(opts ...Option) *Registry {
	reg, err := Default(opts...)
	if err != nil {
		panic(fmt.Sprintf("rules: embedded catalog is invalid: %v", err))
	}
	return reg
}

// Load decodes a YAML catalog and resolves every key against the closed
// enums of this package.
func Load(data []byte, opts ...Option) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("error decoding rule catalog: %w", err)
	}

	reg := &Registry{
		byLanguage: make(map[lang.Language][]Rule),
		byID:       make(map[string]*Rule),
	}
	for _, opt := range opts {
		opt(reg)
	}

	for i, raw := range file.Rules {
		rule, err := raw.resolve()
		if err != nil {
			return nil, fmt.Errorf("rule #%d (%s): %w", i, raw.ID, err)
		}
		if _, dup := reg.byID[rule.ID]; dup {
			return nil, fmt.Errorf("rule #%d: duplicate id %q", i, rule.ID)
		}
		stored := rule
		reg.byID[rule.ID] = &stored
		for _, l := range rule.Languages {
			reg.byLanguage[l] = append(reg.byLanguage[l], rule)
		}
	}

	return reg, nil
}

func (c catalogRule) resolve() (Rule, error) {
	if strings.TrimSpace(c.ID) == "" {
		return Rule{}, fmt.Errorf("id is required")
	}
	severity, err := ParseSeverity(c.Severity)
	if err != nil {
		return Rule{}, err
	}
	category, err := ParseCategory(c.Category)
	if err != nil {
		return Rule{}, err
	}
	if len(c.Languages) == 0 {
		return Rule{}, fmt.Errorf("at least one language is required")
	}

	rule := Rule{
		ID:            c.ID,
		Name:          c.Name,
		Description:   c.Description,
		Severity:      severity,
		Category:      category,
		Callees:       c.Callees,
		Message:       c.Message,
		ExampleSafe:   strings.TrimSpace(c.ExampleSafe),
		ExampleUnsafe: strings.TrimSpace(c.ExampleUnsafe),
	}

	for _, key := range c.Languages {
		l, err := lang.Parse(key)
		if err != nil {
			return Rule{}, err
		}
		rule.Languages = append(rule.Languages, l)
	}
	for _, key := range c.NodeKinds {
		kind, err := ParseNodeKind(key)
		if err != nil {
			return Rule{}, err
		}
		rule.NodeKinds = append(rule.NodeKinds, kind)
	}
	if c.Pattern != "" {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid pattern: %w", err)
		}
		rule.Pattern = re
	}
	if rule.Pattern == nil && len(rule.NodeKinds) == 0 {
		return Rule{}, fmt.Errorf("rule needs a pattern or node kinds")
	}

	return rule, nil
}

// Rules returns the enabled rules for a language in catalog order.
// Unknown languages yield an empty list.
func (r *Registry) Rules(l lang.Language) []Rule {
	all := r.byLanguage[l]
	out := make([]Rule, 0, len(all))
	for _, rule := range all {
		if r.Enabled(rule.Category) {
			out = append(out, rule)
		}
	}
	return out
}

// Critical returns the enabled critical rules with a textual pattern.
func (r *Registry) Critical(l lang.Language) []Rule {
	var out []Rule
	for _, rule := range r.Rules(l) {
		if rule.Severity == SeverityCritical && rule.HasPattern() {
			out = append(out, rule)
		}
	}
	return out
}

// Lookup returns the rule with the given ID.
func (r *Registry) Lookup(id string) (Rule, bool) {
	rule, ok := r.byID[id]
	if !ok {
		return Rule{}, false
	}
	return *rule, true
}

// Enabled reports whether rules of category c are active.
func (r *Registry) Enabled(c Category) bool {
	if r.enabled == nil {
		return true
	}
	return r.enabled[c]
}

// Len returns the number of rules in the catalog.
func (r *Registry) Len() int {
	return len(r.byID)
}

// Categories returns the enabled categories that have at least one rule,
// in canonical order.
func (r *Registry) Categories() []Category {
	present := map[Category]bool{}
	for _, rule := range r.byID {
		present[rule.Category] = true
	}
	var out []Category
	for _, c := range Categories() {
		if present[c] && r.Enabled(c) {
			out = append(out, c)
		}
	}
	return out
}
