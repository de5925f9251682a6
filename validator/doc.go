// Package validator implements the security gate in front of the sandbox.
//
// A Validator runs a single pass over one snippet: syntax analysis, textual
// pattern matching against the rule database, a tree walk for structured
// languages, loop safety and complexity checks, then risk scoring and the
// gate decision. Every finding carries educational feedback so the result can
// be shown to a learner as is.
//
// Quick mode evaluates only critical textual patterns. A quick pass never
// implies a full pass.
package validator
