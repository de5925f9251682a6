// Package rules provides the security rule database.
//
// The catalog is a YAML document embedded into the binary and decoded once at
// load time. Every severity, category, language and node kind it names is
// resolved against a closed set; unknown keys, duplicate IDs and invalid
// patterns make loading fail rather than producing a partially usable
// registry.
//
// Usage:
//
//	reg := rules.MustDefault()
//	for _, r := range reg.Rules(lang.Python) {
//	    fmt.Println(r.ID, r.Severity)
//	}
package rules
