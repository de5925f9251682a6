// Package lang defines the closed set of languages codeguard accepts.
//
// Language keys arriving from requests, configuration or the rule catalog are
// resolved through Parse, which rejects anything outside the set instead of
// silently carrying an unknown key deeper into the pipeline.
package lang
