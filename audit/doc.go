// Package audit keeps an append-only record of security verdicts and
// executions in a SQLite database.
//
// Records never carry the submitted code itself, only its SHA-256 digest,
// so the store can be shared with reviewers without leaking learner work.
package audit
