// Package analyzer turns source code into a syntax tree or a textual
// approximation of one, plus the metrics the security validator scores.
//
// JavaScript is parsed in-process with goja's parser and yields a real tree.
// Python and TypeScript have no in-process parser here; they get a comment and
// string aware line scan that is good enough for line, loop and call counting
// while pattern matching stays the primary validation for them.
//
// A parse failure is reported with Success=false. Callers must treat that as
// maximal risk, never as "nothing found".
package analyzer
