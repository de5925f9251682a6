// Package main is the entry point for the codeguard server and CLI.
//
// codeguard validates untrusted Python, JavaScript and TypeScript against a
// catalog of security rules and runs code that passes in an isolated context
// with memory, CPU, wall-clock and output limits. The serve command exposes
// it as an MCP server over stdio or HTTP; check and run work on local files.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging, viper for
// configuration and cobra for the command line.
package main
