// Package sandbox runs untrusted code in throwaway isolated contexts.
//
// Every call to Executor.Execute creates one Session backed by a fresh
// IsolatedContext, runs the code under a hard timeout and destroys the
// context on every exit path. Backends provide the isolation:
//
//   - goja runs JavaScript, and TypeScript after type stripping, in a fresh
//     in-process runtime with dangerous globals removed.
//   - process runs Python as a separate process group with a sanitized
//     environment, ulimit resource caps and a restricted builtins prelude.
//   - container runs code in a Docker or Podman container without network
//     or capabilities.
//   - simulation extracts literal output when no isolation is available.
//     It is only used when configured and never for bypassed requests.
//
// Output is sanitized before it leaves the package: labelled secrets are
// redacted, markup is escaped and the result is truncated to the output
// limit.
//
// Usage:
//
//	executor := sandbox.NewExecutor(logger, sandbox.DefaultConfig())
//	result := executor.Execute(ctx, sandbox.Request{
//	    Language: lang.Python,
//	    Code:     "print('Hello, World!')",
//	    Limits:   sandbox.DefaultLimits(),
//	})
package sandbox
