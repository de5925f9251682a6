// Package runtime is the entry point for running learner code: it checks
// resource limits, gates the code through the security validator, runs it
// in a sandbox under a monitoring session and reports one structured result.
//
// Requests are independent and may run concurrently. The engine does not
// cap how many executions run at once; callers that need a bound must
// apply it themselves.
package runtime
