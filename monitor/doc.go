// Package monitor samples resource usage while sandboxed code runs.
//
// A Monitor starts one Session per execution. The session samples memory,
// an approximate CPU figure, elapsed time, and the network calls and DOM
// mutations reported through its Reporter, and raises advisory alerts when a
// sample crosses the configured limits. Alerts never stop execution; only
// the sandbox timeout does that.
//
// CPU load is a proxy: a fixed micro-benchmark is timed on every tick and
// compared with a baseline taken when the Monitor was created. When a
// process is attached to the reporter its real CPU time and resident memory
// are read from procfs instead.
package monitor
