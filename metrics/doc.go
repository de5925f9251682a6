// Package metrics exposes prometheus counters and histograms for security
// validation and sandbox execution.
//
// Every Collector owns a private registry, so several collectors can live in
// one process (and in one test binary) without clashing.
package metrics
