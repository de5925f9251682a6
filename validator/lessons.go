package validator

import "github.com/isdmx/codeguard/rules"

// categoryLessons is the summary lesson shown once per category touched.
var categoryLessons = map[rules.Category]string{
	rules.CategoryCodeInjection: "Code injection happens when data is treated as code. " +
		"Keep user input as data: parse it, validate it, but never evaluate it.",
	rules.CategoryFilesystemAccess: "Programs running in a shared environment must not read or write the host's files. " +
		"Keep your data in variables and structures instead.",
	rules.CategoryNetworkAccess: "Network access lets code leak information or attack other systems. " +
		"Sandboxed exercises work on local data only.",
	rules.CategoryProcessAccess: "Starting processes or touching the host runtime gives code the host's full power. " +
		"That is the first thing an attacker looks for.",
	rules.CategoryInfiniteLoop: "A loop must always make progress towards its exit. " +
		"Unbounded loops are a denial-of-service risk: they freeze whatever runs them.",
	rules.CategoryMemoryExhaustion: "Huge allocations can exhaust memory for everyone sharing the machine. " +
		"Work with data sizes your exercise actually needs.",
	rules.CategoryPathTraversal: "Path traversal uses ../ segments to escape an intended directory. " +
		"Always normalise paths and check they stay inside the allowed folder.",
}
