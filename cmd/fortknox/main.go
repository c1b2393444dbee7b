// Command fortknox sanitizes content items and compiles reports from them
// through a fail-closed gate pipeline.
//
// Items are masked with progressively stricter PII detectors until a gate
// finds nothing left, packed under a policy, checked again, and only then
// sent to the configured compile engine. Engine output is re-checked for PII
// and verbatim source passages before it is stored; stored reports are
// served again for identical packs without another engine call.
//
// Upstream proxy chaining (e.g. a corporate proxy) is automatic: Go's net/http
// reads HTTP_PROXY / HTTPS_PROXY / NO_PROXY from the environment.
//
// Usage:
//
//	# API server
//	fortknox serve
//
//	# Mask files and print the outcome per file
//	fortknox sanitize notes/*.txt
//
//	# Compile a report from files with the fixture engine
//	FORTKNOX_TESTMODE=1 fortknox compile --policy internal --template weekly notes/*.txt
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fortknox:", err)
		os.Exit(1)
	}
}
