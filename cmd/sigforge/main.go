// ABOUTME: Entry point for the sigforge CLI
// ABOUTME: Build information is injected at link time

package main

import (
	"fmt"
	"os"
)

// Build information, set via -ldflags.
var (
	version   = "dev"
	gitSHA    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
