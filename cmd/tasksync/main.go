// Package main provides the tasksync command-line interface: task CRUD
// against the local store, on-demand and background sync rounds, and a
// simulated remote authority for local testing.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(GetExitCode(err))
	}
}
