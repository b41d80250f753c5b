// Package main is the entry point for workqctl.
// The CLI is the operator terminal tool for interacting with a workqd daemon.
package main

import (
	"os"

	"workq/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
