// Package main is the entry point for the harvestplane CLI.
// The CLI is the terminal tool for launching and observing collection runs.
package main

import (
	"harvestplane/cmd/cli/cmd"
	"os"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
