// Package main provides the entry point for the fnsched CLI.
package main

import (
	"os"

	"github.com/fnsched/fnsched/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
