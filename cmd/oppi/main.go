// Package main provides the entry point for the oppi CLI.
package main

import (
	"fmt"
	"os"

	"github.com/oppi-dev/oppi/cmd/oppi/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
