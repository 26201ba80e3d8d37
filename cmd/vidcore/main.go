// Package main is the entry point for the vidcore application.
package main

import (
	"os"

	"github.com/kjanssen/vidcore/cmd/vidcore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
