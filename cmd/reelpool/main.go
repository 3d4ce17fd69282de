// Package main is the entry point for the reelpool daemon.
package main

import (
	"os"

	"github.com/reelworks/reelpool/cmd/reelpool/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
