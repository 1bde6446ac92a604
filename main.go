// Package main is the entry point for the applayer protocol analyzer.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/applayer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
