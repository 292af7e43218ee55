package main

import (
	"os"
)

// Set at build time with -ldflags "-X main.version=..."
var version = ""

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
