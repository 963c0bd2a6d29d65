// Package main is the entry point for the approvals service.
package main

import (
	"fmt"
	"os"

	"github.com/pitabwire/approvals/internal/cli"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := cli.NewRootCommand(version, commit).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
