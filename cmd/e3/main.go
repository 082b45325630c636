// Package main is the entry point for the e3 CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"go.trai.ch/e3/cmd/e3/commands"
	"go.trai.ch/e3/internal/adapters/discovery"
	"go.trai.ch/e3/internal/orchestrator"
)

func main() {
	os.Exit(run())
}

func run() int {
	cli := commands.New(orchestrator.NewDefault(), discovery.New())
	if err := cli.Execute(context.Background()); err != nil {
		// zerr prints a pretty error report with stack trace and metadata when using %+v
		_, _ = fmt.Fprintf(os.Stderr, "%+v\n", err)
		return 1
	}
	return 0
}
