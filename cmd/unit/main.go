// Package main is the entry point for workq-unit, the execution unit launched
// by the daemon. It reads one job per line on stdin, runs the configured
// command for it and reports the outcome on stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"workq/internal/worker/runtime"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [--] command [args...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	command := flag.Args()
	if len(command) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Protocol messages own stdout; diagnostics go to stderr.
	log.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runtime.Serve(ctx, os.Stdin, os.Stdout, runtime.CommandProcessor(command, nil)); err != nil && ctx.Err() == nil {
		log.Fatalf("unit stopped: %v", err)
	}
}
