package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"cointracer/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.Main(ctx, os.Args[1:], cli.DefaultOpener, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
