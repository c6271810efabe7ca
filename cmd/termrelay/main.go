package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/termrelay/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	r := cli.NewRunner(os.Stdout, os.Stderr)
	code := r.Run(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}
