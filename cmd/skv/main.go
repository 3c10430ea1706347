package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newCLI(loadConfig(), os.Stdin, os.Stdout, os.Stderr)
	code := c.run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
