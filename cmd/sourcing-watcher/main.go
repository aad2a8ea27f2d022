package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"procure/internal/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx)
	must(err)
	defer a.Close()

	must(a.RunSourcingWatcher(ctx))
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
