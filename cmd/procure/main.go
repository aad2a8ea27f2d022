package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"procure/internal/app"
	"procure/internal/vault"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]

	if cmd == "key:generate" {
		key, err := vault.GenerateKey()
		must(err)
		fmt.Println(key)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx)
	must(err)
	defer a.Close()

	switch cmd {
	case "email:once":
		svc, err := a.EmailWatcher()
		must(err)
		res, err := svc.RunOnce(ctx)
		must(err)
		fmt.Printf("email cycle done integrations=%d failed=%d fetched=%d classified=%d created=%d sourced=%d\n",
			res.Integrations, res.Failed, res.Fetched, res.Classified, res.Created, res.Sourced)
	case "email:watch":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		interval := fs.Int("interval", 0, "minutes between cycles (default EMAIL_WATCH_INTERVAL_SEC)")
		_ = fs.Parse(os.Args[2:])
		every := time.Duration(a.Config.EmailWatchIntervalSec) * time.Second
		if *interval > 0 {
			every = time.Duration(*interval) * time.Minute
		}
		must(a.RunEmailWatcher(ctx, every))
	case "email:diagnose":
		svc, err := a.Admin()
		must(err)
		results, err := svc.Diagnose(ctx)
		must(err)
		failed := 0
		for _, d := range results {
			if !d.OK() {
				failed++
				fmt.Printf("FAIL %s %s@%s:%d status=%s encrypted=%t: %v\n",
					d.IntegrationID, d.User, d.Host, d.Port, d.Status, d.Encrypted, d.Err)
				continue
			}
			fmt.Printf("OK   %s %s@%s:%d status=%s encrypted=%t mailbox=%s messages=%d unseen=%d\n",
				d.IntegrationID, d.User, d.Host, d.Port, d.Status, d.Encrypted, d.Probe.Mailbox, d.Probe.Messages, d.Probe.Unseen)
		}
		fmt.Printf("diagnosed %d integrations, %d failing\n", len(results), failed)
	case "email:migrate-credentials":
		svc, err := a.Admin()
		must(err)
		n, err := svc.MigrateCredentials(ctx)
		must(err)
		fmt.Printf("encrypted %d plaintext credentials\n", n)
	case "sourcing:watch":
		must(a.RunSourcingWatcher(ctx))
	case "api:serve":
		must(a.RunAPI(ctx))
	case "db:migrate":
		applied, err := a.DB.Migrate(ctx)
		must(err)
		fmt.Printf("migrations applied=%v driver=%s\n", applied, a.DB.Driver())
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: procure <command>")
	fmt.Println("commands:")
	fmt.Println("  email:once")
	fmt.Println("  email:watch [--interval=minutes]")
	fmt.Println("  email:diagnose")
	fmt.Println("  email:migrate-credentials")
	fmt.Println("  sourcing:watch")
	fmt.Println("  api:serve")
	fmt.Println("  db:migrate")
	fmt.Println("  key:generate")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
