// Command eventlined runs the eventline processor daemon: it connects to the
// event log, elects leaders and drives the registered processors.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"eventline/internal/daemon"
	"eventline/pkg/dcb"
	"eventline/pkg/processor"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	cfg, err := daemon.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventlined: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventlined: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	// Built-in audit processor: logs every event. Deployments embedding the
	// daemon register their own publishers and view updaters instead.
	err = d.Runtime().Register(processor.Processor{
		ID: "audit/log",
		Handler: processor.EventHandlerFunc(func(_ context.Context, processorID string, events []dcb.Event) (int, error) {
			for _, e := range events {
				log.Printf("%s: event %s at %s", processorID, e.Type, e.Cursor())
			}
			return len(events), nil
		}),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventlined: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "eventlined: %v\n", err)
		os.Exit(1)
	}
}
