package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/germanamz/toolrelay/pkg/connmgr"
	"github.com/germanamz/toolrelay/pkg/engine"
	"github.com/germanamz/toolrelay/pkg/registry"
)

func runServe(args []string) error {
	fs := newFlagSet("serve", "Keep every connection alive and resync the registry on the configured schedule,\nprinting connection and sync events until interrupted.")
	flags := addCommonFlags(fs)
	_ = fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := openEngine(ctx, flags)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	sub := eng.Events().Subscribe(64, engine.EventSync, engine.EventConnectionState)
	defer eng.Events().Unsubscribe(sub)

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	for {
		select {
		case ev := <-sub.C:
			printEvent(os.Stdout, ev)
		case err := <-errCh:
			return err
		}
	}
}

func printEvent(w io.Writer, ev engine.Event) {
	stamp := dimStyle.Render(ev.Timestamp.Format("15:04:05"))

	switch data := ev.Data.(type) {
	case connmgr.State:
		line := fmt.Sprintf("%s %s %s", stamp, ev.Service, statusStyle(string(data.Status)).Render(string(data.Status)))
		if data.LastError != "" && data.Status != connmgr.Connected {
			line += " " + dimStyle.Render(truncate(data.LastError, 80))
		}
		fmt.Fprintln(w, line)
	case registry.SyncReport:
		fmt.Fprintf(w, "%s sync v%d: %d services, %d failed\n", stamp, data.Version, len(data.Services), len(data.Failed()))
		for _, s := range data.Services {
			if s.Status != registry.StatusOK || changeSummary(s) != "-" {
				fmt.Fprintf(w, "  %s %s %s\n", s.Service, statusStyle(string(s.Status)).Render(string(s.Status)), changeSummary(s))
			}
		}
	default:
		fmt.Fprintf(w, "%s %s\n", stamp, ev.Kind)
	}
}
