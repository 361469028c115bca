package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/germanamz/toolrelay/pkg/connmgr"
	"github.com/germanamz/toolrelay/pkg/registry"
)

func runSync(args []string) error {
	fs := newFlagSet("sync", "Connect to every service, fetch the tool catalogs and print what the sync changed.")
	flags := addCommonFlags(fs)
	diff := fs.Bool("diff", false, "print schema diffs of updated tools")
	asJSON := fs.Bool("json", false, "print the sync report as JSON")
	_ = fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := openEngine(ctx, flags)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	report := eng.Start(ctx)
	if *asJSON {
		return writeJSON(os.Stdout, report)
	}

	printSyncReport(os.Stdout, report, *diff)
	if n := len(report.Failed()); n > 0 {
		return fmt.Errorf("%d of %d services failed to sync", n, len(report.Services))
	}
	return nil
}

func printSyncReport(w io.Writer, report registry.SyncReport, diff bool) {
	t := table{header: []string{"SERVICE", "STATUS", "TOOLS", "CHANGES", "ERROR"}}
	for _, s := range report.Services {
		t.add(s.Service, string(s.Status), fmt.Sprint(s.Tools), changeSummary(s), truncate(s.Error, 60))
	}
	t.render(w, func(col int, cell string) string {
		if col == 1 {
			return statusStyle(strings.TrimSpace(cell)).Render(cell)
		}
		return cell
	})

	for _, s := range report.Services {
		for _, warn := range s.Warnings {
			fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("warning: %s: %s", s.Service, warn)))
		}
	}
	for _, c := range report.Conflicts {
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("conflict: %s offered by %s and %s; kept %s", c.Tool, c.Kept, c.Dropped, c.Kept)))
	}

	if diff {
		for _, s := range report.Services {
			if s.Diff != "" {
				fmt.Fprintf(w, "\n%s\n%s", headerStyle.Render(s.Service), s.Diff)
			}
		}
	}

	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("registry version %d, synced in %s",
		report.Version, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))))
}

func changeSummary(s registry.ServiceReport) string {
	var parts []string
	if n := len(s.Added); n > 0 {
		parts = append(parts, fmt.Sprintf("+%d", n))
	}
	if n := len(s.Updated); n > 0 {
		parts = append(parts, fmt.Sprintf("~%d", n))
	}
	if n := len(s.Removed); n > 0 {
		parts = append(parts, fmt.Sprintf("-%d", n))
	}
	if s.Retained > 0 {
		parts = append(parts, fmt.Sprintf("retained %d", s.Retained))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func runTools(args []string) error {
	fs := newFlagSet("tools", "Sync the registry and list every registered tool.")
	flags := addCommonFlags(fs)
	service := fs.String("service", "", "only list tools of this service")
	asJSON := fs.Bool("json", false, "print the tools as JSON")
	_ = fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := openEngine(ctx, flags)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	eng.Start(ctx)

	snap := eng.Registry().Snapshot()
	tools := snap.Tools()
	if *service != "" {
		tools = snap.Service(*service)
	}

	if *asJSON {
		return writeJSON(os.Stdout, toolSummaries(tools))
	}

	printTools(os.Stdout, tools)
	return nil
}

// toolSummary is the JSON shape printed by the tools command.
type toolSummary struct {
	Name          string   `json:"name"`
	Service       string   `json:"service"`
	Description   string   `json:"description,omitempty"`
	Required      []string `json:"required,omitempty"`
	Parameters    []string `json:"parameters,omitempty"`
	Projection    string   `json:"projection,omitempty"`
	DefaultFields []string `json:"defaultFields,omitempty"`
	TimeoutMS     int64    `json:"timeoutMs,omitempty"`
}

func toolSummaries(tools []registry.ToolDescriptor) []toolSummary {
	out := make([]toolSummary, 0, len(tools))
	for _, d := range tools {
		out = append(out, toolSummary{
			Name:          d.Name,
			Service:       d.ServiceID,
			Description:   d.Description,
			Required:      d.Params.Required(),
			Parameters:    d.Params.Names(),
			Projection:    d.ProjectionField,
			DefaultFields: d.DefaultFields,
			TimeoutMS:     d.Timeout.Milliseconds(),
		})
	}
	return out
}

func printTools(w io.Writer, tools []registry.ToolDescriptor) {
	if len(tools) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No tools registered."))
		return
	}

	t := table{header: []string{"TOOL", "SERVICE", "PARAMETERS", "DESCRIPTION"}}
	for _, d := range tools {
		t.add(d.Name, d.ServiceID, paramSummary(d), truncate(d.Description, 50))
	}
	t.render(w, func(col int, cell string) string {
		if col == 0 {
			return toolNameStyle.Render(cell)
		}
		return cell
	})
}

// paramSummary lists parameter names, marking required ones with '*'.
func paramSummary(d registry.ToolDescriptor) string {
	required := make(map[string]bool)
	for _, name := range d.Params.Required() {
		required[name] = true
	}

	var parts []string
	for _, name := range d.Params.Names() {
		if required[name] {
			name += "*"
		}
		parts = append(parts, name)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}

func runStatus(args []string) error {
	fs := newFlagSet("status", "Run one connection pass and show the state of every service.")
	flags := addCommonFlags(fs)
	asJSON := fs.Bool("json", false, "print the states as JSON")
	_ = fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := openEngine(ctx, flags)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	eng.Connections().Reconcile(ctx)
	states := eng.Connections().States()

	if *asJSON {
		return writeJSON(os.Stdout, states)
	}

	printStates(os.Stdout, states, time.Now())
	return nil
}

func printStates(w io.Writer, states []connmgr.State, now time.Time) {
	t := table{header: []string{"SERVICE", "STATUS", "FAILURES", "RETRY IN", "LAST ERROR"}}
	for _, st := range states {
		retry := "-"
		if st.Status == connmgr.Backoff && !st.NextRetryAt.IsZero() {
			retry = max(st.NextRetryAt.Sub(now), 0).Round(time.Millisecond).String()
		}
		t.add(st.ServiceID, string(st.Status), fmt.Sprint(st.ConsecutiveFailures), retry, truncate(st.LastError, 60))
	}
	t.render(w, func(col int, cell string) string {
		if col == 1 {
			return statusStyle(strings.TrimSpace(cell)).Render(cell)
		}
		return cell
	})
}
