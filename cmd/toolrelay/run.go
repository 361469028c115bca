package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/germanamz/toolrelay/pkg/coordinator"
	"github.com/germanamz/toolrelay/pkg/engine"
)

func runTurn(args []string) error {
	fs := newFlagSet("run", "Run the tool calls found in one model turn and print the records and the guidance\nfor the next model call. The turn is read from --input or stdin.")
	flags := addCommonFlags(fs)
	input := fs.String("input", "-", "file holding the model turn (- for stdin)")
	allowed := fs.String("allow", "", "comma-separated tools admissible in this conversation (default: all)")
	timeout := fs.Duration("timeout", 0, "turn deadline (default: coordinator.turn_timeout)")
	render := fs.Bool("render", false, "render the guidance as markdown")
	asJSON := fs.Bool("json", false, "print the batch as JSON")
	_ = fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	text, err := readText(*input, os.Stdin)
	if err != nil {
		return err
	}

	eng, err := openEngine(ctx, flags)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	eng.Start(ctx)

	sess, err := eng.NewSession(splitList(*allowed)...)
	if err != nil {
		return err
	}

	res, err := sess.SendTurn(ctx, coordinator.Turn{Text: text, Timeout: *timeout})
	if err != nil {
		return err
	}

	if *asJSON {
		return writeJSON(os.Stdout, res)
	}

	printTurn(os.Stdout, res, *render)
	return nil
}

// printTurn writes one line per record followed by the guidance block.
func printTurn(w io.Writer, res engine.TurnResult, render bool) {
	if res.Batch.Empty() {
		fmt.Fprintln(w, dimStyle.Render("No tool calls found."))
		return
	}

	t := table{header: []string{"#", "TOOL", "SERVICE", "STATUS", "TIME", "DETAIL"}}
	for _, r := range res.Batch.Records {
		t.add(
			fmt.Sprint(r.Index+1),
			r.Candidate.ToolName,
			orDash(r.ServiceID),
			string(r.Status),
			formatDuration(r.Duration()),
			recordDetail(r),
		)
	}
	t.render(w, func(col int, cell string) string {
		switch col {
		case 1:
			return toolNameStyle.Render(cell)
		case 3:
			return statusStyle(strings.TrimSpace(cell)).Render(cell)
		default:
			return cell
		}
	})

	for _, se := range res.Batch.SyntaxErrors {
		fmt.Fprintln(w, errorStyle.Render("syntax error: "+se.Error()))
	}

	fmt.Fprintln(w)
	if render {
		fmt.Fprintln(w, renderMarkdown(res.Guidance, 0))
		return
	}
	fmt.Fprintln(w, guidanceBlockStyle.Render(res.Guidance))
}

func recordDetail(r coordinator.Record) string {
	if r.Error != nil {
		return truncate(fmt.Sprintf("%s: %s", r.Error.Kind, r.Error.Message), 60)
	}
	if len(r.Result) > 0 {
		return truncate(string(r.Result), 60)
	}
	return ""
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
