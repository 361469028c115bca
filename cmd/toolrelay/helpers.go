package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/joho/godotenv"
	"github.com/mattn/go-runewidth"

	"github.com/germanamz/toolrelay/pkg/engine"
)

const (
	defaultConfigDir  = ".toolrelay"
	defaultConfigFile = "toolrelay.yaml"
)

// loadDotEnv loads environment variables from path. A missing file is not
// an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// resolveConfigPath picks the configuration file: the explicit flag, then
// .toolrelay/config.yaml, then toolrelay.yaml.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}

	dirConfig := filepath.Join(defaultConfigDir, "config.yaml")
	if _, err := os.Stat(dirConfig); err == nil {
		return dirConfig
	}

	return defaultConfigFile
}

// newLogger writes text logs to w; verbose lowers the level to debug.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openEngine loads the .env file and configuration named by flags and
// builds an engine. The caller must Close it.
func openEngine(ctx context.Context, flags commonFlags) (*engine.Engine, error) {
	if err := loadDotEnv(*flags.env); err != nil {
		return nil, err
	}

	cfg, err := engine.LoadConfig(resolveConfigPath(*flags.config))
	if err != nil {
		return nil, err
	}

	log := newLogger(os.Stderr, *flags.verbose)
	slog.SetDefault(log)

	return engine.New(ctx, cfg, engine.WithLogger(log))
}

// readText returns the contents of path, or of stdin when path is "-" or
// empty.
func readText(path string, stdin io.Reader) (string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is a user-supplied input file
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// renderMarkdown formats text for the terminal, falling back to the plain
// text when no renderer can be built.
func renderMarkdown(text string, width int) string {
	if width <= 0 {
		width = 100
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return text
	}

	out, err := r.Render(text)
	if err != nil {
		return text
	}

	return strings.TrimRight(out, "\n")
}

// truncate shortens s to at most n display cells, replacing newlines so the
// result fits on one line.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return runewidth.Truncate(s, n, "...")
}

// table lays out rows in columns padded to the widest cell. Cells are
// measured in display cells so wide runes line up.
type table struct {
	header []string
	rows   [][]string
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) widths() []int {
	w := make([]int, len(t.header))
	for i, h := range t.header {
		w[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.rows {
		for i, c := range row {
			if i < len(w) {
				w[i] = max(w[i], runewidth.StringWidth(c))
			}
		}
	}
	return w
}

// render writes the table; style, when set, decorates a padded cell.
func (t *table) render(w io.Writer, style func(col int, cell string) string) {
	widths := t.widths()

	line := func(cells []string, header bool) {
		parts := make([]string, 0, len(cells))
		for i, c := range cells {
			if i >= len(widths) {
				break
			}
			padded := c
			if i < len(cells)-1 {
				padded = runewidth.FillRight(c, widths[i])
			}
			switch {
			case header:
				padded = headerStyle.Render(padded)
			case style != nil:
				padded = style(i, padded)
			}
			parts = append(parts, padded)
		}
		fmt.Fprintln(w, strings.Join(parts, "  "))
	}

	line(t.header, true)
	for _, row := range t.rows {
		line(row, false)
	}
}
