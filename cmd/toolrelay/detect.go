package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/germanamz/toolrelay/pkg/callparse"
	"github.com/germanamz/toolrelay/pkg/engine"
)

func runDetect(args []string) error {
	fs := newFlagSet("detect", "Print the tool calls found in text without resolving or running them. The parser\nsection of the configuration is used when a configuration file exists.")
	config := fs.String("config", "", "path to configuration file")
	input := fs.String("input", "-", "file holding the model turn (- for stdin)")
	asJSON := fs.Bool("json", false, "print the detection result as JSON")
	_ = fs.Parse(args)

	text, err := readText(*input, os.Stdin)
	if err != nil {
		return err
	}

	det, err := detectorFor(resolveConfigPath(*config), *config != "")
	if err != nil {
		return err
	}

	res := det.Detect(text)
	if *asJSON {
		return writeJSON(os.Stdout, res)
	}

	printDetection(os.Stdout, res)
	return nil
}

// detectorFor builds a detector from the parser section at path. A missing
// default configuration falls back to the built-in markers and keys.
func detectorFor(path string, explicit bool) (*callparse.Detector, error) {
	cfg, err := engine.LoadConfig(path)
	switch {
	case err == nil:
		return engine.NewDetector(cfg), nil
	case !explicit && errors.Is(err, os.ErrNotExist):
		return engine.NewDetector(engine.Config{}), nil
	default:
		return nil, err
	}
}

func printDetection(w io.Writer, res callparse.Result) {
	if len(res.Candidates) == 0 && len(res.Errors) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No tool calls found."))
		return
	}

	t := table{header: []string{"#", "KIND", "TOOL", "OFFSET", "PARAMS"}}
	for i, c := range res.Candidates {
		params, err := c.ParamsJSON()
		if err != nil {
			params = []byte(err.Error())
		}
		t.add(fmt.Sprint(i+1), string(c.Kind), c.ToolName, fmt.Sprint(c.Offset), truncate(string(params), 60))
	}
	t.render(w, func(col int, cell string) string {
		if col == 2 {
			return toolNameStyle.Render(cell)
		}
		return cell
	})

	for _, se := range res.Errors {
		fmt.Fprintln(w, errorStyle.Render(se.Error()))
	}
}
