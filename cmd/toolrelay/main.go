package main

import (
	"flag"
	"fmt"
	"os"
)

const usage = `Usage: toolrelay <command> [flags]

Commands:
  run     Run the tool calls found in one model turn and print the guidance
  detect  Print the tool calls found in text without running them
  sync    Refresh the tool registry and print what changed
  tools   List the registered tools
  status  Show the connection state of every service
  serve   Keep connections and the registry fresh until interrupted
  host    Serve the demo HR tools over MCP stdio or HTTP
  init    Write a configuration file interactively

Run 'toolrelay <command> -h' for the flags of a command.
`

// commonFlags are accepted by every command that loads a configuration.
type commonFlags struct {
	config  *string
	env     *string
	verbose *bool
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		config:  fs.String("config", "", "path to configuration file (default: .toolrelay/config.yaml or toolrelay.yaml)"),
		env:     fs.String("env", ".env", "path to .env file (ignored if missing)"),
		verbose: fs.Bool("verbose", false, "log debug output to stderr"),
	}
}

func newFlagSet(name, synopsis string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: toolrelay %s [flags]\n\n%s\n\nFlags:\n", name, synopsis)
		fs.PrintDefaults()
	}

	return fs
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	commands := map[string]func([]string) error{
		"run":    runTurn,
		"detect": runDetect,
		"sync":   runSync,
		"tools":  runTools,
		"status": runStatus,
		"serve":  runServe,
		"host":   runHost,
		"init":   runInit,
	}

	name := os.Args[1]
	if name == "-h" || name == "--help" || name == "help" {
		fmt.Fprint(os.Stdout, usage)
		return
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n\n%s", name, usage)
		os.Exit(2)
	}

	if err := cmd(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
