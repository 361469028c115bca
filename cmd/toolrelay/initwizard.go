package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/germanamz/toolrelay/pkg/callparse"
	"github.com/germanamz/toolrelay/pkg/engine"
)

type wizardService struct {
	Name    string
	Kind    string
	Command string // Command line for a spawned mcp service, split on spaces.
	URL     string
}

type wizardConfig struct {
	Services     []wizardService
	Schedule     string
	Cache        string
	RedisAddr    string
	CallTimeout  string
	TurnTimeout  string
	MaxParallel  string
	HintTool     string
	HintText     string
	ProjectField string
}

// YAML shapes written by init. Empty values are omitted so the file only
// holds what the user chose.
type configYAML struct {
	Services    []serviceYAML     `yaml:"services"`
	Coordinator *coordinatorYAML  `yaml:"coordinator,omitempty"`
	Sync        *syncYAML         `yaml:"sync,omitempty"`
	Hints       map[string]string `yaml:"hints,omitempty"`
}

type serviceYAML struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	URL     string   `yaml:"url,omitempty"`
}

type coordinatorYAML struct {
	CallTimeout     string `yaml:"call_timeout,omitempty"`
	TurnTimeout     string `yaml:"turn_timeout,omitempty"`
	MaxParallel     int    `yaml:"max_parallel,omitempty"`
	ProjectionField string `yaml:"projection_field,omitempty"`
}

type syncYAML struct {
	Schedule  string `yaml:"schedule,omitempty"`
	Cache     string `yaml:"cache,omitempty"`
	RedisAddr string `yaml:"redis_addr,omitempty"`
}

func runInit(args []string) error {
	fs := newFlagSet("init", "Write a configuration file interactively.")
	output := fs.String("output", defaultConfigFile, "path of the configuration file to write")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(args)

	if _, err := os.Stat(*output); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *output)
	}

	data, err := runWizard()
	if err != nil {
		return err
	}

	return writeConfigFile(*output, data)
}

func writeConfigFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Run 'toolrelay sync' to check that every service answers.")
	return nil
}

func runWizard() ([]byte, error) {
	var cfg wizardConfig

	for {
		s, err := wizardPromptService(len(cfg.Services))
		if err != nil {
			return nil, err
		}
		cfg.Services = append(cfg.Services, s)

		var more bool
		if err := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().Title("Add another service?").Value(&more),
		)).Run(); err != nil {
			return nil, err
		}
		if !more {
			break
		}
	}

	if err := wizardPromptRuntime(&cfg); err != nil {
		return nil, err
	}

	return marshalWizardConfig(cfg)
}

func wizardPromptService(n int) (wizardService, error) {
	s := wizardService{Name: fmt.Sprintf("service%d", n+1), Kind: "mcp"}

	if err := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Service name").Value(&s.Name).Validate(validateRequired),
		huh.NewSelect[string]().
			Title("Transport").
			Options(
				huh.NewOption("MCP (spawned command or URL)", "mcp"),
				huh.NewOption("HTTP JSON", "http"),
				huh.NewOption("WebSocket", "ws"),
			).
			Value(&s.Kind),
	)).Run(); err != nil {
		return s, err
	}

	var fields []huh.Field
	if s.Kind == "mcp" {
		fields = append(fields, huh.NewInput().Title("Command (empty to use a URL)").Value(&s.Command))
	}
	fields = append(fields, huh.NewInput().Title("URL").Value(&s.URL))

	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return s, err
	}

	if s.Command == "" && s.URL == "" {
		return s, errors.New("a command or a URL is required")
	}

	return s, nil
}

func wizardPromptRuntime(cfg *wizardConfig) error {
	cfg.Schedule = "@every 5m"
	cfg.Cache = engine.CacheMemory
	cfg.CallTimeout = "30s"
	cfg.TurnTimeout = "60s"

	if err := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Per-call timeout").Value(&cfg.CallTimeout).Validate(validateOptionalDuration),
		huh.NewInput().Title("Per-turn timeout").Value(&cfg.TurnTimeout).Validate(validateOptionalDuration),
		huh.NewInput().Title("Parallel services per turn (empty = unlimited)").Value(&cfg.MaxParallel).Validate(validateOptionalCount),
		huh.NewInput().Title("Field projection parameter (empty = fields)").Value(&cfg.ProjectField),
		huh.NewInput().Title("Registry sync schedule (empty = only at start)").Value(&cfg.Schedule).Validate(validateOptionalSchedule),
		huh.NewSelect[string]().
			Title("Catalog cache").
			Options(
				huh.NewOption("In memory", engine.CacheMemory),
				huh.NewOption("Redis", engine.CacheRedis),
				huh.NewOption("None", engine.CacheNone),
			).
			Value(&cfg.Cache),
	)).Run(); err != nil {
		return err
	}

	if cfg.Cache == engine.CacheRedis {
		cfg.RedisAddr = "localhost:6379"
		if err := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("Redis address").Value(&cfg.RedisAddr).Validate(validateRequired),
		)).Run(); err != nil {
			return err
		}
	}

	return huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Tool to give a usage hint for (optional)").Value(&cfg.HintTool).Validate(validateOptionalToolName),
		huh.NewText().Title("Hint text").Value(&cfg.HintText),
	)).Run()
}

func marshalWizardConfig(cfg wizardConfig) ([]byte, error) {
	var yc configYAML

	for _, s := range cfg.Services {
		sy := serviceYAML{Name: s.Name, Kind: s.Kind, URL: s.URL}
		if parts := strings.Fields(s.Command); len(parts) > 0 {
			sy.Command = parts[0]
			sy.Args = parts[1:]
		}
		yc.Services = append(yc.Services, sy)
	}

	coord := coordinatorYAML{
		CallTimeout:     cfg.CallTimeout,
		TurnTimeout:     cfg.TurnTimeout,
		ProjectionField: cfg.ProjectField,
	}
	if cfg.MaxParallel != "" {
		_, _ = fmt.Sscan(cfg.MaxParallel, &coord.MaxParallel)
	}
	if coord != (coordinatorYAML{}) {
		yc.Coordinator = &coord
	}

	sync := syncYAML{Schedule: cfg.Schedule, RedisAddr: cfg.RedisAddr}
	if cfg.Cache != engine.CacheMemory {
		sync.Cache = cfg.Cache
	}
	if sync != (syncYAML{}) {
		yc.Sync = &sync
	}

	if cfg.HintTool != "" && strings.TrimSpace(cfg.HintText) != "" {
		yc.Hints = map[string]string{cfg.HintTool: strings.TrimSpace(cfg.HintText)}
	}

	data, err := yaml.Marshal(yc)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	parsed, err := engine.ParseConfig(data)
	if err != nil {
		return nil, err
	}
	if err := parsed.Validate(); err != nil {
		return nil, err
	}

	return data, nil
}

func validateRequired(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("required")
	}
	return nil
}

func validateOptionalDuration(s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return errors.New("must be a duration such as 30s or 2m")
	}
	if d < 0 {
		return errors.New("must not be negative")
	}
	return nil
}

func validateOptionalCount(s string) error {
	if s == "" {
		return nil
	}
	var n int
	if _, err := fmt.Sscan(s, &n); err != nil || n < 0 {
		return errors.New("must be a non-negative integer")
	}
	return nil
}

func validateOptionalSchedule(s string) error {
	if s == "" {
		return nil
	}
	if _, err := cron.ParseStandard(s); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	return nil
}

func validateOptionalToolName(s string) error {
	if s != "" && !callparse.ValidToolName(s) {
		return errors.New("not a valid tool name")
	}
	return nil
}
