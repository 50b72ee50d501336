// Package config implements spec.md §6's layered configuration resolution:
// project config file, then CLI flags, then environment variables, last
// wins. Each layer is an explicit overlay applied in that fixed order
// (not viper's own precedence stack, which ranks flags above env — the
// opposite of what spec.md §6 asks for).
package config

import (
	"fmt"

	"github.com/google/shlex"

	"github.com/RefoundAI/ralph-sub000/internal/modelstrategy"
)

// Source names the layer that supplied a resolved field's value.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceFlag    Source = "flag"
	SourceEnv     Source = "env"
)

const (
	DefaultAgentCommand = "claude"
	DefaultMaxRetries   = 3
	DefaultVerify       = true
)

// Config is the resolved set of values the run loop and command surface
// need to start a run.
type Config struct {
	AgentCommand  string
	Limit         int
	ModelStrategy modelstrategy.Kind
	FixedTier     modelstrategy.Tier
	MaxRetries    int
	Verify        bool
}

// ValidationError reports a malformed configuration value rejected before
// any side effect occurs, mirroring dag.ValidationError's shape (spec.md
// §7's "Validation" error kind).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("config: %s", e.Reason) }

// Meta records which layer supplied each resolved field, keyed by the
// same dotted names as the project config file (e.g. "execution.verify").
type Meta struct {
	sources map[string]Source
}

func newMeta() Meta { return Meta{sources: make(map[string]Source)} }

// Source reports which layer last set key, or SourceDefault if no layer
// touched it.
func (m Meta) Source(key string) Source {
	if s, ok := m.sources[key]; ok {
		return s
	}
	return SourceDefault
}

func (m Meta) set(key string, s Source) { m.sources[key] = s }

// Flags carries CLI-flag values, as parsed by cmd/ralph's cobra command.
// Fields are nil unless the operator actually passed the flag (cobra's
// Flags().Changed), so Load can tell "not set" from "set to zero value".
type Flags struct {
	Agent         *string
	Limit         *int
	Model         *string
	ModelStrategy *string
	MaxRetries    *int
	NoVerify      *bool
}

type options struct {
	env        func(string) (string, bool)
	filePath   string
	fileReader func(string) ([]byte, error)
	flags      Flags
}

// Option configures a Load call.
type Option func(*options)

// WithEnv supplies the environment-variable layer's lookup function.
// Tests pass a fake; production passes os.LookupEnv.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(o *options) { o.env = lookup }
}

// WithFileReader supplies the project config file's path and a reader
// function (os.ReadFile in production; a fake returning os.ErrNotExist
// for "no file present" in tests).
func WithFileReader(path string, reader func(string) ([]byte, error)) Option {
	return func(o *options) {
		o.filePath = path
		o.fileReader = reader
	}
}

// WithFlags supplies the CLI-flag layer.
func WithFlags(f Flags) Option {
	return func(o *options) { o.flags = f }
}

// Load resolves a Config from defaults overlaid by the project config
// file, then CLI flags, then environment variables (spec.md §6's
// resolution-order table, "last wins").
func Load(opts ...Option) (Config, Meta, error) {
	o := options{}
	for _, apply := range opts {
		apply(&o)
	}

	cfg := Config{
		AgentCommand:  DefaultAgentCommand,
		ModelStrategy: modelstrategy.KindCostOptimized,
		MaxRetries:    DefaultMaxRetries,
		Verify:        DefaultVerify,
	}
	meta := newMeta()

	if o.fileReader != nil {
		fc, present, err := loadFile(o.filePath, o.fileReader)
		if err != nil {
			return Config{}, Meta{}, err
		}
		if present {
			if fc.Agent.Command != "" {
				cfg.AgentCommand = fc.Agent.Command
				meta.set("agent.command", SourceFile)
			}
			if fc.Execution.MaxRetries > 0 {
				cfg.MaxRetries = fc.Execution.MaxRetries
				meta.set("execution.max_retries", SourceFile)
			}
			if fc.Execution.Verify != nil {
				cfg.Verify = *fc.Execution.Verify
				meta.set("execution.verify", SourceFile)
			}
		}
	}

	if o.flags.Agent != nil {
		cfg.AgentCommand = *o.flags.Agent
		meta.set("agent.command", SourceFlag)
	}
	if o.flags.Limit != nil {
		cfg.Limit = *o.flags.Limit
		meta.set("execution.limit", SourceFlag)
	}
	if o.flags.MaxRetries != nil {
		cfg.MaxRetries = *o.flags.MaxRetries
		meta.set("execution.max_retries", SourceFlag)
	}
	if o.flags.NoVerify != nil && *o.flags.NoVerify {
		cfg.Verify = false
		meta.set("execution.verify", SourceFlag)
	}
	if o.flags.Model != nil {
		tier, err := parseTier(*o.flags.Model)
		if err != nil {
			return Config{}, Meta{}, err
		}
		cfg.FixedTier = tier
		cfg.ModelStrategy = modelstrategy.KindFixed
		meta.set("execution.model", SourceFlag)
		meta.set("execution.model_strategy", SourceFlag)
	}
	if o.flags.ModelStrategy != nil {
		kind, err := parseKind(*o.flags.ModelStrategy)
		if err != nil {
			return Config{}, Meta{}, err
		}
		cfg.ModelStrategy = kind
		meta.set("execution.model_strategy", SourceFlag)
	}

	if o.env != nil {
		if v, ok := o.env("RALPH_AGENT"); ok {
			cfg.AgentCommand = v
			meta.set("agent.command", SourceEnv)
		}
		if v, ok := o.env("RALPH_LIMIT"); ok {
			n, err := parseNonNegativeInt("RALPH_LIMIT", v)
			if err != nil {
				return Config{}, Meta{}, err
			}
			cfg.Limit = n
			meta.set("execution.limit", SourceEnv)
		}
		if v, ok := o.env("RALPH_MODEL"); ok {
			tier, err := parseTier(v)
			if err != nil {
				return Config{}, Meta{}, err
			}
			cfg.FixedTier = tier
			cfg.ModelStrategy = modelstrategy.KindFixed
			meta.set("execution.model", SourceEnv)
			meta.set("execution.model_strategy", SourceEnv)
		}
		if v, ok := o.env("RALPH_MODEL_STRATEGY"); ok {
			kind, err := parseKind(v)
			if err != nil {
				return Config{}, Meta{}, err
			}
			cfg.ModelStrategy = kind
			meta.set("execution.model_strategy", SourceEnv)
		}
	}

	if _, err := shlex.Split(cfg.AgentCommand); err != nil {
		return Config{}, Meta{}, &ValidationError{Reason: fmt.Sprintf("malformed agent command %q: %v", cfg.AgentCommand, err)}
	}
	if cfg.AgentCommand == "" {
		return Config{}, Meta{}, &ValidationError{Reason: "agent command must not be empty"}
	}

	return cfg, meta, nil
}

func parseTier(name string) (modelstrategy.Tier, error) {
	tier, ok := modelstrategy.TierFromWire(name)
	if !ok {
		return 0, &ValidationError{Reason: fmt.Sprintf("unknown model %q, expected one of haiku, sonnet, opus", name)}
	}
	return tier, nil
}

func parseKind(name string) (modelstrategy.Kind, error) {
	switch modelstrategy.Kind(name) {
	case modelstrategy.KindFixed, modelstrategy.KindCostOptimized, modelstrategy.KindEscalate, modelstrategy.KindPlanThenExecute:
		return modelstrategy.Kind(name), nil
	default:
		return "", &ValidationError{Reason: fmt.Sprintf("unknown model strategy %q", name)}
	}
}

func parseNonNegativeInt(field, v string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n < 0 {
		return 0, &ValidationError{Reason: fmt.Sprintf("%s must be a non-negative integer, got %q", field, v)}
	}
	return n, nil
}
