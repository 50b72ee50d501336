package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RefoundAI/ralph-sub000/internal/modelstrategy"
)

type envMap map[string]string

func (e envMap) Lookup(key string) (string, bool) {
	v, ok := e[key]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func noFile(string) ([]byte, error) { return nil, os.ErrNotExist }

func TestLoadDefaults(t *testing.T) {
	cfg, meta, err := Load(
		WithEnv(envMap{}.Lookup),
		WithFileReader("ralph.toml", noFile),
	)
	require.NoError(t, err)
	require.Equal(t, DefaultAgentCommand, cfg.AgentCommand)
	require.Equal(t, modelstrategy.KindCostOptimized, cfg.ModelStrategy)
	require.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	require.True(t, cfg.Verify)
	require.Equal(t, SourceDefault, meta.Source("agent.command"))
}

func TestLoadFileLayer(t *testing.T) {
	toml := []byte(`
[execution]
max_retries = 5
verify = false

[agent]
command = "codex --full-auto"
`)
	cfg, meta, err := Load(
		WithEnv(envMap{}.Lookup),
		WithFileReader("ralph.toml", func(string) ([]byte, error) { return toml, nil }),
	)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.MaxRetries)
	require.False(t, cfg.Verify)
	require.Equal(t, "codex --full-auto", cfg.AgentCommand)
	require.Equal(t, SourceFile, meta.Source("execution.max_retries"))
	require.Equal(t, SourceFile, meta.Source("execution.verify"))
	require.Equal(t, SourceFile, meta.Source("agent.command"))
}

func TestFlagsOverrideFile(t *testing.T) {
	toml := []byte(`
[agent]
command = "from-file"
`)
	agentFlag := "from-flag"
	cfg, meta, err := Load(
		WithEnv(envMap{}.Lookup),
		WithFileReader("ralph.toml", func(string) ([]byte, error) { return toml, nil }),
		WithFlags(Flags{Agent: &agentFlag}),
	)
	require.NoError(t, err)
	require.Equal(t, "from-flag", cfg.AgentCommand)
	require.Equal(t, SourceFlag, meta.Source("agent.command"))
}

func TestEnvOverridesFlags(t *testing.T) {
	agentFlag := "from-flag"
	cfg, meta, err := Load(
		WithEnv(envMap{"RALPH_AGENT": "from-env"}.Lookup),
		WithFileReader("ralph.toml", noFile),
		WithFlags(Flags{Agent: &agentFlag}),
	)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.AgentCommand)
	require.Equal(t, SourceEnv, meta.Source("agent.command"))
}

func TestNoVerifyFlag(t *testing.T) {
	no := true
	cfg, meta, err := Load(
		WithEnv(envMap{}.Lookup),
		WithFileReader("ralph.toml", noFile),
		WithFlags(Flags{NoVerify: &no}),
	)
	require.NoError(t, err)
	require.False(t, cfg.Verify)
	require.Equal(t, SourceFlag, meta.Source("execution.verify"))
}

func TestModelFlagSelectsFixedStrategy(t *testing.T) {
	model := "opus"
	cfg, _, err := Load(
		WithEnv(envMap{}.Lookup),
		WithFileReader("ralph.toml", noFile),
		WithFlags(Flags{Model: &model}),
	)
	require.NoError(t, err)
	require.Equal(t, modelstrategy.KindFixed, cfg.ModelStrategy)
	require.Equal(t, modelstrategy.TierHigh, cfg.FixedTier)
}

func TestUnknownModelStrategyRejected(t *testing.T) {
	bogus := "quantum"
	_, _, err := Load(
		WithEnv(envMap{}.Lookup),
		WithFileReader("ralph.toml", noFile),
		WithFlags(Flags{ModelStrategy: &bogus}),
	)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestMalformedAgentCommandRejected(t *testing.T) {
	bad := `claude "unterminated`
	_, _, err := Load(
		WithEnv(envMap{}.Lookup),
		WithFileReader("ralph.toml", noFile),
		WithFlags(Flags{Agent: &bad}),
	)
	require.Error(t, err)
}

func TestRalphLimitEnvParsed(t *testing.T) {
	cfg, meta, err := Load(
		WithEnv(envMap{"RALPH_LIMIT": "12"}.Lookup),
		WithFileReader("ralph.toml", noFile),
	)
	require.NoError(t, err)
	require.Equal(t, 12, cfg.Limit)
	require.Equal(t, SourceEnv, meta.Source("execution.limit"))
}

func TestRalphLimitEnvRejectsNegative(t *testing.T) {
	_, _, err := Load(
		WithEnv(envMap{"RALPH_LIMIT": "-1"}.Lookup),
		WithFileReader("ralph.toml", noFile),
	)
	require.Error(t, err)
}
