package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// fileConfig mirrors spec.md §6's project config file table: only
// execution.max_retries, execution.verify, and agent.command are
// recognized; every other key is ignored rather than rejected.
type fileConfig struct {
	Execution struct {
		MaxRetries int   `mapstructure:"max_retries"`
		Verify     *bool `mapstructure:"verify"`
	} `mapstructure:"execution"`
	Agent struct {
		Command string `mapstructure:"command"`
	} `mapstructure:"agent"`
}

func loadFile(path string, reader func(string) ([]byte, error)) (fileConfig, bool, error) {
	data, err := reader(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileConfig{}, false, nil
		}
		return fileConfig{}, false, fmt.Errorf("config: read %q: %w", path, err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fileConfig{}, false, &ValidationError{Reason: fmt.Sprintf("malformed project config %q: %v", path, err)}
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return fileConfig{}, false, &ValidationError{Reason: fmt.Sprintf("malformed project config %q: %v", path, err)}
	}
	return fc, true, nil
}
