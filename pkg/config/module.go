package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	J "cuelang.org/go/encoding/json"
	"cuelang.org/go/encoding/yaml"
)

//go:embed schema.cue
var schemaFile string

//go:embed default.yaml
var DEFAULT []byte

// parse compiles one configuration source into a cue value. The format is
// chosen by file extension; only yaml and json are accepted.
func parse(ctx *cue.Context, path string, data []byte) (cue.Value, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		file, err := yaml.Extract(path, data)
		if err != nil {
			return cue.Value{}, err
		}
		value := ctx.BuildFile(file)
		return value, value.Err()
	case ".json":
		expr, err := J.Extract(path, data)
		if err != nil {
			return cue.Value{}, err
		}
		value := ctx.BuildExpr(expr)
		return value, value.Err()
	}

	return cue.Value{}, fmt.Errorf(
		"unsupported config format %q",
		filepath.Ext(path),
	)
}

// Process builds the fleet configuration by unifying each provided file, in
// order, against the schema. Files must agree with each other and with the
// schema; conflicting values are an error, not an override. With no files,
// the embedded defaults apply.
func Process(paths []string) (*Config, error) {
	ctx := cuecontext.New()

	merged := ctx.CompileString(schemaFile)
	if err := merged.Err(); err != nil {
		return nil, err
	}

	if len(paths) == 0 {
		value, err := parse(ctx, "default.yaml", DEFAULT)
		if err != nil {
			return nil, fmt.Errorf("embedded default config is broken: %w", err)
		}
		merged = merged.Unify(value)
		if err := merged.Err(); err != nil {
			return nil, fmt.Errorf("embedded default config is broken: %w", err)
		}
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read config file %s: %w", path, err)
		}

		value, err := parse(ctx, path, data)
		if err != nil {
			return nil, fmt.Errorf("could not parse config file %s: %w", path, err)
		}

		merged = merged.Unify(value)
		if err := merged.Err(); err != nil {
			return nil, fmt.Errorf("config file %s conflicts: %w", path, err)
		}
		if err := merged.Validate(); err != nil {
			return nil, fmt.Errorf("config file %s is not valid: %w", path, err)
		}
	}

	if err := merged.Validate(); err != nil {
		return nil, err
	}

	data, err := merged.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("could not render config: %w", err)
	}

	config := &Config{}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

// FromEnv reads a full configuration from the ARMADA_CONFIG environment
// variable. This is how worker processes inherit the manager's settings.
func FromEnv() (*Config, error) {
	configJson, ok := os.LookupEnv("ARMADA_CONFIG")
	if !ok {
		return nil, fmt.Errorf("ARMADA_CONFIG not defined")
	}

	var config Config
	err := json.Unmarshal([]byte(configJson), &config)
	if err != nil {
		return nil, err
	}

	return &config, nil
}
