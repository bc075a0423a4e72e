// Package config provides configuration loading for tdecode.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nvandessel/tdecode/internal/crossval"
	"github.com/nvandessel/tdecode/internal/dataset"
	"github.com/nvandessel/tdecode/internal/embedding"
	"github.com/nvandessel/tdecode/internal/estimator"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "tdecode.yaml"

// Cross-validation schemes.
const (
	SchemeLeavePOut       = "leave-p-out"
	SchemeLeavePGroupsOut = "leave-p-groups-out"
)

// Config contains all tdecode settings.
type Config struct {
	// Embedding controls how scan series become samples.
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`

	// CV controls fold enumeration.
	CV CVConfig `json:"cv" yaml:"cv"`

	// Model names the estimator and its hyperparameters.
	Model ModelConfig `json:"model" yaml:"model"`

	// Data lists the subjects to evaluate.
	Data DataConfig `json:"data" yaml:"data"`

	// Output controls where results are written.
	Output OutputConfig `json:"output" yaml:"output"`

	// Logging contains settings for operational logging and the fold trace.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// EmbeddingConfig configures the windowed embedding.
type EmbeddingConfig struct {
	// TimeWindow is the number of consecutive scans stacked per sample.
	TimeWindow int `json:"time_window" yaml:"time_window"`

	// Delay is the haemodynamic lag in scans between a label and the first
	// scan of its window.
	Delay int `json:"delay" yaml:"delay"`

	// K keeps the K best features per fold. 0 keeps all.
	K int `json:"k" yaml:"k"`

	// Criterion scores features for K: "f_classif" or "f_regression".
	Criterion string `json:"criterion" yaml:"criterion"`

	// PerSession embeds each session separately so no window spans two.
	PerSession bool `json:"per_session" yaml:"per_session"`
}

// CVConfig configures cross-validation.
type CVConfig struct {
	// Scheme is "leave-p-out" or "leave-p-groups-out".
	Scheme string `json:"scheme" yaml:"scheme"`

	// P is the hold-out size. Below 1 it is a fraction of the samples
	// (leave-p-out only); otherwise an absolute count.
	P float64 `json:"p" yaml:"p"`

	// MaxFolds caps the folds evaluated per subject. 0 is unlimited.
	MaxFolds int `json:"max_folds" yaml:"max_folds"`
}

// ModelConfig selects the estimator.
type ModelConfig struct {
	Name   string           `json:"name" yaml:"name"`
	Params estimator.Params `json:"params" yaml:"params"`
}

// DataConfig describes the input data.
type DataConfig struct {
	Subjects []dataset.SubjectSource `json:"subjects" yaml:"subjects"`

	// Categories fixes the label numbering: categories[i] is label i+1.
	Categories []string `json:"categories,omitempty" yaml:"categories,omitempty"`

	// Labels restricts evaluation to samples with these category names.
	// Empty keeps every sample.
	Labels []string `json:"labels,omitempty" yaml:"labels,omitempty"`

	// Jobs is the number of subjects loaded concurrently.
	Jobs int `json:"jobs" yaml:"jobs"`
}

// OutputConfig configures run outputs.
type OutputConfig struct {
	// Examples is a JSON file for the first-fold examples. Empty skips it.
	Examples string `json:"examples,omitempty" yaml:"examples,omitempty"`

	// ResultsDB is a SQLite database the run is appended to. Empty skips it.
	ResultsDB string `json:"results_db,omitempty" yaml:"results_db,omitempty"`

	// AllowedDirs limits where outputs may be written.
	// Defaults to the working directory, ~/.tdecode and the temp dir.
	AllowedDirs []string `json:"allowed_dirs,omitempty" yaml:"allowed_dirs,omitempty"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" enables the fold trace; "trace" adds test indices to it.
	Level string `json:"level" yaml:"level"`

	// TraceDir is where folds.jsonl is written.
	TraceDir string `json:"trace_dir" yaml:"trace_dir"`
}

// Default returns a Config with the defaults of the Haxby delay/window
// experiment: a window of 8 scans, 3 scans of delay, and a tenth of the
// samples held out per fold.
func Default() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			TimeWindow: 8,
			Delay:      3,
			Criterion:  string(embedding.FClassif),
		},
		CV: CVConfig{
			Scheme: SchemeLeavePOut,
			P:      0.1,
		},
		Model: ModelConfig{
			Name:   estimator.NameRidge,
			Params: estimator.DefaultParams(),
		},
		Data: DataConfig{
			Jobs: 4,
		},
		Logging: LoggingConfig{
			Level:    "info",
			TraceDir: ".tdecode",
		},
	}
}

// Load loads configuration and applies environment overrides.
// With path empty it reads ./tdecode.yaml, then ~/.tdecode/config.yaml,
// falling back to defaults when neither exists.
func Load(path string) (*Config, error) {
	config := Default()

	if path == "" {
		path = findDefault()
	}
	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		config = fileConfig
	}

	applyEnvOverrides(config)

	return config, nil
}

func findDefault() string {
	if _, err := os.Stat(DefaultFile); err == nil {
		return DefaultFile
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(homeDir, ".tdecode", "config.yaml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

// LoadFromFile loads configuration from a specific YAML file. Relative data
// paths are resolved against the file's directory.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	base := filepath.Dir(path)
	for i := range config.Data.Subjects {
		s := &config.Data.Subjects[i]
		s.Scans = resolve(base, expandEnvVars(s.Scans))
		s.Targets = resolve(base, expandEnvVars(s.Targets))
		if s.ID == "" && s.Scans != "" {
			s.ID = dataset.SubjectID(s.Scans)
		}
	}

	return config, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Save writes the configuration as YAML to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Embedding.TimeWindow < 1 {
		return fmt.Errorf("time_window must be >= 1, got %d", c.Embedding.TimeWindow)
	}
	if c.Embedding.Delay < 0 {
		return fmt.Errorf("delay must be >= 0, got %d", c.Embedding.Delay)
	}
	if c.Embedding.K < 0 {
		return fmt.Errorf("k must be >= 0, got %d", c.Embedding.K)
	}
	if c.Embedding.Criterion != "" && !embedding.Criterion(c.Embedding.Criterion).Valid() {
		return fmt.Errorf("invalid criterion: %s (valid: f_classif, f_regression)", c.Embedding.Criterion)
	}

	switch c.CV.Scheme {
	case SchemeLeavePOut:
	case SchemeLeavePGroupsOut:
		if c.CV.P < 1 || c.CV.P != float64(int(c.CV.P)) {
			return fmt.Errorf("p must be a whole number of groups for %s, got %v", SchemeLeavePGroupsOut, c.CV.P)
		}
	default:
		return fmt.Errorf("invalid scheme: %s (valid: %s, %s)", c.CV.Scheme, SchemeLeavePOut, SchemeLeavePGroupsOut)
	}
	if c.CV.P <= 0 {
		return fmt.Errorf("p must be > 0, got %v", c.CV.P)
	}
	if c.CV.MaxFolds < 0 {
		return fmt.Errorf("max_folds must be >= 0, got %d", c.CV.MaxFolds)
	}

	valid := false
	for _, n := range estimator.Names() {
		if c.Model.Name == n {
			valid = true
		}
	}
	if !valid {
		return fmt.Errorf("invalid model: %s (valid: %s)", c.Model.Name, strings.Join(estimator.Names(), ", "))
	}

	seen := make(map[string]int, len(c.Data.Subjects))
	for i, s := range c.Data.Subjects {
		if s.Scans == "" || s.Targets == "" {
			return fmt.Errorf("subject %d (%s): scans and targets are required", i, s.ID)
		}
		if s.ID == "" {
			return fmt.Errorf("subject %d: id is required", i)
		}
		if j, ok := seen[s.ID]; ok {
			return fmt.Errorf("subjects %d and %d share id %q: give each subject a distinct id", j, i, s.ID)
		}
		seen[s.ID] = i
	}
	if c.Data.Jobs < 1 {
		return fmt.Errorf("jobs must be >= 1, got %d", c.Data.Jobs)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	return nil
}

// ScorerOptions returns the fold cap and feature selection settings in the
// form crossval.Scorer takes them.
func (c *Config) ScorerOptions() (maxFolds, k int, crit embedding.Criterion) {
	return c.CV.MaxFolds, c.Embedding.K, embedding.Criterion(c.Embedding.Criterion)
}

// Folds returns the fold iterator of the configured scheme for n samples
// with the given group ids.
func (c *Config) Folds(n int, groups []int) (crossval.FoldIterator, error) {
	if c.CV.Scheme == SchemeLeavePGroupsOut {
		return crossval.LeavePGroupsOut(groups, int(c.CV.P))
	}
	p, err := crossval.HoldOutSize(n, c.CV.P)
	if err != nil {
		return nil, err
	}
	return crossval.LeavePOut(n, p)
}

// FoldCount returns how many folds the configured scheme enumerates for n
// samples with the given group ids, or 0 when the hold-out size is invalid.
func (c *Config) FoldCount(n int, groups []int) float64 {
	if c.CV.Scheme == SchemeLeavePGroupsOut {
		ng := crossval.NumGroups(groups)
		p := int(c.CV.P)
		if p < 1 || p >= ng {
			return 0
		}
		return crossval.FoldCount(ng, p)
	}
	p, err := crossval.HoldOutSize(n, c.CV.P)
	if err != nil {
		return 0
	}
	return crossval.FoldCount(n, p)
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("TDECODE_TIME_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Embedding.TimeWindow = n
		}
	}
	if v := os.Getenv("TDECODE_DELAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Embedding.Delay = n
		}
	}
	if v := os.Getenv("TDECODE_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Embedding.K = n
		}
	}
	if v := os.Getenv("TDECODE_SCHEME"); v != "" {
		config.CV.Scheme = v
	}
	if v := os.Getenv("TDECODE_P"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.CV.P = f
		}
	}
	if v := os.Getenv("TDECODE_MAX_FOLDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.CV.MaxFolds = n
		}
	}
	if v := os.Getenv("TDECODE_MODEL"); v != "" {
		config.Model.Name = v
	}
	if v := os.Getenv("TDECODE_RESULTS_DB"); v != "" {
		config.Output.ResultsDB = v
	}
	if v := os.Getenv("TDECODE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("TDECODE_TRACE_DIR"); v != "" {
		config.Logging.TraceDir = v
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
