// Package config loads the testforge configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type LLM struct {
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv      string        `yaml:"api_key_env"`
	APIKey         string        `yaml:"-"`
	Model          string        `yaml:"model" validate:"required"`
	RouterModel    string        `yaml:"router_model" validate:"required"`
	EmbeddingModel string        `yaml:"embedding_model"`
	Timeout        time.Duration `yaml:"timeout" validate:"gte=0"`
	// RequestsPerSecond of 0 disables rate limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
	// MaxRetries re-sends rate limited and 5xx calls; 0 disables retries.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=10"`
}

type Workflow struct {
	MaxAttempts      int           `yaml:"max_attempts" validate:"gte=1,lte=10"`
	ToolIterations   int           `yaml:"tool_iterations" validate:"gte=1,lte=50"`
	BatchConcurrency int           `yaml:"batch_concurrency" validate:"gte=1,lte=32"`
	StageTimeout     time.Duration `yaml:"stage_timeout" validate:"gte=0"`
	// InterruptBefore nil means the default pause before human_approval; an
	// explicit empty list disables pausing.
	InterruptBefore []string `yaml:"interrupt_before"`
}

type Knowledge struct {
	// WeaviateURL empty keeps the cache and lessons in memory.
	WeaviateURL    string        `yaml:"weaviate_url" validate:"omitempty,url"`
	CacheClass     string        `yaml:"cache_class" validate:"required"`
	LessonsClass   string        `yaml:"lessons_class" validate:"required"`
	// CacheThreshold is a cosine distance; lower is stricter.
	CacheThreshold float64       `yaml:"cache_threshold" validate:"gt=0,lt=2"`
	TTL            time.Duration `yaml:"ttl" validate:"gte=0"`
}

type Validation struct {
	RuffBin   string        `yaml:"ruff_bin" validate:"required"`
	PytestBin string        `yaml:"pytest_bin" validate:"required"`
	Collect   bool          `yaml:"collect"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
}

type Executor struct {
	Image   string        `yaml:"image" validate:"required"`
	WorkDir string        `yaml:"work_dir"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

type Scheduler struct {
	Enabled      bool          `yaml:"enabled"`
	Spec         string        `yaml:"spec" validate:"required"`
	CheckTimeout time.Duration `yaml:"check_timeout" validate:"gt=0"`
}

type Server struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
	// AllowedOrigins are browser origins besides loopback that may POST.
	AllowedOrigins  []string      `yaml:"allowed_origins" validate:"dive,required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

type Events struct {
	NATSURL string `yaml:"nats_url" validate:"omitempty,url"`
	Subject string `yaml:"subject" validate:"required"`
}

type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
	Dir    string `yaml:"dir"`
}

type Defects struct {
	// Path to the known-defects JSON file; empty disables the catalog.
	Path string `yaml:"path"`
}

type Config struct {
	StateDir   string     `yaml:"state_dir" validate:"required"`
	LLM        LLM        `yaml:"llm"`
	Workflow   Workflow   `yaml:"workflow"`
	Knowledge  Knowledge  `yaml:"knowledge"`
	Validation Validation `yaml:"validation"`
	Executor   Executor   `yaml:"executor"`
	Scheduler  Scheduler  `yaml:"scheduler"`
	Server     Server     `yaml:"server"`
	Events     Events     `yaml:"events"`
	Logging    Logging    `yaml:"logging"`
	Defects    Defects    `yaml:"defects"`
}

// Paths under StateDir.
func (c *Config) CheckpointDir() string { return filepath.Join(c.StateDir, "checkpoints") }
func (c *Config) BlobDir() string       { return filepath.Join(c.StateDir, "blobs") }
func (c *Config) HistoryPath() string   { return filepath.Join(c.StateDir, "history.db") }
func (c *Config) CloneDir() string      { return filepath.Join(c.StateDir, "repos") }

// Load reads path, applies defaults and environment overrides, and
// validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	applyEnv(&cfg, os.Getenv)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.StateDir) == "" {
		cfg.StateDir = ".testforge"
	}
	if cfg.LLM.APIKeyEnv == "" {
		cfg.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o"
	}
	if cfg.LLM.RouterModel == "" {
		cfg.LLM.RouterModel = "gpt-4o-mini"
	}
	if cfg.LLM.EmbeddingModel == "" {
		cfg.LLM.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 2 * time.Minute
	}
	if cfg.LLM.RequestsPerSecond > 0 && cfg.LLM.Burst == 0 {
		cfg.LLM.Burst = 1
	}

	if cfg.Workflow.MaxAttempts == 0 {
		cfg.Workflow.MaxAttempts = 3
	}
	if cfg.Workflow.ToolIterations == 0 {
		cfg.Workflow.ToolIterations = 7
	}
	if cfg.Workflow.BatchConcurrency == 0 {
		cfg.Workflow.BatchConcurrency = 5
	}
	cfg.Workflow.InterruptBefore = trimNonEmpty(cfg.Workflow.InterruptBefore)

	if cfg.Knowledge.CacheClass == "" {
		cfg.Knowledge.CacheClass = "TestCase"
	}
	if cfg.Knowledge.LessonsClass == "" {
		cfg.Knowledge.LessonsClass = "QaInsight"
	}
	if cfg.Knowledge.CacheThreshold == 0 {
		cfg.Knowledge.CacheThreshold = 0.2
	}

	if cfg.Validation.RuffBin == "" {
		cfg.Validation.RuffBin = "ruff"
	}
	if cfg.Validation.PytestBin == "" {
		cfg.Validation.PytestBin = "pytest"
	}
	if cfg.Validation.Timeout == 0 {
		cfg.Validation.Timeout = time.Minute
	}

	if cfg.Executor.Image == "" {
		cfg.Executor.Image = "testforge-runner:latest"
	}
	if cfg.Executor.WorkDir == "" {
		cfg.Executor.WorkDir = filepath.Join(cfg.StateDir, "executions")
	}
	if cfg.Executor.Timeout == 0 {
		cfg.Executor.Timeout = 10 * time.Minute
	}

	if cfg.Scheduler.Spec == "" {
		cfg.Scheduler.Spec = "@every 6h"
	}
	if cfg.Scheduler.CheckTimeout == 0 {
		cfg.Scheduler.CheckTimeout = 30 * time.Minute
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8080"
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "testforge.runs"
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// applyEnv lets the environment override secrets and service endpoints.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("TESTFORGE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	} else if v := getenv(cfg.LLM.APIKeyEnv); v != "" {
		cfg.LLM.APIKey = v
	} else if v := getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := getenv("TESTFORGE_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := getenv("TESTFORGE_WEAVIATE_URL"); v != "" {
		cfg.Knowledge.WeaviateURL = v
	}
	if v := getenv("TESTFORGE_NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags plus the cross-field rules tags cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if cfg.LLM.RequestsPerSecond > 0 && cfg.LLM.Burst < 1 {
		return fmt.Errorf("invalid config: llm.burst must be >= 1 when requests_per_second is set")
	}
	for _, n := range cfg.Workflow.InterruptBefore {
		if !knownNode(n) {
			return fmt.Errorf("invalid config: workflow.interrupt_before names unknown node %q", n)
		}
	}
	return nil
}

// nodeNames mirrors nodes.All; config stays free of workflow imports.
var nodeNames = []string{
	"router", "analyst", "human_approval", "feature_coder", "repo_explorer",
	"debugger", "reviewer", "batch_node", "final_output",
}

func knownNode(n string) bool {
	for _, k := range nodeNames {
		if k == n {
			return true
		}
	}
	return false
}

func trimNonEmpty(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
