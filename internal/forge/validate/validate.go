// Package validate decides whether generated Python test code is safe,
// follows the reporting conventions, and is collectable by pytest.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Stage string

const (
	StageParse      Stage = "parse"
	StageSecurity   Stage = "security"
	StageConvention Stage = "convention"
	StageLint       Stage = "lint"
	StageCollect    Stage = "collect"
	StageSystem     Stage = "system"
	StageOK         Stage = "ok"
)

const SuccessMessage = "Code is valid, strict, and ready for review."

// Result is the outcome of one validation. Repaired is nil when the code was
// rejected before auto-fix ran (parse and security failures).
type Result struct {
	Valid      bool
	Diagnostic string
	Repaired   *string
	Stage      Stage
}

func (r Result) IsSecurity() bool { return r.Stage == StageSecurity }

// Code returns the repaired code when present, otherwise fallback.
func (r Result) Code(fallback string) string {
	if r.Repaired != nil {
		return *r.Repaired
	}
	return fallback
}

type Config struct {
	RuffBin   string
	PytestBin string
	// Collect enables the pytest --collect-only stage.
	Collect bool
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RuffBin) == "" {
		c.RuffBin = "ruff"
	}
	if strings.TrimSpace(c.PytestBin) == "" {
		c.PytestBin = "pytest"
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

var validationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "testforge_validation_total",
	Help: "Validation results by terminal stage.",
}, []string{"stage"})

type Validator struct {
	cfg    Config
	runner CommandRunner
	logger *slog.Logger
}

func New(cfg Config, runner CommandRunner, logger *slog.Logger) *Validator {
	cfg.applyDefaults()
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{cfg: cfg, runner: runner, logger: logger.With("component", "validator")}
}

// Validate runs parse, security, conventions, auto-fix, structural lint and
// collection in that order. Given the same code and toolchain it always
// returns the same Result.
func (v *Validator) Validate(ctx context.Context, code string) Result {
	res := v.validate(ctx, code)
	validationTotal.WithLabelValues(string(res.Stage)).Inc()
	if res.Valid {
		v.logger.Debug("code valid")
	} else {
		v.logger.Info("code rejected", "stage", res.Stage, "diagnostic", firstLine(res.Diagnostic))
	}
	return res
}

func (v *Validator) validate(ctx context.Context, code string) Result {
	src, err := parsePython(ctx, code)
	if err != nil {
		return Result{Diagnostic: "Validation System Error: " + err.Error(), Stage: StageSystem}
	}
	defer src.Close()

	if msg := src.syntaxError(); msg != "" {
		return Result{Diagnostic: msg, Stage: StageParse}
	}
	if msg := src.securityViolation(); msg != "" {
		return Result{Diagnostic: msg, Stage: StageSecurity}
	}
	conventions := src.conventionViolations()

	dir, err := os.MkdirTemp("", "testforge-validate-*")
	if err != nil {
		return Result{Diagnostic: "Validation System Error: " + err.Error(), Stage: StageSystem}
	}
	defer os.RemoveAll(dir)
	file := filepath.Join(dir, "test_candidate.py")
	if err := os.WriteFile(file, []byte(code), 0o644); err != nil {
		return Result{Diagnostic: "Validation System Error: " + err.Error(), Stage: StageSystem}
	}

	fixed, err := v.autoFix(ctx, dir, file)
	if err != nil {
		return systemError(err, code)
	}

	if conventions != "" {
		return Result{Diagnostic: conventions, Repaired: &fixed, Stage: StageConvention}
	}

	lint, err := v.run(ctx, dir, v.cfg.RuffBin, "check", file, "--select", "E9,F63,F7,F82", "--output-format", "full")
	if err != nil {
		return systemError(err, fixed)
	}
	if lint.ExitCode != 0 {
		out := lint.Stdout
		if strings.TrimSpace(out) == "" {
			out = lint.Stderr
		}
		return Result{Diagnostic: "Linter Error (Ruff):\n" + out, Repaired: &fixed, Stage: StageLint}
	}

	if v.cfg.Collect {
		col, err := v.run(ctx, dir, v.cfg.PytestBin, file, "--collect-only", "-q")
		if err != nil {
			return systemError(err, fixed)
		}
		if col.ExitCode != 0 {
			return Result{
				Diagnostic: fmt.Sprintf("Pytest Collection Error:\n%s\n%s", col.Stdout, col.Stderr),
				Repaired:   &fixed,
				Stage:      StageCollect,
			}
		}
	}
	return Result{Valid: true, Diagnostic: SuccessMessage, Repaired: &fixed, Stage: StageOK}
}

// autoFix applies ruff's safe fixes and formatter in place and returns the
// resulting file contents. Fix exit codes are ignored; remaining problems are
// caught by the structural check.
func (v *Validator) autoFix(ctx context.Context, dir, file string) (string, error) {
	if _, err := v.run(ctx, dir, v.cfg.RuffBin, "check", file, "--fix", "--select", "E,F,I,UP,B", "--ignore", "F841"); err != nil {
		return "", err
	}
	if _, err := v.run(ctx, dir, v.cfg.RuffBin, "format", file); err != nil {
		return "", err
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (v *Validator) run(ctx context.Context, dir, name string, args ...string) (CommandResult, error) {
	cctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()
	res, err := v.runner.Run(cctx, dir, name, args...)
	if err != nil {
		return res, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

func systemError(err error, code string) Result {
	return Result{Diagnostic: "Validation System Error: " + err.Error(), Repaired: &code, Stage: StageSystem}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
