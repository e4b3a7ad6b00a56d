// Package executor runs generated tests inside a throwaway runner container.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	DefaultImage = "testforge-runner:latest"
	labelKey     = "created_by"
	labelValue   = "testforge"
	mountPoint   = "/work"
)

const pytestINI = `[pytest]
addopts = --clean-alluredir --alluredir=allure-results --screenshot on --video retain-on-failure --tracing on
python_files = test_*.py
filterwarnings =
    ignore::DeprecationWarning
`

type Result struct {
	ExitCode int
	Logs     string
	// ReportDir is the generated Allure report, empty when none was produced.
	ReportDir string
	// TracePath is the first Playwright trace archive found, if any.
	TracePath string
}

func (r Result) Passed() bool { return r.ExitCode == 0 }

type Executor interface {
	RunIsolated(ctx context.Context, runID, code string) (Result, error)
}

// containerAPI is the subset of the Docker client the executor uses.
type containerAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

type Config struct {
	Image string
	// WorkDir holds one subdirectory per run; it is bind-mounted into the runner.
	WorkDir string
	Timeout time.Duration
	ShmSize int64
}

type DockerExecutor struct {
	api    containerAPI
	cfg    Config
	logger *slog.Logger
}

// NewDocker connects using DOCKER_HOST and friends from the environment.
func NewDocker(cfg Config, logger *slog.Logger) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDocker(cli, cfg, logger)
}

func newDocker(api containerAPI, cfg Config, logger *slog.Logger) (*DockerExecutor, error) {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.ShmSize <= 0 {
		cfg.ShmSize = 2 << 30
	}
	if strings.TrimSpace(cfg.WorkDir) == "" {
		return nil, errors.New("executor: work dir is required")
	}
	abs, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, err
	}
	cfg.WorkDir = abs
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerExecutor{api: api, cfg: cfg, logger: logger.With("component", "executor")}, nil
}

// CleanupStale force-removes leftover runner containers and returns how many
// were removed.
func (d *DockerExecutor) CleanupStale(ctx context.Context) (int, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelKey+"="+labelValue)),
	})
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}
	n := 0
	for _, c := range list {
		if err := d.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err == nil {
			n++
		}
	}
	if n > 0 {
		d.logger.Info("removed stale runner containers", "count", n)
	}
	return n, nil
}

// RunIsolated writes code into a fresh run directory, runs pytest in the
// runner image, and collects logs, report and trace. A failing test is a
// Result with a non-zero ExitCode; err is reserved for infrastructure failures.
func (d *DockerExecutor) RunIsolated(ctx context.Context, runID, code string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	if _, err := d.CleanupStale(ctx); err != nil {
		d.logger.Warn("cleanup failed", "error", err)
	}
	if _, err := d.api.ImageInspect(ctx, d.cfg.Image); err != nil {
		return Result{}, fmt.Errorf("runner image %s unavailable: %w", d.cfg.Image, err)
	}
	runDir, testFile, err := PrepareRunDir(d.cfg.WorkDir, runID, code)
	if err != nil {
		return Result{}, err
	}

	cmd := fmt.Sprintf("pytest %s -v && allure generate allure-results -o report --clean", testFile)
	created, err := d.api.ContainerCreate(ctx,
		&container.Config{
			Image:      d.cfg.Image,
			Cmd:        []string{"/bin/sh", "-c", cmd},
			WorkingDir: mountPoint,
			Env:        []string{"HEADLESS=true"},
			Labels:     map[string]string{labelKey: labelValue},
		},
		&container.HostConfig{
			Mounts:    []mount.Mount{{Type: mount.TypeBind, Source: runDir, Target: mountPoint}},
			ShmSize:   d.cfg.ShmSize,
			LogConfig: container.LogConfig{Type: "json-file"},
		},
		nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer rmCancel()
		_ = d.api.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true})
	}()

	d.logger.Info("starting runner", "run_id", runID, "container", shortID(created.ID))
	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start container: %w", err)
	}

	exitCode := 1
	statusCh, errCh := d.api.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("wait container: %w", err)
		}
	case st := <-statusCh:
		exitCode = int(st.StatusCode)
	}

	logs, err := d.logs(ctx, created.ID)
	if err != nil {
		d.logger.Warn("reading container logs failed", "error", err)
	}
	res := Result{ExitCode: exitCode, Logs: logs}
	if dir := filepath.Join(runDir, "report"); nonEmptyDir(dir) {
		res.ReportDir = dir
	}
	res.TracePath = FindTrace(runDir)
	d.logger.Info("runner finished", "run_id", runID, "exit_code", exitCode, "log_bytes", len(logs))
	return res, nil
}

func (d *DockerExecutor) logs(ctx context.Context, id string) (string, error) {
	rc, err := d.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer rc.Close()
	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return out.String(), err
	}
	return out.String(), nil
}

// PrepareRunDir recreates <root>/<runID> with the test file, pytest.ini and
// empty result directories. It returns the directory and the test file name.
func PrepareRunDir(root, runID, code string) (string, string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", "", fmt.Errorf("executor: invalid run id %q", runID)
	}
	dir := filepath.Join(root, runID)
	if err := os.RemoveAll(dir); err != nil {
		return "", "", err
	}
	for _, sub := range []string{"allure-results", "report"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", "", err
		}
	}
	name := "test_" + sanitize(runID) + ".py"
	if err := os.WriteFile(filepath.Join(dir, name), []byte(code), 0o644); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "pytest.ini"), []byte(pytestINI), 0o644); err != nil {
		return "", "", err
	}
	return dir, name, nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// FindTrace returns the first *trace.zip under dir, or "".
func FindTrace(dir string) string {
	matches, err := doublestar.Glob(os.DirFS(dir), "**/*trace.zip")
	if err != nil || len(matches) == 0 {
		return ""
	}
	return filepath.Join(dir, filepath.FromSlash(matches[0]))
}

func nonEmptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	return len(entries) > 0
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
