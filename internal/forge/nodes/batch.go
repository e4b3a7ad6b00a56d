package nodes

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/danshapiro/testforge/internal/forge/blob"
	"github.com/danshapiro/testforge/internal/forge/runtime"
	"github.com/danshapiro/testforge/internal/forge/validate"
	"github.com/danshapiro/testforge/internal/llm"
)

// BatchSeparator joins the per-scenario files.
const BatchSeparator = "\n\n# ==========================================\n\n"

type batchNode struct{ d *Deps }

// Execute generates every scenario independently with at most
// BatchConcurrency in flight. Results keep the input order.
func (n *batchNode) Execute(ctx context.Context, st *runtime.WorkflowState) (runtime.Update, error) {
	log := n.d.logger(Batch, st)
	scenarios := st.Scenarios
	results := make([]string, len(scenarios))
	failed := make([]bool, len(scenarios))

	sem := semaphore.NewWeighted(int64(n.d.Limits.BatchConcurrency))
	g, gctx := errgroup.WithContext(ctx)
	for i, sc := range scenarios {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			results[i], failed[i] = n.scenario(gctx, st, i, sc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return runtime.Update{}, fmt.Errorf("batch: %w", err)
	}

	bad := 0
	for _, f := range failed {
		if f {
			bad++
		}
	}
	ref, err := n.d.put(ctx, st, blob.KindCode, strings.Join(results, BatchSeparator))
	if err != nil {
		return runtime.Update{}, err
	}
	log.Info("batch finished", "scenarios", len(scenarios), "failed", bad)
	return runtime.Update{
		CodeRef:    &ref,
		Status:     runtime.Ptr(runtime.StatusCompleted),
		AppendLogs: []string{fmt.Sprintf("Batch: generated %d scenario(s), %d failed validation.", len(scenarios), bad)},
	}, nil
}

// scenario runs generate, validate and repair for one scenario. It reports
// whether the scenario ended without valid code.
func (n *batchNode) scenario(ctx context.Context, st *runtime.WorkflowState, index int, sc string) (string, bool) {
	log := n.d.logger(Batch, st).With("scenario", index)
	model := n.d.model(st)

	reply, err := n.d.complete(ctx, model, []llm.Message{llm.System(coderPrompt), llm.User(scenarioInput(sc))})
	if err != nil {
		log.Warn("scenario generation failed", "error", err)
		return "# GENERATION ERROR: " + oneLine(err.Error()), true
	}
	code := ExtractCode(reply)

	check := func() validate.Result {
		res := n.d.Validator.Validate(ctx, code)
		code = res.Code(code)
		return res
	}
	res := check()
	for repairs := 0; repairable(res) && repairs < n.d.Limits.MaxAttempts; repairs++ {
		reply, err = n.d.complete(ctx, model, []llm.Message{llm.System(coderPrompt), llm.User(fixerPrompt(res.Diagnostic, code))})
		if err != nil {
			log.Warn("scenario repair failed", "error", err)
			return "# GENERATION ERROR: " + oneLine(err.Error()), true
		}
		code = ExtractCode(reply)
		res = check()
	}
	if res.Valid {
		return IsolateNamespaces(ctx, code, index), false
	}
	diag := res.Diagnostic
	log.Info("scenario did not validate", "diagnostic", firstLine(diag))
	return fmt.Sprintf("# FAILED TO VALIDATE AFTER %d ATTEMPTS\n%s\n%s",
		n.d.Limits.MaxAttempts, commentLines("ERROR: "+diag), IsolateNamespaces(ctx, code, index)), true
}

// IsolateNamespaces suffixes every module-level class name with _S{index} so
// that concatenated scenario files do not collide. Unparseable code is
// returned unchanged.
func IsolateNamespaces(ctx context.Context, code string, index int) string {
	names := validate.ClassNames(ctx, code)
	if len(names) == 0 {
		return code
	}
	sort.SliceStable(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	quoted := make([]string, len(names))
	for i, nm := range names {
		quoted[i] = regexp.QuoteMeta(nm)
	}
	re := regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
	suffix := fmt.Sprintf("_S%d", index)
	return re.ReplaceAllStringFunc(code, func(m string) string { return m + suffix })
}

func commentLines(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = "# " + l
	}
	return strings.Join(lines, "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// repairable reports whether another model repair could change the result.
func repairable(res validate.Result) bool {
	return !res.Valid && res.Stage != validate.StageSecurity && res.Stage != validate.StageSystem
}
