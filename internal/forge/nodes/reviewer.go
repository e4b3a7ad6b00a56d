package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/danshapiro/testforge/internal/forge/blob"
	"github.com/danshapiro/testforge/internal/forge/runtime"
	"github.com/danshapiro/testforge/internal/forge/validate"
	"github.com/danshapiro/testforge/internal/llm"
)

const maxLessonLines = 8

type reviewerNode struct{ d *Deps }

func (n *reviewerNode) Execute(ctx context.Context, st *runtime.WorkflowState) (runtime.Update, error) {
	log := n.d.logger(Reviewer, st)
	code, err := n.d.text(ctx, st.CodeRef)
	if err != nil {
		return runtime.Update{}, err
	}
	if strings.TrimSpace(code) == "" {
		return n.rejected(st, "No code was generated.", runtime.Update{}), nil
	}

	res := n.d.Validator.Validate(ctx, code)
	switch res.Stage {
	case validate.StageSecurity:
		log.Warn("security violation", "diagnostic", res.Diagnostic)
		up := runtime.Fail(runtime.FailureSecurityViolation, res.Diagnostic)
		up.LastValidationError = runtime.Ptr(res.Diagnostic)
		up.AppendLogs = []string{"Reviewer: " + res.Diagnostic + " The code will not be repaired."}
		return up, nil
	case validate.StageSystem:
		log.Error("validation toolchain failed", "diagnostic", res.Diagnostic)
		up := runtime.Fail(runtime.FailureValidationSystem, res.Diagnostic)
		up.AppendLogs = []string{"Reviewer: validation could not run."}
		return up, nil
	}

	final := res.Code(code)
	var up runtime.Update
	if final != code {
		ref, err := n.d.put(ctx, st, blob.KindCode, final)
		if err != nil {
			return runtime.Update{}, err
		}
		up.CodeRef = &ref
	}

	if res.Valid {
		if missing := n.dryRun(ctx, st, final); len(missing) > 0 {
			res.Valid = false
			res.Diagnostic = fmt.Sprintf("Dry Run Failed: locators not found on %s: %s", st.TargetURL, strings.Join(missing, ", "))
		}
	}
	if !res.Valid {
		return n.rejected(st, res.Diagnostic, up), nil
	}

	n.remember(ctx, st, final)
	log.Info("code accepted", "attempts", st.AttemptCount)
	up = runtime.Merge(up, runtime.Update{
		Status:              runtime.Ptr(runtime.StatusCompleted),
		LastValidationError: runtime.Ptr(""),
		ClearFixProvenance:  true,
		AppendLogs:          []string{"Reviewer: code passed all checks."},
	})
	return up, nil
}

// rejected records a failed validation. The run is marked exhausted here
// once the repair budget is spent so the failure kind is explicit.
func (n *reviewerNode) rejected(st *runtime.WorkflowState, diagnostic string, up runtime.Update) runtime.Update {
	n.d.logger(Reviewer, st).Info("code rejected", "attempts", st.AttemptCount, "diagnostic", firstLine(diagnostic))
	up.LastValidationError = runtime.Ptr(diagnostic)
	if st.AttemptCount >= n.d.Limits.MaxAttempts {
		fail := runtime.Fail(runtime.FailureRetriesExhausted,
			fmt.Sprintf("Validation still failing after %d repair attempts: %s", st.AttemptCount, diagnostic))
		fail.AppendLogs = []string{"Reviewer: giving up, repair attempts exhausted."}
		return runtime.Merge(up, fail)
	}
	up.Status = runtime.Ptr(runtime.StatusFixing)
	up.AppendLogs = append(up.AppendLogs, "Reviewer: validation failed. "+clip(firstLine(diagnostic), 200))
	return up
}

// dryRun checks UI locators against the live page. It is skipped when there
// is no page or no browser.
func (n *reviewerNode) dryRun(ctx context.Context, st *runtime.WorkflowState, code string) []string {
	if n.d.Browser == nil || st.TestCategory != runtime.CategoryUI || st.TargetURL == "" {
		return nil
	}
	locs := validate.ExtractLocators(code)
	if len(locs) == 0 {
		return nil
	}
	return n.d.Browser.CheckLocators(ctx, st.TargetURL, locs)
}

// remember saves the cache entry and, after a repair, the lesson. Knowledge
// failures never fail the run.
func (n *reviewerNode) remember(ctx context.Context, st *runtime.WorkflowState, code string) {
	log := n.d.logger(Reviewer, st)
	if n.d.Cache != nil && !st.AutoFix && !st.CacheHit {
		if err := n.d.Cache.Save(ctx, st.UserRequest, code, st.TargetURL); err != nil {
			log.Warn("cache save failed", "error", err)
		}
	}
	if n.d.Lessons == nil || st.FixProvenance == nil || st.FixProvenance.PreviousError == "" {
		return
	}
	prev, err := n.d.text(ctx, st.FixProvenance.PreviousCodeRef)
	if err != nil {
		log.Warn("loading pre-fix code failed", "error", err)
	}
	lesson := n.summarizeLesson(ctx, st, prev, code)
	if err := n.d.Lessons.Learn(ctx, st.TargetURL, st.FixProvenance.PreviousError, lesson); err != nil {
		log.Warn("lesson save failed", "error", err)
		return
	}
	log.Info("lesson learned")
}

func (n *reviewerNode) summarizeLesson(ctx context.Context, st *runtime.WorkflowState, before, after string) string {
	reply, err := n.d.complete(ctx, n.d.model(st), []llm.Message{
		llm.System(lessonPrompt),
		llm.User(lessonInput(st.FixProvenance.PreviousError, before, after)),
	})
	if err == nil && strings.TrimSpace(reply) != "" {
		return strings.TrimSpace(reply)
	}
	return FallbackLesson(st.FixProvenance.PreviousError, before, after)
}

// FallbackLesson describes a fix without a model: the error and the lines the
// fix introduced.
func FallbackLesson(originalError, before, after string) string {
	old := map[string]bool{}
	for _, l := range strings.Split(before, "\n") {
		old[strings.TrimSpace(l)] = true
	}
	var added []string
	for _, l := range strings.Split(after, "\n") {
		t := strings.TrimSpace(l)
		if t == "" || old[t] || strings.HasPrefix(t, "#") {
			continue
		}
		added = append(added, t)
		if len(added) == maxLessonLines {
			break
		}
	}
	msg := "Error '" + clip(firstLine(originalError), 300) + "' was resolved."
	if len(added) > 0 {
		msg += " The fix introduced:\n" + strings.Join(added, "\n")
	}
	return msg
}
