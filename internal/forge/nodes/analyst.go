package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/danshapiro/testforge/internal/forge/blob"
	"github.com/danshapiro/testforge/internal/forge/runtime"
	"github.com/danshapiro/testforge/internal/forge/tools/openapi"
	"github.com/danshapiro/testforge/internal/llm"
)

const genericClarification = "I could not derive a test plan from that request. Which page or endpoint should be tested, and what outcome should the test check?"

type analystNode struct{ d *Deps }

func (n *analystNode) Execute(ctx context.Context, st *runtime.WorkflowState) (runtime.Update, error) {
	log := n.d.logger(Analyst, st)
	request := latestRequest(st)

	if up, ok := n.fromCache(ctx, st, request); ok {
		return up, nil
	}

	gc := n.gatherContext(ctx, st, request)
	up := gc.update
	messages := func(augmentation string) []llm.Message {
		msgs := []llm.Message{llm.System(analystPrompt)}
		msgs = append(msgs, history(st)...)
		return append(msgs, llm.User(plannerInput(request, augmentation)))
	}

	plan, err := n.d.complete(ctx, n.d.model(st), messages(gc.text))
	if err != nil && gc.text != "" {
		log.Warn("planning with context failed, retrying without it", "error", err)
		up.AppendLogs = append(up.AppendLogs, "Analyst: context-augmented planning failed, retrying without context.")
		plan, err = n.d.complete(ctx, n.d.model(st), messages(""))
	}
	if err != nil {
		log.Error("planning failed", "error", err)
		return runtime.Merge(up, runtime.Fail(runtime.FailureLLM, "Planning model call failed: "+err.Error())), nil
	}

	if q, ok := ParseClarification(plan); ok {
		if q == "" {
			q = genericClarification
		}
		log.Info("clarification requested")
		return runtime.Merge(up, runtime.Update{
			Status:         runtime.Ptr(runtime.StatusWaitingForInput),
			AppendMessages: []runtime.Message{assistant(q)},
			AppendLogs:     []string{"Analyst: request is ambiguous, asking for clarification."},
		}), nil
	}
	if strings.TrimSpace(plan) == "" {
		return runtime.Merge(up, runtime.Update{
			Status:         runtime.Ptr(runtime.StatusWaitingForInput),
			AppendMessages: []runtime.Message{assistant(genericClarification)},
			AppendLogs:     []string{"Analyst: planner returned nothing, asking for clarification."},
		}), nil
	}

	planRef, err := n.d.put(ctx, st, blob.KindPlan, plan)
	if err != nil {
		return runtime.Update{}, err
	}
	category := runtime.CategoryUI
	if gc.api || st.TaskType == runtime.TaskAPITestGeneration {
		category = runtime.CategoryAPI
	}
	scenarios := SplitScenarios(plan)
	log.Info("plan created", "category", category, "scenarios", len(scenarios))
	return runtime.Merge(up, runtime.Update{
		PlanRef:        &planRef,
		Scenarios:      &scenarios,
		TestCategory:   runtime.Ptr(category),
		Status:         runtime.Ptr(runtime.StatusGenerating),
		AppendMessages: []runtime.Message{assistant(plan)},
		AppendLogs:     []string{fmt.Sprintf("Analyst: plan created (%s, %d scenario(s)).", category, max(len(scenarios), 1))},
	}), nil
}

// fromCache short-circuits first turns whose request was already solved.
func (n *analystNode) fromCache(ctx context.Context, st *runtime.WorkflowState, request string) (runtime.Update, bool) {
	if n.d.Cache == nil || st.FollowUp || st.AutoFix {
		return runtime.Update{}, false
	}
	log := n.d.logger(Analyst, st)
	hit, err := n.d.Cache.FindSimilar(ctx, request, 0)
	if err != nil {
		log.Warn("cache lookup failed", "error", err)
		return runtime.Update{}, false
	}
	if hit == nil || strings.TrimSpace(hit.Code) == "" {
		return runtime.Update{}, false
	}
	ref, err := n.d.put(ctx, st, blob.KindCode, hit.Code)
	if err != nil {
		log.Warn("storing cached code failed", "error", err)
		return runtime.Update{}, false
	}
	log.Info("cache hit", "distance", hit.Distance)
	return runtime.Update{
		CodeRef:    &ref,
		CacheHit:   runtime.Ptr(true),
		Status:     runtime.Ptr(runtime.StatusCompleted),
		AppendLogs: []string{fmt.Sprintf("Analyst: found a cached test for a similar request (distance %.3f).", hit.Distance)},
	}, true
}

type gathered struct {
	text   string
	api    bool
	update runtime.Update
}

// gatherContext builds the augmentation appended to the planner input and
// the state changes that go with it. Every source is optional; failures are
// logged and skipped.
func (n *analystNode) gatherContext(ctx context.Context, st *runtime.WorkflowState, request string) gathered {
	log := n.d.logger(Analyst, st)
	var g gathered
	var b strings.Builder

	target := FirstURL(request)
	if target == "" {
		target = st.TargetURL
	}
	if target != "" {
		g.update.TargetURL = runtime.Ptr(target)
	}

	switch src, isSpec := openapi.Detect(request); {
	case isSpec && n.d.OpenAPI != nil:
		summary, err := n.d.OpenAPI.Load(ctx, src)
		if err != nil {
			log.Warn("openapi load failed", "error", err)
			g.update.AppendLogs = append(g.update.AppendLogs, "Analyst: could not read the API specification: "+err.Error())
			break
		}
		g.api = true
		b.WriteString(apiBlock + summary)
		g.update.AppendLogs = append(g.update.AppendLogs, "Analyst: summarized the API specification.")

	case RepositoryURL(request) != "" && n.d.Repos != nil:
		url := RepositoryURL(request)
		ws, err := n.d.Repos.Clone(ctx, url)
		if err != nil {
			log.Warn("clone failed", "url", url, "error", err)
			g.update.AppendLogs = append(g.update.AppendLogs, "Analyst: could not clone "+url+".")
			break
		}
		b.WriteString(repoBlock + "File tree:\n" + ws.Tree(n.d.Limits.TreeLimit))
		g.update.RepositoryPath = runtime.Ptr(ws.Root())
		g.update.RepositoryURL = runtime.Ptr(url)
		g.update.AppendLogs = append(g.update.AppendLogs, "Analyst: cloned "+url+".")

	case target != "" && n.d.Browser != nil:
		dom, err := n.d.Browser.Inspect(ctx, target)
		if err != nil {
			log.Warn("page inspection failed", "url", target, "error", err)
			g.update.AppendLogs = append(g.update.AppendLogs, "Analyst: could not inspect "+target+".")
			break
		}
		if dom != "" {
			b.WriteString(domBlock + dom)
			g.update.AppendLogs = append(g.update.AppendLogs, "Analyst: inspected "+target+".")
		}
	}

	if n.d.Lessons != nil {
		b.WriteString(n.d.Lessons.Recall(ctx, request, target, n.d.Limits.LessonsRecall))
	}
	if n.d.Defects != nil {
		b.WriteString(n.d.Defects.Context(request))
	}

	g.text = b.String()
	if g.text != "" {
		if ref, err := n.d.put(ctx, st, blob.KindContext, g.text); err == nil {
			g.update.ContextRef = &ref
		} else {
			log.Warn("storing context failed", "error", err)
		}
	}
	return g
}
