package runtime

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/cccs/pkg/budget"
	"github.com/Mindburn-Labs/cccs/pkg/config"
	"github.com/Mindburn-Labs/cccs/pkg/contracts"
	"github.com/Mindburn-Labs/cccs/pkg/observability"
	"github.com/Mindburn-Labs/cccs/pkg/policy"
	"github.com/Mindburn-Labs/cccs/pkg/receipt"
	"github.com/Mindburn-Labs/cccs/pkg/redaction"
	"github.com/Mindburn-Labs/cccs/pkg/taxonomy"
)

// FlowRequest is one gated action.
type FlowRequest struct {
	ModuleID      string                 `json:"module_id"`
	Inputs        map[string]any         `json:"inputs"`
	ActionID      string                 `json:"action_id"`
	Cost          int64                  `json:"cost"`
	ConfigKey     string                 `json:"config_key"`
	Payload       any                    `json:"payload"`
	RedactionHint string                 `json:"redaction_hint"`
	Actor         contracts.ActorContext `json:"actor_context"`
}

// FlowResult carries the six decisions of a completed flow.
type FlowResult struct {
	Actor     *contracts.ActorBlock `json:"actor"`
	Config    config.Result         `json:"config"`
	Policy    *policy.Evaluation    `json:"policy"`
	Budget    *budget.Decision      `json:"budget"`
	Receipt   *receipt.WriteResult  `json:"receipt"`
	Redaction *redaction.Result     `json:"redaction"`
}

// ExecuteFlow runs the fixed stage order: resolve actor, merge config,
// evaluate policy, audit the policy snapshot, check budget, write the
// signed receipt, apply redaction. No stage performs a synchronous
// network call; every error crossing a stage boundary is normalized
// through the taxonomy. Budget exhaustion writes a dedicated
// budget_exceeded receipt before the error propagates; every other
// pre-receipt failure aborts without emitting anything.
func (r *Runtime) ExecuteFlow(ctx context.Context, req FlowRequest) (result *FlowResult, err error) {
	if r.provider != nil {
		var done func(error)
		ctx, done = r.provider.TrackFlow(ctx, req.ActionID)
		defer func() { done(err) }()
	}

	actor, err := r.identity.Resolve(ctx, req.Actor)
	if err != nil {
		return nil, r.taxonomy.Normalize(err)
	}

	cfg := r.merger.Lookup(req.ConfigKey, config.LookupOptions{
		Overrides: configOverrides(req.Inputs),
	})

	evaluation, err := r.evaluator.Evaluate(req.ModuleID, req.Inputs)
	if err != nil {
		return nil, r.taxonomy.Normalize(err)
	}

	if _, err = r.walLog.AppendPolicySnapshot(map[string]any{
		"module_id":          req.ModuleID,
		"snapshot_hash":      evaluation.PolicySnapshotHash,
		"policy_version_ids": evaluation.PolicyVersionIDs,
		"timestamp":          time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return nil, r.taxonomy.Normalize(err)
	}

	budgetDecision, err := r.budget.Check(ctx, req.ActionID, req.Cost)
	if err != nil {
		if taxonomy.IsCode(err, taxonomy.CodeBudgetExceeded) {
			r.emitBudgetExceededReceipt(ctx, req, actor, evaluation)
		}
		return nil, r.taxonomy.Normalize(err)
	}

	span := observability.StartSpan("cccs:"+req.ActionID, nil, r.logger)
	defer span.End()

	status := canonicalStatus(evaluation.Decision)
	envelope := r.buildEnvelope(req, actor, evaluation, status, evaluation.Rationale, []string{"cccs"}, span)
	receiptResult, err := r.builder.Write(ctx, envelope)
	if err != nil {
		return nil, r.taxonomy.Normalize(err)
	}

	redactionResult, err := r.redactor.Apply(req.Payload, req.RedactionHint)
	if err != nil {
		return nil, r.taxonomy.Normalize(err)
	}

	return &FlowResult{
		Actor:     actor,
		Config:    cfg,
		Policy:    evaluation,
		Budget:    budgetDecision,
		Receipt:   receiptResult,
		Redaction: redactionResult,
	}, nil
}

// emitBudgetExceededReceipt writes the mandatory hard_block receipt for
// an exhausted budget. A failure here is logged, never raised: the
// caller is already propagating budget_exceeded.
func (r *Runtime) emitBudgetExceededReceipt(ctx context.Context, req FlowRequest, actor *contracts.ActorBlock, evaluation *policy.Evaluation) {
	span := observability.StartSpan("cccs:"+req.ActionID, nil, r.logger)
	defer span.End()

	envelope := r.buildEnvelope(req, actor, evaluation,
		contracts.StatusHardBlock, taxonomy.CodeBudgetExceeded,
		[]string{"cccs", taxonomy.CodeBudgetExceeded}, span)
	if _, err := r.builder.Write(ctx, envelope); err != nil {
		r.logger.Error("failed to write budget_exceeded receipt",
			"action_id", req.ActionID, "error", err)
	}
}

func (r *Runtime) buildEnvelope(req FlowRequest, actor *contracts.ActorBlock, evaluation *policy.Evaluation, status, rationale string, badges []string, span *observability.Span) map[string]any {
	actorMap, err := contracts.CopyValue(actor)
	if err != nil {
		actorMap = map[string]any{"actor_id": actor.ActorID}
	}
	return map[string]any{
		"gate_id":            r.gateID,
		"policy_version_ids": evaluation.PolicyVersionIDs,
		"snapshot_hash":      evaluation.PolicySnapshotHash,
		"inputs":             req.Inputs,
		"decision": map[string]any{
			"status":    status,
			"rationale": rationale,
			"badges":    badges,
		},
		"result": map[string]any{
			"action_id":  req.ActionID,
			"cost":       req.Cost,
			"config_key": req.ConfigKey,
		},
		"actor":    actorMap,
		"degraded": !r.depsReady.Load(),
		"trace":    span.Context(),
	}
}

// canonicalStatus maps raw policy decisions onto receipt statuses.
// Unknown values fail closed.
func canonicalStatus(decision string) string {
	switch decision {
	case contracts.DecisionAllow:
		return contracts.StatusPass
	case contracts.DecisionDeny:
		return contracts.StatusHardBlock
	case contracts.StatusPass, contracts.StatusWarn, contracts.StatusSoftBlock, contracts.StatusHardBlock:
		return decision
	default:
		return contracts.StatusHardBlock
	}
}

func configOverrides(inputs map[string]any) map[string]any {
	if inputs == nil {
		return nil
	}
	overrides, _ := inputs["config_overrides"].(map[string]any)
	return overrides
}
