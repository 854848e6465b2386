package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/noderouter/noderouter/approval"
	"github.com/noderouter/noderouter/proto"
	"go.uber.org/zap"
)

const originalsStateName = "approval_originals"

// ApprovalFlow is the orchestration layer spec §4.8's second paragraph
// describes around the approval.request/approval.resolve capabilities:
// request -> resolve -> on approved, re-invoke the guarded mutation with
// extensions.confirmation.status="approved" -> on success, request a commit
// through a version-control capability. The commit call carries only a
// commit message; no paths are passed.
//
// This is deliberately a thin façade over Runtime, not part of the approval
// package itself, since the gate's two capabilities are a complete,
// self-contained provider on their own — the re-invoke/commit choreography
// is a caller concern.
type ApprovalFlow struct {
	rt *Runtime

	mu sync.Mutex
}

// NewApprovalFlow builds a flow bound to rt's Approval gate, Router, and
// Persist store.
func NewApprovalFlow(rt *Runtime) *ApprovalFlow {
	return &ApprovalFlow{rt: rt}
}

func (f *ApprovalFlow) loadOriginals() map[string]*proto.Message {
	out := map[string]*proto.Message{}
	_ = f.rt.Persist.LoadState(originalsStateName, &out)
	if out == nil {
		out = map[string]*proto.Message{}
	}
	return out
}

func (f *ApprovalFlow) saveOriginals(m map[string]*proto.Message) error {
	return f.rt.Persist.SaveState(originalsStateName, m)
}

// RequestMutation creates a pending ApprovalRecord for a guarded mutation
// message that the Router rejected with E_CONFIRMATION_REQUIRED, stashing
// the full original message (intent, payload, extensions) so Resolve can
// faithfully re-invoke it later.
func (f *ApprovalFlow) RequestMutation(ctx context.Context, guarded *proto.Message, reason, requestedBy string) (*approval.Record, error) {
	rec, err := f.rt.Approval.Request(guarded.Intent, reason, guarded.Payload, requestedBy)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	originals := f.loadOriginals()
	originals[rec.RequestID] = guarded.Clone()
	if err := f.saveOriginals(originals); err != nil {
		return nil, fmt.Errorf("runtime: persist guarded original for %s: %w", rec.RequestID, err)
	}
	return rec, nil
}

// ResolveResult is what Resolve returns: the approval decision plus, when
// approved, the re-invoked mutation's response and the best-effort commit
// response.
type ResolveResult struct {
	Record         *approval.Record
	ReinvokeResult *proto.Message
	CommitResult   *proto.Message
}

// Resolve validates the decision, stamps the ApprovalRecord, and — only
// when approved — re-invokes the originally guarded message with
// extensions.confirmation.status="approved" and then attempts a
// "vcs.commit" capability call with a synthetic commit message. A missing
// vcs.commit provider (E_NO_ROUTE) is logged, not treated as a flow
// failure: version control is an external, optional capability node (spec
// §1, out of scope).
func (f *ApprovalFlow) Resolve(ctx context.Context, requestID string, decision approval.Decision, decidedBy string) (*ResolveResult, error) {
	rec, err := f.rt.Approval.Resolve(requestID, decision, decidedBy)
	if err != nil {
		return nil, err
	}
	result := &ResolveResult{Record: rec}
	if decision != approval.DecisionApproved {
		return result, nil
	}

	f.mu.Lock()
	originals := f.loadOriginals()
	guarded, ok := originals[requestID]
	if ok {
		delete(originals, requestID)
		_ = f.saveOriginals(originals)
	}
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("runtime: no stashed original message for approved request %s", requestID)
	}

	outbound := guarded.Clone()
	if outbound.Extensions == nil {
		outbound.Extensions = map[string]any{}
	}
	outbound.Extensions[proto.ExtConfirmation] = map[string]any{
		"required":   true,
		"status":     string(proto.ConfirmationApproved),
		"request_id": requestID,
	}
	reinvoke := f.rt.Router.Route(ctx, outbound)
	result.ReinvokeResult = reinvoke

	if reinvoke.Intent == "error" {
		return result, nil
	}

	commitMsg := proto.NewMessage("vcs.commit", map[string]any{
		"message": fmt.Sprintf("approved: %s (request %s)", guarded.Intent, requestID),
	})
	commitResp := f.rt.Router.Route(ctx, commitMsg)
	if commitResp.Intent == "error" {
		if detail := commitResp.AsErrorDetail(); detail != nil && detail.Code == proto.ErrNoRoute {
			f.rt.logger.Debug("no vcs.commit provider registered, skipping commit", zap.String("request_id", requestID))
			return result, nil
		}
	}
	result.CommitResult = commitResp
	return result, nil
}
