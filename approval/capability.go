package approval

import (
	"context"

	"github.com/noderouter/noderouter/proto"
	"github.com/noderouter/noderouter/registry"
)

const (
	CapabilityRequest = "approval.request"
	CapabilityResolve = "approval.resolve"
)

// RequestHandler adapts Gate.Request to a registry.Dispatcher for the
// approval.request capability. Expected payload: {capability_name, reason?,
// payload?, requested_by?}. Returns the full record as payload.
func (g *Gate) RequestHandler() registry.Dispatcher {
	return registry.DispatcherFunc(func(ctx context.Context, msg *proto.Message) (*proto.Message, error) {
		capName, _ := msg.Payload["capability_name"].(string)
		if capName == "" {
			return proto.MakeError(proto.ErrBadMessage, "capability_name is required", msg.MessageID, false, nil), nil
		}
		reason, _ := msg.Payload["reason"].(string)
		requestedBy, _ := msg.Payload["requested_by"].(string)
		payload, _ := msg.Payload["payload"].(map[string]any)

		rec, err := g.Request(capName, reason, payload, requestedBy)
		if err != nil {
			return proto.MakeError(proto.ErrInternal, err.Error(), msg.MessageID, false, nil), nil
		}
		return proto.MakeResponse("approval.requested", recordToPayload(rec), msg.MessageID, nil), nil
	})
}

// ResolveHandler adapts Gate.Resolve to a registry.Dispatcher for the
// approval.resolve capability. Expected payload: {request_id, decision,
// decided_by?}. Returns the record with a confirmation extension block
// echoing the decision.
func (g *Gate) ResolveHandler() registry.Dispatcher {
	return registry.DispatcherFunc(func(ctx context.Context, msg *proto.Message) (*proto.Message, error) {
		requestID, _ := msg.Payload["request_id"].(string)
		decisionStr, _ := msg.Payload["decision"].(string)
		decidedBy, _ := msg.Payload["decided_by"].(string)
		if requestID == "" || decisionStr == "" {
			return proto.MakeError(proto.ErrBadMessage, "request_id and decision are required", msg.MessageID, false, nil), nil
		}

		rec, err := g.Resolve(requestID, Decision(decisionStr), decidedBy)
		if err != nil {
			return proto.MakeError(proto.ErrBadMessage, err.Error(), msg.MessageID, false, nil), nil
		}

		resp := proto.MakeResponse("approval.resolved", recordToPayload(rec), msg.MessageID, nil)
		status := proto.ConfirmationDenied
		if rec.Status == StatusApproved {
			status = proto.ConfirmationApproved
		}
		resp.Extensions = map[string]any{
			proto.ExtConfirmation: map[string]any{
				"required":   true,
				"status":     string(status),
				"request_id": requestID,
			},
		}
		return resp, nil
	})
}

func recordToPayload(rec *Record) map[string]any {
	p := map[string]any{
		"request_id":      rec.RequestID,
		"capability_name": rec.CapabilityName,
		"reason":          rec.Reason,
		"payload":         rec.Payload,
		"requested_by":    rec.RequestedBy,
		"status":          string(rec.Status),
		"created_at":      rec.CreatedAt,
	}
	if rec.ResolvedAt != nil {
		p["resolved_at"] = *rec.ResolvedAt
	}
	if rec.DecidedBy != "" {
		p["decided_by"] = rec.DecidedBy
	}
	return p
}
