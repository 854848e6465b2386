package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/noderouter/noderouter/approval"
	"github.com/noderouter/noderouter/async"
	"github.com/noderouter/noderouter/intent"
	"github.com/noderouter/noderouter/proto"
	"github.com/noderouter/noderouter/registry"
	"github.com/noderouter/noderouter/runtime"
	"go.uber.org/zap"
)

func jsonEncoder(w io.Writer) *json.Encoder {
	return json.NewEncoder(w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

// api wraps the set of dependencies every handler closes over.
type api struct {
	rt     *runtime.Runtime
	logger *zap.Logger
}

// handleHealth reports liveness plus a shallow view of registry size,
// grounded on cmd/agentflow/server.go's health endpoint.
func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"node_count": len(a.rt.Registry.ActiveRecords()),
	})
}

// handleCatalog implements GET /router/catalog (spec §4.4 catalog()).
func (a *api) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.rt.Registry.Catalog())
}

// handleRegistry implements GET /router/registry, a debugging view over
// every active NodeRecord (auth and lease redacted by NodeRecord.clone).
func (a *api) handleRegistry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.rt.Registry.ActiveRecords())
}

type nodeRegisterRequest struct {
	registry.NodeDescriptor
}

// handleNodeRegister implements POST /router/node/register (spec §4.4
// register()). Remote nodes always dispatch over HTTP: the registry only
// ever sees handler=nil for entries restored from this path, and
// router.dispatcherFor falls back to an HTTP adapter against endpoint_url.
func (a *api) handleNodeRegister(w http.ResponseWriter, r *http.Request) {
	var req nodeRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONMessage(w, http.StatusBadRequest, proto.MakeError(proto.ErrBadMessage, err.Error(), "", false, nil))
		return
	}
	res := a.rt.Registry.Register(req.NodeDescriptor, nil)
	if !res.OK {
		writeJSONMessage(w, statusForRegistryCode(res.Code), proto.MakeError(res.Code, "node registration rejected", "", false, nil))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type heartbeatRequest struct {
	NodeID     string `json:"node_id"`
	LeaseToken string `json:"lease_token"`
}

// handleNodeHeartbeat implements POST /router/node/heartbeat.
func (a *api) handleNodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONMessage(w, http.StatusBadRequest, proto.MakeError(proto.ErrBadMessage, err.Error(), "", false, nil))
		return
	}
	ok, code := a.rt.Registry.Heartbeat(req.NodeID, req.LeaseToken)
	if !ok {
		writeJSONMessage(w, statusForRegistryCode(code), proto.MakeError(code, "heartbeat rejected", "", false, nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func statusForRegistryCode(code proto.ErrorCode) int {
	switch code {
	case proto.ErrNodeUntrusted:
		return http.StatusForbidden
	case proto.ErrNodeNotRegistered:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

// stampIdentity copies the JWTAuth-derived identity into the inbound message
// unless the caller already supplied extensions.identity explicitly.
func stampIdentity(r *http.Request, msg *proto.Message) {
	if msg.HasExtension(proto.ExtIdentity) {
		return
	}
	id := IdentityFromContext(r.Context())
	if id == nil || id.ActorID == "" {
		return
	}
	if msg.Extensions == nil {
		msg.Extensions = map[string]any{}
	}
	msg.Extensions[proto.ExtIdentity] = id
}

// handleRoute implements POST /route (spec §4.5 route()): the canonical
// synchronous entry point for an already-structured Message.
func (a *api) handleRoute(w http.ResponseWriter, r *http.Request) {
	var msg proto.Message
	if err := decodeJSON(r, &msg); err != nil {
		writeJSONMessage(w, http.StatusBadRequest, proto.MakeError(proto.ErrBadMessage, err.Error(), "", false, nil))
		return
	}
	stampIdentity(r, &msg)
	resp := a.rt.Router.Route(r.Context(), &msg)
	writeJSONMessage(w, statusForResponse(resp), resp)
}

func statusForResponse(m *proto.Message) int {
	if m == nil || m.Intent != "error" {
		return http.StatusOK
	}
	detail := m.AsErrorDetail()
	if detail == nil {
		return http.StatusInternalServerError
	}
	switch detail.Code {
	case proto.ErrBadMessage, proto.ErrUnsupportedProtocol, proto.ErrRequiredExtensionMissing:
		return http.StatusBadRequest
	case proto.ErrConfirmationRequired, proto.ErrAuthRequired, proto.ErrAuthInvalid, proto.ErrAuthForbidden:
		return http.StatusForbidden
	case proto.ErrNoRoute, proto.ErrNodeNotRegistered, proto.ErrAdapterNotFound:
		return http.StatusNotFound
	case proto.ErrNodeUnavailable, proto.ErrNodeTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleRouteAsync implements POST /route_async (spec §4.9 route_async()).
func (a *api) handleRouteAsync(w http.ResponseWriter, r *http.Request) {
	var msg proto.Message
	if err := decodeJSON(r, &msg); err != nil {
		writeJSONMessage(w, http.StatusBadRequest, proto.MakeError(proto.ErrBadMessage, err.Error(), "", false, nil))
		return
	}
	stampIdentity(r, &msg)
	enqueued, errMsg := a.rt.Async.RouteAsync(r.Context(), &msg)
	if errMsg != nil {
		writeJSONMessage(w, statusForResponse(errMsg), errMsg)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueued)
}

// handleWorkerResult implements POST /worker_result, the callback a remote
// worker posts back after handling one async delivery (spec §4.9 "Result
// post").
func (a *api) handleWorkerResult(w http.ResponseWriter, r *http.Request) {
	var result async.Result
	if err := decodeJSON(r, &result); err != nil {
		writeJSONMessage(w, http.StatusBadRequest, proto.MakeError(proto.ErrBadMessage, err.Error(), "", false, nil))
		return
	}
	if err := a.rt.Async.PostResult(r.Context(), result); err != nil {
		writeJSONMessage(w, http.StatusInternalServerError, proto.MakeError(proto.ErrInternal, err.Error(), "", false, nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleStatus implements GET /status/{id} (spec §4.9 status(id)).
func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok, err := a.rt.Async.Status(r.Context(), id)
	if err != nil {
		writeJSONMessage(w, http.StatusInternalServerError, proto.MakeError(proto.ErrInternal, err.Error(), "", false, nil))
		return
	}
	if !ok {
		writeJSONMessage(w, http.StatusNotFound, proto.MakeError(proto.ErrNoRoute, fmt.Sprintf("no status for %q", id), "", false, nil))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleReplay implements GET /replay/{id} (spec §4.9 replay(id)).
func (a *api) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	replay, ok, err := a.rt.Async.Replay(r.Context(), id)
	if err != nil {
		writeJSONMessage(w, http.StatusInternalServerError, proto.MakeError(proto.ErrInternal, err.Error(), "", false, nil))
		return
	}
	if !ok {
		writeJSONMessage(w, http.StatusNotFound, proto.MakeError(proto.ErrNoRoute, fmt.Sprintf("no replay for %q", id), "", false, nil))
		return
	}
	writeJSON(w, http.StatusOK, replay)
}

type intentAnalyzeRequest struct {
	Text    string         `json:"text"`
	Context map[string]any `json:"context,omitempty"`
}

// handleIntentAnalyze implements POST /intent/analyze (spec §4.7 analyze()).
func (a *api) handleIntentAnalyze(w http.ResponseWriter, r *http.Request) {
	var req intentAnalyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONMessage(w, http.StatusBadRequest, proto.MakeError(proto.ErrBadMessage, err.Error(), "", false, nil))
		return
	}
	plan := a.rt.Intent.Analyze(req.Text, req.Context)
	writeJSON(w, http.StatusOK, plan)
}

type intentRouteRequest struct {
	Text       string         `json:"text"`
	Confirm    bool           `json:"confirm,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// handleIntentRoute implements POST /intent/route (spec §4.7 route()).
func (a *api) handleIntentRoute(w http.ResponseWriter, r *http.Request) {
	var req intentRouteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONMessage(w, http.StatusBadRequest, proto.MakeError(proto.ErrBadMessage, err.Error(), "", false, nil))
		return
	}
	if id := IdentityFromContext(r.Context()); id != nil && id.ActorID != "" {
		if req.Extensions == nil {
			req.Extensions = map[string]any{}
		}
		if _, ok := req.Extensions[proto.ExtIdentity]; !ok {
			req.Extensions[proto.ExtIdentity] = id
		}
	}
	result := a.rt.Intent.Route(r.Context(), req.Text, req.Confirm, req.Context, req.Extensions)
	status := http.StatusOK
	switch result.Status {
	case intent.StatusNeedsClarification:
		status = http.StatusUnprocessableEntity
	case intent.StatusRouteError:
		status = statusForResponse(result.RouteResponse)
	}
	writeJSON(w, status, result)
}

// handleApprovalPending implements GET /approval/pending?request_id=...,
// returning the single ApprovalRecord with that request_id (whatever its
// status) for a human reviewer. It does not list records.
func (a *api) handleApprovalPending(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("request_id")
	if id == "" {
		writeJSONMessage(w, http.StatusBadRequest, proto.MakeError(proto.ErrBadMessage, "request_id is required", "", false, nil))
		return
	}
	rec, ok := a.rt.Approval.Get(id)
	if !ok {
		writeJSONMessage(w, http.StatusNotFound, proto.MakeError(proto.ErrNoRoute, fmt.Sprintf("no approval request %q", id), "", false, nil))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type approvalResolveBody struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by"`
}

// handleApprovalResolve implements POST /approval/resolve, invoking the
// ApprovalFlow orchestration (request -> resolve -> reinvoke -> commit)
// instead of calling the Gate directly, so an approved mutation actually
// gets re-executed (spec §4.8, second paragraph).
func (a *api) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	var body approvalResolveBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSONMessage(w, http.StatusBadRequest, proto.MakeError(proto.ErrBadMessage, err.Error(), "", false, nil))
		return
	}
	result, err := a.rt.Flow.Resolve(r.Context(), body.RequestID, approval.Decision(body.Decision), body.DecidedBy)
	if err != nil {
		writeJSONMessage(w, http.StatusBadRequest, proto.MakeError(proto.ErrBadMessage, err.Error(), "", false, nil))
		return
	}
	writeJSON(w, http.StatusOK, result)
}
