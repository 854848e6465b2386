package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/noderouter/noderouter/proto"
	"github.com/noderouter/noderouter/registry"
	"go.uber.org/zap"
)

// Handler exposes POST /complete and POST /stream as net/http.HandlerFuncs,
// grounded on api/handlers/chat.go's ChatHandler (SSE header set,
// http.Flusher, per-chunk event:/data: writes).
type Handler struct {
	router *Router
	logger *zap.Logger
}

// NewHandler builds a Handler around an already-configured Router.
func NewHandler(router *Router, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{router: router, logger: logger.With(zap.String("component", "stream.http"))}
}

type completeRequestBody struct {
	Prompt       string         `json:"prompt"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Extensions   map[string]any `json:"extensions,omitempty"`
	ForceAsync   bool           `json:"force_async,omitempty"`
}

func decodeRequest(r *http.Request) (Request, error) {
	var body completeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return Request{}, fmt.Errorf("decode request body: %w", err)
	}
	if body.Prompt == "" {
		return Request{}, fmt.Errorf("prompt is required")
	}
	var ext map[string]any
	if raw, ok := body.Extensions["llm"]; ok {
		if m, ok := raw.(map[string]any); ok {
			ext = m
		}
	}
	return Request{
		Prompt:       body.Prompt,
		SystemPrompt: body.SystemPrompt,
		Extensions:   ext,
		ForceAsync:   body.ForceAsync,
	}, nil
}

func writeMessageJSON(w http.ResponseWriter, status int, m *proto.Message) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(m)
}

// HandleComplete implements POST /complete (spec §4.10).
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeMessageJSON(w, http.StatusBadRequest, proto.MakeError(proto.ErrBadMessage, err.Error(), "", false, nil))
		return
	}

	result, errMsg := h.router.Complete(r.Context(), req)
	if errMsg != nil {
		writeMessageJSON(w, statusForError(errMsg), errMsg)
		return
	}

	if result.Enqueued != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accepted":   true,
			"message_id": result.Enqueued.MessageID,
			"status_url": result.Enqueued.StatusURL,
			"replay_url": result.Enqueued.ReplayURL,
			"reason":     result.Target.AsyncReason,
		})
		return
	}

	writeMessageJSON(w, http.StatusOK, result.Sync)
}

func statusForError(m *proto.Message) int {
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

func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\n", event)
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}

// HandleStream implements POST /stream (spec §4.10).
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeMessageJSON(w, http.StatusBadRequest, proto.MakeError(proto.ErrBadMessage, err.Error(), "", false, nil))
		return
	}

	target, chosen, msg, errMsg := h.router.resolveForStream(req)
	if errMsg != nil {
		writeMessageJSON(w, statusForError(errMsg), errMsg)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessageJSON(w, http.StatusInternalServerError, proto.MakeError(proto.ErrInternal, "streaming not supported", msg.MessageID, false, nil))
		return
	}

	writeSSE(w, "meta", map[string]any{
		"message_id":     msg.MessageID,
		"node":           target.NodeID,
		"node_id":        target.NodeID,
		"model":          target.Model,
		"max_tokens":     target.MaxTokens,
		"stop_count":     len(target.Stop),
		"async_fallback": target.AsyncFallback,
		"async_reason":   target.AsyncReason,
	})
	flusher.Flush()

	if target.AsyncFallback {
		enqueued, errMsg := h.router.async.RouteAsync(r.Context(), msg)
		if errMsg != nil {
			writeSSE(w, "error", errMsg.AsErrorDetail())
			flusher.Flush()
			return
		}
		writeSSE(w, "async_queued", map[string]any{
			"message_id": enqueued.MessageID,
			"status_url": enqueued.StatusURL,
			"replay_url": enqueued.ReplayURL,
		})
		flusher.Flush()
		writeSSE(w, "done", map[string]any{"route_mode": "async_fallback"})
		flusher.Flush()
		return
	}

	streamer, ok := chosen.Node.Handler.(StreamDispatcher)
	if !ok {
		h.streamViaDispatch(w, flusher, r, chosen, msg)
		return
	}

	ctx := r.Context()
	chunks, err := streamer.DispatchStream(ctx, msg)
	if err != nil {
		writeSSE(w, "error", map[string]any{"code": string(proto.ErrNodeError), "message": err.Error()})
		flusher.Flush()
		return
	}

	var tokenEvents, outputChars int
	for {
		select {
		case <-ctx.Done():
			h.router.emit("client_disconnected", map[string]any{"message_id": msg.MessageID, "node_id": target.NodeID})
			return
		case chunk, ok := <-chunks:
			if !ok {
				writeSSE(w, "done", map[string]any{
					"token_events":       tokenEvents,
					"output_chars":       outputChars,
					"ollama_done_reason": "stop",
				})
				flusher.Flush()
				return
			}
			if chunk.Err != nil {
				writeSSE(w, "error", chunk.Err.AsErrorDetail())
				flusher.Flush()
				return
			}
			tokenEvents++
			outputChars += len(chunk.Text)
			writeSSE(w, "token", map[string]any{"text": chunk.Text})
			flusher.Flush()
		}
	}
}

// streamViaDispatch serves /stream for a node that only implements the
// non-streaming registry.Dispatcher: the whole response arrives as one
// token event, matching the contract (meta, token[s], done) without
// requiring every node to implement StreamDispatcher.
func (h *Handler) streamViaDispatch(w http.ResponseWriter, flusher http.Flusher, r *http.Request, chosen registry.Candidate, msg *proto.Message) {
	if chosen.Node.Handler == nil {
		writeSSE(w, "error", map[string]any{"code": string(proto.ErrNodeUnavailable), "message": "node has no reachable handler"})
		flusher.Flush()
		return
	}
	resp, err := chosen.Node.Handler.Dispatch(r.Context(), msg)
	if err != nil {
		writeSSE(w, "error", map[string]any{"code": string(proto.ErrNodeError), "message": err.Error()})
		flusher.Flush()
		return
	}
	if resp.Intent == "error" {
		writeSSE(w, "error", resp.AsErrorDetail())
		flusher.Flush()
		return
	}
	text, _ := resp.Payload["text"].(string)
	if text == "" {
		text, _ = resp.Payload["content"].(string)
	}
	writeSSE(w, "token", map[string]any{"text": text})
	flusher.Flush()
	writeSSE(w, "done", map[string]any{
		"token_events":       1,
		"output_chars":       len(text),
		"ollama_done_reason": "stop",
	})
	flusher.Flush()
}
