// Package proto defines the wire message shape shared by every component in
// the router: capability nodes, the router core, the intent analyzer, the
// async pipeline, and the streaming front end all exchange *Message values.
package proto

import (
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the only protocol version this build understands.
const ProtocolVersion = "0.1"

// Message is the unit of exchange described in spec §3.
type Message struct {
	ProtocolVersion string         `json:"protocol_version"`
	MessageID       string         `json:"message_id"`
	Intent          string         `json:"intent"`
	Payload         map[string]any `json:"payload"`
	Extensions      map[string]any `json:"extensions,omitempty"`
}

// Well-known extension keys.
const (
	ExtIdentity     = "identity"
	ExtConfirmation = "confirmation"
	ExtLLM          = "llm"
	ExtTrace        = "trace"
	ExtConfidence   = "confidence"
)

// Identity is the extensions.identity block.
type Identity struct {
	ActorID   string   `json:"actor_id"`
	ActorType string   `json:"actor_type"`
	Roles     []string `json:"roles,omitempty"`
}

// ConfirmationStatus enumerates extensions.confirmation.status.
type ConfirmationStatus string

const (
	ConfirmationPending  ConfirmationStatus = "pending"
	ConfirmationApproved ConfirmationStatus = "approved"
	ConfirmationDenied   ConfirmationStatus = "denied"
)

// Confirmation is the extensions.confirmation block.
type Confirmation struct {
	Required  bool               `json:"required"`
	Status    ConfirmationStatus `json:"status,omitempty"`
	RequestID string             `json:"request_id,omitempty"`
}

// LLMExtension is the extensions.llm block.
type LLMExtension struct {
	Provider       string   `json:"provider,omitempty"`
	Model          string   `json:"model,omitempty"`
	ProviderSource string   `json:"provider_source,omitempty"`
	ModelSource    string   `json:"model_source,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
	Stop           []string `json:"stop,omitempty"`
}

// Trace is the extensions.trace block, mutated by every hop.
type Trace struct {
	ParentMessageID string   `json:"parent_message_id,omitempty"`
	Depth           int      `json:"depth"`
	Path            []string `json:"path,omitempty"`
}

// NewMessageID returns a fresh globally-unique message id.
func NewMessageID() string {
	return uuid.NewString()
}

// NewMessage builds a Message with the current protocol version and a fresh
// message id, ready to have payload/extensions filled in.
func NewMessage(intent string, payload map[string]any) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		ProtocolVersion: ProtocolVersion,
		MessageID:       NewMessageID(),
		Intent:          intent,
		Payload:         payload,
	}
}

// Clone returns a deep-enough copy of the message for mutation by a single
// hop: nested maps in payload/extensions are copied recursively, while
// slices are copied one level deep (their elements are shared).
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := &Message{
		ProtocolVersion: m.ProtocolVersion,
		MessageID:       m.MessageID,
		Intent:          m.Intent,
		Payload:         cloneMap(m.Payload),
		Extensions:      cloneMap(m.Extensions),
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneMap(vv)
		case []any:
			out[k] = append([]any(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}

// TraceOf extracts the extensions.trace block, if present and well-formed.
func (m *Message) TraceOf() *Trace {
	raw, ok := m.Extensions[ExtTrace]
	if !ok {
		return nil
	}
	return decodeTrace(raw)
}

func decodeTrace(raw any) *Trace {
	switch v := raw.(type) {
	case *Trace:
		return v
	case Trace:
		return &v
	case map[string]any:
		t := &Trace{}
		if p, ok := v["parent_message_id"].(string); ok {
			t.ParentMessageID = p
		}
		if d, ok := v["depth"].(float64); ok {
			t.Depth = int(d)
		} else if d, ok := v["depth"].(int); ok {
			t.Depth = d
		}
		if path, ok := v["path"].([]any); ok {
			for _, p := range path {
				if s, ok := p.(string); ok {
					t.Path = append(t.Path, s)
				}
			}
		} else if path, ok := v["path"].([]string); ok {
			t.Path = append(t.Path, path...)
		}
		return t
	default:
		return nil
	}
}

func (t *Trace) asMap() map[string]any {
	return map[string]any{
		"parent_message_id": t.ParentMessageID,
		"depth":             t.Depth,
		"path":               append([]string(nil), t.Path...),
	}
}

// EnsureTrace creates-or-increments the extensions.trace block and appends
// hop to path when hop is non-empty. Every outgoing message from any
// component must pass through this.
func EnsureTrace(m *Message, parentID string, hop string) {
	if m.Extensions == nil {
		m.Extensions = map[string]any{}
	}
	t := m.TraceOf()
	if t == nil {
		t = &Trace{ParentMessageID: parentID, Depth: 1}
	} else {
		t.Depth++
		if parentID != "" {
			t.ParentMessageID = parentID
		}
	}
	if hop != "" {
		t.Path = append(t.Path, hop)
	}
	m.Extensions[ExtTrace] = t.asMap()
}

// IdentityOf extracts extensions.identity, if present.
func (m *Message) IdentityOf() *Identity {
	raw, ok := m.Extensions[ExtIdentity]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case *Identity:
		return v
	case Identity:
		return &v
	case map[string]any:
		id := &Identity{}
		if s, ok := v["actor_id"].(string); ok {
			id.ActorID = s
		}
		if s, ok := v["actor_type"].(string); ok {
			id.ActorType = s
		}
		if roles, ok := v["roles"].([]any); ok {
			for _, r := range roles {
				if s, ok := r.(string); ok {
					id.Roles = append(id.Roles, s)
				}
			}
		}
		return id
	default:
		return nil
	}
}

// ConfirmationOf extracts extensions.confirmation, if present.
func (m *Message) ConfirmationOf() *Confirmation {
	raw, ok := m.Extensions[ExtConfirmation]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case *Confirmation:
		return v
	case Confirmation:
		return &v
	case map[string]any:
		c := &Confirmation{}
		if b, ok := v["required"].(bool); ok {
			c.Required = b
		}
		if s, ok := v["status"].(string); ok {
			c.Status = ConfirmationStatus(s)
		}
		if s, ok := v["request_id"].(string); ok {
			c.RequestID = s
		}
		return c
	default:
		return nil
	}
}

// LLMOf extracts extensions.llm, if present.
func (m *Message) LLMOf() *LLMExtension {
	raw, ok := m.Extensions[ExtLLM]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case *LLMExtension:
		return v
	case LLMExtension:
		return &v
	case map[string]any:
		l := &LLMExtension{}
		if s, ok := v["provider"].(string); ok {
			l.Provider = s
		}
		if s, ok := v["model"].(string); ok {
			l.Model = s
		}
		if s, ok := v["provider_source"].(string); ok {
			l.ProviderSource = s
		}
		if s, ok := v["model_source"].(string); ok {
			l.ModelSource = s
		}
		if n, ok := v["max_tokens"].(float64); ok {
			l.MaxTokens = int(n)
		}
		if stop, ok := v["stop"].([]any); ok {
			for _, s := range stop {
				if str, ok := s.(string); ok {
					l.Stop = append(l.Stop, str)
				}
			}
		}
		return l
	default:
		return nil
	}
}

// HasExtension reports whether key is present on the message's extensions
// map.
func (m *Message) HasExtension(key string) bool {
	if m.Extensions == nil {
		return false
	}
	_, ok := m.Extensions[key]
	return ok
}

// nowRFC3339 is used by callers that stamp timestamps into payloads.
func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
