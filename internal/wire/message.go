package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidMessage = errors.New("invalid message")

type Kind string

const (
	KindSubscribe        Kind = "subscribe"
	KindUnsubscribe      Kind = "unsubscribe"
	KindSubscribed       Kind = "subscribed"
	KindUnsubscribed     Kind = "unsubscribed"
	KindPing             Kind = "ping"
	KindPong             Kind = "pong"
	KindOperationRequest Kind = "operation-request"
	KindOperationResult  Kind = "operation-result"
	KindDocumentUpdated  Kind = "document-updated"
	KindError            Kind = "error"
)

// Error codes carried in error frames and failed operation results.
const (
	CodeConflictRejected     = "conflict_rejected"
	CodeTargetNotFound       = "target_not_found"
	CodeUnsupportedForFormat = "unsupported_for_format"
	CodeUnknownAction        = "unknown_action"
	CodePersistenceFailure   = "persistence_failure"
	CodeUnauthorized         = "unauthorized"
	CodeInvalidRequest       = "invalid_request"
	CodeTimeout              = "timeout"
	CodeInternal             = "internal"
)

type SourceClass string

const (
	SourceUser  SourceClass = "user"
	SourceAgent SourceClass = "agent"
)

// Message is the envelope of every text frame. Data holds the kind-specific
// body and is decoded lazily by the receiver.
type Message struct {
	Type          Kind            `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

type SubscriptionData struct {
	DocumentID string `json:"documentId"`
}

type OperationRequest struct {
	Action        string         `json:"action"`
	DocumentID    string         `json:"documentId,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	ActorID       string         `json:"actorId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type OperationResult struct {
	Success       bool       `json:"success"`
	DocumentID    string     `json:"documentId,omitempty"`
	Result        any        `json:"result,omitempty"`
	Error         *ErrorBody `json:"error,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
}

type Change struct {
	Kind       string         `json:"kind"`
	Action     string         `json:"action,omitempty"`
	TargetType string         `json:"targetType,omitempty"`
	TargetID   string         `json:"targetId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

type DocumentUpdate struct {
	DocumentID  string      `json:"documentId"`
	Changes     []Change    `json:"changes"`
	SourceClass SourceClass `json:"sourceClass"`
	Timestamp   time.Time   `json:"timestamp"`
}

type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

// New builds an envelope around body. A nil body produces a frame without
// data.
func New(kind Kind, correlationID string, body any) (Message, error) {
	msg := Message{Type: kind, CorrelationID: correlationID}
	if body == nil {
		return msg, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s body: %w", kind, err)
	}
	msg.Data = raw
	return msg, nil
}

// Decode unmarshals the body of msg into out.
func (m Message) Decode(out any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s frame has no data", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrInvalidMessage, m.Type, err)
	}
	return nil
}

func ErrorMessage(correlationID, code, message string) Message {
	msg, _ := New(KindError, correlationID, ErrorBody{Code: code, Message: message})
	return msg
}
