package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAcceptsWellFormedFrames(t *testing.T) {
	for _, raw := range []string{
		`{"type":"ping"}`,
		`{"type":"subscribe","data":{"documentId":"doc-1"}}`,
		`{"type":"operation-request","correlationId":"c-1","data":{"action":"update_node","documentId":"doc-1","payload":{"id":"n1","label":"B"}}}`,
		`{"type":"operation-result","correlationId":"c-1","data":{"success":false,"error":{"code":"conflict_rejected","message":"x"}}}`,
		`{"type":"document-updated","data":{"documentId":"doc-1","changes":[{"kind":"operation"}],"sourceClass":"agent","timestamp":"2026-03-01T12:00:00Z"}}`,
	} {
		msg, err := Parse([]byte(raw))
		require.NoError(t, err, raw)
		assert.NotEmpty(t, msg.Type)
	}
}

func TestParseRejectsMalformedFrames(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":               `{"type":`,
		"missing type":           `{"data":{}}`,
		"unknown type":           `{"type":"shout"}`,
		"subscribe without doc":  `{"type":"subscribe","data":{}}`,
		"empty document id":      `{"type":"unsubscribe","data":{"documentId":""}}`,
		"request without action": `{"type":"operation-request","data":{"documentId":"doc-1"}}`,
		"payload not an object":  `{"type":"operation-request","data":{"action":"update_node","payload":"label=B"}}`,
		"bad source class":       `{"type":"document-updated","data":{"documentId":"d","changes":[],"sourceClass":"robot"}}`,
	} {
		_, err := Parse([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidMessage, name)
	}
}

func TestNewAndDecodeOperationRequest(t *testing.T) {
	msg, err := New(KindOperationRequest, "corr-7", OperationRequest{
		Action:     "add_node",
		DocumentID: "doc-1",
		Payload:    map[string]any{"id": "n1"},
	})
	require.NoError(t, err)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "corr-7", parsed.CorrelationID)

	var req OperationRequest
	require.NoError(t, parsed.Decode(&req))
	assert.Equal(t, "add_node", req.Action)
	assert.Equal(t, "n1", req.Payload["id"])

	var empty Message
	assert.ErrorIs(t, empty.Decode(&req), ErrInvalidMessage)
}

func TestErrorMessageCarriesCode(t *testing.T) {
	msg := ErrorMessage("c-9", "invalid_request", "bad frame")
	var body ErrorBody
	require.NoError(t, msg.Decode(&body))
	assert.Equal(t, KindError, msg.Type)
	assert.Equal(t, "invalid_request", body.Code)
}

func TestPeekCorrelationIDOfRejectedFrames(t *testing.T) {
	raw := []byte(`{"type":"subscribe","correlationId":"c-3","data":{"documentId":""}}`)
	_, err := Parse(raw)
	require.Error(t, err)
	assert.Equal(t, "c-3", PeekCorrelationID(raw))

	assert.Equal(t, "", PeekCorrelationID([]byte(`{"type":`)))
	assert.Equal(t, "", PeekCorrelationID([]byte(`{"type":"ping","correlationId":42}`)))
	assert.Equal(t, "", PeekCorrelationID([]byte(`["not","an","object"]`)))
}
