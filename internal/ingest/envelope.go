// Package ingest implements the startup-safe webhook ingestion core.
// It decodes inbound update payloads, gates them on processing-runtime
// readiness, buffers early arrivals, and hands them across the boundary
// between the HTTP request context and the background processing context.
package ingest

import (
	"bytes"
	"fmt"
	"mime"
	"time"

	"github.com/goccy/go-json"
)

// ══════════════════════════════════════════════════════════════════════════════
// UPDATE ENVELOPE
// ══════════════════════════════════════════════════════════════════════════════

// Envelope is one inbound update payload from Telegram. The payload stays
// opaque; only the provider's update sequence number is inspected, for
// idempotence reasoning.
type Envelope struct {
	// UpdateID is Telegram's monotonically increasing update identifier.
	// Zero when the payload does not carry one.
	UpdateID int64

	// Raw is the payload exactly as delivered.
	Raw json.RawMessage

	// ReceivedAt is when the envelope was accepted off the wire.
	ReceivedAt time.Time
}

// DecodeError classifies a malformed inbound payload. It is a client-error
// class failure: the request is rejected and nothing reaches the buffer or
// the processing runtime.
type DecodeError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode update: %s: %v", e.Reason, e.Err)
	}
	return "decode update: " + e.Reason
}

// Unwrap returns the underlying parse error, if any.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// updateProbe extracts the only field the ingestion core cares about.
type updateProbe struct {
	UpdateID int64 `json:"update_id"`
}

// DecodeEnvelope validates raw request body bytes and produces an Envelope.
// It rejects non-JSON content types, empty bodies, invalid JSON, and
// non-object top-level values with a *DecodeError. It has no side effects
// and never panics on malformed UTF-8 or truncated input.
func DecodeEnvelope(body []byte, contentType string) (*Envelope, error) {
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != "application/json" {
			return nil, &DecodeError{Reason: "unsupported content type " + contentType}
		}
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, &DecodeError{Reason: "empty body"}
	}
	if trimmed[0] != '{' {
		return nil, &DecodeError{Reason: "top-level value is not a JSON object"}
	}

	var probe updateProbe
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}

	raw := make(json.RawMessage, len(trimmed))
	copy(raw, trimmed)

	return &Envelope{
		UpdateID:   probe.UpdateID,
		Raw:        raw,
		ReceivedAt: time.Now().UTC(),
	}, nil
}
