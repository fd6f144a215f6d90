package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Envelope is the stream entry around one run event. RunID is duplicated out
// of the payload so consumers can route without decoding it.
type Envelope struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Version     string          `json:"version"`
	RunID       string          `json:"run_id,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
	Attempt     int             `json:"attempt,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
	Data        json.RawMessage `json:"data"`
}

// NewEnvelope encodes payload as a current-version event of eventType for
// runID. The trace of ctx, if any, travels with it.
func NewEnvelope(ctx context.Context, eventType, runID string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	env := Envelope{
		ID:          uuid.NewString(),
		Type:        eventType,
		Version:     PayloadVersion,
		RunID:       runID,
		PublishedAt: time.Now().UTC(),
		Data:        data,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	return env, nil
}

// Validate reports every missing envelope field at once.
func (e Envelope) Validate() error {
	var errs []error
	if e.ID == "" {
		errs = append(errs, errors.New("missing id"))
	}
	if e.Type == "" {
		errs = append(errs, errors.New("missing type"))
	}
	if e.Version == "" {
		errs = append(errs, errors.New("missing version"))
	}
	if e.Attempt < 0 {
		errs = append(errs, fmt.Errorf("negative attempt %d", e.Attempt))
	}
	if len(e.Data) == 0 {
		errs = append(errs, errors.New("missing data"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid envelope: %w", errors.Join(errs...))
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ParseEnvelope reads an envelope as stored in a stream entry.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
