// Package ingest is the producer-facing side of the ledger: it turns
// submissions arriving over HTTP or Kafka into committed entries.
package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/certledger/internal/content"
	"github.com/jmerrifield20/certledger/internal/ledger"
)

// Message is one submission as carried on the wire.
type Message struct {
	RequestID  string          `json:"request_id,omitempty"`
	Scope      string          `json:"scope"`
	PayloadRef string          `json:"payload_ref,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Actor      string          `json:"actor"`
}

// Appender is the write surface of ledger.Coordinator used by the Service.
type Appender interface {
	Append(ctx context.Context, scope string, sub ledger.Submission) (*ledger.Entry, error)
	AppendBatch(ctx context.Context, scope string, subs []ledger.Submission) ([]*ledger.Entry, error)
}

// Service submits payloads to the ledger and returns receipts.
type Service struct {
	appender Appender
	logger   *zap.Logger
}

// NewService creates a Service.
func NewService(appender Appender, logger *zap.Logger) *Service {
	return &Service{appender: appender, logger: logger}
}

// Submit certifies one payload. A missing PayloadRef is replaced with a fresh
// uuid so that every submission can be fetched individually later.
func (s *Service) Submit(ctx context.Context, scope string, sub ledger.Submission) (*ledger.Receipt, error) {
	if sub.PayloadRef == "" {
		sub.PayloadRef = uuid.NewString()
	}
	e, err := s.appender.Append(ctx, scope, sub)
	if err != nil {
		return nil, err
	}
	r := e.Receipt()
	return &r, nil
}

// SubmitBatch certifies subs atomically.
func (s *Service) SubmitBatch(ctx context.Context, scope string, subs []ledger.Submission) ([]ledger.Receipt, error) {
	for i := range subs {
		if subs[i].PayloadRef == "" {
			subs[i].PayloadRef = uuid.NewString()
		}
	}
	entries, err := s.appender.AppendBatch(ctx, scope, subs)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Receipt, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Receipt())
	}
	return out, nil
}

// SubmitMessage certifies a wire message.
func (s *Service) SubmitMessage(ctx context.Context, msg *Message) (*ledger.Receipt, error) {
	return s.Submit(ctx, msg.Scope, ledger.Submission{
		PayloadRef: msg.PayloadRef,
		Payload:    msg.Payload,
		Actor:      msg.Actor,
	})
}

// IsPermanent reports whether err will recur no matter how often the same
// submission is retried.
func IsPermanent(err error) bool {
	switch {
	case errors.Is(err, ledger.ErrAdmissionRejected),
		errors.Is(err, ledger.ErrInvalidPayload),
		errors.Is(err, ledger.ErrInvalidScope),
		errors.Is(err, ledger.ErrScopeHalted),
		errors.Is(err, ledger.ErrIntegrityViolation),
		errors.Is(err, content.ErrRefConflict):
		return true
	}
	return false
}
