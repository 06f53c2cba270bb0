// Package moderation forwards user reports to the moderation pipeline.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"chat-session/internal/models"
)

var ErrInvalidReport = errors.New("report needs a target and a reason")

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

type Reporter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
}

// ReportEnvelope is the event published for every report.
type ReportEnvelope struct {
	SchemaVersion int           `json:"schema_version"`
	EventType     string        `json:"event_type"`
	OccurredAt    string        `json:"occurred_at"`
	Service       string        `json:"service"`
	Environment   string        `json:"environment"`
	Payload       models.Report `json:"payload"`
}

// Describe summarizes the envelope for noop publisher logs.
func (e ReportEnvelope) Describe() string {
	return fmt.Sprintf("event_type=%s report_id=%s reporter=%s target=%s",
		e.EventType, e.Payload.ID, e.Payload.ReporterID, e.Payload.TargetID)
}

// EventID lets the publisher stamp the AMQP message id with the report id.
func (e ReportEnvelope) EventID() string { return e.Payload.ID }

func NewReporter(publisher Publisher, routingKey, service, environment string) *Reporter {
	return &Reporter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
	}
}

// Report publishes the report envelope.
func (r *Reporter) Report(ctx context.Context, report models.Report) error {
	if r == nil || r.publisher == nil {
		return nil
	}
	if report.TargetID == "" || report.Reason == "" {
		return ErrInvalidReport
	}

	log.Printf("moderation report: id=%s reporter=%s target=%s room=%s message=%s",
		report.ID, report.ReporterID, report.TargetID, report.RoomID, report.MessageID)
	envelope := ReportEnvelope{
		SchemaVersion: 1,
		EventType:     "moderation_report",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       r.service,
		Environment:   r.environment,
		Payload:       report,
	}

	if err := r.publisher.Publish(ctx, r.routingKey, envelope); err != nil {
		return fmt.Errorf("publish report %s: %w", report.ID, err)
	}
	return nil
}
