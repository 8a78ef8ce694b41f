package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/turing-id/orchestrate/internal/model"
)

// Dispatch statuses returned to the ingress. Both map to HTTP 202: unknown
// event types are acknowledged and dropped, never failed, so capture
// services can ship new event types before the orchestrator learns them.
const (
	StatusOK      = "ok"
	StatusIgnored = "ignored"
)

// DispatchResult is the dispatcher's answer for one inbound event.
type DispatchResult struct {
	Status     string
	Processed  model.EventType // normalised type, set when Status == StatusOK
	Reason     string          // set when Status == StatusIgnored
	WorkflowID string
}

// Dispatch routes a normalised inbound event to its state-machine handler.
// The ingress resolves the event/event_type aliases and validates the
// envelope before calling this; Dispatch owns per-type payload validation
// and everything after it.
func (s *Service) Dispatch(ctx context.Context, ev model.InboundEvent) (DispatchResult, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("orchestrate.event_type", string(ev.Type)))

	var (
		res DispatchResult
		err error
	)
	switch ev.Type {
	case model.EventSelfieUploaded:
		res, err = s.handleSelfieUploaded(ctx, ev)
	case model.EventIDUploaded:
		res, err = s.handleIDUploaded(ctx, ev)
	case model.EventMatchCompleted:
		res, err = s.handleMatchCompleted(ctx, ev)
	case model.EventRiskEvaluate:
		res, err = s.handleRiskEvaluate(ctx, ev)
	case model.EventOverrideApplied:
		res, err = s.handleOverrideApplied(ctx, ev)
	default:
		s.eventsDispatched.Add(ctx, 1, metric.WithAttributes(
			attrEventType(string(ev.Type)), attrStatus(StatusIgnored)))
		s.logger.Info("ignoring unknown event type", "event_type", ev.Type)
		return DispatchResult{
			Status: StatusIgnored,
			Reason: "unknown_event_type:" + string(ev.Type),
		}, nil
	}

	if err != nil {
		s.eventsDispatched.Add(ctx, 1, metric.WithAttributes(
			attrEventType(string(ev.Type)), attrStatus("error")))
		return DispatchResult{}, err
	}

	s.eventsDispatched.Add(ctx, 1, metric.WithAttributes(
		attrEventType(string(ev.Type)), attrStatus(StatusOK)))
	return res, nil
}

// annotateSpan tags the active span once the handler has parsed enough of
// the payload to know which workflow it is acting on.
func annotateSpan(ctx context.Context, workflowID, tenantID string) {
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("orchestrate.workflow_id", workflowID),
		attribute.String("orchestrate.tenant_id", tenantID),
	)
}
