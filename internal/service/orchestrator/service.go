// Package orchestrator is the core of the decision platform: the event
// dispatcher, the workflow state machine, the decision authority, and the
// query surface over workflows and their decision ledgers.
//
// Both the HTTP API and the MCP server delegate to this service. Every
// handler runs inside one storage transaction that locks the workflow row
// before reading it, so concurrent events for the same workflow serialise at
// the database and cross-workflow events run in parallel. Risk engine I/O
// happens before the transaction opens; nothing blocks on HTTP while holding
// a row lock.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/turing-id/orchestrate/internal/risk"
	"github.com/turing-id/orchestrate/internal/storage"
	"github.com/turing-id/orchestrate/internal/telemetry"
)

// Domain errors surfaced to transport layers. Handlers map them to HTTP
// status codes with errors.Is.
var (
	// ErrValidation wraps payload validation failures (400).
	ErrValidation = errors.New("invalid event payload")

	// ErrWorkflowNotFound is returned by reads and overrides that target a
	// workflow id the tenant does not have (404).
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrNoPriorDecision rejects an override on a workflow that has never
	// been decided; there is nothing to supersede (409).
	ErrNoPriorDecision = errors.New("workflow has no prior decision to override")

	// ErrNoDecisions is returned by decision reads on a workflow whose
	// ledger holds no decision.finalised events yet (404).
	ErrNoDecisions = errors.New("no decisions recorded for workflow")
)

// Transaction retry tuning for serialization failures and deadlocks.
const (
	txRetries   = 3
	txBaseDelay = 50 * time.Millisecond
)

// RiskEvaluator is the slice of the risk engine client the orchestrator
// needs. risk.Client implements it; tests substitute canned results.
type RiskEvaluator interface {
	Evaluate(ctx context.Context, signals map[string]any) risk.Result
}

// Clock supplies timestamps for workflow mutations and ledger appends.
// Injected so tests can pin time; production uses the system clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Service hosts the dispatcher, state machine, decision authority, and
// query surface. Safe for concurrent use.
type Service struct {
	db     *storage.DB
	risk   RiskEvaluator
	logger *slog.Logger
	clock  Clock
	// hooks are fired asynchronously after decision lifecycle events.
	// Nil or empty slice means no hooks registered.
	hooks []DecisionHook

	eventsDispatched metric.Int64Counter
	decisionsEmitted metric.Int64Counter
	riskDuration     metric.Float64Histogram
	riskDegraded     metric.Int64Counter
}

// Option customises a Service.
type Option func(*Service)

// WithClock substitutes the time source. Tests use this to make ledger
// timestamps deterministic.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithDecisionHook registers a hook to receive decision lifecycle
// notifications. Multiple hooks may be registered; all registered hooks
// receive every event.
func WithDecisionHook(h DecisionHook) Option {
	return func(s *Service) { s.hooks = append(s.hooks, h) }
}

// New creates the orchestrator service.
func New(db *storage.DB, riskClient RiskEvaluator, logger *slog.Logger, opts ...Option) *Service {
	meter := telemetry.Meter("orchestrate/orchestrator")
	dispatched, _ := meter.Int64Counter("orchestrate.events.dispatched",
		metric.WithDescription("Inbound events routed by the dispatcher"),
	)
	emitted, _ := meter.Int64Counter("orchestrate.decisions.emitted",
		metric.WithDescription("decision.finalised events appended to the ledger"),
	)
	riskDur, _ := meter.Float64Histogram("orchestrate.risk.duration",
		metric.WithDescription("Risk engine evaluate round-trip (ms)"),
		metric.WithUnit("ms"),
	)
	degraded, _ := meter.Int64Counter("orchestrate.risk.degraded",
		metric.WithDescription("Risk evaluations that returned a degraded result"),
	)

	s := &Service{
		db:               db,
		risk:             riskClient,
		logger:           logger,
		clock:            systemClock{},
		eventsDispatched: dispatched,
		decisionsEmitted: emitted,
		riskDuration:     riskDur,
		riskDegraded:     degraded,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func attrEventType(t string) attribute.KeyValue { return attribute.String("event_type", t) }
func attrStatus(s string) attribute.KeyValue    { return attribute.String("status", s) }
