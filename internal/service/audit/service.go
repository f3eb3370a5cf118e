package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianhq/trustcore/internal/domain/audit"
	"github.com/meridianhq/trustcore/internal/domain/errors"
	"github.com/meridianhq/trustcore/internal/metrics"
	"github.com/meridianhq/trustcore/internal/service/encryption"
)

// DefaultSuppressionWindow caps duplicate alerts when suppression is enabled:
// at most one unresolved alert of a given type per actor per window.
const DefaultSuppressionWindow = time.Hour

// Config tunes optional audit service behavior. The zero value reproduces
// the historical behavior: no alert deduplication.
type Config struct {
	SuppressionEnabled bool
	SuppressionWindow  time.Duration
}

// Entry describes a security-relevant action to record. Details and
// UserAgent are plaintext here; the service encrypts them before persisting.
type Entry struct {
	ActorID   string
	Action    audit.Action
	Resource  string
	Details   map[string]interface{}
	IPAddress string
	UserAgent string
	Success   bool
	SessionID string
}

// Alert describes a security alert to raise. Metadata is plaintext here and
// encrypted at rest.
type Alert struct {
	Type     audit.AlertType
	Severity audit.Severity
	Message  string
	ActorID  string
	Metadata map[string]interface{}
}

// Deps carries the service's collaborators. Events, Alerts, and Crypto are
// required; everything else has a working default.
type Deps struct {
	Events   EventStore
	Alerts   AlertStore
	Crypto   *encryption.Service
	Window   ActivityWindow
	Escalate EscalationFunc
	Logger   *zap.Logger
	Metrics  *metrics.Registry
	Clock    func() time.Time
}

// Service records audit events, runs anomaly heuristics over them, and
// raises security alerts. Persistence failures during auditing never
// propagate: a broken audit sink must not block the action being audited.
type Service struct {
	events   EventStore
	alerts   AlertStore
	crypto   *encryption.Service
	window   ActivityWindow
	escalate EscalationFunc
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Registry
	tracer   trace.Tracer
	clock    func() time.Time
}

// New creates the audit service.
func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Events == nil {
		return nil, errors.NewValidationError("MISSING_EVENT_STORE", "event store is required")
	}
	if deps.Alerts == nil {
		return nil, errors.NewValidationError("MISSING_ALERT_STORE", "alert store is required")
	}
	if deps.Crypto == nil {
		return nil, errors.NewValidationError("MISSING_CRYPTO", "encryption service is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNopRegistry()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.SuppressionWindow <= 0 {
		cfg.SuppressionWindow = DefaultSuppressionWindow
	}

	s := &Service{
		events:   deps.Events,
		alerts:   deps.Alerts,
		crypto:   deps.Crypto,
		window:   deps.Window,
		escalate: deps.Escalate,
		cfg:      cfg,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		tracer:   otel.Tracer("trustcore.audit"),
		clock:    deps.Clock,
	}
	if s.escalate == nil {
		s.escalate = s.logEscalation
	}
	return s, nil
}

// LogAction records one audit event, encrypting sensitive fields before
// persistence, then synchronously runs anomaly detection over the actor's
// recent history. It never returns an error: failures are logged locally and
// swallowed so the primary operation proceeds.
func (s *Service) LogAction(ctx context.Context, entry Entry) {
	ctx, span := s.tracer.Start(ctx, "audit.log_action",
		trace.WithAttributes(attribute.String("audit.action", entry.Action.String())))
	defer span.End()

	event, err := s.buildEvent(entry)
	if err != nil {
		s.logger.Error("failed to build audit event",
			zap.String("action", entry.Action.String()),
			zap.Error(err))
		s.metrics.AuditWriteFailures.Inc()
		return
	}

	if err := s.events.CreateEvent(ctx, event); err != nil {
		s.logger.Error("failed to persist audit event",
			zap.String("action", entry.Action.String()),
			zap.String("actor_id", entry.ActorID),
			zap.Error(err))
		s.metrics.AuditWriteFailures.Inc()
		return
	}

	result := "failure"
	if entry.Success {
		result = "success"
	}
	s.metrics.AuditEventsLogged.WithLabelValues(result).Inc()

	s.detectSuspiciousActivity(ctx, event)
}

// LogDataAccess records a data access event under the "data_" namespace.
func (s *Service) LogDataAccess(ctx context.Context, op string, entry Entry) {
	entry.Action = audit.DataAction(op)
	s.LogAction(ctx, entry)
}

// LogAuthEvent records an authentication event under the "auth_" namespace.
// A failed login additionally raises a medium-severity authentication alert.
func (s *Service) LogAuthEvent(ctx context.Context, event string, entry Entry) {
	entry.Action = audit.AuthAction(event)
	s.LogAction(ctx, entry)

	if event == "login_failed" && !entry.Success {
		s.CreateSecurityAlert(ctx, Alert{
			Type:     audit.AlertTypeAuthentication,
			Severity: audit.SeverityMedium,
			Message:  "Failed login attempt",
			ActorID:  entry.ActorID,
			Metadata: map[string]interface{}{
				"ipAddress": entry.IPAddress,
				"userAgent": entry.UserAgent,
			},
		})
	}
}

// LogEmailAccess records an email processing event under the "email_" namespace.
func (s *Service) LogEmailAccess(ctx context.Context, op string, entry Entry) {
	entry.Action = audit.EmailAction(op)
	s.LogAction(ctx, entry)
}

// LogIntegrationAccess records a third-party integration event under the
// "integration_" namespace.
func (s *Service) LogIntegrationAccess(ctx context.Context, op string, entry Entry) {
	entry.Action = audit.IntegrationAction(op)
	s.LogAction(ctx, entry)
}

// LogDataRetention records a bulk archive/delete/anonymize job as a
// system-level event with no actor.
func (s *Service) LogDataRetention(ctx context.Context, operation, dataType string, recordCount int, reason string) {
	s.LogAction(ctx, Entry{
		Action:   audit.RetentionAction(operation),
		Resource: dataType,
		Details: map[string]interface{}{
			"operation":   operation,
			"dataType":    dataType,
			"recordCount": recordCount,
			"reason":      reason,
		},
		Success: true,
	})
}

// CreateSecurityAlert persists a security alert with encrypted metadata.
// Critical alerts invoke the escalation hook. Like event logging, failures
// are swallowed and logged locally.
func (s *Service) CreateSecurityAlert(ctx context.Context, input Alert) {
	alert, err := audit.NewSecurityAlert(input.Type, input.Severity, input.Message, input.ActorID)
	if err != nil {
		s.logger.Error("invalid security alert", zap.Error(err))
		return
	}
	alert.CreatedAt = s.clock().UTC()

	if len(input.Metadata) > 0 {
		raw, err := json.Marshal(input.Metadata)
		if err != nil {
			s.logger.Error("failed to marshal alert metadata", zap.Error(err))
			return
		}
		encrypted, err := s.crypto.EncryptField(string(raw))
		if err != nil {
			s.logger.Error("failed to encrypt alert metadata", zap.Error(err))
			return
		}
		alert.Metadata = encrypted
	}

	if s.cfg.SuppressionEnabled {
		since := alert.CreatedAt.Add(-s.cfg.SuppressionWindow)
		count, err := s.alerts.CountUnresolved(ctx, alert.Type, alert.ActorID, since)
		if err != nil {
			s.logger.Warn("alert suppression lookup failed, raising anyway", zap.Error(err))
		} else if count > 0 {
			s.logger.Debug("security alert suppressed",
				zap.String("type", alert.Type.String()),
				zap.String("actor_id", alert.ActorID))
			s.metrics.AlertsSuppressed.Inc()
			return
		}
	}

	if err := s.alerts.CreateAlert(ctx, alert); err != nil {
		s.logger.Error("failed to persist security alert",
			zap.String("type", alert.Type.String()),
			zap.String("severity", alert.Severity.String()),
			zap.Error(err))
		return
	}

	s.metrics.AlertsRaised.WithLabelValues(alert.Type.String(), alert.Severity.String()).Inc()
	s.logger.Warn("security alert raised",
		zap.String("alert_id", alert.ID.String()),
		zap.String("type", alert.Type.String()),
		zap.String("severity", alert.Severity.String()),
		zap.String("message", alert.Message),
		zap.String("actor_id", alert.ActorID))

	if alert.IsCritical() {
		s.escalate(ctx, alert)
	}
}

// logEscalation is the stub escalation hook: log only. Production systems
// page operators and may freeze the account.
func (s *Service) logEscalation(_ context.Context, alert *audit.SecurityAlert) {
	s.logger.Error("critical security alert requires escalation",
		zap.String("alert_id", alert.ID.String()),
		zap.String("type", alert.Type.String()),
		zap.String("message", alert.Message),
		zap.String("actor_id", alert.ActorID))
}

func (s *Service) buildEvent(entry Entry) (*audit.Event, error) {
	event, err := audit.NewEvent(entry.ActorID, entry.Action, entry.Resource, entry.Success)
	if err != nil {
		return nil, err
	}
	event.Timestamp = s.clock().UTC()
	event.IPAddress = entry.IPAddress
	event.SessionID = entry.SessionID

	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return nil, errors.NewInternalError("failed to marshal event details").WithCause(err)
		}
		encrypted, err := s.crypto.EncryptField(string(raw))
		if err != nil {
			return nil, err
		}
		event.Details = encrypted
	}

	if entry.UserAgent != "" {
		encrypted, err := s.crypto.EncryptField(entry.UserAgent)
		if err != nil {
			return nil, err
		}
		event.UserAgent = encrypted
	}

	return event, nil
}
