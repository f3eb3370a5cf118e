package audit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianhq/trustcore/internal/domain/audit"
)

// Anomaly heuristic constants. Fixed thresholds over recent audit events,
// not statistical detection.
const (
	// lookbackWindow bounds the history the 24h heuristics scan.
	lookbackWindow = 24 * time.Hour

	// failedLoginIPThreshold fires the credential-stuffing signal at >= N
	// failed logins from one IP inside the lookback window.
	failedLoginIPThreshold = 5

	// distinctIPThreshold fires the distributed-access signal at > N
	// distinct IPs for one actor inside the lookback window.
	distinctIPThreshold = 5

	// automationWindow and automationThreshold fire the automation signal
	// at > N actions inside the short window.
	automationWindow    = 5 * time.Minute
	automationThreshold = 50
)

// detectSuspiciousActivity evaluates three independent heuristics against
// the actor's recent history. Each heuristic fires its own alert on every
// qualifying event; deduplication only happens when the suppression window
// is enabled. Events with neither an actor nor an IP address are skipped.
func (s *Service) detectSuspiciousActivity(ctx context.Context, event *audit.Event) {
	if event.ActorID == "" && event.IPAddress == "" {
		return
	}

	ctx, span := s.tracer.Start(ctx, "audit.detect_suspicious_activity",
		trace.WithAttributes(attribute.String("audit.actor_id", event.ActorID)))
	defer span.End()

	now := s.clock().UTC()
	recent, err := s.events.ListRecentEvents(ctx, event.ActorID, event.IPAddress, now.Add(-lookbackWindow))
	if err != nil {
		s.logger.Warn("anomaly detection skipped, recent event lookup failed",
			zap.String("actor_id", event.ActorID),
			zap.Error(err))
		return
	}

	s.checkFailedLoginsByIP(ctx, event, recent)
	s.checkDistinctIPs(ctx, event, recent)
	s.checkAutomationRate(ctx, event, recent)
}

// checkFailedLoginsByIP raises the credential-stuffing signal: too many
// failed logins from the current event's IP inside the lookback window.
func (s *Service) checkFailedLoginsByIP(ctx context.Context, event *audit.Event, recent []*audit.Event) {
	if event.IPAddress == "" {
		return
	}

	failed := 0
	for _, e := range recent {
		if e.Action == audit.ActionLoginFailed && e.IPAddress == event.IPAddress {
			failed++
		}
	}
	if failed < failedLoginIPThreshold {
		return
	}

	s.CreateSecurityAlert(ctx, Alert{
		Type:     audit.AlertTypeAuthentication,
		Severity: audit.SeverityHigh,
		Message:  "Multiple failed login attempts from the same IP address",
		ActorID:  event.ActorID,
		Metadata: map[string]interface{}{
			"ipAddress":      event.IPAddress,
			"failedAttempts": failed,
			"timeWindow":     "24h",
		},
	})
}

// checkDistinctIPs raises the distributed-access signal: one actor seen from
// too many distinct IPs inside the lookback window.
func (s *Service) checkDistinctIPs(ctx context.Context, event *audit.Event, recent []*audit.Event) {
	if event.ActorID == "" {
		return
	}

	ips := make(map[string]struct{})
	for _, e := range recent {
		if e.IPAddress != "" {
			ips[e.IPAddress] = struct{}{}
		}
	}
	if len(ips) <= distinctIPThreshold {
		return
	}

	s.CreateSecurityAlert(ctx, Alert{
		Type:     audit.AlertTypeAuthentication,
		Severity: audit.SeverityMedium,
		Message:  "Account accessed from an unusual number of IP addresses",
		ActorID:  event.ActorID,
		Metadata: map[string]interface{}{
			"uniqueIPs":  len(ips),
			"timeWindow": "24h",
		},
	})
}

// checkAutomationRate raises the automation signal: too many actions by one
// actor inside the short window. Prefers the sliding-window counter when one
// is wired, falling back to counting the fetched history.
func (s *Service) checkAutomationRate(ctx context.Context, event *audit.Event, recent []*audit.Event) {
	if event.ActorID == "" {
		return
	}

	now := s.clock().UTC()
	var count int
	if s.window != nil {
		n, err := s.window.Record(ctx, event.ActorID, now)
		if err != nil {
			s.logger.Warn("activity window unavailable, falling back to event scan",
				zap.Error(err))
			count = countSince(recent, now.Add(-automationWindow))
		} else {
			count = n
		}
	} else {
		count = countSince(recent, now.Add(-automationWindow))
	}

	if count <= automationThreshold {
		return
	}

	s.CreateSecurityAlert(ctx, Alert{
		Type:     audit.AlertTypeSystem,
		Severity: audit.SeverityMedium,
		Message:  "Unusually high action rate suggests automated access",
		ActorID:  event.ActorID,
		Metadata: map[string]interface{}{
			"actionsCount": count,
			"timeWindow":   "5min",
		},
	})
}

func countSince(events []*audit.Event, cutoff time.Time) int {
	count := 0
	for _, e := range events {
		if !e.Timestamp.Before(cutoff) {
			count++
		}
	}
	return count
}
