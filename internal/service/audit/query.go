package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhq/trustcore/internal/domain/audit"
)

// GetAuditTrail returns events matching the filter, newest first, with the
// encrypted-at-rest fields decrypted. A row whose ciphertext cannot be
// decrypted (rotated key, corruption) is returned as stored rather than
// dropped, so forensic review still sees that the row exists.
func (s *Service) GetAuditTrail(ctx context.Context, filter audit.Filter) ([]*audit.Event, error) {
	events, err := s.events.ListEvents(ctx, filter)
	if err != nil {
		return nil, err
	}

	for _, event := range events {
		if event.Details != "" {
			details, err := s.crypto.DecryptField(event.Details)
			if err != nil {
				s.logger.Warn("audit event details undecryptable, returning as stored",
					zap.String("event_id", event.ID.String()),
					zap.Error(err))
			} else {
				event.Details = details
			}
		}
		if event.UserAgent != "" {
			agent, err := s.crypto.DecryptField(event.UserAgent)
			if err != nil {
				s.logger.Warn("audit event user agent undecryptable, returning as stored",
					zap.String("event_id", event.ID.String()),
					zap.Error(err))
			} else {
				event.UserAgent = agent
			}
		}
	}

	return events, nil
}

// GenerateComplianceReport assembles the bucketed trail for one user over a
// period, for regulatory reporting such as data-subject access requests.
func (s *Service) GenerateComplianceReport(ctx context.Context, userID string, start, end time.Time) (*audit.ComplianceReport, error) {
	events, err := s.GetAuditTrail(ctx, audit.Filter{
		ActorID: userID,
		From:    start,
		To:      end,
	})
	if err != nil {
		return nil, err
	}

	return audit.BuildComplianceReport(userID, start, end, events), nil
}
