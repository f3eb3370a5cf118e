package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/trustcore/internal/domain/errors"
)

// AlertType classifies security alerts
type AlertType string

const (
	AlertTypeDataAccess     AlertType = "data_access"
	AlertTypeAuthentication AlertType = "authentication"
	AlertTypeAuthorization  AlertType = "authorization"
	AlertTypeSystem         AlertType = "system"
	AlertTypeCompliance     AlertType = "compliance"
)

// NewAlertType validates and normalizes an alert type string
func NewAlertType(value string) (AlertType, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "", errors.NewValidationError("EMPTY_ALERT_TYPE", "alert type cannot be empty")
	}

	switch AlertType(normalized) {
	case AlertTypeDataAccess, AlertTypeAuthentication, AlertTypeAuthorization,
		AlertTypeSystem, AlertTypeCompliance:
		return AlertType(normalized), nil
	}
	return "", errors.NewValidationError("INVALID_ALERT_TYPE", "alert type must be valid")
}

func (t AlertType) String() string { return string(t) }

// IsValid reports whether the alert type is one of the known values
func (t AlertType) IsValid() bool {
	_, err := NewAlertType(string(t))
	return err == nil
}

// Severity ranks alerts from low to critical
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// NewSeverity validates and normalizes a severity string
func NewSeverity(value string) (Severity, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "", errors.NewValidationError("EMPTY_SEVERITY", "severity cannot be empty")
	}

	switch Severity(normalized) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(normalized), nil
	}
	return "", errors.NewValidationError("INVALID_SEVERITY", "severity must be valid")
}

func (s Severity) String() string { return string(s) }

// IsValid reports whether the severity is one of the known values
func (s Severity) IsValid() bool {
	_, err := NewSeverity(string(s))
	return err == nil
}

// rank orders severities for comparison
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is at least as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// SecurityAlert is raised by anomaly heuristics or security-relevant MFA
// events. Metadata holds ciphertext at rest.
type SecurityAlert struct {
	ID        uuid.UUID `json:"id"`
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	ActorID   string    `json:"actor_id,omitempty"`
	Metadata  string    `json:"metadata,omitempty"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSecurityAlert creates a validated, unresolved alert
func NewSecurityAlert(alertType AlertType, severity Severity, message, actorID string) (*SecurityAlert, error) {
	if !alertType.IsValid() {
		return nil, errors.NewValidationError("INVALID_ALERT_TYPE", "alert type must be valid")
	}
	if !severity.IsValid() {
		return nil, errors.NewValidationError("INVALID_SEVERITY", "severity must be valid")
	}
	if message == "" {
		return nil, errors.NewValidationError("MISSING_MESSAGE", "alert message is required")
	}

	return &SecurityAlert{
		ID:        uuid.New(),
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		ActorID:   actorID,
		Resolved:  false,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// IsCritical reports whether the alert should trigger escalation
func (a *SecurityAlert) IsCritical() bool {
	return a.Severity == SeverityCritical
}
