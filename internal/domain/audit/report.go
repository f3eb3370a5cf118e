package audit

import "time"

// ComplianceReport partitions a user's audit trail into the buckets regulatory
// reviews care about (e.g. data-subject access requests).
type ComplianceReport struct {
	UserID      string    `json:"user_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	GeneratedAt time.Time `json:"generated_at"`

	DataAccess     []*Event `json:"data_access"`
	Authentication []*Event `json:"authentication"`
	Modifications  []*Event `json:"modifications"`
	Integrations   []*Event `json:"integrations"`

	Summary ReportSummary `json:"summary"`
}

// ReportSummary carries the aggregate counts for a compliance report
type ReportSummary struct {
	TotalEvents         int `json:"total_events"`
	DataAccessCount     int `json:"data_access_count"`
	AuthenticationCount int `json:"authentication_count"`
	ModificationCount   int `json:"modification_count"`
	IntegrationCount    int `json:"integration_count"`
}

// BuildComplianceReport buckets events by action namespace. Buckets are
// disjoint: mutating data actions land only under Modifications.
func BuildComplianceReport(userID string, start, end time.Time, events []*Event) *ComplianceReport {
	report := &ComplianceReport{
		UserID:         userID,
		PeriodStart:    start,
		PeriodEnd:      end,
		GeneratedAt:    time.Now().UTC(),
		DataAccess:     make([]*Event, 0),
		Authentication: make([]*Event, 0),
		Modifications:  make([]*Event, 0),
		Integrations:   make([]*Event, 0),
	}

	for _, e := range events {
		if e.Action.IsDataAccess() {
			report.DataAccess = append(report.DataAccess, e)
		}
		if e.Action.IsAuthentication() {
			report.Authentication = append(report.Authentication, e)
		}
		if e.Action.IsModification() {
			report.Modifications = append(report.Modifications, e)
		}
		if e.Action.IsIntegration() {
			report.Integrations = append(report.Integrations, e)
		}
	}

	report.Summary = ReportSummary{
		TotalEvents:         len(events),
		DataAccessCount:     len(report.DataAccess),
		AuthenticationCount: len(report.Authentication),
		ModificationCount:   len(report.Modifications),
		IntegrationCount:    len(report.Integrations),
	}

	return report
}
