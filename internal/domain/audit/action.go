package audit

import "strings"

// Action is a namespaced audit action string, e.g. "auth_login_failed" or
// "data_read". The namespace prefix drives compliance-report bucketing.
type Action string

// Well-known actions
const (
	ActionLoginFailed Action = "auth_login_failed"
	ActionLogin       Action = "auth_login"

	ActionDataCreate Action = "data_create"
	ActionDataRead   Action = "data_read"
	ActionDataUpdate Action = "data_update"
	ActionDataDelete Action = "data_delete"
)

// DataAction builds a "data_<op>" action.
func DataAction(op string) Action {
	return Action("data_" + op)
}

// AuthAction builds an "auth_<event>" action.
func AuthAction(event string) Action {
	return Action("auth_" + event)
}

// EmailAction builds an "email_<op>" action.
func EmailAction(op string) Action {
	return Action("email_" + op)
}

// IntegrationAction builds an "integration_<op>" action.
func IntegrationAction(op string) Action {
	return Action("integration_" + op)
}

// RetentionAction builds a "data_retention_<op>" action for bulk
// archive/delete/anonymize jobs.
func RetentionAction(op string) Action {
	return Action("data_retention_" + op)
}

func (a Action) String() string {
	return string(a)
}

// IsDataAccess reports whether the action is a non-mutating data access.
// Mutations bucket under IsModification instead, and retention jobs describe
// lifecycle operations rather than per-record access.
func (a Action) IsDataAccess() bool {
	if a.IsModification() {
		return false
	}
	return strings.HasPrefix(string(a), "data_") && !strings.HasPrefix(string(a), "data_retention_")
}

// IsAuthentication reports whether the action belongs to the auth namespace.
func (a Action) IsAuthentication() bool {
	return strings.HasPrefix(string(a), "auth_")
}

// IsIntegration reports whether the action belongs to the integration namespace.
func (a Action) IsIntegration() bool {
	return strings.HasPrefix(string(a), "integration_")
}

// IsModification reports whether the action mutates data. Only the three
// mutation actions count; reads and retention jobs do not.
func (a Action) IsModification() bool {
	switch a {
	case ActionDataCreate, ActionDataUpdate, ActionDataDelete:
		return true
	}
	return false
}
