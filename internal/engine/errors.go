package engine

import "fmt"

// ValidationError reports a response value that does not fit its question's
// declared type. Nothing is persisted when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CrossTenantError indicates a reference resolving outside the job's
// company. It points at a data integrity bug upstream and always aborts the
// operation.
type CrossTenantError struct {
	Kind       string
	ID         string
	WantedComp string
	GotComp    string
}

func (e CrossTenantError) Error() string {
	return fmt.Sprintf("%s %s belongs to company %s, expected %s", e.Kind, e.ID, e.GotComp, e.WantedComp)
}

// AdminRequiredError indicates an operation reserved for admin actors.
type AdminRequiredError struct {
	Operation string
}

func (e AdminRequiredError) Error() string {
	return fmt.Sprintf("admin required for %s", e.Operation)
}
