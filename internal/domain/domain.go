package domain

type Company struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,suspended"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Stage types.
const (
	StageTypeStandard  = "standard"
	StageTypeMilestone = "milestone"
	StageTypeApproval  = "approval"
)

type Stage struct {
	ID               string `json:"id"`
	CompanyID        string `json:"company_id"`
	Name             string `json:"name"`
	SequenceOrder    int    `json:"sequence_order"`
	StageType        string `json:"stage_type" enum:"standard,milestone,approval"`
	MapsToStatus     string `json:"maps_to_status,omitempty"`
	Color            string `json:"color,omitempty"`
	MinDurationHours *int   `json:"min_duration_hours,omitempty"`
	MaxDurationHours *int   `json:"max_duration_hours,omitempty"`
	RequiresApproval bool   `json:"requires_approval"`
	Archived         bool   `json:"archived"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

// Response types a question may declare.
const (
	ResponseTypeYesNo          = "yes_no"
	ResponseTypeText           = "text"
	ResponseTypeNumber         = "number"
	ResponseTypeDate           = "date"
	ResponseTypeFileUpload     = "file_upload"
	ResponseTypeMultipleChoice = "multiple_choice"
)

type Question struct {
	ID              string   `json:"id"`
	StageID         string   `json:"stage_id"`
	Prompt          string   `json:"prompt"`
	ResponseType    string   `json:"response_type" enum:"yes_no,text,number,date,file_upload,multiple_choice"`
	IsRequired      bool     `json:"is_required"`
	ResponseOptions []string `json:"response_options,omitempty"`
	SequenceOrder   int      `json:"sequence_order"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

// Numeric operators a transition rule may carry instead of a trigger string.
const (
	OperatorEq               = "eq"
	OperatorLt               = "lt"
	OperatorLte              = "lte"
	OperatorGt               = "gt"
	OperatorGte              = "gte"
	OperatorBetween          = "between"
	OperatorBetweenExclusive = "between_exclusive"
)

// TimestampNano is the created_at layout for transition rules. The
// fractional second is fixed-width so lexicographic ordering of stored
// timestamps equals chronological ordering, which the rule listing's
// tie-break relies on.
const TimestampNano = "2006-01-02T15:04:05.000000000Z07:00"

type TransitionRule struct {
	ID                    string   `json:"id"`
	FromStageID           string   `json:"from_stage_id"`
	ToStageID             string   `json:"to_stage_id"`
	QuestionID            string   `json:"question_id"`
	TriggerResponse       *string  `json:"trigger_response,omitempty"`
	NumericOperator       *string  `json:"numeric_operator,omitempty" enum:"eq,lt,lte,gt,gte,between,between_exclusive"`
	NumericValue          *float64 `json:"numeric_value,omitempty"`
	NumericValueMax       *float64 `json:"numeric_value_max,omitempty"`
	IsAutomatic           bool     `json:"is_automatic"`
	RequiresAdminOverride bool     `json:"requires_admin_override"`
	CreatedAt             string   `json:"created_at" format:"date-time"`
}

// HasNumericPredicate reports whether the rule matches on a numeric operator
// rather than a trigger string.
func (r TransitionRule) HasNumericPredicate() bool {
	return r.NumericOperator != nil && *r.NumericOperator != ""
}

type Job struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Title     string `json:"title"`
	Status    string `json:"status,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// JobState is a job's position in its company's stage graph. It is created
// with the job and only superseded, never deleted.
type JobState struct {
	JobID          string `json:"job_id"`
	CurrentStageID string `json:"current_stage_id"`
	StageEnteredAt string `json:"stage_entered_at" format:"date-time"`
}

type Response struct {
	ID              string `json:"id"`
	JobID           string `json:"job_id"`
	QuestionID      string `json:"question_id"`
	RawValue        string `json:"raw_value"`
	NormalizedValue string `json:"normalized_value"`
	IsCurrent       bool   `json:"is_current"`
	SubmittedBy     string `json:"submitted_by"`
	SubmittedAt     string `json:"submitted_at" format:"date-time"`
}

// AuditEntry is an immutable record of one stage transition.
type AuditEntry struct {
	ID                   string  `json:"id"`
	JobID                string  `json:"job_id"`
	FromStageID          string  `json:"from_stage_id"`
	ToStageID            string  `json:"to_stage_id"`
	TriggeringResponseID *string `json:"triggering_response_id,omitempty"`
	AppliedAutomatically bool    `json:"applied_automatically"`
	AppliedBy            string  `json:"applied_by"`
	AppliedAt            string  `json:"applied_at" format:"date-time"`
}

// SystemActor is recorded as AppliedBy for automatic transitions.
const SystemActor = "system"

// Pending transition statuses.
const (
	PendingStatusPending  = "pending"
	PendingStatusApproved = "approved"
	PendingStatusRejected = "rejected"
)

// PendingTransition is a matched decision held for admin confirmation
// because its rule carries requires_admin_override.
type PendingTransition struct {
	ID          string  `json:"id"`
	JobID       string  `json:"job_id"`
	RuleID      string  `json:"rule_id"`
	FromStageID string  `json:"from_stage_id"`
	ToStageID   string  `json:"to_stage_id"`
	ResponseID  *string `json:"response_id,omitempty"`
	RequestedBy string  `json:"requested_by"`
	Status      string  `json:"status" enum:"pending,approved,rejected"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ResolvedBy  *string `json:"resolved_by,omitempty"`
	ResolvedAt  *string `json:"resolved_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CompanyID  string `json:"company_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Actor is the authenticated caller as supplied by the identity layer.
// Admin controls override gating in the job state machine.
type Actor struct {
	ID    string `json:"id"`
	Admin bool   `json:"admin"`
}
