package server

import (
	"stagecraft/internal/domain"
	"stagecraft/internal/engine"
	"stagecraft/internal/engine/eval"
	"stagecraft/internal/provision"
)

// Request payloads

type CreateCompanyRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateStageRequest struct {
	ID               *string `json:"id,omitempty"`
	Name             string  `json:"name"`
	SequenceOrder    int     `json:"sequence_order"`
	StageType        string  `json:"stage_type,omitempty" enum:"standard,milestone,approval"`
	MapsToStatus     string  `json:"maps_to_status,omitempty"`
	Color            string  `json:"color,omitempty"`
	MinDurationHours *int    `json:"min_duration_hours,omitempty"`
	MaxDurationHours *int    `json:"max_duration_hours,omitempty"`
	RequiresApproval bool    `json:"requires_approval,omitempty"`
}

type UpdateStageRequest struct {
	Name             *string `json:"name,omitempty"`
	SequenceOrder    *int    `json:"sequence_order,omitempty"`
	StageType        *string `json:"stage_type,omitempty" enum:"standard,milestone,approval"`
	MapsToStatus     *string `json:"maps_to_status,omitempty"`
	Color            *string `json:"color,omitempty"`
	MinDurationHours *int    `json:"min_duration_hours,omitempty"`
	MaxDurationHours *int    `json:"max_duration_hours,omitempty"`
	RequiresApproval *bool   `json:"requires_approval,omitempty"`
}

type CreateQuestionRequest struct {
	ID              *string  `json:"id,omitempty"`
	Prompt          string   `json:"prompt"`
	ResponseType    string   `json:"response_type" enum:"yes_no,text,number,date,file_upload,multiple_choice"`
	IsRequired      bool     `json:"is_required,omitempty"`
	ResponseOptions []string `json:"response_options,omitempty"`
	SequenceOrder   int      `json:"sequence_order,omitempty"`
}

type UpdateQuestionRequest struct {
	Prompt          *string   `json:"prompt,omitempty"`
	IsRequired      *bool     `json:"is_required,omitempty"`
	ResponseOptions *[]string `json:"response_options,omitempty"`
	SequenceOrder   *int      `json:"sequence_order,omitempty"`
}

type CreateRuleRequest struct {
	ID                    *string  `json:"id,omitempty"`
	ToStageID             string   `json:"to_stage_id"`
	QuestionID            string   `json:"question_id"`
	TriggerResponse       *string  `json:"trigger_response,omitempty"`
	NumericOperator       *string  `json:"numeric_operator,omitempty" enum:"eq,lt,lte,gt,gte,between,between_exclusive"`
	NumericValue          *float64 `json:"numeric_value,omitempty"`
	NumericValueMax       *float64 `json:"numeric_value_max,omitempty"`
	IsAutomatic           bool     `json:"is_automatic,omitempty"`
	RequiresAdminOverride bool     `json:"requires_admin_override,omitempty"`
}

type UpdateRuleRequest struct {
	ToStageID             *string  `json:"to_stage_id,omitempty"`
	TriggerResponse       *string  `json:"trigger_response,omitempty"`
	NumericOperator       *string  `json:"numeric_operator,omitempty" enum:"eq,lt,lte,gt,gte,between,between_exclusive"`
	NumericValue          *float64 `json:"numeric_value,omitempty"`
	NumericValueMax       *float64 `json:"numeric_value_max,omitempty"`
	IsAutomatic           *bool    `json:"is_automatic,omitempty"`
	RequiresAdminOverride *bool    `json:"requires_admin_override,omitempty"`
}

type CreateJobRequest struct {
	ID      *string `json:"id,omitempty"`
	Title   string  `json:"title"`
	StageID *string `json:"stage_id,omitempty"`
}

type SubmitResponseRequest struct {
	QuestionID string `json:"question_id"`
	Value      string `json:"value"`
	// Evaluate controls whether the answer is run through the stage's
	// transition rules after being recorded. Defaults to true.
	Evaluate *bool `json:"evaluate,omitempty"`
}

type EvaluateRequest struct {
	QuestionID string `json:"question_id"`
	Value      string `json:"value"`
}

type DevLoginRequest struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

type CreateAPIKeyRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	Admin  bool     `json:"admin"`
}

type DeleteStageResponse struct {
	ID       string `json:"id"`
	Strategy string `json:"strategy" enum:"deleted,archived,renamed"`
}

type JobResponse struct {
	Job   domain.Job       `json:"job"`
	State *domain.JobState `json:"state,omitempty"`
	Stage *domain.Stage    `json:"stage,omitempty"`
}

type DecisionResponse struct {
	Outcome          string   `json:"outcome" enum:"matched,no_match"`
	RuleID           string   `json:"rule_id,omitempty"`
	FromStageID      string   `json:"from_stage_id,omitempty"`
	ToStageID        string   `json:"to_stage_id,omitempty"`
	Automatic        bool     `json:"automatic"`
	RequiresOverride bool     `json:"requires_override"`
	Ambiguous        bool     `json:"ambiguous"`
	Diagnostics      []string `json:"diagnostics,omitempty"`
}

type ApplyResponse struct {
	Status   string                    `json:"status" enum:"applied,pending,no_match,noop"`
	State    domain.JobState           `json:"state"`
	Pending  *domain.PendingTransition `json:"pending,omitempty"`
	Audit    *domain.AuditEntry        `json:"audit,omitempty"`
	Decision *DecisionResponse         `json:"decision,omitempty"`
}

type SubmitResponseResponse struct {
	Response domain.Response `json:"response"`
	Result   *ApplyResponse  `json:"result,omitempty"`
}

type ProvisionResponse struct {
	Report provision.Report `json:"report"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	// Key is only present on creation; the server stores a hash.
	Key string `json:"key,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// Mappers

func decisionResponse(d eval.Decision) *DecisionResponse {
	return &DecisionResponse{
		Outcome:          d.Outcome.String(),
		RuleID:           d.RuleID,
		FromStageID:      d.FromStageID,
		ToStageID:        d.ToStageID,
		Automatic:        d.Automatic,
		RequiresOverride: d.RequiresOverride,
		Ambiguous:        d.Ambiguous,
		Diagnostics:      d.Diagnostics,
	}
}

func applyResponse(res engine.ApplyResult) *ApplyResponse {
	return &ApplyResponse{
		Status:   res.Status,
		State:    res.State,
		Pending:  res.Pending,
		Audit:    res.Audit,
		Decision: decisionResponse(res.Decision),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		UserID:    k.UserID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
