package models

import (
	"time"

	"github.com/google/uuid"
)

// Model status enums. Transitions: created -> training -> {ready, failed}.
const (
	ModelStatusCreated  = "created"
	ModelStatusTraining = "training"
	ModelStatusReady    = "ready"
	ModelStatusFailed   = "failed"
)

// Failure reasons stored on failed models.
const (
	FailureProviderFailed   = "provider_failed"
	FailureProviderCanceled = "provider_canceled"
	FailureUnpaidDispatch   = "unpaid_dispatch"
	FailureStale            = "stale"
)

// Provider-side job statuses as reported by the training service.
const (
	ProviderStatusStarting   = "starting"
	ProviderStatusProcessing = "processing"
	ProviderStatusSucceeded  = "succeeded"
	ProviderStatusFailed     = "failed"
	ProviderStatusCanceled   = "canceled"
)

// DefaultTriggerWord is used when the caller does not supply one.
const DefaultTriggerWord = "TOK_USR"

type Model struct {
	ID                 uuid.UUID  `json:"id"`
	UserID             int64      `json:"user_id"`
	Name               string     `json:"model_name"`
	TriggerWord        string     `json:"trigger_word"`
	Status             string     `json:"status"`
	JobID              *string    `json:"training_id,omitempty"`
	ResultURL          *string    `json:"model_url,omitempty"`
	BatchID            uuid.UUID  `json:"batch_id"`
	LastProviderStatus string     `json:"provider_status,omitempty"`
	FailureReason      *string    `json:"failure_reason,omitempty"`
	CheckAttempts      int        `json:"-"`
	NextCheckAt        *time.Time `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the model has reached ready or failed.
func (m *Model) IsTerminal() bool {
	return IsTerminalStatus(m.Status)
}

func IsTerminalStatus(status string) bool {
	return status == ModelStatusReady || status == ModelStatusFailed
}

// IsProviderTerminal reports whether a provider status ends the job.
func IsProviderTerminal(status string) bool {
	switch status {
	case ProviderStatusSucceeded, ProviderStatusFailed, ProviderStatusCanceled:
		return true
	}
	return false
}
