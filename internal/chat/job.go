package chat

import "time"

// AnswerJob makes the detached answer generation after chat creation an
// explicit, pollable record instead of a dangling goroutine. Jobs are
// published to the queue and consumed by cmd/worker.

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

type AnswerJob struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID

	ChatID string `gorm:"type:uuid;index;not null" json:"chat_id"`
	UserID string `gorm:"type:uuid;index;not null" json:"-"`

	Question      string  `gorm:"type:text;not null" json:"question"`
	MarketAddress *string `gorm:"type:varchar(42)" json:"market_address,omitempty"`

	Status JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	// filled when succeeded
	ResultMessageID *string `gorm:"type:uuid" json:"result_message_id,omitempty"`

	// filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AnswerJob) TableName() string { return "answer_jobs" }
