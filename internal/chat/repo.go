package chat

import (
	"context"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateChat(ctx context.Context, c *Chat) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetChat(ctx context.Context, id string) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) GetChatByMarketAddress(ctx context.Context, address string) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).
		Where("market_address = ?", address).
		Order("created_at ASC").
		First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) ListChatsByUser(ctx context.Context, userID string) ([]Chat, error) {
	var chats []Chat
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&chats).Error; err != nil {
		return nil, err
	}
	return chats, nil
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// ListMessages returns a chat's messages for replay, oldest first.
// Ordering is timestamp-based; equal timestamps have no defined order.
func (r *Repo) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repo) CountMessages(ctx context.Context, chatID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Message{}).
		Where("chat_id = ?", chatID).
		Count(&n).Error
	return n, err
}

// answer jobs

func (r *Repo) CreateJob(ctx context.Context, j *AnswerJob) error {
	return r.db.WithContext(ctx).Create(j).Error
}

func (r *Repo) GetJob(ctx context.Context, id string) (*AnswerJob, error) {
	var j AnswerJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// MarkJobRunning claims a queued job. Queue delivery is at-least-once,
// so a redelivered message must not re-run a job another delivery
// already claimed; the status guard makes the claim exclusive.
func (r *Repo) MarkJobRunning(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&AnswerJob{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobAlreadyClaimed
	}
	return nil
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id, messageID string) error {
	return r.db.WithContext(ctx).Model(&AnswerJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": messageID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id, errMsg string) error {
	return r.db.WithContext(ctx).Model(&AnswerJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}
