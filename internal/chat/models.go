package chat

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/presagio-ai/presagio-backend/internal/insights"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// titleLimit is how many runes of the first user message survive into
// the chat title.
const titleLimit = 40

// TruncateTitle derives a chat title from its first message.
func TruncateTitle(s string) string {
	r := []rune(s)
	if len(r) <= titleLimit {
		return s
	}
	return string(r[:titleLimit]) + "..."
}

// Content is the structured message payload, stored as one JSON column.
// User messages carry only Response; assistant messages may add the
// news items that grounded the answer.
type Content struct {
	Response string              `json:"response"`
	News     []insights.NewsItem `json:"news,omitempty"`
}

func (c Content) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *Content) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("chat: cannot scan %T into Content", value)
	}
}

type Chat struct {
	ID            string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID        string    `gorm:"type:uuid;index;not null" json:"-"`
	Title         string    `gorm:"type:text;not null" json:"title"`
	MarketAddress *string   `gorm:"type:varchar(42);index" json:"market_address,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (Chat) TableName() string { return "chats" }

func (c *Chat) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

type Message struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	ChatID    string    `gorm:"type:uuid;index;not null" json:"chat_id"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"`
	Content   Content   `gorm:"type:jsonb;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// BeforeCreate validates the payload at the persistence boundary so no
// read site has to trust the column shape.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	switch m.Role {
	case RoleUser:
		if len(m.Content.News) > 0 {
			return errors.New("chat: user messages cannot carry news")
		}
	case RoleAssistant:
	default:
		return fmt.Errorf("chat: unknown message role %q", m.Role)
	}
	if m.Content.Response == "" {
		return errors.New("chat: message content is empty")
	}
	return nil
}
