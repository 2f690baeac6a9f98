package prediction

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/presagio-ai/presagio-backend/internal/ai"
	"github.com/presagio-ai/presagio-backend/internal/market"
	"github.com/presagio-ai/presagio-backend/internal/prompt"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Package prediction issues one cached forecast per market address so a
// second request never pays for a second model call.

var ErrMarketNotFound = errors.New("prediction: market not found")

// Prediction is the cached artifact. Content is the raw model output,
// usually JSON-encoded {reasoning, outcome, confidence}.
type Prediction struct {
	ID            string    `gorm:"type:uuid;primaryKey" json:"id"`
	MarketAddress string    `gorm:"type:varchar(42);uniqueIndex;not null" json:"market_address"`
	Content       string    `gorm:"type:text;not null" json:"content"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Prediction) TableName() string { return "predictions" }

func (p *Prediction) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Cache is the hot layer in front of the table. A miss is ("", nil).
type Cache interface {
	GetPrediction(ctx context.Context, address string) (string, error)
	SetPrediction(ctx context.Context, address, content string) error
}

type MarketGetter interface {
	GetMarket(ctx context.Context, address string) (*market.Market, error)
}

type PromptSource interface {
	System(ctx context.Context, marketAddress, message, base string) (string, error)
}

type Service struct {
	db       *gorm.DB
	markets  MarketGetter
	prompts  PromptSource
	provider ai.Provider
	cache    Cache
	log      *zap.Logger
}

func NewService(db *gorm.DB, markets MarketGetter, prompts PromptSource, provider ai.Provider, cache Cache, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, markets: markets, prompts: prompts, provider: provider, cache: cache, log: log}
}

// Get returns the stored prediction for a market, or nil when none has
// been generated yet.
func (s *Service) Get(ctx context.Context, address string) (*Prediction, error) {
	address = market.NormalizeAddress(address)

	var p Prediction
	err := s.db.WithContext(ctx).
		Where("market_address = ?", address).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GenerateOrReuse returns the prediction for a market, generating it at
// most once. The unique index on market_address makes two concurrent
// first-requests converge on a single row; the loser of the insert race
// re-reads the winner's content.
func (s *Service) GenerateOrReuse(ctx context.Context, address string) (*Prediction, error) {
	address = market.NormalizeAddress(address)

	if cached, err := s.cache.GetPrediction(ctx, address); err != nil {
		s.log.Warn("prediction cache read", zap.String("market", address), zap.Error(err))
	} else if cached != "" {
		return &Prediction{MarketAddress: address, Content: cached}, nil
	}

	if existing, err := s.Get(ctx, address); err != nil {
		return nil, err
	} else if existing != nil {
		s.warmCache(ctx, existing)
		return existing, nil
	}

	m, err := s.markets.GetMarket(ctx, address)
	if err != nil {
		if errors.Is(err, market.ErrNotFound) {
			return nil, ErrMarketNotFound
		}
		return nil, err
	}
	if m.Title == "" {
		return nil, ErrMarketNotFound
	}

	system, err := s.prompts.System(ctx, address, m.Title, prompt.JSON(time.Now()))
	if err != nil {
		return nil, err
	}

	content, err := s.provider.Chat(ctx, []ai.Message{
		{Role: ai.RoleSystem, Content: system},
		{Role: ai.RoleUser, Content: m.Title},
	})
	if err != nil {
		return nil, err
	}

	p := &Prediction{MarketAddress: address, Content: content}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "market_address"}},
			DoNothing: true,
		}).
		Create(p)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// lost the race; serve whoever got there first
		winner, err := s.Get(ctx, address)
		if err != nil {
			return nil, err
		}
		if winner != nil {
			s.warmCache(ctx, winner)
			return winner, nil
		}
	}

	s.warmCache(ctx, p)
	return p, nil
}

func (s *Service) warmCache(ctx context.Context, p *Prediction) {
	if err := s.cache.SetPrediction(ctx, p.MarketAddress, p.Content); err != nil {
		s.log.Warn("prediction cache write", zap.String("market", p.MarketAddress), zap.Error(err))
	}
}
