package prediction

import (
	"context"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/presagio-ai/presagio-backend/internal/ai"
	"github.com/presagio-ai/presagio-backend/internal/market"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type countingProvider struct {
	calls int
	reply string
}

func (p *countingProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.calls++
	return p.reply, nil
}

type mapCache struct {
	m map[string]string
}

func newMapCache() *mapCache { return &mapCache{m: make(map[string]string)} }

func (c *mapCache) GetPrediction(ctx context.Context, address string) (string, error) {
	return c.m[address], nil
}

func (c *mapCache) SetPrediction(ctx context.Context, address, content string) error {
	c.m[address] = content
	return nil
}

type stubMarkets struct {
	m   *market.Market
	err error
}

func (s *stubMarkets) GetMarket(ctx context.Context, address string) (*market.Market, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.m, nil
}

type stubPrompts struct{}

func (stubPrompts) System(ctx context.Context, marketAddress, message, base string) (string, error) {
	return "system", nil
}

const addr = "0xDeF0000000000000000000000000000000000002"

func newService(t *testing.T) (*Service, *countingProvider, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// a pooled second connection would see its own empty memory db
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Prediction{}))

	provider := &countingProvider{reply: `{"reasoning":"...","outcome":"Yes","confidence":70}`}
	markets := &stubMarkets{m: &market.Market{
		ID:    strings.ToLower(addr),
		Title: "Will ETH flip BTC by 2030-01-01?",
	}}
	svc := NewService(db, markets, stubPrompts{}, provider, newMapCache(), nil)
	return svc, provider, db
}

func TestGenerateOrReuse_Idempotent(t *testing.T) {
	svc, provider, db := newService(t)

	first, err := svc.GenerateOrReuse(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, provider.reply, first.Content)

	second, err := svc.GenerateOrReuse(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, first.Content, second.Content)

	require.Equal(t, 1, provider.calls)

	var rows int64
	require.NoError(t, db.Model(&Prediction{}).Count(&rows).Error)
	require.EqualValues(t, 1, rows)
}

func TestGenerateOrReuse_InsertRaceConverges(t *testing.T) {
	svc, _, db := newService(t)

	// a concurrent first-request already inserted a row
	require.NoError(t, db.Create(&Prediction{
		MarketAddress: strings.ToLower(addr),
		Content:       "winner",
	}).Error)

	got, err := svc.GenerateOrReuse(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, "winner", got.Content)

	var rows int64
	require.NoError(t, db.Model(&Prediction{}).Count(&rows).Error)
	require.EqualValues(t, 1, rows)
}

func TestGenerateOrReuse_UnknownMarket(t *testing.T) {
	svc, _, _ := newService(t)
	svc.markets = &stubMarkets{err: market.ErrNotFound}

	_, err := svc.GenerateOrReuse(context.Background(), addr)
	require.ErrorIs(t, err, ErrMarketNotFound)
}

func TestGet_MissingIsNil(t *testing.T) {
	svc, _, _ := newService(t)
	p, err := svc.Get(context.Background(), addr)
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestGenerateOrReuse_AddressNormalized(t *testing.T) {
	svc, _, db := newService(t)

	_, err := svc.GenerateOrReuse(context.Background(), addr) // mixed case
	require.NoError(t, err)

	var p Prediction
	require.NoError(t, db.First(&p).Error)
	require.Equal(t, strings.ToLower(addr), p.MarketAddress)
}
