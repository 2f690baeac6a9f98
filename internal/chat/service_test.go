package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/presagio-ai/presagio-backend/internal/ai"
	"github.com/presagio-ai/presagio-backend/internal/insights"
	"github.com/presagio-ai/presagio-backend/internal/market"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeProvider struct {
	reply  string
	chunks []string
	err    error
	last   []ai.Message
}

func (p *fakeProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.last = append([]ai.Message(nil), messages...)
	return p.reply, p.err
}

func (p *fakeProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	p.last = append([]ai.Message(nil), messages...)
	chunks := make(chan string, len(p.chunks))
	errs := make(chan error, 1)
	for _, c := range p.chunks {
		chunks <- c
	}
	if p.err != nil {
		errs <- p.err
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker { return &memLocker{held: make(map[string]bool)} }

func (l *memLocker) AcquireTurn(ctx context.Context, chatID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[chatID] {
		return false, nil
	}
	l.held[chatID] = true
	return true, nil
}

func (l *memLocker) ReleaseTurn(ctx context.Context, chatID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, chatID)
	return nil
}

type recordingPublisher struct {
	published []string
	err       error
}

func (p *recordingPublisher) PublishJob(ctx context.Context, jobID string) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, jobID)
	return nil
}

type scriptedValidity struct {
	valid bool
	err   error
	asked []string
}

func (v *scriptedValidity) Check(ctx context.Context, question string) (bool, error) {
	v.asked = append(v.asked, question)
	return v.valid, v.err
}

type scriptedPrompts struct {
	system string
	err    error
}

func (p *scriptedPrompts) System(ctx context.Context, marketAddress, message, base string) (string, error) {
	return p.system, p.err
}

type fakeMarkets struct {
	m   *market.Market
	err error
}

func (f *fakeMarkets) GetMarket(ctx context.Context, address string) (*market.Market, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.m, nil
}

type fakeMarketInsights struct {
	ins *insights.Insights
	err error
}

func (f *fakeMarketInsights) MarketInsights(ctx context.Context, marketID string) (*insights.Insights, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ins, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// a pooled second connection would see its own empty memory db
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Chat{}, &Message{}, &AnswerJob{}))
	return db
}

type fixture struct {
	svc      *Service
	repo     *Repo
	db       *gorm.DB
	provider *fakeProvider
	locks    *memLocker
	pub      *recordingPublisher
	validity *scriptedValidity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)
	f := &fixture{
		repo:     repo,
		db:       db,
		provider: &fakeProvider{reply: "generated answer", chunks: []string{"gen", "erated"}},
		locks:    newMemLocker(),
		pub:      &recordingPublisher{},
		validity: &scriptedValidity{valid: true},
	}
	f.svc = NewService(Deps{
		Repo:         repo,
		Provider:     f.provider,
		Prompts:      &scriptedPrompts{system: "system prompt"},
		Validity:     f.validity,
		Locks:        f.locks,
		Jobs:         f.pub,
		Markets:      &fakeMarkets{},
		Insights:     &fakeMarketInsights{ins: &insights.Insights{}},
		SystemUserID: "system-user",
	})
	return f
}

const alice = "4b8f7d9e-0000-0000-0000-000000000001"
const bob = "4b8f7d9e-0000-0000-0000-000000000002"

func TestTruncateTitle(t *testing.T) {
	sixty := strings.Repeat("x", 60)
	got := TruncateTitle(sixty)
	require.Len(t, got, 43)
	require.True(t, strings.HasSuffix(got, "..."))

	require.Equal(t, "short", TruncateTitle("short"))
	require.Equal(t, strings.Repeat("y", 40), TruncateTitle(strings.Repeat("y", 40)))
}

func TestCreateChat(t *testing.T) {
	f := newFixture(t)

	c, job, err := f.svc.CreateChat(context.Background(), alice, "Will BTC exceed $100k by 2025-12-31?", "")
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)
	require.Equal(t, "Will BTC exceed $100k by 2025-12-31?", c.Title)

	msgs, err := f.repo.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, RoleUser, msgs[0].Role)
	require.Equal(t, "Will BTC exceed $100k by 2025-12-31?", msgs[0].Content.Response)

	require.Equal(t, JobQueued, job.Status)
	require.Equal(t, []string{job.ID}, f.pub.published)
	require.Equal(t, []string{"Will BTC exceed $100k by 2025-12-31?"}, f.validity.asked)
}

func TestCreateChat_EmptyMessage(t *testing.T) {
	f := newFixture(t)

	for _, msg := range []string{"", "   ", "\n\t "} {
		_, _, err := f.svc.CreateChat(context.Background(), alice, msg, "")
		require.ErrorIs(t, err, ErrEmptyMessage)
	}

	var n int64
	require.NoError(t, f.db.Model(&Chat{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestCreateChat_InvalidQuestion(t *testing.T) {
	f := newFixture(t)
	f.validity.valid = false

	_, _, err := f.svc.CreateChat(context.Background(), alice, "Will BTC go up soon?", "")
	require.ErrorIs(t, err, ErrInvalidQuestion)

	// rejected before any side effect
	var n int64
	require.NoError(t, f.db.Model(&Chat{}).Count(&n).Error)
	require.Zero(t, n)
	require.Empty(t, f.pub.published)
}

func TestCreateChat_MarketQuestionSkipsValidity(t *testing.T) {
	f := newFixture(t)
	f.validity.valid = false // would reject if consulted

	c, _, err := f.svc.CreateChat(context.Background(), alice, "Will X happen by 2026-06-30?",
		"0xAbC0000000000000000000000000000000000001")
	require.NoError(t, err)
	require.Empty(t, f.validity.asked)
	require.NotNil(t, c.MarketAddress)
	require.Equal(t, "0xabc0000000000000000000000000000000000001", *c.MarketAddress)
}

func TestCreateChat_MalformedMarketAddress(t *testing.T) {
	f := newFixture(t)

	for _, addr := range []string{"not-an-address", "0x123", "0xzz",
		"0xabc00000000000000000000000000000000000011"} {
		_, _, err := f.svc.CreateChat(context.Background(), alice, "Will X happen by 2026-06-30?", addr)
		require.ErrorIs(t, err, ErrBadMarketAddress, "address %q", addr)
	}

	// rejected before any side effect
	var n int64
	require.NoError(t, f.db.Model(&Chat{}).Count(&n).Error)
	require.Zero(t, n)
	require.Empty(t, f.pub.published)
}

func TestCreateChat_TitleTruncated(t *testing.T) {
	f := newFixture(t)

	long := strings.Repeat("a", 60)
	c, _, err := f.svc.CreateChat(context.Background(), alice, long, "")
	require.NoError(t, err)
	require.Len(t, c.Title, 43)
}

func TestGetChatWithMessages_Ownership(t *testing.T) {
	f := newFixture(t)

	c, _, err := f.svc.CreateChat(context.Background(), alice, "Will it rain by 2026-01-01?", "")
	require.NoError(t, err)

	_, _, err = f.svc.GetChatWithMessages(context.Background(), bob, c.ID)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, _, err = f.svc.GetChatWithMessages(context.Background(), alice, "no-such-chat")
	require.ErrorIs(t, err, ErrNotFound)

	got, msgs, err := f.svc.GetChatWithMessages(context.Background(), alice, c.ID)
	require.NoError(t, err)
	require.Equal(t, c.ID, got.ID)
	require.Len(t, msgs, 1)
}

func TestListMessages_CreationOrder(t *testing.T) {
	f := newFixture(t)

	c := &Chat{UserID: alice, Title: "t"}
	require.NoError(t, f.repo.CreateChat(context.Background(), c))

	base := time.Now().Add(-time.Hour)
	for i, role := range []string{RoleUser, RoleAssistant, RoleUser, RoleAssistant} {
		require.NoError(t, f.repo.InsertMessage(context.Background(), &Message{
			ChatID:    c.ID,
			Role:      role,
			Content:   Content{Response: "m"},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := f.repo.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i := 1; i < len(msgs); i++ {
		require.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
	}
}

func drainTurn(t *testing.T, turn *Turn) (string, string, error) {
	t.Helper()
	var b strings.Builder
	for c := range turn.Chunks {
		b.WriteString(c)
	}
	<-turn.Done
	var id string
	select {
	case id = <-turn.MsgID:
	default:
	}
	select {
	case err := <-turn.Errs:
		return b.String(), id, err
	default:
		return b.String(), id, nil
	}
}

func TestBeginTurn_StreamsAndPersistsOnce(t *testing.T) {
	f := newFixture(t)

	c, _, err := f.svc.CreateChat(context.Background(), alice, "Will it rain by 2026-01-01?", "")
	require.NoError(t, err)

	turn, err := f.svc.BeginTurn(context.Background(), alice, c.ID, []TurnMessage{
		{Role: RoleUser, Content: "Will it rain by 2026-01-01?"},
	})
	require.NoError(t, err)

	streamed, msgID, err := drainTurn(t, turn)
	require.NoError(t, err)
	require.Equal(t, "generated", streamed)
	require.NotEmpty(t, msgID)

	var assistants int64
	require.NoError(t, f.db.Model(&Message{}).
		Where("chat_id = ? AND role = ?", c.ID, RoleAssistant).
		Count(&assistants).Error)
	require.EqualValues(t, 1, assistants)

	// system prompt leads the provider input
	require.Equal(t, ai.RoleSystem, f.provider.last[0].Role)
	require.Equal(t, "system prompt", f.provider.last[0].Content)
}

func TestBeginTurn_PersistsFollowupUserMessage(t *testing.T) {
	f := newFixture(t)

	c, _, err := f.svc.CreateChat(context.Background(), alice, "Will it rain by 2026-01-01?", "")
	require.NoError(t, err)

	turn, err := f.svc.BeginTurn(context.Background(), alice, c.ID, []TurnMessage{
		{Role: RoleUser, Content: "Will it rain by 2026-01-01?"},
		{Role: RoleAssistant, Content: "Probably."},
		{Role: RoleUser, Content: "How confident are you?"},
	})
	require.NoError(t, err)
	_, _, err = drainTurn(t, turn)
	require.NoError(t, err)

	msgs, err := f.repo.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	// initial user msg + follow-up user msg + assistant reply
	require.Len(t, msgs, 3)
}

func TestBeginTurn_Errors(t *testing.T) {
	f := newFixture(t)

	c, _, err := f.svc.CreateChat(context.Background(), alice, "Will it rain by 2026-01-01?", "")
	require.NoError(t, err)

	_, err = f.svc.BeginTurn(context.Background(), bob, c.ID, []TurnMessage{{Role: RoleUser, Content: "x"}})
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.BeginTurn(context.Background(), alice, "missing", []TurnMessage{{Role: RoleUser, Content: "x"}})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.BeginTurn(context.Background(), alice, c.ID, []TurnMessage{{Role: RoleAssistant, Content: "x"}})
	require.ErrorIs(t, err, ErrNoUserMessage)
}

func TestBeginTurn_ConcurrentTurnRejected(t *testing.T) {
	f := newFixture(t)

	c, _, err := f.svc.CreateChat(context.Background(), alice, "Will it rain by 2026-01-01?", "")
	require.NoError(t, err)

	held, err := f.locks.AcquireTurn(context.Background(), c.ID)
	require.NoError(t, err)
	require.True(t, held)

	_, err = f.svc.BeginTurn(context.Background(), alice, c.ID, []TurnMessage{{Role: RoleUser, Content: "x"}})
	require.ErrorIs(t, err, ErrChatBusy)

	require.NoError(t, f.locks.ReleaseTurn(context.Background(), c.ID))
	turn, err := f.svc.BeginTurn(context.Background(), alice, c.ID, []TurnMessage{{Role: RoleUser, Content: "x"}})
	require.NoError(t, err)
	_, _, err = drainTurn(t, turn)
	require.NoError(t, err)
}

func TestBeginTurn_ReleasesLockAfterStream(t *testing.T) {
	f := newFixture(t)

	c, _, err := f.svc.CreateChat(context.Background(), alice, "Will it rain by 2026-01-01?", "")
	require.NoError(t, err)

	turn, err := f.svc.BeginTurn(context.Background(), alice, c.ID, []TurnMessage{{Role: RoleUser, Content: "x"}})
	require.NoError(t, err)
	_, _, err = drainTurn(t, turn)
	require.NoError(t, err)

	held, err := f.locks.AcquireTurn(context.Background(), c.ID)
	require.NoError(t, err)
	require.True(t, held)
}

func TestBeginTurn_PersistFailureNotSurfaced(t *testing.T) {
	f := newFixture(t)

	c, _, err := f.svc.CreateChat(context.Background(), alice, "Will it rain by 2026-01-01?", "")
	require.NoError(t, err)

	// make the post-stream insert fail
	require.NoError(t, f.db.Migrator().DropTable(&Message{}))

	turn, err := f.svc.BeginTurn(context.Background(), alice, c.ID, []TurnMessage{
		{Role: RoleUser, Content: "Will it rain by 2026-01-01?"},
	})
	require.NoError(t, err)

	// the client got the full answer; the failed insert is logged only
	streamed, msgID, err := drainTurn(t, turn)
	require.NoError(t, err)
	require.Equal(t, "generated", streamed)
	require.Empty(t, msgID)

	// lock still released
	held, err := f.locks.AcquireTurn(context.Background(), c.ID)
	require.NoError(t, err)
	require.True(t, held)
}

func TestListUserChats_IncludesMessageCounts(t *testing.T) {
	f := newFixture(t)

	c1, job, err := f.svc.CreateChat(context.Background(), alice, "Will it rain by 2026-01-01?", "")
	require.NoError(t, err)
	require.NoError(t, f.svc.GenerateAnswer(context.Background(), job.ID))

	c2, _, err := f.svc.CreateChat(context.Background(), alice, "Will it snow by 2026-02-01?", "")
	require.NoError(t, err)

	chats, err := f.svc.ListUserChats(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, chats, 2)

	counts := make(map[string]int64, len(chats))
	for _, c := range chats {
		counts[c.ID] = c.MessageCount
	}
	require.EqualValues(t, 2, counts[c1.ID]) // user + generated answer
	require.EqualValues(t, 1, counts[c2.ID])
}

func TestGenerateAnswer_JobLifecycle(t *testing.T) {
	f := newFixture(t)

	c, job, err := f.svc.CreateChat(context.Background(), alice, "Will it rain by 2026-01-01?", "")
	require.NoError(t, err)

	require.NoError(t, f.svc.GenerateAnswer(context.Background(), job.ID))

	got, err := f.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, JobSucceeded, got.Status)
	require.NotNil(t, got.ResultMessageID)

	msgs, err := f.repo.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, RoleAssistant, msgs[1].Role)
	require.Equal(t, "generated answer", msgs[1].Content.Response)
	require.Equal(t, *got.ResultMessageID, msgs[1].ID)
}

func TestGenerateAnswer_ProviderFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t)
	f.provider.err = errors.New("model offline")

	_, job, err := f.svc.CreateChat(context.Background(), alice, "Will it rain by 2026-01-01?", "")
	require.NoError(t, err)

	require.Error(t, f.svc.GenerateAnswer(context.Background(), job.ID))

	got, err := f.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, JobFailed, got.Status)
	require.NotNil(t, got.Error)
	require.Contains(t, *got.Error, "model offline")
}

func TestGenerateAnswer_RedeliveryDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)

	c, job, err := f.svc.CreateChat(context.Background(), alice, "Will it rain by 2026-01-01?", "")
	require.NoError(t, err)

	require.NoError(t, f.svc.GenerateAnswer(context.Background(), job.ID))

	// queue delivery is at-least-once; a second delivery of the same
	// job must not run generation again
	err = f.svc.GenerateAnswer(context.Background(), job.ID)
	require.ErrorIs(t, err, ErrJobAlreadyClaimed)

	var assistants int64
	require.NoError(t, f.db.Model(&Message{}).
		Where("chat_id = ? AND role = ?", c.ID, RoleAssistant).
		Count(&assistants).Error)
	require.EqualValues(t, 1, assistants)

	got, err := f.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, JobSucceeded, got.Status)
}

func TestGetJobForUser_HidesForeignJobs(t *testing.T) {
	f := newFixture(t)

	_, job, err := f.svc.CreateChat(context.Background(), alice, "Will it rain by 2026-01-01?", "")
	require.NoError(t, err)

	_, err = f.svc.GetJobForUser(context.Background(), bob, job.ID)
	require.ErrorIs(t, err, ErrNotFound)

	got, err := f.svc.GetJobForUser(context.Background(), alice, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
}

func TestBeginMarketChat_CreatesThenReuses(t *testing.T) {
	f := newFixture(t)
	addr := "0xAbC0000000000000000000000000000000000001"

	f.svc.d.Markets = &fakeMarkets{m: &market.Market{
		ID:                         strings.ToLower(addr),
		Title:                      "Will ETH flip BTC by 2030-01-01?",
		OutcomeTokenMarginalPrices: []string{"0.2", "0.8"},
	}}
	f.svc.d.Insights = &fakeMarketInsights{ins: &insights.Insights{
		Summary: "Context.",
		Results: []insights.NewsItem{{URL: "https://example.com/n", Title: "ETH news"}},
	}}

	mt, err := f.svc.BeginMarketChat(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, "system-user", mt.Chat.UserID)
	require.Len(t, mt.News, 1)

	for range mt.Chunks {
	}
	<-mt.Done

	// second call reuses the same chat
	mt2, err := f.svc.BeginMarketChat(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, mt.Chat.ID, mt2.Chat.ID)
	for range mt2.Chunks {
	}
	<-mt2.Done

	var chats int64
	require.NoError(t, f.db.Model(&Chat{}).Count(&chats).Error)
	require.EqualValues(t, 1, chats)

	msgs, err := f.repo.ListMessages(context.Background(), mt.Chat.ID)
	require.NoError(t, err)
	// one user message, two streamed predictions
	require.Len(t, msgs, 3)
	require.Equal(t, RoleUser, msgs[0].Role)
	last := msgs[len(msgs)-1]
	require.Equal(t, RoleAssistant, last.Role)
	require.Len(t, last.Content.News, 1)
}

func TestBeginMarketChat_UnknownMarket(t *testing.T) {
	f := newFixture(t)
	f.svc.d.Markets = &fakeMarkets{err: market.ErrNotFound}

	_, err := f.svc.BeginMarketChat(context.Background(), "0xAbC0000000000000000000000000000000000001")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetMarketChatMessages_Empty(t *testing.T) {
	f := newFixture(t)
	c, msgs, err := f.svc.GetMarketChatMessages(context.Background(), "0xAbC0000000000000000000000000000000000001")
	require.NoError(t, err)
	require.Nil(t, c)
	require.Nil(t, msgs)
}
