package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/presagio-ai/presagio-backend/internal/ai"
	"github.com/presagio-ai/presagio-backend/internal/common"
	"github.com/presagio-ai/presagio-backend/internal/insights"
	"github.com/presagio-ai/presagio-backend/internal/market"
	"github.com/presagio-ai/presagio-backend/internal/prompt"
	"github.com/presagio-ai/presagio-backend/internal/validity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrEmptyMessage    = errors.New("chat: empty message")
	ErrInvalidQuestion = errors.New("chat: invalid question")
	ErrNoUserMessage   = errors.New("chat: no user message")
	ErrUnauthorized    = errors.New("chat: unauthorized")
	ErrNotFound        = errors.New("chat: not found")
	ErrChatBusy        = errors.New("chat: turn already in progress")

	// ErrBadMarketAddress rejects market-bound chats whose address is
	// not a hex address.
	ErrBadMarketAddress = errors.New("chat: malformed market address")

	// ErrJobAlreadyClaimed means another delivery of the same job got
	// there first; the caller should drop the message, not retry.
	ErrJobAlreadyClaimed = errors.New("chat: job already claimed")
)

// TurnLocker serializes turns on one chat. Two concurrent turns on the
// same chat id would interleave their persisted messages, so the second
// caller is rejected instead.
type TurnLocker interface {
	AcquireTurn(ctx context.Context, chatID string) (bool, error)
	ReleaseTurn(ctx context.Context, chatID string) error
}

// JobPublisher hands queued answer jobs to the worker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// PromptSource derives a system prompt from market odds and question
// insights. Satisfied by prompt.Builder.
type PromptSource interface {
	System(ctx context.Context, marketAddress, message, base string) (string, error)
}

type MarketGetter interface {
	GetMarket(ctx context.Context, address string) (*market.Market, error)
}

type MarketInsightsGetter interface {
	MarketInsights(ctx context.Context, marketID string) (*insights.Insights, error)
}

// Deps collects the service's collaborators.
type Deps struct {
	Repo     *Repo
	Provider ai.Provider
	Prompts  PromptSource
	Validity validity.Checker
	Locks    TurnLocker
	Jobs     JobPublisher
	Markets  MarketGetter
	Insights MarketInsightsGetter
	Log      *zap.Logger

	// owner of anonymous market chats
	SystemUserID string
}

// Service orchestrates the chat pipeline: validate question, fetch
// market and insights, build the system prompt, call the model, persist
// messages, stream tokens out.
type Service struct {
	d Deps
}

func NewService(d Deps) *Service {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Service{d: d}
}

// CreateChat persists a new conversation and its first user message,
// then queues answer generation. The answer is eventually consistent:
// callers observe it by re-fetching messages or polling the job.
func (s *Service) CreateChat(ctx context.Context, userID, message, marketAddress string) (*Chat, *AnswerJob, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, nil, ErrEmptyMessage
	}
	if marketAddress != "" && !market.ValidAddress(marketAddress) {
		return nil, nil, ErrBadMarketAddress
	}

	// the gate runs once per new conversation, never per turn; market
	// questions come from the market itself and skip it
	if marketAddress == "" {
		valid, err := s.d.Validity.Check(ctx, message)
		if err != nil {
			return nil, nil, err
		}
		if !valid {
			return nil, nil, ErrInvalidQuestion
		}
	}

	c := &Chat{
		UserID: userID,
		Title:  TruncateTitle(message),
	}
	if marketAddress != "" {
		addr := market.NormalizeAddress(marketAddress)
		c.MarketAddress = &addr
	}
	if err := s.d.Repo.CreateChat(ctx, c); err != nil {
		return nil, nil, err
	}

	if err := s.d.Repo.InsertMessage(ctx, &Message{
		ChatID:  c.ID,
		Role:    RoleUser,
		Content: Content{Response: message},
	}); err != nil {
		return nil, nil, err
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, nil, err
	}
	job := &AnswerJob{
		ID:            jobID,
		ChatID:        c.ID,
		UserID:        userID,
		Question:      message,
		MarketAddress: c.MarketAddress,
		Status:        JobQueued,
	}
	if err := s.d.Repo.CreateJob(ctx, job); err != nil {
		return nil, nil, err
	}
	if err := s.d.Jobs.PublishJob(ctx, job.ID); err != nil {
		return nil, nil, err
	}
	return c, job, nil
}

func (s *Service) getOwnedChat(ctx context.Context, userID, chatID string) (*Chat, error) {
	if chatID == "" {
		return nil, ErrNotFound
	}
	c, err := s.d.Repo.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrUnauthorized
	}
	return c, nil
}

// GetChatWithMessages returns a chat owned by userID and its messages
// in creation order.
func (s *Service) GetChatWithMessages(ctx context.Context, userID, chatID string) (*Chat, []Message, error) {
	c, err := s.getOwnedChat(ctx, userID, chatID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.d.Repo.ListMessages(ctx, c.ID)
	if err != nil {
		return nil, nil, err
	}
	return c, msgs, nil
}

// ChatSummary is a sidebar entry: the chat plus how many messages it
// holds.
type ChatSummary struct {
	Chat
	MessageCount int64 `json:"message_count"`
}

func (s *Service) ListUserChats(ctx context.Context, userID string) ([]ChatSummary, error) {
	chats, err := s.d.Repo.ListChatsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		n, err := s.d.Repo.CountMessages(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, ChatSummary{Chat: c, MessageCount: n})
	}
	return out, nil
}

// GetJobForUser hides jobs belonging to other users.
func (s *Service) GetJobForUser(ctx context.Context, userID, jobID string) (*AnswerJob, error) {
	j, err := s.d.Repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if j.UserID != userID {
		return nil, ErrNotFound
	}
	return j, nil
}

// TurnMessage is one entry of the client-supplied conversation replay.
type TurnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn carries a streaming reply. Chunks closes when generation ends;
// Done signals that persistence (attempted) finished; MsgID delivers
// the stored assistant message id when the insert succeeded.
type Turn struct {
	Chunks <-chan string
	MsgID  <-chan string
	Done   <-chan struct{}
	Errs   <-chan error
}

// BeginTurn validates ownership and locking synchronously, then starts
// generation. The system prompt is re-derived every turn, refetching
// market data and insights.
func (s *Service) BeginTurn(ctx context.Context, userID, chatID string, incoming []TurnMessage) (*Turn, error) {
	c, err := s.getOwnedChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	var lastUser *TurnMessage
	userCount := 0
	for i := range incoming {
		if incoming[i].Role == RoleUser {
			lastUser = &incoming[i]
			userCount++
		}
	}
	if lastUser == nil {
		return nil, ErrNoUserMessage
	}

	ok, err := s.d.Locks.AcquireTurn(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrChatBusy
	}

	chunks := make(chan string, 16)
	msgID := make(chan string, 1)
	done := make(chan struct{})
	errs := make(chan error, 1)

	// generation and persistence run to completion even if the client
	// disconnects mid-stream
	bgCtx := context.WithoutCancel(ctx)

	go func() {
		defer close(done)
		defer close(msgID)
		defer close(errs)
		defer close(chunks)
		defer func() {
			if err := s.d.Locks.ReleaseTurn(bgCtx, c.ID); err != nil {
				s.d.Log.Warn("release turn lock", zap.String("chat_id", c.ID), zap.Error(err))
			}
		}()

		marketAddr := ""
		if c.MarketAddress != nil {
			marketAddr = *c.MarketAddress
		}
		system, err := s.d.Prompts.System(bgCtx, marketAddr, lastUser.Content, prompt.Regular(time.Now()))
		if err != nil {
			errs <- err
			return
		}

		// the first user turn was stored when the chat was created
		if userCount > 1 {
			if err := s.d.Repo.InsertMessage(bgCtx, &Message{
				ChatID:  c.ID,
				Role:    RoleUser,
				Content: Content{Response: lastUser.Content},
			}); err != nil {
				errs <- err
				return
			}
		}

		providerMsgs := make([]ai.Message, 0, len(incoming)+1)
		providerMsgs = append(providerMsgs, ai.Message{Role: ai.RoleSystem, Content: system})
		for _, m := range incoming {
			providerMsgs = append(providerMsgs, ai.Message{Role: m.Role, Content: m.Content})
		}

		full, err := s.streamOut(bgCtx, providerMsgs, chunks)
		if err != nil {
			errs <- err
			return
		}

		// the client already received the full answer; a failed insert
		// is logged, never surfaced
		stored := &Message{ChatID: c.ID, Role: RoleAssistant, Content: Content{Response: full}}
		if err := s.d.Repo.InsertMessage(bgCtx, stored); err != nil {
			s.d.Log.Error("persist assistant message after stream",
				zap.String("chat_id", c.ID), zap.Error(err))
			return
		}
		msgID <- stored.ID
	}()

	return &Turn{Chunks: chunks, MsgID: msgID, Done: done, Errs: errs}, nil
}

// streamOut forwards provider chunks and returns the assembled reply.
func (s *Service) streamOut(ctx context.Context, msgs []ai.Message, out chan<- string) (string, error) {
	sp, ok := s.d.Provider.(ai.StreamProvider)
	if !ok {
		return "", errors.New("chat: provider does not support streaming")
	}

	pChunks, pErrs := sp.StreamChat(ctx, msgs)

	var b strings.Builder
	for c := range pChunks {
		b.WriteString(c)
		out <- c
	}

	select {
	case err := <-pErrs:
		if err != nil {
			return "", err
		}
	default:
	}
	return b.String(), nil
}

// MarketTurn is a streaming intro prediction for a market chat.
type MarketTurn struct {
	Chat   *Chat
	News   []insights.NewsItem
	Chunks <-chan string
	MsgID  <-chan string
	Done   <-chan struct{}
	Errs   <-chan error
}

// BeginMarketChat reuses (or creates, under the system user) the single
// chat for a market address and streams an introductory prediction
// grounded in market odds and insights.
func (s *Service) BeginMarketChat(ctx context.Context, address string) (*MarketTurn, error) {
	address = market.NormalizeAddress(address)

	m, err := s.d.Markets.GetMarket(ctx, address)
	if err != nil {
		if errors.Is(err, market.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if m.Title == "" {
		return nil, ErrNotFound
	}

	ins, err := s.d.Insights.MarketInsights(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	c, err := s.d.Repo.GetChatByMarketAddress(ctx, address)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c = &Chat{
			UserID:        s.d.SystemUserID,
			Title:         TruncateTitle(m.Title),
			MarketAddress: &address,
		}
		if err := s.d.Repo.CreateChat(ctx, c); err != nil {
			return nil, err
		}
		if err := s.d.Repo.InsertMessage(ctx, &Message{
			ChatID:  c.ID,
			Role:    RoleUser,
			Content: Content{Response: m.Title},
		}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	parts := []string{prompt.MarketIntro(time.Now())}
	if odds := prompt.OddsSentence(m.YesNoOdds()); odds != "" {
		parts = append(parts, odds)
	}
	if ins.Summary != "" {
		parts = append(parts, ins.Summary)
	}
	system := strings.Join(parts, "\n\n")

	chunks := make(chan string, 16)
	msgID := make(chan string, 1)
	done := make(chan struct{})
	errs := make(chan error, 1)

	bgCtx := context.WithoutCancel(ctx)
	chatID := c.ID
	news := ins.Results
	title := m.Title

	go func() {
		defer close(done)
		defer close(msgID)
		defer close(errs)
		defer close(chunks)

		full, err := s.streamOut(bgCtx, []ai.Message{
			{Role: ai.RoleSystem, Content: system},
			{Role: ai.RoleUser, Content: title},
		}, chunks)
		if err != nil {
			errs <- err
			return
		}

		stored := &Message{
			ChatID:  chatID,
			Role:    RoleAssistant,
			Content: Content{Response: full, News: news},
		}
		if err := s.d.Repo.InsertMessage(bgCtx, stored); err != nil {
			s.d.Log.Error("persist market prediction after stream",
				zap.String("chat_id", chatID), zap.Error(err))
			return
		}
		msgID <- stored.ID
	}()

	return &MarketTurn{Chat: c, News: news, Chunks: chunks, MsgID: msgID, Done: done, Errs: errs}, nil
}

// GetMarketChatMessages returns the messages of the chat bound to a
// market address, or (nil, nil, nil) when no such chat exists.
func (s *Service) GetMarketChatMessages(ctx context.Context, address string) (*Chat, []Message, error) {
	c, err := s.d.Repo.GetChatByMarketAddress(ctx, market.NormalizeAddress(address))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.d.Repo.ListMessages(ctx, c.ID)
	if err != nil {
		return nil, nil, err
	}
	return c, msgs, nil
}

// GenerateAnswer is the worker side of a queued job: build the prompt,
// run one-shot generation over the chat history, persist the assistant
// message, record the outcome on the job.
func (s *Service) GenerateAnswer(ctx context.Context, jobID string) error {
	if err := s.d.Repo.MarkJobRunning(ctx, jobID); err != nil {
		return err
	}
	job, err := s.d.Repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	fail := func(cause error) error {
		if err := s.d.Repo.MarkJobFailed(ctx, job.ID, cause.Error()); err != nil {
			s.d.Log.Error("mark job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return cause
	}

	marketAddr := ""
	if job.MarketAddress != nil {
		marketAddr = *job.MarketAddress
	}
	system, err := s.d.Prompts.System(ctx, marketAddr, job.Question, prompt.Regular(time.Now()))
	if err != nil {
		return fail(err)
	}

	history, err := s.d.Repo.ListMessages(ctx, job.ChatID)
	if err != nil {
		return fail(err)
	}
	providerMsgs := make([]ai.Message, 0, len(history)+1)
	providerMsgs = append(providerMsgs, ai.Message{Role: ai.RoleSystem, Content: system})
	for _, m := range history {
		providerMsgs = append(providerMsgs, ai.Message{Role: m.Role, Content: m.Content.Response})
	}

	reply, err := s.d.Provider.Chat(ctx, providerMsgs)
	if err != nil {
		return fail(err)
	}

	stored := &Message{ChatID: job.ChatID, Role: RoleAssistant, Content: Content{Response: reply}}
	if err := s.d.Repo.InsertMessage(ctx, stored); err != nil {
		return fail(err)
	}
	return s.d.Repo.MarkJobSucceeded(ctx, job.ID, stored.ID)
}
