package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"joke-bot/internal/config"
	"joke-bot/internal/models"
	"joke-bot/internal/prompt"
	"joke-bot/internal/queue"
	"joke-bot/internal/session"
	"joke-bot/pkg/logger"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"gopkg.in/telebot.v4"
)

var ErrRateLimited = errors.New("telegram rate limited")

type JokeStore interface {
	Create(ctx context.Context, joke *models.DeliveredJoke) error
	RecordFailure(ctx context.Context, failure *models.GenerationFailure) error
	CountByChat(ctx context.Context, chatID int64) (int, error)
	Stats(ctx context.Context) (models.Stats, error)
}

type UserStore interface {
	Upsert(ctx context.Context, user *models.User) error
	IncrementUnfunny(ctx context.Context, telegramID int64) error
	Count(ctx context.Context) (int, error)
	TotalUnfunny(ctx context.Context) (int, error)
}

type Publisher interface {
	PublishJokeEvent(ctx context.Context, event *queue.JokeEvent) error
	PublishTelegramMessage(ctx context.Context, msg *queue.TelegramMessage) error
}

type TelegramConsumer interface {
	ConsumeTelegramMessages(ctx context.Context, handler func(*queue.TelegramMessage) error) error
}

type Bot struct {
	cfg        config.BotConfig
	sessionCfg config.SessionConfig
	timeout    time.Duration
	settings   telebot.Settings
	gen        session.Generator
	jokeDB     JokeStore
	userDB     UserStore
	q          Publisher
	tbot       *telebot.Bot
	msgr       messenger
	retryBase  time.Duration
	// retryAfterUnit scales Telegram's retry_after seconds.
	retryAfterUnit time.Duration

	ctx      context.Context
	mu       sync.Mutex
	sessions *lru.Cache
	// evicted tracks sessions dropped from the cache with fetches still running.
	evicted sync.WaitGroup

	menu        *telebot.ReplyMarkup
	btnNew      telebot.Btn
	btnNotFunny telebot.Btn
}

type Deps struct {
	Generator session.Generator
	Jokes     JokeStore
	Users     UserStore
	Queue     Publisher
}

func New(cfg config.BotConfig, sessionCfg config.SessionConfig, timeout time.Duration, deps Deps) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("joke generator is required")
	}

	size := sessionCfg.MaxSessions
	if size <= 0 {
		size = 10000
	}

	b := &Bot{
		cfg:            cfg,
		sessionCfg:     sessionCfg,
		timeout:        timeout,
		gen:            deps.Generator,
		jokeDB:         deps.Jokes,
		userDB:         deps.Users,
		q:              deps.Queue,
		retryBase:      time.Second,
		retryAfterUnit: time.Second,
		ctx:            context.Background(),
		settings: telebot.Settings{
			Token:  cfg.Token,
			Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
		},
	}

	sessions, err := lru.NewWithEvict(size, b.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	b.sessions = sessions

	b.menu = &telebot.ReplyMarkup{}
	b.btnNew = b.menu.Data("New joke", "new_joke")
	b.btnNotFunny = b.menu.Data("Not funny", "not_funny")
	b.menu.Inline(b.menu.Row(b.btnNotFunny, b.btnNew))

	return b, nil
}

// Start connects to Telegram and begins polling. ctx bounds in-flight joke
// fetches and the outgoing message consumer.
func (b *Bot) Start(ctx context.Context) (*telebot.Bot, error) {
	tbot, err := telebot.NewBot(b.settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b.ctx = ctx
	b.tbot = tbot
	b.msgr = &telebotMessenger{bot: tbot, menu: b.menu, parseMode: telebot.ParseMode(b.cfg.ParseMode)}
	b.setupHandlers(tbot)

	b.startTelegramConsumer(ctx)

	go tbot.Start()

	return tbot, nil
}

// Shutdown stops polling and waits for in-flight joke fetches, including
// those of sessions already evicted from the cache.
func (b *Bot) Shutdown() {
	if b.tbot != nil {
		b.tbot.Stop()
	}
	for _, key := range b.sessions.Keys() {
		if v, ok := b.sessions.Peek(key); ok {
			v.(*session.Session).Wait()
		}
	}
	b.evicted.Wait()
}

func (b *Bot) onEvict(key, value interface{}) {
	logger.Debug("Evicted idle chat session", logger.Any("chat_id", key))

	s, ok := value.(*session.Session)
	if !ok {
		return
	}
	b.evicted.Add(1)
	go func() {
		defer b.evicted.Done()
		s.Wait()
	}()
}

func (b *Bot) setupHandlers(bot *telebot.Bot) {
	bot.Handle(telebot.OnText, func(c telebot.Context) error {
		logger.Info("Incoming text message",
			logger.Int64("user_id", c.Sender().ID),
			logger.String("username", c.Sender().Username),
		)
		return b.queueOrSend(c.Chat().ID, "Use /joke to get a joke!", false)
	})

	bot.Handle("/start", b.handleStart)
	bot.Handle("/joke", b.handleJoke)
	bot.Handle("/notfunny", b.handleNotFunny)
	bot.Handle("/clear", b.handleClear)
	bot.Handle("/stats", b.handleStats)
	bot.Handle("/help", b.handleHelp)

	bot.Handle(&b.btnNew, func(c telebot.Context) error {
		logger.Info("Incoming callback",
			logger.Int64("user_id", c.Sender().ID),
			logger.String("callback_data", c.Callback().Data),
		)
		b.newJoke(c.Chat().ID)
		return c.Respond()
	})

	bot.Handle(&b.btnNotFunny, func(c telebot.Context) error {
		logger.Info("Incoming callback",
			logger.Int64("user_id", c.Sender().ID),
			logger.String("callback_data", c.Callback().Data),
		)
		b.notFunny(c.Chat().ID, c.Sender().ID)
		return c.Respond(&telebot.CallbackResponse{Text: "Noted. Brace yourself."})
	})
}

func (b *Bot) startTelegramConsumer(ctx context.Context) {
	n, ok := b.q.(TelegramConsumer)
	if !ok {
		return
	}

	go func() {
		err := n.ConsumeTelegramMessages(ctx, func(msg *queue.TelegramMessage) error {
			return b.sendMessageWithRetry(ctx, msg.ChatID, msg.Text, msg.Controls)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Telegram consumer error", logger.Err(err))
		}
	}()
}

// sessionFor returns the chat's session, creating it on first use.
func (b *Bot) sessionFor(chatID int64) *session.Session {
	b.mu.Lock()
	defer b.mu.Unlock()

	if v, ok := b.sessions.Get(chatID); ok {
		return v.(*session.Session)
	}

	s := session.New(b.gen,
		session.WithID(uuid.NewString()),
		session.WithComposer(prompt.NewComposer(prompt.WithTargetLanguage(b.sessionCfg.TargetLanguage))),
		session.WithMaxHistory(b.sessionCfg.MaxHistory),
		session.WithTimeout(b.timeout),
		session.WithFencing(b.sessionCfg.Fencing),
		session.WithReporter(b.reporter(chatID)),
	)
	s.Subscribe(b.renderer(chatID))
	b.sessions.Add(chatID, s)

	logger.Info("Created chat session",
		logger.Int64("chat_id", chatID),
		logger.String("session_id", s.ID()),
	)

	return s
}

func (b *Bot) newJoke(chatID int64) uint64 {
	return b.sessionFor(chatID).RequestNewJoke(b.ctx)
}

func (b *Bot) notFunny(chatID, userID int64) uint64 {
	s := b.sessionFor(chatID)
	s.MarkUnfunny()
	b.recordEvent(&queue.JokeEvent{
		Kind:      models.EventUnfunny,
		ChatID:    chatID,
		UserID:    userID,
		SessionID: s.ID(),
	})
	return s.RequestNewJoke(b.ctx)
}

func (b *Bot) handleStart(c telebot.Context) error {
	user := &models.User{
		TelegramID: c.Sender().ID,
		Username:   c.Sender().Username,
		FirstName:  c.Sender().FirstName,
		LastName:   c.Sender().LastName,
	}

	if b.userDB != nil {
		if err := b.userDB.Upsert(b.ctx, user); err != nil {
			logger.Error("Failed to save user", logger.Err(err))
		}
	}

	return b.queueOrSend(c.Chat().ID, welcomeText, true)
}

func (b *Bot) handleJoke(c telebot.Context) error {
	b.newJoke(c.Chat().ID)
	return nil
}

func (b *Bot) handleNotFunny(c telebot.Context) error {
	b.notFunny(c.Chat().ID, c.Sender().ID)
	return nil
}

func (b *Bot) handleClear(c telebot.Context) error {
	return b.queueOrSend(c.Chat().ID, b.clearHistory(c.Chat().ID), false)
}

func (b *Bot) clearHistory(chatID int64) string {
	s := b.sessionFor(chatID)
	before := s.HistorySize()
	s.ClearHistory()
	return fmt.Sprintf("Forgot %d jokes. Old favourites may come back.", before)
}

func (b *Bot) handleStats(c telebot.Context) error {
	return b.queueOrSend(c.Chat().ID, b.statsText(b.ctx, c.Chat().ID), false)
}

func (b *Bot) statsText(ctx context.Context, chatID int64) string {
	var historySize int
	if v, ok := b.sessions.Peek(chatID); ok {
		historySize = v.(*session.Session).HistorySize()
	}

	if b.jokeDB == nil || b.userDB == nil {
		return formatStats(models.Stats{}, 0, historySize, b.sessions.Len())
	}

	stats, err := b.jokeDB.Stats(ctx)
	if err != nil {
		logger.Error("Failed to get joke statistics", logger.Err(err))
		return "Failed to get statistics"
	}
	stats.Users, _ = b.userDB.Count(ctx)
	stats.Unfunny, _ = b.userDB.TotalUnfunny(ctx)
	chatDelivered, _ := b.jokeDB.CountByChat(ctx, chatID)

	return formatStats(stats, chatDelivered, historySize, b.sessions.Len())
}

func (b *Bot) handleHelp(c telebot.Context) error {
	return b.queueOrSend(c.Chat().ID, helpText, true)
}

func (b *Bot) queueOrSend(chatID int64, text string, controls bool) error {
	if b.q != nil {
		msg := &queue.TelegramMessage{
			ChatID:   chatID,
			Text:     text,
			Controls: controls,
		}
		if err := b.q.PublishTelegramMessage(b.ctx, msg); err != nil {
			logger.Error("Failed to queue telegram message", logger.Err(err))
		}
		return nil
	}

	return b.sendMessageWithRetry(b.ctx, chatID, text, controls)
}
