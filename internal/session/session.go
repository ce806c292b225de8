package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"joke-bot/internal/dedup"
	"joke-bot/internal/prompt"
	"joke-bot/pkg/logger"

	"github.com/google/uuid"
)

// PunishmentSuffix is appended to the translation of the joke that follows
// a "not funny" vote.
var PunishmentSuffix = "\n\n" + strings.Repeat("哈", 20) + strings.Repeat("😂", 10)

const (
	DefaultTimeout = 30 * time.Second

	unknownErrorMessage = "Unknown error"
)

var ErrEmptyResponse = errors.New("Empty response")

// Generator produces text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Report describes how one completed fetch went.
type Report struct {
	SessionID    string
	RequestID    uint64
	State        State
	Duplicate    bool
	Retried      bool
	HistoryReset bool
	Punished     bool
	Stale        bool
}

type listener struct {
	id int
	fn func(State)
}

// Session is the joke state machine for one chat.
//
// Every call to RequestNewJoke runs to completion on its own goroutine. By
// default the fetch that completes last wins; WithFencing drops results of
// requests that are no longer the latest issued.
type Session struct {
	id       string
	gen      Generator
	composer *prompt.Composer
	timeout  time.Duration
	fencing  bool
	reporter func(Report)

	// notifyMu serializes state changes with listener delivery.
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	punish     bool
	guard      *dedup.Guard
	seq        uint64
	listeners  []listener
	listenerID int

	wg sync.WaitGroup
}

type Option func(*Session)

func WithID(id string) Option {
	return func(s *Session) {
		s.id = id
	}
}

func WithComposer(c *prompt.Composer) Option {
	return func(s *Session) {
		s.composer = c
	}
}

func WithMaxHistory(n int) Option {
	return func(s *Session) {
		s.guard = dedup.New(n)
	}
}

// WithTimeout bounds each generator call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

func WithFencing(enabled bool) Option {
	return func(s *Session) {
		s.fencing = enabled
	}
}

// WithReporter registers fn to be called after every completed fetch.
func WithReporter(fn func(Report)) Option {
	return func(s *Session) {
		s.reporter = fn
	}
}

func New(gen Generator, opts ...Option) *Session {
	s := &Session{
		id:      uuid.NewString(),
		gen:     gen,
		timeout: DefaultTimeout,
		state:   Initial{},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.composer == nil {
		s.composer = prompt.NewComposer()
	}
	if s.guard == nil {
		s.guard = dedup.New(dedup.DefaultMaxHistorySize)
	}

	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe calls fn with every state published from now on. Listeners run
// synchronously and must not call RequestNewJoke themselves.
func (s *Session) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	s.listenerID++
	id := s.listenerID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// RequestNewJoke publishes Loading before returning and fetches the joke in
// the background. It returns the request id.
func (s *Session) RequestNewJoke(ctx context.Context) uint64 {
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.mu.Unlock()

	s.publish(id, Loading{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fetch(ctx, id)
	}()

	return id
}

// MarkUnfunny arms the punishment for the next completed fetch.
func (s *Session) MarkUnfunny() {
	s.mu.Lock()
	s.punish = true
	s.mu.Unlock()

	logger.Debug("Punishment armed", logger.String("session_id", s.id))
}

func (s *Session) PunishmentPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.punish
}

func (s *Session) ClearHistory() {
	s.mu.Lock()
	s.guard.Clear()
	s.mu.Unlock()

	logger.Debug("Joke history cleared", logger.String("session_id", s.id))
}

func (s *Session) HistorySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guard.Len()
}

// Wait blocks until every fetch started so far has completed.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) fetch(ctx context.Context, id uint64) {
	theme, themeAlt := s.composer.PickThemes()

	logger.Debug("Requesting joke",
		logger.String("session_id", s.id),
		logger.Uint64("request_id", id),
		logger.String("theme", theme),
		logger.String("theme_alt", themeAlt),
	)

	text, err := s.generate(ctx, s.composer.Compose(theme, themeAlt, s.composer.Nonce()))
	if err != nil {
		logger.Warn("Joke generation failed",
			logger.String("session_id", s.id),
			logger.Uint64("request_id", id),
			logger.Err(err),
		)
		s.fail(id, failureMessage(err))
		return
	}

	english, translation, ok := Parse(text)
	if !ok {
		s.fail(id, ErrEmptyResponse.Error())
		return
	}

	rep := Report{SessionID: s.id, RequestID: id}

	s.mu.Lock()
	rep.Duplicate = s.guard.IsDuplicate(english)
	historySize := s.guard.Len()
	s.mu.Unlock()

	if rep.Duplicate {
		logger.Info("Duplicate joke detected, retrying",
			logger.String("session_id", s.id),
			logger.Int("history_size", historySize),
		)

		retryEnglish, retryTranslation, ok := s.retry(ctx, themeAlt, english)
		if ok && retryEnglish != english {
			english, translation = retryEnglish, retryTranslation
			rep.Retried = true
		} else {
			logger.Info("Retry did not produce a new joke, clearing history",
				logger.String("session_id", s.id),
			)
			s.mu.Lock()
			s.guard.Clear()
			s.mu.Unlock()
			rep.HistoryReset = true
		}
	}

	s.mu.Lock()
	if s.guard.Record(english) {
		rep.HistoryReset = true
	}
	rep.Punished = s.punish
	s.punish = false
	s.mu.Unlock()

	if rep.Punished {
		translation += PunishmentSuffix
	}

	s.finish(id, Success{EnglishJoke: english, Translation: translation}, rep)
}

func (s *Session) retry(ctx context.Context, theme, rejected string) (string, string, bool) {
	text, err := s.generate(ctx, s.composer.ComposeRetry(theme, rejected))
	if err != nil {
		logger.Warn("Retry generation failed",
			logger.String("session_id", s.id),
			logger.Err(err),
		)
		return "", "", false
	}
	return Parse(text)
}

func (s *Session) generate(ctx context.Context, p string) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.gen.Generate(ctx, p)
}

func (s *Session) fail(id uint64, msg string) {
	s.mu.Lock()
	s.punish = false
	s.mu.Unlock()

	s.finish(id, Error{Message: msg}, Report{SessionID: s.id, RequestID: id})
}

func (s *Session) finish(id uint64, st State, rep Report) {
	rep.State = st
	rep.Stale = !s.publish(id, st)

	if rep.Stale {
		logger.Debug("Dropped stale result",
			logger.String("session_id", s.id),
			logger.Uint64("request_id", id),
		)
	}

	if s.reporter != nil {
		s.reporter(rep)
	}
}

// publish reports false when fencing drops st because a newer request exists.
func (s *Session) publish(id uint64, st State) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.fencing && id != s.seq {
		s.mu.Unlock()
		return false
	}
	s.state = st
	listeners := make([]listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l.fn(st)
	}
	return true
}

// Parse splits generated text on the first delimiter. ok is false when no
// English joke can be extracted.
func Parse(text string) (english, translation string, ok bool) {
	english, translation, _ = strings.Cut(text, prompt.Delimiter)
	english = strings.TrimSpace(english)
	translation = strings.TrimSpace(translation)
	return english, translation, english != ""
}

func failureMessage(err error) string {
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return unknownErrorMessage
	}
	return msg
}
