package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type reply struct {
	text string
	err  error
}

type scriptedGenerator struct {
	mu      sync.Mutex
	replies []reply
	prompts []string
}

func script(replies ...reply) *scriptedGenerator {
	return &scriptedGenerator{replies: replies}
}

func okReply(text string) reply {
	return reply{text: text}
}

func failReply(err error) reply {
	return reply{err: err}
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.prompts = append(g.prompts, prompt)
	if len(g.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := g.replies[0]
	g.replies = g.replies[1:]
	return r.text, r.err
}

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *scriptedGenerator) prompt(i int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompts[i]
}

func fetch(s *Session) State {
	s.RequestNewJoke(context.Background())
	s.Wait()
	return s.State()
}

func TestInitialState(t *testing.T) {
	s := New(script())

	if _, ok := s.State().(Initial); !ok {
		t.Errorf("State() = %#v, want Initial", s.State())
	}
	if s.HistorySize() != 0 {
		t.Errorf("HistorySize() = %v, want 0", s.HistorySize())
	}
	if s.ID() == "" {
		t.Error("ID() should not be empty")
	}
}

func TestWithID(t *testing.T) {
	s := New(script(), WithID("chat-42"))
	if s.ID() != "chat-42" {
		t.Errorf("ID() = %v, want chat-42", s.ID())
	}
}

func TestRequestNewJokeParsesPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    State
	}{
		{"with delimiter", "A --- B", Success{EnglishJoke: "A", Translation: "B"}},
		{"without delimiter", "A", Success{EnglishJoke: "A", Translation: ""}},
		{"multiline", "  Why?\nBecause.\n---\n為什麼？\n因為。 ", Success{EnglishJoke: "Why?\nBecause.", Translation: "為什麼？\n因為。"}},
		{"second delimiter kept", "A --- B --- C", Success{EnglishJoke: "A", Translation: "B --- C"}},
		{"blank payload", "   ", Error{Message: "Empty response"}},
		{"translation only", "--- B", Error{Message: "Empty response"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(script(okReply(tt.payload)))
			if got := fetch(s); got != tt.want {
				t.Errorf("State() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestAlwaysSucceedingGeneratorEndsInSuccess(t *testing.T) {
	var replies []reply
	for i := 0; i < 20; i++ {
		replies = append(replies, okReply(fmt.Sprintf("joke %d --- 笑話 %d", i, i)))
	}
	s := New(script(replies...))

	for i := 0; i < 20; i++ {
		st := fetch(s)
		success, isSuccess := st.(Success)
		if !isSuccess {
			t.Fatalf("fetch %d: State() = %#v, want Success", i, st)
		}
		if success.EnglishJoke == "" {
			t.Fatalf("fetch %d: empty EnglishJoke", i)
		}
	}
}

func TestRequestNewJokePublishesLoadingSynchronously(t *testing.T) {
	release := make(chan struct{})
	gen := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		<-release
		return "A --- B", nil
	})
	s := New(gen)

	var (
		mu   sync.Mutex
		seen []State
	)
	s.Subscribe(func(st State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	s.RequestNewJoke(context.Background())

	if _, ok := s.State().(Loading); !ok {
		t.Errorf("State() right after RequestNewJoke = %#v, want Loading", s.State())
	}

	close(release)
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("listener saw %d states, want 2", len(seen))
	}
	if _, ok := seen[0].(Loading); !ok {
		t.Errorf("first state = %#v, want Loading", seen[0])
	}
	if seen[1] != (Success{EnglishJoke: "A", Translation: "B"}) {
		t.Errorf("second state = %#v, want Success{A, B}", seen[1])
	}
}

func TestGeneratorFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"message passed through", errors.New("quota exceeded"), "quota exceeded"},
		{"empty message", errors.New(""), "Unknown error"},
		{"wrapped", fmt.Errorf("gemini: %w", errors.New("503")), "gemini: 503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(script(failReply(tt.err)))
			want := Error{Message: tt.want}
			if got := fetch(s); got != want {
				t.Errorf("State() = %#v, want %#v", got, want)
			}
		})
	}
}

func TestGeneratorTimeout(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	s := New(gen, WithTimeout(10*time.Millisecond))

	st := fetch(s)
	e, isErr := st.(Error)
	if !isErr {
		t.Fatalf("State() = %#v, want Error", st)
	}
	if !strings.Contains(e.Message, "deadline exceeded") {
		t.Errorf("Message = %q, want deadline exceeded", e.Message)
	}
}

func TestPunishmentAppliedOnce(t *testing.T) {
	s := New(script(okReply("A --- B"), okReply("C --- D")))

	s.MarkUnfunny()
	s.MarkUnfunny()
	if _, ok := s.State().(Initial); !ok {
		t.Errorf("MarkUnfunny changed state to %#v", s.State())
	}
	if !s.PunishmentPending() {
		t.Fatal("PunishmentPending() = false after MarkUnfunny")
	}

	first := fetch(s).(Success)
	if first.Translation != "B"+PunishmentSuffix {
		t.Errorf("Translation = %q, want B plus punishment", first.Translation)
	}
	if s.PunishmentPending() {
		t.Error("PunishmentPending() = true after fetch")
	}

	second := fetch(s).(Success)
	if second.Translation != "D" {
		t.Errorf("Translation = %q, want D without punishment", second.Translation)
	}
}

func TestPunishmentClearedOnFailure(t *testing.T) {
	s := New(script(failReply(errors.New("network down")), okReply("A --- B")))

	s.MarkUnfunny()
	if got := fetch(s); got != (Error{Message: "network down"}) {
		t.Fatalf("State() = %#v, want Error{network down}", got)
	}
	if s.PunishmentPending() {
		t.Error("PunishmentPending() = true after failed fetch")
	}

	if got := fetch(s).(Success); strings.Contains(got.Translation, PunishmentSuffix) {
		t.Errorf("Translation = %q, punishment leaked into later fetch", got.Translation)
	}
}

func TestPunishmentClearedOnEmptyResponse(t *testing.T) {
	s := New(script(okReply("")))

	s.MarkUnfunny()
	fetch(s)
	if s.PunishmentPending() {
		t.Error("PunishmentPending() = true after empty response")
	}
}

func TestPunishmentSuffixIsDistinct(t *testing.T) {
	if !strings.HasPrefix(PunishmentSuffix, "\n\n") {
		t.Errorf("PunishmentSuffix = %q, want leading blank line", PunishmentSuffix)
	}
	if strings.Count(PunishmentSuffix, "哈") != 20 {
		t.Errorf("PunishmentSuffix has %d 哈, want 20", strings.Count(PunishmentSuffix, "哈"))
	}
	if strings.Count(PunishmentSuffix, "😂") != 10 {
		t.Errorf("PunishmentSuffix has %d 😂, want 10", strings.Count(PunishmentSuffix, "😂"))
	}
}

func TestDuplicateRetryAdopted(t *testing.T) {
	g := script(okReply("A --- B"), okReply("A --- B"), okReply("C --- D"))
	s := New(g)

	fetch(s)
	got := fetch(s)

	if got != (Success{EnglishJoke: "C", Translation: "D"}) {
		t.Errorf("State() = %#v, want Success{C, D}", got)
	}
	if g.calls() != 3 {
		t.Errorf("generator calls = %v, want 3", g.calls())
	}
	if !strings.Contains(g.prompt(2), "This must be different from: A") {
		t.Errorf("retry prompt = %q, want it to reference the rejected joke", g.prompt(2))
	}
	if s.HistorySize() != 2 {
		t.Errorf("HistorySize() = %v, want 2", s.HistorySize())
	}
}

func TestDuplicateRetrySameTextClearsHistory(t *testing.T) {
	g := script(okReply("X --- x"), okReply("A --- B"), okReply("A --- B"), okReply("A --- B"), okReply("X --- y"))
	s := New(g)

	fetch(s)
	fetch(s)
	if s.HistorySize() != 2 {
		t.Fatalf("HistorySize() = %v, want 2", s.HistorySize())
	}

	got := fetch(s)
	if got != (Success{EnglishJoke: "A", Translation: "B"}) {
		t.Errorf("State() = %#v, want Success{A, B}", got)
	}
	if g.calls() != 4 {
		t.Errorf("generator calls = %v, want exactly one retry (4 calls)", g.calls())
	}
	// Only the joke delivered after the reset remains.
	if s.HistorySize() != 1 {
		t.Errorf("HistorySize() = %v, want 1", s.HistorySize())
	}

	// X was forgotten by the reset, so it is accepted without a retry.
	if got := fetch(s); got != (Success{EnglishJoke: "X", Translation: "y"}) {
		t.Errorf("State() = %#v, want Success{X, y}", got)
	}
	if g.calls() != 5 {
		t.Errorf("generator calls = %v, want 5", g.calls())
	}
}

func TestDuplicateRetryFailureFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		retry reply
	}{
		{"retry error", failReply(errors.New("boom"))},
		{"retry empty", okReply("  ")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := script(okReply("X --- x"), okReply("A --- B"), okReply("A --- B2"), tt.retry)
			s := New(g)

			fetch(s)
			fetch(s)
			got := fetch(s)

			if got != (Success{EnglishJoke: "A", Translation: "B2"}) {
				t.Errorf("State() = %#v, want original Success{A, B2}", got)
			}
			if s.HistorySize() != 1 {
				t.Errorf("HistorySize() = %v, want 1", s.HistorySize())
			}
		})
	}
}

func TestClearHistoryAcceptsSeenJoke(t *testing.T) {
	g := script(okReply("A --- B"), okReply("A --- B"))
	s := New(g)

	fetch(s)
	s.ClearHistory()
	if s.HistorySize() != 0 {
		t.Fatalf("HistorySize() = %v, want 0", s.HistorySize())
	}

	if got := fetch(s); got != (Success{EnglishJoke: "A", Translation: "B"}) {
		t.Errorf("State() = %#v, want Success{A, B}", got)
	}
	if g.calls() != 2 {
		t.Errorf("generator calls = %v, want 2 (no retry)", g.calls())
	}
}

func TestHistoryResetsOnOverflow(t *testing.T) {
	var replies []reply
	for i := 0; i < 51; i++ {
		replies = append(replies, okReply(fmt.Sprintf("joke %d", i)))
	}
	s := New(script(replies...))

	for i := 0; i < 50; i++ {
		fetch(s)
	}
	if s.HistorySize() != 50 {
		t.Fatalf("HistorySize() = %v, want 50", s.HistorySize())
	}

	fetch(s)
	if s.HistorySize() != 0 {
		t.Errorf("HistorySize() = %v, want 0 after crossing the bound", s.HistorySize())
	}
}

func TestWithMaxHistory(t *testing.T) {
	s := New(script(okReply("a"), okReply("b"), okReply("c")), WithMaxHistory(2))

	fetch(s)
	fetch(s)
	fetch(s)
	if s.HistorySize() != 0 {
		t.Errorf("HistorySize() = %v, want 0", s.HistorySize())
	}
}

type gateKey struct{}

func gatedSession(t *testing.T, fencing bool) (*Session, map[int]chan reply, chan Report) {
	t.Helper()

	gates := map[int]chan reply{1: make(chan reply), 2: make(chan reply)}
	gen := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		r := <-gates[ctx.Value(gateKey{}).(int)]
		return r.text, r.err
	})
	reports := make(chan Report, 2)
	s := New(gen, WithFencing(fencing), WithReporter(func(r Report) { reports <- r }))
	return s, gates, reports
}

func TestLastCompletedFetchWins(t *testing.T) {
	s, gates, reports := gatedSession(t, false)
	ctx := context.Background()

	s.RequestNewJoke(context.WithValue(ctx, gateKey{}, 1))
	s.RequestNewJoke(context.WithValue(ctx, gateKey{}, 2))

	gates[2] <- okReply("second --- 2")
	<-reports
	gates[1] <- okReply("first --- 1")
	first := <-reports
	s.Wait()

	if first.Stale {
		t.Error("Stale = true without fencing")
	}
	if got := s.State(); got != (Success{EnglishJoke: "first", Translation: "1"}) {
		t.Errorf("State() = %#v, want the last completed fetch", got)
	}
}

func TestFencingDropsStaleResult(t *testing.T) {
	s, gates, reports := gatedSession(t, true)
	ctx := context.Background()

	s.MarkUnfunny()
	s.RequestNewJoke(context.WithValue(ctx, gateKey{}, 1))
	s.RequestNewJoke(context.WithValue(ctx, gateKey{}, 2))

	gates[2] <- okReply("second --- 2")
	second := <-reports
	gates[1] <- okReply("first --- 1")
	first := <-reports
	s.Wait()

	if second.Stale {
		t.Error("latest request reported stale")
	}
	if !first.Stale {
		t.Error("older request should be reported stale")
	}
	if got := s.State(); got != (Success{EnglishJoke: "second", Translation: "2" + PunishmentSuffix}) {
		t.Errorf("State() = %#v, want the latest request's result", got)
	}
	if s.HistorySize() != 2 {
		t.Errorf("HistorySize() = %v, want 2: stale results are still recorded", s.HistorySize())
	}
}

func TestReporter(t *testing.T) {
	var reports []Report
	g := script(okReply("A --- B"), okReply("A --- B"), okReply("C --- D"))
	s := New(g, WithID("s1"), WithReporter(func(r Report) { reports = append(reports, r) }))

	fetch(s)
	s.MarkUnfunny()
	fetch(s)

	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}

	r := reports[1]
	if r.SessionID != "s1" {
		t.Errorf("SessionID = %v, want s1", r.SessionID)
	}
	if r.RequestID != 2 {
		t.Errorf("RequestID = %v, want 2", r.RequestID)
	}
	if !r.Duplicate || !r.Retried || r.HistoryReset {
		t.Errorf("Report = %+v, want duplicate retried without reset", r)
	}
	if !r.Punished {
		t.Error("Punished = false, want true")
	}
	if _, isSuccess := r.State.(Success); !isSuccess {
		t.Errorf("State = %#v, want Success", r.State)
	}
}

func TestSubscribeCancel(t *testing.T) {
	s := New(script(okReply("A"), okReply("B")))

	var count int
	cancel := s.Subscribe(func(State) { count++ })

	fetch(s)
	cancel()
	fetch(s)

	if count != 2 {
		t.Errorf("listener called %d times, want 2", count)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		input           string
		wantEnglish     string
		wantTranslation string
		wantOK          bool
	}{
		{"A --- B", "A", "B", true},
		{"A", "A", "", true},
		{"A---", "A", "", true},
		{"", "", "", false},
		{" --- B", "", "B", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			english, translation, ok := Parse(tt.input)
			if english != tt.wantEnglish || translation != tt.wantTranslation || ok != tt.wantOK {
				t.Errorf("Parse(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.input, english, translation, ok, tt.wantEnglish, tt.wantTranslation, tt.wantOK)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Initial{}, "initial"},
		{Loading{}, "loading"},
		{Success{}, "success"},
		{Error{}, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := KindOf(tt.state); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}
