// Package prompt builds the text instructions sent to the content generator.
//
// Every prompt carries enough unique tokens (request id, seeds, timestamps,
// theme names) that two calls almost never produce the same bytes, which keeps
// provider-side response caches from handing back the previous joke.
package prompt

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// Delimiter separates the English joke from its translation in generated text.
const Delimiter = "---"

const DefaultTargetLanguage = "Traditional Chinese (繁體中文)"

// Themes is the fixed vocabulary prompts draw their topics from.
var Themes = []string{
	"animals", "food", "work", "school", "technology", "relationships",
	"travel", "sports", "music", "movies", "books", "science", "history",
	"politics", "weather", "shopping", "cooking", "gardening", "fitness",
}

// params are the per-call values a template may reference.
type params struct {
	Theme    string
	ThemeAlt string
	Lang     string
	Nonce    int64
	Seed     int
	Session  int
	Now      int64
}

type phrasing func(p params) string

var templates = []phrasing{
	func(p params) string {
		return fmt.Sprintf("Tell me a short, clean joke about %s in English. Then, on a new line, provide a %s translation separated by '%s'. Make it unique and different from previous jokes. Request ID: %d, Seed: %d, Session: %d, Theme: %s",
			p.Theme, p.Lang, Delimiter, p.Nonce, p.Seed, p.Session, p.Theme)
	},
	func(p params) string {
		return fmt.Sprintf("Give me a fresh joke about %s in English that I haven't heard before. Then translate it to %s on a new line separated by '%s'. Request ID: %d, Timestamp: %d, Session: %d, Theme: %s",
			p.ThemeAlt, p.Lang, Delimiter, p.Nonce, p.Now, p.Session, p.ThemeAlt)
	},
	func(p params) string {
		return fmt.Sprintf("Create a new, original joke in English about %s. Then provide %s translation below separated by '%s'. This should be completely different from any previous jokes. Request ID: %d, Random: %d, Session: %d, Theme: %s",
			p.Theme, p.Lang, Delimiter, p.Nonce, p.Seed, p.Session, p.Theme)
	},
	func(p params) string {
		return fmt.Sprintf("Share a unique joke in English about %s that's creative and original. Then provide %s below separated by '%s'. Request ID: %d, Variation: %d, Session: %d, Theme: %s",
			p.ThemeAlt, p.Lang, Delimiter, p.Nonce, p.Seed%5, p.Session, p.ThemeAlt)
	},
	func(p params) string {
		return fmt.Sprintf("Come up with a brand new joke in English about %s that's witty and clever. Then provide %s translation separated by '%s'. Request ID: %d, Style: %d, Session: %d, Theme: %s",
			p.Theme, p.Lang, Delimiter, p.Nonce, p.Seed%3, p.Session, p.Theme)
	},
	func(p params) string {
		return fmt.Sprintf("Invent a completely original joke in English about %s that I've never seen anywhere else. Then translate it to %s below separated by '%s'. Request ID: %d, Creativity: %d, Session: %d, Theme: %s",
			p.ThemeAlt, p.Lang, Delimiter, p.Nonce, p.Now, p.Session, p.ThemeAlt)
	},
}

// TemplateCount reports how many phrasings Compose chooses from.
func TemplateCount() int {
	return len(templates)
}

// Composer is safe for concurrent use.
type Composer struct {
	mu   sync.Mutex
	rnd  *rand.Rand
	now  func() time.Time
	lang string
}

type Option func(*Composer)

func WithRand(r *rand.Rand) Option {
	return func(c *Composer) {
		c.rnd = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Composer) {
		c.now = now
	}
}

func WithTargetLanguage(lang string) Option {
	return func(c *Composer) {
		if lang != "" {
			c.lang = lang
		}
	}
}

func NewComposer(opts ...Option) *Composer {
	c := &Composer{
		rnd:  rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:  time.Now,
		lang: DefaultTargetLanguage,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Composer) TargetLanguage() string {
	return c.lang
}

// PickThemes draws two themes independently; they may coincide.
func (c *Composer) PickThemes() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Themes[c.rnd.IntN(len(Themes))], Themes[c.rnd.IntN(len(Themes))]
}

// Nonce returns the current time in milliseconds.
func (c *Composer) Nonce() int64 {
	return c.now().UnixMilli()
}

func (c *Composer) Compose(theme, themeAlt string, nonce int64) string {
	c.mu.Lock()
	p := params{
		Theme:    theme,
		ThemeAlt: themeAlt,
		Lang:     c.lang,
		Nonce:    nonce,
		Seed:     c.rnd.IntN(1001),
		Session:  c.rnd.IntN(1000000),
		Now:      c.now().UnixMilli(),
	}
	tmpl := templates[c.rnd.IntN(len(templates))]
	c.mu.Unlock()

	return tmpl(p)
}

// ComposeRetry asks for a joke that differs from rejected, which was just
// found to be a repeat.
func (c *Composer) ComposeRetry(theme, rejected string) string {
	return fmt.Sprintf("Generate a completely different joke in English about %s. Make it about a different topic or theme. Then provide %s translation separated by '%s'. This must be different from: %s. Request ID: %d, Retry: true, Theme: %s",
		theme, c.lang, Delimiter, rejected, c.now().UnixMilli(), theme)
}
