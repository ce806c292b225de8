package dedup

// DefaultMaxHistorySize bounds how many jokes a Guard remembers before it resets.
const DefaultMaxHistorySize = 50

// Guard remembers previously delivered jokes by exact text.
// When the history grows past its bound the whole history is dropped
// rather than evicting the oldest entry.
//
// Guard is not safe for concurrent use.
type Guard struct {
	max  int
	seen map[string]struct{}
}

func New(size int) *Guard {
	if size <= 0 {
		size = DefaultMaxHistorySize
	}

	return &Guard{
		max:  size,
		seen: make(map[string]struct{}, size+1),
	}
}

// IsDuplicate is case and whitespace sensitive.
func (g *Guard) IsDuplicate(joke string) bool {
	_, ok := g.seen[joke]
	return ok
}

// Record adds joke to the history and reports whether the history was reset
// because it exceeded its bound.
func (g *Guard) Record(joke string) bool {
	g.seen[joke] = struct{}{}
	if len(g.seen) > g.max {
		g.Clear()
		return true
	}
	return false
}

func (g *Guard) Clear() {
	g.seen = make(map[string]struct{}, g.max+1)
}

func (g *Guard) Len() int {
	return len(g.seen)
}

func (g *Guard) Max() int {
	return g.max
}
