package session

// State is what a presentation layer renders. The set of implementations is
// closed: Initial, Loading, Success and Error.
type State interface {
	isState()
}

// Initial is the state before the first fetch.
type Initial struct{}

// Loading means a fetch is in flight.
type Loading struct{}

// Success carries the last joke. Translation may end with PunishmentSuffix.
type Success struct {
	EnglishJoke string
	Translation string
}

// Error carries a human-readable reason the last fetch failed.
type Error struct {
	Message string
}

func (Initial) isState() {}
func (Loading) isState() {}
func (Success) isState() {}
func (Error) isState()   {}

// KindOf names a state for logs and events.
func KindOf(s State) string {
	switch s.(type) {
	case Initial:
		return "initial"
	case Loading:
		return "loading"
	case Success:
		return "success"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}
