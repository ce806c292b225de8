package bot

import (
	"context"
	"errors"
	"fmt"

	"joke-bot/internal/database"
	"joke-bot/internal/models"
	"joke-bot/internal/queue"
	"joke-bot/internal/session"
	"joke-bot/pkg/logger"
)

// reporter converts finished fetches of a chat's session into joke events.
func (b *Bot) reporter(chatID int64) func(session.Report) {
	return func(rep session.Report) {
		event := eventFromReport(chatID, rep)
		if event == nil {
			return
		}
		b.recordEvent(event)
	}
}

// eventFromReport returns nil for results the chat never saw.
func eventFromReport(chatID int64, rep session.Report) *queue.JokeEvent {
	if rep.Stale {
		return nil
	}

	event := &queue.JokeEvent{
		ChatID:    chatID,
		SessionID: rep.SessionID,
		RequestID: rep.RequestID,
	}

	switch st := rep.State.(type) {
	case session.Success:
		event.Kind = models.EventDelivered
		event.English = st.EnglishJoke
		event.Translation = st.Translation
		event.Hash = models.ContentHash(st.EnglishJoke)
		event.Punished = rep.Punished
		event.Retried = rep.Retried
	case session.Error:
		event.Kind = models.EventFailed
		event.Message = st.Message
	default:
		return nil
	}

	return event
}

func (b *Bot) recordEvent(event *queue.JokeEvent) {
	if b.q != nil {
		if err := b.q.PublishJokeEvent(b.ctx, event); err != nil {
			logger.Error("Failed to publish joke event",
				logger.String("kind", string(event.Kind)),
				logger.Err(err),
			)
		}
		return
	}

	if b.jokeDB == nil || b.userDB == nil {
		return
	}
	if err := PersistEvent(b.ctx, b.jokeDB, b.userDB, event); err != nil {
		logger.Error("Failed to persist joke event",
			logger.String("kind", string(event.Kind)),
			logger.Err(err),
		)
	}
}

// PersistEvent writes a joke event to storage. Events repeated by queue
// redelivery are accepted without error.
func PersistEvent(ctx context.Context, jokes JokeStore, users UserStore, event *queue.JokeEvent) error {
	switch event.Kind {
	case models.EventDelivered:
		hash := event.Hash
		if hash == "" {
			hash = models.ContentHash(event.English)
		}
		err := jokes.Create(ctx, &models.DeliveredJoke{
			ChatID:      event.ChatID,
			SessionID:   event.SessionID,
			RequestID:   event.RequestID,
			English:     event.English,
			Translation: event.Translation,
			Hash:        hash,
			Punished:    event.Punished,
			Retried:     event.Retried,
		})
		if errors.Is(err, database.ErrJokeAlreadyStored) {
			logger.Debug("Joke already stored",
				logger.String("session_id", event.SessionID),
				logger.Uint64("request_id", event.RequestID),
			)
			return nil
		}
		return err
	case models.EventFailed:
		err := jokes.RecordFailure(ctx, &models.GenerationFailure{
			ChatID:    event.ChatID,
			SessionID: event.SessionID,
			RequestID: event.RequestID,
			Message:   event.Message,
		})
		if errors.Is(err, database.ErrFailureAlreadyStored) {
			logger.Debug("Failure already stored",
				logger.String("session_id", event.SessionID),
				logger.Uint64("request_id", event.RequestID),
			)
			return nil
		}
		return err
	case models.EventUnfunny:
		if event.UserID == 0 {
			return nil
		}
		err := users.IncrementUnfunny(ctx, event.UserID)
		if errors.Is(err, database.ErrUserNotFound) {
			logger.Warn("Unfunny vote from unknown user", logger.Int64("user_id", event.UserID))
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown joke event kind %q", event.Kind)
	}
}
