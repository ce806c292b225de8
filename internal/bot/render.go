package bot

import (
	"fmt"
	"html"
	"strings"

	"joke-bot/internal/models"
	"joke-bot/internal/session"
	"joke-bot/pkg/logger"
)

const welcomeText = `<b>Welcome to the joke bot!</b>

Every joke arrives in English with a translation underneath.

/joke - tell me a joke
/notfunny - that one was bad, next one gets punished
/clear - forget which jokes you have already heard
/stats - show statistics
/help - show this message`

const helpText = `<b>Commands</b>

/joke - tell me a joke
/notfunny - flag the last joke and get a new one
/clear - forget the jokes heard in this chat
/stats - show statistics

Use the buttons under a joke for the same actions.`

// renderer turns session state changes into chat output.
func (b *Bot) renderer(chatID int64) func(session.State) {
	return func(st session.State) {
		switch s := st.(type) {
		case session.Initial:
		case session.Loading:
			if b.msgr != nil {
				b.msgr.typing(chatID)
			}
		case session.Success:
			if err := b.queueOrSend(chatID, formatJoke(s), true); err != nil {
				logger.Error("Failed to deliver joke",
					logger.Int64("chat_id", chatID),
					logger.Err(err),
				)
			}
		case session.Error:
			if err := b.queueOrSend(chatID, formatError(s), true); err != nil {
				logger.Error("Failed to deliver error message",
					logger.Int64("chat_id", chatID),
					logger.Err(err),
				)
			}
		}
	}
}

func formatJoke(s session.Success) string {
	translation, punished := strings.CutSuffix(s.Translation, session.PunishmentSuffix)

	var sb strings.Builder
	sb.WriteString(html.EscapeString(s.EnglishJoke))
	if translation != "" {
		sb.WriteString("\n\n<i>")
		sb.WriteString(html.EscapeString(translation))
		sb.WriteString("</i>")
	}
	if punished {
		sb.WriteString("\n\n<b>")
		sb.WriteString(strings.TrimPrefix(session.PunishmentSuffix, "\n\n"))
		sb.WriteString("</b>")
	}
	return sb.String()
}

func formatError(s session.Error) string {
	return "Error: " + html.EscapeString(s.Message)
}

func formatStats(stats models.Stats, chatDelivered, historySize, activeSessions int) string {
	return fmt.Sprintf(`<b>Statistics</b>

Jokes delivered: %d
Punished deliveries: %d
Duplicate retries: %d
Generation failures: %d
Not funny votes: %d
Users: %d

Active chats: %d
Jokes delivered here: %d
Jokes remembered here: %d`,
		stats.Delivered, stats.Punished, stats.Retried, stats.Failures,
		stats.Unfunny, stats.Users, activeSessions, chatDelivered, historySize,
	)
}
