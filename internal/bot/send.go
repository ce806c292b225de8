package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"joke-bot/pkg/logger"

	"github.com/sethvargo/go-retry"
	"gopkg.in/telebot.v4"
)

const maxSendRetries = 3

type messenger interface {
	send(chatID int64, text string, controls bool) error
	typing(chatID int64)
}

type telebotMessenger struct {
	bot       *telebot.Bot
	menu      *telebot.ReplyMarkup
	parseMode telebot.ParseMode
}

func (m *telebotMessenger) send(chatID int64, text string, controls bool) error {
	opts := &telebot.SendOptions{ParseMode: m.parseMode}
	if controls {
		opts.ReplyMarkup = m.menu
	}
	_, err := m.bot.Send(&telebot.Chat{ID: chatID}, text, opts)
	return err
}

func (m *telebotMessenger) typing(chatID int64) {
	if err := m.bot.Notify(&telebot.Chat{ID: chatID}, telebot.Typing); err != nil {
		logger.Debug("Failed to send typing action", logger.Int64("chat_id", chatID), logger.Err(err))
	}
}

// floodWait reports whether err is a Telegram 429 and how many seconds
// Telegram asked to wait before the next request.
func floodWait(err error) (int, bool) {
	var flood telebot.FloodError
	if errors.As(err, &flood) {
		return flood.RetryAfter, true
	}

	var tgErr *telebot.Error
	if errors.As(err, &tgErr) && tgErr.Code == http.StatusTooManyRequests {
		return parseRetryAfter(tgErr.Error()), true
	}

	return 0, false
}

func parseRetryAfter(msg string) int {
	_, rest, found := strings.Cut(msg, "retry after ")
	if !found {
		return 0
	}
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return n
}

func (b *Bot) sendMessageWithRetry(ctx context.Context, chatID int64, text string, controls bool) error {
	if b.msgr == nil {
		return fmt.Errorf("bot is not started")
	}

	var (
		attempt   int
		minWait   time.Duration
		flooded   error
		exponents = retry.WithMaxRetries(maxSendRetries-1, retry.NewExponential(b.retryBase))
	)

	// Telegram's retry_after is a lower bound on the next delay.
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := exponents.Next()
		if stop {
			return 0, true
		}
		if next < minWait {
			next = minWait
		}
		return next, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := b.msgr.send(chatID, text, controls)
		if err == nil {
			return nil
		}
		if retryAfter, ok := floodWait(err); ok {
			flooded = err
			minWait = time.Duration(retryAfter) * b.retryAfterUnit
			logger.Warn("Rate limited, retrying...",
				logger.Int("retry", attempt),
				logger.Int("max_retries", maxSendRetries),
				logger.Int("retry_after", retryAfter),
			)
			return retry.RetryableError(err)
		}
		return fmt.Errorf("failed to send message: %w", err)
	})
	if err != nil && flooded != nil && errors.Is(err, flooded) {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return err
}
