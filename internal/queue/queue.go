package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"joke-bot/internal/config"
	"joke-bot/internal/models"
	"joke-bot/pkg/logger"

	"github.com/nats-io/nats.go"
)

const (
	JokeEventSubject = "jokes.events"
	TelegramSubject  = "telegram.send"
	ConsumerGroup    = "joke-bot"

	fetchBatch   = 10
	fetchMaxWait = 500 * time.Millisecond
)

type NATS struct {
	conn      *nats.Conn
	jetstream nats.JetStreamContext
	cfg       config.NATSConfig
}

func New(cfg config.NATSConfig) (*NATS, error) {
	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get JetStream: %w", err)
	}

	n := &NATS{
		conn:      conn,
		jetstream: js,
		cfg:       cfg,
	}

	if err := n.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}

	return n, nil
}

func (n *NATS) ensureStream() error {
	_, err := n.jetstream.StreamInfo(n.cfg.StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", n.cfg.StreamName, err)
	}

	_, err = n.jetstream.AddStream(&nats.StreamConfig{
		Name:     n.cfg.StreamName,
		Subjects: []string{JokeEventSubject, TelegramSubject},
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", n.cfg.StreamName, err)
	}

	logger.Info("Created JetStream stream", logger.String("stream", n.cfg.StreamName))
	return nil
}

func (n *NATS) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

// JokeEvent records something that happened in a chat's joke session.
type JokeEvent struct {
	Kind        models.JokeEventKind `json:"kind"`
	ChatID      int64                `json:"chat_id"`
	UserID      int64                `json:"user_id,omitempty"`
	SessionID   string               `json:"session_id"`
	RequestID   uint64               `json:"request_id,omitempty"`
	English     string               `json:"english,omitempty"`
	Translation string               `json:"translation,omitempty"`
	Hash        string               `json:"hash,omitempty"`
	Message     string               `json:"message,omitempty"`
	Punished    bool                 `json:"punished,omitempty"`
	Retried     bool                 `json:"retried,omitempty"`
}

func (n *NATS) PublishJokeEvent(ctx context.Context, event *JokeEvent) error {
	if err := n.publish(ctx, JokeEventSubject, event); err != nil {
		return fmt.Errorf("failed to publish joke event: %w", err)
	}

	logger.Debug("Joke event published to queue",
		logger.String("kind", string(event.Kind)),
		logger.String("session_id", event.SessionID),
	)

	return nil
}

type TelegramMessage struct {
	ChatID   int64  `json:"chat_id"`
	Text     string `json:"text"`
	Controls bool   `json:"controls,omitempty"`
}

func (n *NATS) PublishTelegramMessage(ctx context.Context, msg *TelegramMessage) error {
	if err := n.publish(ctx, TelegramSubject, msg); err != nil {
		return fmt.Errorf("failed to publish telegram message: %w", err)
	}

	logger.Debug("Telegram message published to queue",
		logger.Int64("chat_id", msg.ChatID),
	)

	return nil
}

func (n *NATS) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = n.jetstream.Publish(subject, data, nats.Context(ctx))
	return err
}

func (n *NATS) ConsumeJokeEvents(ctx context.Context, handler func(*JokeEvent) error) error {
	return consume(ctx, n, JokeEventSubject, ConsumerGroup+"-events", handler)
}

func (n *NATS) ConsumeTelegramMessages(ctx context.Context, handler func(*TelegramMessage) error) error {
	return consume(ctx, n, TelegramSubject, ConsumerGroup+"-telegram", handler)
}

func consume[T any](ctx context.Context, n *NATS, subject, durable string, handler func(*T) error) error {
	sub, err := n.jetstream.PullSubscribe(
		subject,
		durable,
		nats.BindStream(n.cfg.StreamName),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchMaxWait))
			if err != nil {
				if errors.Is(err, nats.ErrTimeout) {
					continue
				}
				return fmt.Errorf("failed to fetch messages: %w", err)
			}

			for _, msg := range msgs {
				handleMessage(msg, subject, handler)
			}
		}
	}
}

func handleMessage[T any](msg *nats.Msg, subject string, handler func(*T) error) {
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		logger.Error("Failed to unmarshal message",
			logger.String("subject", subject),
			logger.Err(err),
		)
		// Redelivery cannot fix a malformed payload.
		msg.Term()
		return
	}

	if err := handler(&v); err != nil {
		logger.Error("Failed to process message",
			logger.String("subject", subject),
			logger.Err(err),
		)
		msg.Nak()
		return
	}

	msg.Ack()
}
