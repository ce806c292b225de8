package database

import (
	"context"
	"errors"
	"fmt"

	"joke-bot/internal/config"
	"joke-bot/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrJokeAlreadyStored    = errors.New("joke already stored for this request")
	ErrFailureAlreadyStored = errors.New("failure already stored for this request")
	ErrUserNotFound         = errors.New("user not found")
)

type ConnectionError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to database at %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

type DB struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, &ConnectionError{
			Host: cfg.Host,
			Port: cfg.Port,
			Err:  err,
		}
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &ConnectionError{
			Host: cfg.Host,
			Port: cfg.Port,
			Err:  err,
		}
	}

	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

type JokeRepository struct {
	db *DB
}

func NewJokeRepository(db *DB) *JokeRepository {
	return &JokeRepository{db: db}
}

// Create stores a delivered joke. A row already stored for the same session
// request yields ErrJokeAlreadyStored.
func (r *JokeRepository) Create(ctx context.Context, joke *models.DeliveredJoke) error {
	query := `
		INSERT INTO delivered_jokes (chat_id, session_id, request_id, english, translation, hash, punished, retried)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, request_id) DO NOTHING
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		joke.ChatID, joke.SessionID, int64(joke.RequestID), joke.English, joke.Translation,
		joke.Hash, joke.Punished, joke.Retried,
	).Scan(&joke.ID, &joke.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJokeAlreadyStored
	}
	return err
}

// RecordFailure stores a failed fetch. A row already stored for the same
// session request yields ErrFailureAlreadyStored.
func (r *JokeRepository) RecordFailure(ctx context.Context, failure *models.GenerationFailure) error {
	query := `
		INSERT INTO generation_failures (chat_id, session_id, request_id, message)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, request_id) DO NOTHING
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		failure.ChatID, failure.SessionID, int64(failure.RequestID), failure.Message,
	).Scan(&failure.ID, &failure.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrFailureAlreadyStored
	}
	return err
}

func (r *JokeRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM delivered_jokes").Scan(&count)
	return count, err
}

func (r *JokeRepository) CountByChat(ctx context.Context, chatID int64) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM delivered_jokes WHERE chat_id = $1", chatID).Scan(&count)
	return count, err
}

// Stats fills the joke related counters of models.Stats.
func (r *JokeRepository) Stats(ctx context.Context) (models.Stats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM delivered_jokes),
			(SELECT COUNT(*) FROM delivered_jokes WHERE punished),
			(SELECT COUNT(*) FROM delivered_jokes WHERE retried),
			(SELECT COUNT(*) FROM generation_failures)
	`
	var s models.Stats
	err := r.db.Pool.QueryRow(ctx, query).Scan(&s.Delivered, &s.Punished, &s.Retried, &s.Failures)
	return s, err
}

type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Upsert(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (telegram_id, username, first_name, last_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (telegram_id) DO UPDATE SET
			username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			last_interaction = CURRENT_TIMESTAMP
		RETURNING id, unfunny_count, created_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		user.TelegramID, user.Username, user.FirstName, user.LastName,
	).Scan(&user.ID, &user.UnfunnyCount, &user.CreatedAt)
}

func (r *UserRepository) IncrementUnfunny(ctx context.Context, telegramID int64) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE users
		SET unfunny_count = unfunny_count + 1, last_interaction = CURRENT_TIMESTAMP
		WHERE telegram_id = $1
	`, telegramID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
	return count, err
}

func (r *UserRepository) TotalUnfunny(ctx context.Context) (int, error) {
	var total int
	err := r.db.Pool.QueryRow(ctx, "SELECT COALESCE(SUM(unfunny_count), 0) FROM users").Scan(&total)
	return total, err
}
