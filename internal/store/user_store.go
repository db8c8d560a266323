package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID                    string          `db:"id"`
	Email                 string          `db:"email"`
	GoogleID              *string         `db:"google_id"`
	Name                  string          `db:"name"`
	AvatarURL             *string         `db:"avatar_url"`
	Status                string          `db:"status"`
	TotalCreditsPurchased decimal.Decimal `db:"total_credits_purchased"`
	TotalCreditsUsed      decimal.Decimal `db:"total_credits_used"`
	APIKeyDigest          *string         `db:"api_key_digest"`
	APIKeyCreatedAt       *time.Time      `db:"api_key_created_at"`
	LastLogin             *time.Time      `db:"last_login"`
	CreatedAt             time.Time       `db:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at"`
}

type UserStore struct {
	db DB
}

func NewUserStore(db DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Create(ctx context.Context, tx Execer, id, email, googleID, name, avatarURL string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, email, google_id, name, avatar_url, last_login)
		VALUES ($1, $2, $3, $4, $5, now())
	`, id, email, googleID, name, avatarURL)
	return err
}

func (s *UserStore) GetByID(ctx context.Context, q Getter, userID string) (User, error) {
	var user User
	err := q.GetContext(ctx, &user, `SELECT * FROM users WHERE id = $1`, userID)
	return user, err
}

func (s *UserStore) GetByGoogleID(ctx context.Context, googleID string) (User, error) {
	var user User
	err := s.db.GetContext(ctx, &user, `SELECT * FROM users WHERE google_id = $1`, googleID)
	return user, err
}

func (s *UserStore) GetByAPIKeyDigest(ctx context.Context, digest string) (User, error) {
	var user User
	err := s.db.GetContext(ctx, &user, `
		SELECT * FROM users WHERE api_key_digest = $1 AND status = 'active'
	`, digest)
	return user, err
}

func (s *UserStore) SetAPIKey(ctx context.Context, tx Execer, userID, digest string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE users SET api_key_digest = $2, api_key_created_at = now(), updated_at = now()
		WHERE id = $1
	`, userID, digest)
	return err
}

func (s *UserStore) TouchLastLogin(ctx context.Context, tx Execer, userID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE users SET last_login = now() WHERE id = $1`, userID)
	return err
}

// AddLifetimeUsed and AddLifetimePurchased maintain the account's cached
// counters; callers run them in the same transaction as the ledger insert.
func (s *UserStore) AddLifetimeUsed(ctx context.Context, tx Execer, userID string, amount decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE users SET total_credits_used = total_credits_used + $2, updated_at = now()
		WHERE id = $1
	`, userID, amount)
	return err
}

func (s *UserStore) AddLifetimePurchased(ctx context.Context, tx Execer, userID string, amount decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE users SET total_credits_purchased = total_credits_purchased + $2, updated_at = now()
		WHERE id = $1
	`, userID, amount)
	return err
}
