// internal/membership/implementation.go
package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"libraryloans/internal/ratelimit"
)

// service implements the Service interface.
type service struct {
	db      *sqlx.DB
	limiter *ratelimit.Keyed
}

// NewService creates a new membership service instance. Registration and
// login attempts are limited to attemptsPerMinute per email address.
func NewService(db *sqlx.DB, attemptsPerMinute int) Service {
	return &service{
		db:      db,
		limiter: ratelimit.PerMinute(attemptsPerMinute),
	}
}

// RegisterMember creates a new member.
func (s *service) RegisterMember(ctx context.Context, email, name, password string, role Role) (*Member, error) {
	email = normalizeEmail(email)
	if !s.limiter.Allow(email) {
		return nil, ErrRateLimited
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	passwordHash, salt, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now().UTC()
	member := &Member{
		ID:        uuid.New(),
		Email:     email,
		Name:      name,
		Role:      role,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	credential := &Credential{
		MemberID:     member.ID,
		PasswordHash: passwordHash,
		Salt:         salt,
	}

	if err := s.insertMember(ctx, member, credential); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to insert member: %w", err)
	}

	return member, nil
}

func (s *service) insertMember(ctx context.Context, member *Member, credential *Credential) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	memberQuery := `
		INSERT INTO members (id, email, name, role, status, created_at, updated_at)
		VALUES (:id, :email, :name, :role, :status, :created_at, :updated_at)
	`
	if _, err := tx.NamedExecContext(ctx, memberQuery, member); err != nil {
		return err
	}

	credQuery := `
		INSERT INTO credentials (member_id, password_hash, salt)
		VALUES (:member_id, :password_hash, :salt)
	`
	if _, err := tx.NamedExecContext(ctx, credQuery, credential); err != nil {
		return err
	}

	return tx.Commit()
}

// Authenticate verifies a member's credentials and returns the member if successful.
func (s *service) Authenticate(ctx context.Context, email, password string) (*Member, error) {
	email = normalizeEmail(email)
	if !s.limiter.Allow(email) {
		return nil, ErrRateLimited
	}

	query := `
		SELECT m.id, m.email, m.name, m.role, m.status, m.created_at, m.updated_at,
		       c.password_hash, c.salt
		FROM members m
		JOIN credentials c ON c.member_id = m.id
		WHERE m.email = $1
	`
	var row struct {
		Member
		PasswordHash string `db:"password_hash"`
		Salt         string `db:"salt"`
	}
	if err := s.db.GetContext(ctx, &row, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	ok, err := verifyPassword(password, row.Salt, row.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if !ok || row.Status != "active" {
		return nil, ErrInvalidCredentials
	}

	member := row.Member
	return &member, nil
}

// GetMember retrieves a member by their ID.
func (s *service) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	query := `
		SELECT id, email, name, role, status, created_at, updated_at
		FROM members
		WHERE id = $1
	`
	member := &Member{}
	if err := s.db.GetContext(ctx, member, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("member %s: %w", id, ErrMemberNotFound)
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}

	return member, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
