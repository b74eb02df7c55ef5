package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, phone, role, is_email_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.Phone, user.Role, user.IsEmailVerified)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, phone, role, is_email_verified, created_at, updated_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Phone, &user.Role, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, phone, role, is_email_verified, created_at, updated_at
		FROM users WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Phone, &user.Role, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) InsertProperty(ctx context.Context, item Property) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO properties (id, owner_id, title, address, city, price, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.OwnerID, item.Title, item.Address, item.City, item.Price, item.Status)
	if err != nil {
		return fmt.Errorf("insert property: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProperty(ctx context.Context, propertyID string) (Property, error) {
	var item Property
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, address, city, price, status, assigned_broker_id, created_at, updated_at
		FROM properties WHERE id=$1
	`, propertyID).Scan(&item.ID, &item.OwnerID, &item.Title, &item.Address, &item.City, &item.Price, &item.Status, &item.AssignedBrokerID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Property{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListOwnerProperties(ctx context.Context, ownerID string) ([]Property, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, address, city, price, status, assigned_broker_id, created_at, updated_at
		FROM properties
		WHERE owner_id=$1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list owner properties: %w", err)
	}
	defer rows.Close()

	items := make([]Property, 0)
	for rows.Next() {
		var item Property
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.Title, &item.Address, &item.City, &item.Price, &item.Status, &item.AssignedBrokerID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate properties: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.name, u.email, u.password_hash, u.phone, u.role, u.is_email_verified, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Phone, &user.Role, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO NOTHING
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("get password reset: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
