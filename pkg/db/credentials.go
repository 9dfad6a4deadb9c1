package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrCredentialRevoked is returned for credentials explicitly revoked by the user.
var ErrCredentialRevoked = errors.New("broker credential revoked")

// Credential is an encrypted broker credential blob.
type Credential struct {
	UserID     string
	Broker     string
	Payload    string // ciphertext
	KeyVersion int
}

// SaveCredential stores or replaces a credential and clears any revocation.
func (d *Database) SaveCredential(ctx context.Context, c Credential) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO broker_credentials (user_id, broker, payload, key_version, revoked, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(user_id, broker) DO UPDATE SET
			payload = excluded.payload,
			key_version = excluded.key_version,
			revoked = 0,
			updated_at = excluded.updated_at
	`, c.UserID, c.Broker, c.Payload, c.KeyVersion, millis(d.now()))
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// LoadCredential returns the active credential for (user, broker).
func (d *Database) LoadCredential(ctx context.Context, userID, broker string) (Credential, error) {
	if userID == "" {
		return Credential{}, ErrUserIDRequired
	}
	var (
		c       = Credential{UserID: userID, Broker: broker}
		revoked bool
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT payload, key_version, revoked FROM broker_credentials
		WHERE user_id = ? AND broker = ?
	`, userID, broker).Scan(&c.Payload, &c.KeyVersion, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("load credential: %w", err)
	}
	if revoked {
		return Credential{}, ErrCredentialRevoked
	}
	return c, nil
}

// RevokeCredential marks a credential revoked. Revoking a missing credential
// returns ErrNotFound.
func (d *Database) RevokeCredential(ctx context.Context, userID, broker string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE broker_credentials SET revoked = 1, updated_at = ?
		WHERE user_id = ? AND broker = ?
	`, millis(d.now()), userID, broker)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
