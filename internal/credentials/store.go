package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
)

// Store loads encrypted credential rows and decrypts them.
type Store struct {
	db  *sql.DB
	key []byte
}

// OpenStore opens a Postgres-backed store using the pgx stdlib driver.
func OpenStore(dsn string, key []byte) (*Store, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", apperrors.ErrInvalidKeyLength, len(key))
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, key: key}, nil
}

// NewStoreWithDB wraps an existing handle, used by tests.
func NewStoreWithDB(db *sql.DB, key []byte) *Store {
	return &Store{db: db, key: key}
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get loads and decrypts the credentials for an api key id.
func (s *Store) Get(ctx context.Context, apiKeyID string) (*core.Credentials, error) {
	var (
		apiKeyEnc     []byte
		apiSecretEnc  []byte
		passphraseEnc []byte
	)

	row := s.db.QueryRowContext(ctx,
		`SELECT encrypted_api_key, encrypted_api_secret, encrypted_passphrase
		 FROM api_keys WHERE id = $1`, apiKeyID)
	if err := row.Scan(&apiKeyEnc, &apiSecretEnc, &passphraseEnc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrCredentialNotFound, apiKeyID)
		}
		return nil, fmt.Errorf("failed to load api key %s: %w", apiKeyID, err)
	}

	return DecryptCredentials(s.key, apiKeyEnc, apiSecretEnc, passphraseEnc)
}
