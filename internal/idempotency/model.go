// Package idempotency stores the responses of completed POST requests so a client
// on a flaky classroom network can resend a request without creating a duplicate.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned when attempting to create a duplicate key.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned when the key is empty or contains non-printable characters.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds maximum length.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

const (
	// MaxKeyLength is the maximum allowed length for an idempotency key.
	MaxKeyLength = 64

	// DefaultExpiry is how long a completed response is replayable.
	DefaultExpiry = 24 * time.Hour
)

// Record is a completed request and the response it produced.
type Record struct {
	Key         string    `json:"key"`
	Method      string    `json:"method"`
	Route       string    `json:"route"`
	RequestHash string    `json:"requestHash"`
	StatusCode  int       `json:"statusCode"`
	ContentType string    `json:"contentType"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ValidateKey checks if an idempotency key is valid.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return ErrInvalidKey
		}
	}
	return nil
}

// Hash returns the hex SHA-256 of b. It fingerprints request bodies so a key
// reused with a different payload can be told apart from a retry.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Repository defines methods for idempotency record persistence.
type Repository interface {
	// Get retrieves a record by key. Returns ErrKeyNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) (*Record, error)

	// Store saves a new record. Returns ErrKeyExists if the key already exists.
	Store(ctx context.Context, record *Record) error

	// DeleteOlderThan removes records older than age and reports how many were removed.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}
