// Package idempotency replays the stored response of a write request when a
// client retries it with the same Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"time"
)

const (
	// DefaultMaxKeyLength bounds the Idempotency-Key header
	DefaultMaxKeyLength = 255

	// DefaultLockTimeout is how long an unfinished request holds its key
	DefaultLockTimeout = time.Minute

	// DefaultRetention is how long completed responses are replayed
	DefaultRetention = 24 * time.Hour

	// DefaultMaxResponseSize is the largest response body that is stored
	DefaultMaxResponseSize = 1 << 20
)

var (
	ErrKeyInvalid = errors.New("idempotency key may only contain letters, digits, '-' and '_'")
	ErrKeyTooLong = errors.New("idempotency key is too long")
	ErrNotFound   = errors.New("idempotency record not found")
)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Record is one Idempotency-Key and, once the request finished, the
// response it produced
type Record struct {
	ID          string     `bson:"_id"`
	Key         string     `bson:"key"`
	Scope       string     `bson:"scope,omitempty"`
	Method      string     `bson:"method"`
	Path        string     `bson:"path"`
	Fingerprint string     `bson:"fingerprint"`
	LockedAt    *time.Time `bson:"locked_at,omitempty"`
	StatusCode  int        `bson:"status_code,omitempty"`
	Body        []byte     `bson:"body,omitempty"`
	ContentType string     `bson:"content_type,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty"`
	ExpiresAt   time.Time  `bson:"expires_at"`
}

// RecordID scopes key to the caller that sent it
func RecordID(scope, key string) string {
	return scope + "|" + key
}

// IsCompleted reports whether a response is stored
func (r *Record) IsCompleted() bool {
	return r.CompletedAt != nil
}

// IsLocked reports whether a request holding the key after staleBefore is
// still running
func (r *Record) IsLocked(staleBefore time.Time) bool {
	return r.CompletedAt == nil && r.LockedAt != nil && r.LockedAt.After(staleBefore)
}

func (r *Record) clone() *Record {
	c := *r
	if r.LockedAt != nil {
		t := *r.LockedAt
		c.LockedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

// Store persists records. Implementations must make Acquire atomic per id.
type Store interface {
	// Acquire claims rec.ID. It returns the stored record and true when the
	// caller now owns the key: the id was new, or its previous holder
	// neither finished nor renewed the lock since staleBefore. Otherwise it
	// returns the existing record and false.
	Acquire(ctx context.Context, rec *Record, staleBefore time.Time) (*Record, bool, error)
	// Complete stores the response and releases the lock
	Complete(ctx context.Context, id string, status int, body []byte, contentType string) error
	// Release drops the lock without storing a response so a retry runs again
	Release(ctx context.Context, id string) error
	// Purge deletes records that expired before the given time
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// NormalizeKey trims surrounding whitespace
func NormalizeKey(key string) string {
	return strings.TrimSpace(key)
}

// ValidateKey checks the character set and length of a non-empty key
func ValidateKey(key string, maxLength int) error {
	if maxLength <= 0 {
		maxLength = DefaultMaxKeyLength
	}
	if len(key) > maxLength {
		return ErrKeyTooLong
	}
	if !keyPattern.MatchString(key) {
		return ErrKeyInvalid
	}
	return nil
}

// Fingerprint identifies a request by method, path and body, so a key
// reused for a different request is detected
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
