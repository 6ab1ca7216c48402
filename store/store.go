// Package store persists nickname enforcement state.
//
// The only persisted entity is TrackedUser: one row per Discord user whose
// display name is being enforced. A record existing for an id is what
// "tracked" means; there is no soft-delete or paused state. The package has no
// business logic: the nickname engine owns every write.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxNicknameLength is the platform's display name limit, in runes.
const MaxNicknameLength = 32

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict is returned by Insert when a record already exists for the id.
	ErrConflict = errors.New("store: record already exists")
	// ErrInvalidRecord is returned for records that must never be persisted,
	// such as a missing enforced nickname.
	ErrInvalidRecord = errors.New("store: invalid record")
)

// Record is the shape a Store persists.
type Record interface {
	Key() string
	Validate() error
}

// Store is the CRUD contract over persisted records. Operations are
// independent; no multi-record transactions are offered.
type Store[T Record] interface {
	Exists(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (T, error)
	Insert(ctx context.Context, rec T) error
	Remove(ctx context.Context, id string) (T, error)
	List(ctx context.Context) ([]T, error)
}

// TrackedUser is a user whose nickname is enforced.
type TrackedUser struct {
	ID string `json:"id"`
	// ObservedNickname is the nickname the user had before enforcement
	// started. Empty means the user had none.
	ObservedNickname string    `json:"observed_nickname,omitempty"`
	EnforcedNickname string    `json:"enforced_nickname"`
	CreatedAt        time.Time `json:"created_at"`
}

// Key returns the record id.
func (u TrackedUser) Key() string { return u.ID }

// Validate checks the record invariants: a canonical snowflake id and a
// non-empty enforced nickname within the platform limit.
func (u TrackedUser) Validate() error {
	if _, err := ParseID(u.ID); err != nil {
		return err
	}
	if err := ValidateNickname(u.EnforcedNickname); err != nil {
		return fmt.Errorf("user %s: %w", u.ID, err)
	}
	return nil
}

// ValidateNickname reports whether name can be enforced: not blank and
// within MaxNicknameLength.
func ValidateNickname(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: enforced nickname is empty", ErrInvalidRecord)
	}
	if n := utf8.RuneCountInString(name); n > MaxNicknameLength {
		return fmt.Errorf("%w: enforced nickname is %d characters, limit %d", ErrInvalidRecord, n, MaxNicknameLength)
	}
	return nil
}

// CanonicalID renders a snowflake the way it is stored.
func CanonicalID(id uint64) string { return strconv.FormatUint(id, 10) }

// ParseID validates that id is the canonical text of a 64-bit unsigned
// snowflake and returns its numeric value.
func ParseID(id string) (uint64, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || CanonicalID(n) != id {
		return 0, fmt.Errorf("%w: %q is not a user id", ErrInvalidRecord, id)
	}
	return n, nil
}
