// Package models defines the chunk lifecycle and the GORM rows backing the
// chain registry and segment audio source.
package models

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// ULID is the primary key of every persisted row. Keys created by one process
// sort in creation order, even within a millisecond.
type ULID ulid.ULID

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a key stamped with the current time.
func NewULID() ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ULID(ulid.MustNew(ulid.Now(), entropy))
}

func (u ULID) String() string { return ulid.ULID(u).String() }

// IsZero reports whether the key is unset.
func (u ULID) IsZero() bool { return u == ULID{} }

// Value stores the key as its 26 character text form; the zero key is NULL.
func (u ULID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return u.String(), nil
}

// Scan reads a key stored by Value.
func (u *ULID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*u = ULID{}
		return nil
	case string:
		return u.UnmarshalText([]byte(v))
	case []byte:
		return u.UnmarshalText(v)
	}
	return fmt.Errorf("cannot scan %T into ULID", src)
}

func (u ULID) MarshalText() ([]byte, error) {
	if u.IsZero() {
		return nil, nil
	}
	return ulid.ULID(u).MarshalText()
}

func (u *ULID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*u = ULID{}
		return nil
	}
	id, err := ulid.ParseStrict(string(b))
	if err != nil {
		return fmt.Errorf("parsing ULID %q: %w", b, err)
	}
	*u = ULID(id)
	return nil
}

func (ULID) GormDataType() string { return "varchar(26)" }

// Row carries the key and timestamps shared by chain and segment rows. Rows
// are hard deleted; segment pruning relies on that.
type Row struct {
	ID        ULID      `gorm:"primaryKey;type:varchar(26)" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns a key to rows inserted without one.
func (r *Row) BeforeCreate(*gorm.DB) error {
	if r.ID.IsZero() {
		r.ID = NewULID()
	}
	return nil
}
