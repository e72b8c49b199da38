// Package models - directory_user.go defines DirectoryUser, the local cached copy of one
// principal from the remote identity provider directory.
package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DirectoryUser is a cached directory principal.
//
// ExternalID is the remote directory's stable identifier; it is nil for records that
// were created locally and never matched upstream. Username is the correlation
// fallback. Both are unique when non-nil.
type DirectoryUser struct {
	ID         string     `db:"id"`
	ExternalID *string    `db:"external_id"`
	Username   *string    `db:"username"`
	FirstName  string     `db:"first_name"`
	LastName   string     `db:"last_name"`
	Email      string     `db:"email"`
	IsActive   bool       `db:"is_active"`
	LastLogin  *time.Time `db:"last_login"`
	Attributes Attributes `db:"attributes"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

// Attributes is the free-form key/value map carried from the remote directory, stored as JSONB.
type Attributes map[string]interface{}

// Value implements driver.Valuer
func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner
func (a *Attributes) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*a = Attributes{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("attributes: unsupported scan type %T", src)
	}

	out := Attributes{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("attributes: %w", err)
		}
	}
	*a = out
	return nil
}

// Equal compares two attribute maps by their canonical JSON encoding, so values that
// round-tripped through JSONB compare equal to freshly decoded remote values.
// A nil map equals an empty map.
func (a Attributes) Equal(b Attributes) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// Clone returns a shallow copy of the user.
func (u *DirectoryUser) Clone() *DirectoryUser {
	c := *u
	return &c
}
