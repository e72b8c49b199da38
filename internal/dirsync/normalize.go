package dirsync

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/db/models"
	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/directory"
)

// Fields that can be reported as data issues
const (
	FieldUsername  = "username"
	FieldLastLogin = "last_login"
	FieldIdentity  = "identity"
)

// DataIssue is a malformed remote field that was dropped instead of failing the run
type DataIssue struct {
	ExternalID string `json:"external_id,omitempty"`
	Username   string `json:"username,omitempty"`
	Field      string `json:"field"`
	Reason     string `json:"reason"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"20060102150405Z0700",
	"20060102150405.999999999Z0700",
}

// parseTimestamp accepts ISO-8601 and LDAP generalized time. Values without a zone are UTC.
// The result is truncated to the microsecond precision Postgres stores.
func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Microsecond), true
		}
	}
	return time.Time{}, false
}

// splitName splits a display name on its first space
func splitName(name string) (first, last string) {
	name = strings.TrimSpace(name)
	first, last, _ = strings.Cut(name, " ")
	return first, strings.TrimSpace(last)
}

// Normalize converts a raw remote record into the local representation. Fields that cannot
// be used are left nil and reported; they never make the record fail.
func Normalize(rec directory.Record) (models.DirectoryUser, []DataIssue) {
	var issues []DataIssue
	u := models.DirectoryUser{
		Email:      strings.TrimSpace(rec.Email),
		IsActive:   rec.Active,
		Attributes: models.Attributes(rec.Attributes),
	}
	if u.Attributes == nil {
		u.Attributes = models.Attributes{}
	}
	u.FirstName, u.LastName = splitName(rec.Name)

	if id := strings.TrimSpace(rec.ExternalID); id != "" {
		u.ExternalID = &id
	}
	if name := strings.TrimSpace(rec.Username); name != "" {
		u.Username = &name
	} else {
		issues = append(issues, DataIssue{ExternalID: rec.ExternalID, Field: FieldUsername, Reason: "missing username"})
	}

	if raw := strings.TrimSpace(rec.LastLogin); raw != "" {
		if ts, ok := parseTimestamp(raw); ok {
			u.LastLogin = &ts
		} else {
			issues = append(issues, DataIssue{
				ExternalID: rec.ExternalID,
				Username:   rec.Username,
				Field:      FieldLastLogin,
				Reason:     "unparsable timestamp " + truncateValue(raw),
			})
		}
	}

	return u, issues
}

const maxIssueValueBytes = 64

// truncateValue cuts s to at most maxIssueValueBytes without splitting a rune
func truncateValue(s string) string {
	if len(s) <= maxIssueValueBytes {
		return s
	}
	cut := maxIssueValueBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func hasIssue(issues []DataIssue, field string) bool {
	for _, issue := range issues {
		if issue.Field == field {
			return true
		}
	}
	return false
}
