package directory

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/config"
)

const modifyTimestampAttr = "modifyTimestamp"

// ErrPagingSessionLost is returned when a paging cursor is presented but the connection
// that issued it is gone. Paged-results cookies are only valid on their own connection,
// so the listing has to start over.
var ErrPagingSessionLost = errors.New("ldap paging session lost")

// ldapConn is the subset of *ldap.Conn used by LDAPDirectory
type ldapConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
}

type dialFunc func(ctx context.Context) (ldapConn, func(), error)

// LDAPDirectory lists users with an RFC 2696 paged search. The paging cookie is the cursor.
type LDAPDirectory struct {
	cfg      config.LDAPConfig
	pageSize int
	timeout  time.Duration
	dial     dialFunc

	mu      sync.Mutex
	conn    ldapConn
	closeFn func()
}

// NewLDAPDirectory creates a new LDAP directory client
func NewLDAPDirectory(cfg config.LDAPConfig, pageSize int, timeout time.Duration) *LDAPDirectory {
	d := &LDAPDirectory{cfg: cfg, pageSize: pageSize, timeout: timeout}
	d.dial = d.dialAndBind
	return d
}

func (d *LDAPDirectory) dialAndBind(ctx context.Context) (ldapConn, func(), error) {
	conn, err := ldap.DialURL(d.cfg.URL, ldap.DialWithDialer(&net.Dialer{Timeout: d.timeout}))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to LDAP server: %w", err)
	}
	conn.SetTimeout(d.timeout)
	closer := func() { conn.Close() }

	if d.cfg.BindDN != "" {
		if err := conn.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
			closer()
			if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
				return nil, nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
			}
			return nil, nil, fmt.Errorf("LDAP bind failed: %w", classifyLDAPError(err))
		}
	}
	return conn, closer, nil
}

// FetchPage implements Directory
func (d *LDAPDirectory) FetchPage(ctx context.Context, cursor string, modifiedSince *time.Time) (*Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cookie []byte
	if cursor == "" {
		d.closeLocked()
		conn, closer, err := d.dial(ctx)
		if err != nil {
			return nil, err
		}
		d.conn, d.closeFn = conn, closer
	} else {
		if d.conn == nil {
			return nil, ErrPagingSessionLost
		}
		var err error
		cookie, err = base64.RawURLEncoding.DecodeString(cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid LDAP cursor: %w", err)
		}
	}

	result, err := d.conn.Search(d.searchRequest(d.filter(modifiedSince), d.attributes(), cookie))
	if err != nil {
		// the cookie cannot be replayed on another connection
		d.closeLocked()
		if cursor != "" {
			return nil, fmt.Errorf("%w: %v", ErrPagingSessionLost, err)
		}
		return nil, fmt.Errorf("LDAP search failed: %w", classifyLDAPError(err))
	}

	page := &Page{Records: make([]Record, 0, len(result.Entries)), Total: -1}
	for _, entry := range result.Entries {
		page.Records = append(page.Records, d.record(entry))
	}

	if next := nextCookie(result); len(next) > 0 {
		page.NextCursor = base64.RawURLEncoding.EncodeToString(next)
	} else {
		d.closeLocked()
	}
	return page, nil
}

// LatestModified implements Directory. LDAP cannot sort server-side portably, so the
// newest modifyTimestamp is found by scanning that single attribute across all entries.
func (d *LDAPDirectory) LatestModified(ctx context.Context) (*time.Time, error) {
	conn, closer, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer closer()

	var latest *time.Time
	var cookie []byte
	for {
		result, err := conn.Search(d.searchRequest(d.filter(nil), []string{modifyTimestampAttr}, cookie))
		if err != nil {
			return nil, fmt.Errorf("LDAP search failed: %w", classifyLDAPError(err))
		}
		for _, entry := range result.Entries {
			raw := entry.GetAttributeValue(modifyTimestampAttr)
			if raw == "" {
				continue
			}
			ts, err := ParseGeneralizedTime(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s %q", ErrBadResponse, modifyTimestampAttr, raw)
			}
			if latest == nil || ts.After(*latest) {
				latest = &ts
			}
		}
		cookie = nextCookie(result)
		if len(cookie) == 0 {
			return latest, nil
		}
	}
}

// Close releases a paging session left open by an abandoned listing
func (d *LDAPDirectory) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
}

func (d *LDAPDirectory) closeLocked() {
	if d.closeFn != nil {
		d.closeFn()
	}
	d.conn, d.closeFn = nil, nil
}

func (d *LDAPDirectory) searchRequest(filter string, attrs []string, cookie []byte) *ldap.SearchRequest {
	paging := ldap.NewControlPaging(uint32(d.pageSize))
	if len(cookie) > 0 {
		paging.SetCookie(cookie)
	}
	return ldap.NewSearchRequest(
		d.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, int(d.timeout/time.Second), false,
		filter,
		attrs,
		[]ldap.Control{paging},
	)
}

func (d *LDAPDirectory) filter(modifiedSince *time.Time) string {
	base := d.cfg.Filter
	if base == "" {
		base = "(objectClass=*)"
	}
	if modifiedSince == nil {
		return base
	}
	return fmt.Sprintf("(&%s(%s>=%s))", base, modifyTimestampAttr, FormatGeneralizedTime(*modifiedSince))
}

func (d *LDAPDirectory) attributes() []string {
	attrs := []string{
		d.cfg.IDAttribute,
		d.cfg.UsernameAttribute,
		modifyTimestampAttr,
	}
	for _, a := range []string{d.cfg.NameAttribute, d.cfg.EmailAttribute, d.cfg.LastLoginAttribute, d.cfg.LockedAttribute} {
		if a != "" {
			attrs = append(attrs, a)
		}
	}
	return append(attrs, d.cfg.ExtraAttributes...)
}

func (d *LDAPDirectory) record(entry *ldap.Entry) Record {
	r := Record{
		ExternalID:  entry.GetAttributeValue(d.cfg.IDAttribute),
		Username:    entry.GetAttributeValue(d.cfg.UsernameAttribute),
		LastUpdated: entry.GetAttributeValue(modifyTimestampAttr),
		Active:      true,
	}
	if d.cfg.IDAttribute == "dn" {
		r.ExternalID = entry.DN
	}
	if d.cfg.NameAttribute != "" {
		r.Name = entry.GetAttributeValue(d.cfg.NameAttribute)
	}
	if d.cfg.EmailAttribute != "" {
		r.Email = entry.GetAttributeValue(d.cfg.EmailAttribute)
	}
	if d.cfg.LastLoginAttribute != "" {
		r.LastLogin = entry.GetAttributeValue(d.cfg.LastLoginAttribute)
	}
	if d.cfg.LockedAttribute != "" && entry.GetAttributeValue(d.cfg.LockedAttribute) != "" {
		r.Active = false
	}

	if len(d.cfg.ExtraAttributes) > 0 {
		r.Attributes = make(map[string]interface{}, len(d.cfg.ExtraAttributes))
		for _, name := range d.cfg.ExtraAttributes {
			values := entry.GetAttributeValues(name)
			switch len(values) {
			case 0:
			case 1:
				r.Attributes[name] = values[0]
			default:
				list := make([]interface{}, len(values))
				for i, v := range values {
					list[i] = v
				}
				r.Attributes[name] = list
			}
		}
	}
	return r
}

func nextCookie(result *ldap.SearchResult) []byte {
	ctrl := ldap.FindControl(result.Controls, ldap.ControlTypePaging)
	if paging, ok := ctrl.(*ldap.ControlPaging); ok {
		return paging.Cookie
	}
	return nil
}

// ldapTransientError marks LDAP failures that may succeed when repeated
type ldapTransientError struct{ err error }

func (e *ldapTransientError) Error() string   { return e.err.Error() }
func (e *ldapTransientError) Unwrap() error   { return e.err }
func (e *ldapTransientError) Temporary() bool { return true }

func classifyLDAPError(err error) error {
	if ldap.IsErrorAnyOf(err,
		ldap.ErrorNetwork,
		ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultTimeout,
		ldap.LDAPResultTimeLimitExceeded,
	) {
		return &ldapTransientError{err: err}
	}
	return err
}

// Generalized time layouts, with and without fractional seconds
var generalizedTimeLayouts = []string{
	"20060102150405Z0700",
	"20060102150405.999999999Z0700",
}

// ParseGeneralizedTime parses an LDAP GeneralizedTime value
func ParseGeneralizedTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range generalizedTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// FormatGeneralizedTime formats t as an LDAP GeneralizedTime in UTC
func FormatGeneralizedTime(t time.Time) string {
	return t.UTC().Format("20060102150405Z")
}
