package cookie

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Cookie names written into the embedded content
const (
	AuthTokenCookie = "auth_token"
)

// DefaultMaxAge is how long the relayed credential stays in the cookie store
const DefaultMaxAge = 7 * 24 * time.Hour

// Record is a credential materialized as a cookie for a single origin.
// Writing a record with the same origin and name replaces the previous one.
type Record struct {
	Origin   string        `json:"origin"`
	Name     string        `json:"name"`
	Value    string        `json:"value"`
	Path     string        `json:"path"`
	MaxAge   time.Duration `json:"max_age"`
	Secure   bool          `json:"secure"`
	SameSite http.SameSite `json:"same_site"`
	SetAt    time.Time     `json:"set_at"`
}

// NewAuthRecord builds the auth_token record for origin with the fixed
// attributes the embedded content expects: Path=/, 7 days, Secure, Lax.
func NewAuthRecord(origin, token string, now time.Time) Record {
	return Record{
		Origin:   origin,
		Name:     AuthTokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   DefaultMaxAge,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		SetAt:    now,
	}
}

// HTTPCookie converts the record into a net/http cookie
func (r Record) HTTPCookie() *http.Cookie {
	return &http.Cookie{
		Name:     r.Name,
		Value:    r.Value,
		Path:     r.Path,
		MaxAge:   int(r.MaxAge.Seconds()),
		Secure:   r.Secure,
		SameSite: r.SameSite,
	}
}

// String returns the Set-Cookie serialization, e.g.
// auth_token=abc123; Path=/; Max-Age=604800; Secure; SameSite=Lax
func (r Record) String() string {
	return r.HTTPCookie().String()
}

// ExpiresAt is the absolute expiry derived from SetAt and MaxAge
func (r Record) ExpiresAt() time.Time {
	return r.SetAt.Add(r.MaxAge)
}

// Expired reports whether the record has outlived its max-age at now
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt())
}

// Key identifies the slot a record overwrites in a cookie store
func (r Record) Key() string {
	return r.Origin + "|" + r.Name
}

// ParseOrigin validates that origin is a bare scheme://host[:port] and
// returns it normalized. Paths, queries and fragments are rejected.
func ParseOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parsing origin: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("origin must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q has no host", origin)
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("origin %q must not carry a path, query or fragment", origin)
	}
	return u.Scheme + "://" + u.Host, nil
}
