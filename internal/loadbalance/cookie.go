package loadbalance

import (
	"fmt"
	"strings"
	"time"
)

// cookieExpiresLayout matches Go's net/http cookie expires format, which
// is also what spec.md §4.4's worked example uses: "Thu, 08-Jun-2023
// 10:46:13 GMT".
const cookieExpiresLayout = "Mon, 02-Jan-2006 15:04:05 GMT"

// StickyCookieValue is the name/value pair read from or written into
// the Cookie/Set-Cookie header — just the upstream id, with no
// metadata attached (original_source/rpxy-lib/src/backend/load_balance/sticky_cookie.rs
// StickyCookieValue).
type StickyCookieValue struct {
	Name  string
	Value string
}

// ParseStickyCookieValue extracts the sticky id from a single decoded
// cookie pair such as "rpxy_srv_id=abc123", validating that its name
// matches expectedName. Mirrors
// StickyCookieValue::try_from in sticky_cookie.rs.
func ParseStickyCookieValue(raw, expectedName string) (StickyCookieValue, error) {
	if !strings.HasPrefix(raw, expectedName) {
		return StickyCookieValue{}, fmt.Errorf("loadbalance: cookie does not start with %q", expectedName)
	}
	parts := strings.Split(raw, "=")
	if len(parts) != 2 {
		return StickyCookieValue{}, fmt.Errorf("loadbalance: malformed sticky cookie structure %q", raw)
	}
	name, value := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if value == "" {
		return StickyCookieValue{}, fmt.Errorf("loadbalance: empty sticky cookie value")
	}
	return StickyCookieValue{Name: name, Value: value}, nil
}

// StickyCookieInfo carries the Set-Cookie metadata (expiry/domain/path)
// that accompanies a StickyCookieValue on the response path only.
type StickyCookieInfo struct {
	Expires time.Time
	Domain  string
	Path    string
}

// StickyCookie is a sticky id plus, when emitted on a response, the
// metadata needed to serialize a full Set-Cookie header.
type StickyCookie struct {
	Value StickyCookieValue
	Info  *StickyCookieInfo
}

// String renders the Set-Cookie header value exactly as
// original_source/rpxy-lib/src/backend/load_balance/sticky_cookie.rs's
// TryInto<String> does: "name=value; expires=<RFC1123-ish>; Max-Age=N;
// path=P; domain=D". Returns the empty string if Info is nil — a StickyCookie
// with no metadata cannot be serialized onto a response, only matched
// against an inbound request cookie.
func (c StickyCookie) String() string {
	if c.Info == nil {
		return ""
	}
	maxAge := int64(time.Until(c.Info.Expires).Seconds())
	return fmt.Sprintf("%s=%s; expires=%s; Max-Age=%d; path=%s; domain=%s",
		c.Value.Name, c.Value.Value,
		c.Info.Expires.UTC().Format(cookieExpiresLayout),
		maxAge, c.Info.Path, c.Info.Domain)
}

// StickyCookieConfig describes how sticky cookies are minted for one
// backend application: the cookie name, the domain/path to scope it
// to, and its lifetime. Grounded on StickyCookieConfig in
// sticky_cookie.rs.
type StickyCookieConfig struct {
	Name     string
	Domain   string
	Path     string
	Duration time.Duration
}

// DefaultStickyCookieName is STICKY_COOKIE_NAME in constants.rs.
const DefaultStickyCookieName = "rpxy_srv_id"

// Build mints a StickyCookie carrying id, stamped with metadata
// expiring Duration from now.
func (c StickyCookieConfig) Build(id string) StickyCookie {
	name := c.Name
	if name == "" {
		name = DefaultStickyCookieName
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	return StickyCookie{
		Value: StickyCookieValue{Name: strings.ToLower(name), Value: id},
		Info: &StickyCookieInfo{
			Expires: time.Now().Add(c.Duration),
			Domain:  strings.ToLower(c.Domain),
			Path:    strings.ToLower(path),
		},
	}
}
