// Package namekey provides the canonical map keys used throughout the
// proxy: case-insensitive server names and URL paths. Both are plain
// lowercased byte slices so that equality and hashing are ordinary
// byte-equality, and so map lookups never need to re-normalize.
package namekey

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// ServerName is a lowercased host name, e.g. "example.com". Construct
// with NewServerName; do not lowercase by hand elsewhere.
type ServerName struct {
	b []byte
}

// NewServerName lowercases s and wraps it as a ServerName.
func NewServerName(s string) ServerName {
	return ServerName{b: toLowerBytes([]byte(s))}
}

// NewServerNameBytes lowercases b (copying it) and wraps it.
func NewServerNameBytes(b []byte) ServerName {
	return ServerName{b: toLowerBytes(append([]byte(nil), b...))}
}

// String renders the name back to a string for logging. A ServerName
// built from valid UTF-8 input always round-trips cleanly.
func (n ServerName) String() string {
	return string(n.b)
}

// IsValidUTF8 reports whether the underlying bytes are valid UTF-8,
// which callers should check before using String() in contexts that
// require displayable text (e.g. headers echoed back to the client).
func (n ServerName) IsValidUTF8() bool {
	return utf8.Valid(n.b)
}

// Equal reports byte-equality between two server names.
func (n ServerName) Equal(other ServerName) bool {
	return bytes.Equal(n.b, other.b)
}

// IsEmpty reports whether the name has zero length.
func (n ServerName) IsEmpty() bool {
	return len(n.b) == 0
}

// PathName is a lowercased URL path, e.g. "/api/v1". It supports
// byte-indexed access and prefix queries for use by the path-prefix
// router (internal/backend.PathManager).
type PathName struct {
	b []byte
}

// NewPathName lowercases s and wraps it as a PathName.
func NewPathName(s string) PathName {
	return PathName{b: toLowerBytes([]byte(s))}
}

// NewPathNameBytes lowercases b (copying it) and wraps it.
func NewPathNameBytes(b []byte) PathName {
	return PathName{b: toLowerBytes(append([]byte(nil), b...))}
}

// String renders the path back to a string.
func (p PathName) String() string {
	return string(p.b)
}

// Len returns the number of bytes in the path.
func (p PathName) Len() int {
	return len(p.b)
}

// IsEmpty reports whether the path has zero length.
func (p PathName) IsEmpty() bool {
	return len(p.b) == 0
}

// Get returns the byte at index i. It panics if i is out of range,
// same as slice indexing, since callers are expected to bounds-check
// via Len first (this mirrors a direct byte-indexed accessor, not a
// safe "get-or-zero" helper).
func (p PathName) Get(i int) byte {
	return p.b[i]
}

// Equal reports byte-equality between two path names.
func (p PathName) Equal(other PathName) bool {
	return bytes.Equal(p.b, other.b)
}

// StartsWith reports whether p begins with the exact bytes of prefix.
// This is a pure byte prefix test; it does not itself enforce a `/`
// boundary after the prefix (that policy lives in internal/backend's
// longest-prefix-with-boundary matching, per spec.md §4.3).
func (p PathName) StartsWith(prefix PathName) bool {
	return bytes.HasPrefix(p.b, prefix.b)
}

func toLowerBytes(b []byte) []byte {
	// Fast path: already lowercase ASCII.
	lower := true
	for _, c := range b {
		if c >= 'A' && c <= 'Z' {
			lower = false
			break
		}
	}
	if lower {
		return b
	}
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return b
}

// EqualFold reports whether s1 and s2 are equal under ASCII
// case-folding without allocating ServerName/PathName values; used by
// callers that only need a one-off comparison (e.g. Host header vs.
// URI authority during request parsing in internal/handler).
func EqualFold(s1, s2 string) bool {
	return strings.EqualFold(s1, s2)
}
