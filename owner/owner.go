// Package owner generates the opaque 128-bit identity a dispatcher process
// presents to every store it claims rows from. It is grounded on the
// uuid package (oss.nandlabs.io/dispatch/uuid), a fresh V4 UUID already
// satisfies "128-bit opaque value" with no further encoding.
package owner

import (
	"oss.nandlabs.io/dispatch/uuid"
)

// Token is the opaque identity a dispatcher instance presents when
// claiming, acking, abandoning, or failing rows. Rows whose stored owner no
// longer matches a Token are invisible to that dispatcher.
type Token string

// New generates a fresh Token. It is generated once per dispatcher instance
// and reused for the lifetime of the process.
func New() (Token, error) {
	id, err := uuid.V4()
	if err != nil {
		return "", err
	}
	return Token(id.String()), nil
}

// MustNew is like New but panics on failure. Only safe at process startup,
// before any goroutine depends on the token existing.
func MustNew() Token {
	t, err := New()
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the token's textual form, suitable for storage in a
// varchar ownerToken column.
func (t Token) String() string {
	return string(t)
}

// IsZero reports whether the token was never assigned.
func (t Token) IsZero() bool {
	return t == ""
}
