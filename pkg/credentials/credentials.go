// Package credentials provides the ephemeral credential broker client.
//
// The broker is an external auth service that mints short-lived, single-use
// session credentials for the remote voice endpoint. This package only
// consumes it: one credential per negotiation attempt, never reused.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Broker errors.
var (
	// ErrDenied indicates the broker refused to mint a credential.
	ErrDenied = errors.New("credentials: broker denied request")

	// ErrUnreachable indicates the broker could not be reached.
	ErrUnreachable = errors.New("credentials: broker unreachable")

	// ErrExpired indicates the credential's validity window has passed.
	ErrExpired = errors.New("credentials: credential expired")

	// ErrAlreadyUsed indicates a single-use credential was claimed twice.
	// A retry of negotiation requires minting a fresh credential.
	ErrAlreadyUsed = errors.New("credentials: credential already used")
)

// Credential is a short-lived, single-use session token.
type Credential struct {
	value     string
	expiresAt time.Time

	mu   sync.Mutex
	used bool
}

// NewCredential builds a credential from broker response fields.
func NewCredential(value string, expiresAt time.Time) *Credential {
	return &Credential{value: value, expiresAt: expiresAt}
}

// Claim returns the token value exactly once. The second claim fails, which
// is what stops a credential from being reused across negotiation attempts.
func (c *Credential) Claim() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.used {
		return "", ErrAlreadyUsed
	}
	if !c.expiresAt.IsZero() && time.Now().After(c.expiresAt) {
		return "", ErrExpired
	}
	c.used = true
	return c.value, nil
}

// ExpiresAt returns the end of the credential's validity window.
func (c *Credential) ExpiresAt() time.Time {
	return c.expiresAt
}

// Used reports whether the credential has been claimed.
func (c *Credential) Used() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Source mints ephemeral credentials. Implemented by the HTTP broker client
// and by test stubs.
type Source interface {
	// Issue mints a fresh single-use credential.
	Issue(ctx context.Context) (*Credential, error)
}

// Static is a Source that hands out pre-made credentials, for tests.
type Static struct {
	mu    sync.Mutex
	queue []*Credential

	// Err, when set, is returned instead of a credential.
	Err error

	// Issued counts Issue calls.
	Issued int
}

// NewStatic creates a Static source seeded with the given token values,
// each valid for a minute.
func NewStatic(values ...string) *Static {
	s := &Static{}
	for _, v := range values {
		s.queue = append(s.queue, NewCredential(v, time.Now().Add(time.Minute)))
	}
	return s
}

// Issue implements Source.
func (s *Static) Issue(ctx context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Issued++
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.queue) == 0 {
		return nil, fmt.Errorf("%w: static source exhausted", ErrDenied)
	}
	cred := s.queue[0]
	s.queue = s.queue[1:]
	return cred, nil
}
