// Package mailctx provides the execution context consumed by the mail pipeline:
// the sending domain, unique identifier generation, a filesystem anchor and a clock.
package mailctx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/idna"
)

// ErrInvalidDomain is returned when the sending domain cannot be converted to ASCII.
var ErrInvalidDomain = errors.New("invalid mail domain")

// Context is the capability object handed to every pipeline stage.
// Implementations must be safe for concurrent use.
type Context interface {
	// Domain returns the ASCII (punycode) form of the sending domain.
	Domain() string

	// GenerateMessageID returns a new message identifier without angle brackets.
	GenerateMessageID() string

	// GenerateContentID returns a new Content-ID without angle brackets.
	GenerateContentID() string

	// GenerateBoundary returns a new MIME multipart boundary.
	GenerateBoundary() string

	// ResolvePath anchors a relative path at the context's base directory.
	ResolvePath(p string) string

	// Now returns the current time used for Date headers.
	Now() time.Time
}

// Simple is the default Context: a fixed unique part plus a monotonic counter.
type Simple struct {
	domain  string
	unique  string
	baseDir string
	clock   func() time.Time
	counter atomic.Uint64
}

// Option configures a Simple context.
type Option func(*Simple)

// WithUniquePart overrides the random unique part of generated identifiers.
func WithUniquePart(unique string) Option {
	return func(s *Simple) { s.unique = unique }
}

// WithBaseDir sets the directory relative paths are resolved against.
func WithBaseDir(dir string) Option {
	return func(s *Simple) { s.baseDir = dir }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Simple) { s.clock = clock }
}

// New creates a Simple context for the given domain.
// It fails if the domain cannot be punycode encoded or if the base directory
// cannot be made absolute.
func New(domain string, opts ...Option) (*Simple, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return nil, fmt.Errorf("%w: empty domain", ErrInvalidDomain)
	}

	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidDomain, domain, err)
	}

	s := &Simple{
		domain: ascii,
		unique: strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine working directory: %w", err)
		}
		s.baseDir = wd
	}
	abs, err := filepath.Abs(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory %q: %w", s.baseDir, err)
	}
	s.baseDir = abs

	return s, nil
}

// Domain returns the ASCII form of the sending domain.
func (s *Simple) Domain() string {
	return s.domain
}

// GenerateMessageID returns "<unique>.<n>@<domain>".
func (s *Simple) GenerateMessageID() string {
	return fmt.Sprintf("%s.%d@%s", s.unique, s.next(), s.domain)
}

// GenerateContentID returns "<unique>.c<n>@<domain>".
func (s *Simple) GenerateContentID() string {
	return fmt.Sprintf("%s.c%d@%s", s.unique, s.next(), s.domain)
}

// GenerateBoundary returns a boundary that cannot occur in base64 or
// quoted-printable encoded content.
func (s *Simple) GenerateBoundary() string {
	return fmt.Sprintf("=_%s.%d", s.unique, s.next())
}

// ResolvePath joins relative paths with the base directory.
func (s *Simple) ResolvePath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(s.baseDir, p)
}

// Now returns the context clock's current time.
func (s *Simple) Now() time.Time {
	return s.clock()
}

func (s *Simple) next() uint64 {
	return s.counter.Add(1)
}
