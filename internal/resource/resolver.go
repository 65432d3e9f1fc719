package resource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shineum/template-mailer/internal/mailctx"
)

// Fetched is what a Loader returns: raw bytes plus optional hints.
type Fetched struct {
	Bytes     []byte
	MediaType string // transport-provided type, may be empty
	FileName  string
}

// Loader loads the bytes behind an IRI of one or more schemes.
type Loader interface {
	Load(ctx context.Context, iri IRI, mctx mailctx.Context) (*Fetched, error)
}

// Resolver turns references into Loaded resources.
type Resolver struct {
	loaders map[string]Loader
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLoader registers (or replaces) the loader for a scheme.
func WithLoader(scheme string, l Loader) Option {
	return func(r *Resolver) { r.loaders[scheme] = l }
}

// NewResolver creates a resolver supporting the path, file, http and https
// schemes. Additional schemes (e.g. s3) are added with WithLoader.
func NewResolver(opts ...Option) *Resolver {
	httpLoader := NewHTTPLoader(nil)
	r := &Resolver{
		loaders: map[string]Loader{
			"path":  PathLoader{},
			"file":  PathLoader{},
			"http":  httpLoader,
			"https": httpLoader,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve loads a reference and assigns it a fresh Content-ID from mctx.
// The Content-ID is only generated after the bytes and media type are known.
func (r *Resolver) Resolve(ctx context.Context, ref Reference, mctx mailctx.Context) (Loaded, error) {
	var loaded Loaded

	switch v := ref.(type) {
	case Source:
		l, ok := r.loaders[v.IRI.Scheme]
		if !ok {
			return Loaded{}, &LoadError{Locator: v.IRI.String(), Err: fmt.Errorf("%w: %q", ErrUnsupportedScheme, v.IRI.Scheme)}
		}

		fetched, err := l.Load(ctx, v.IRI, mctx)
		if err != nil {
			var le *LoadError
			if errors.As(err, &le) {
				return Loaded{}, err
			}
			return Loaded{}, &LoadError{Locator: v.IRI.String(), Err: err}
		}

		loaded.Bytes = fetched.Bytes
		loaded.FileName = fetched.FileName
		if v.UseFileName != "" {
			loaded.FileName = v.UseFileName
		}

		if v.UseMediaType != "" {
			loaded.MediaType, err = normalizeOverride(v.UseMediaType)
		} else {
			loaded.MediaType, err = detectMediaType(fetched.Bytes, fetched.MediaType, loaded.FileName)
		}
		if err != nil {
			return Loaded{}, &LoadError{Locator: v.IRI.String(), Err: err}
		}

	case Data:
		var err error
		loaded.Bytes = bytes.Clone(v.Bytes)
		loaded.FileName = v.FileName
		if v.MediaType != "" {
			loaded.MediaType, err = normalizeOverride(v.MediaType)
		} else {
			loaded.MediaType, err = detectMediaType(v.Bytes, "", v.FileName)
		}
		if err != nil {
			return Loaded{}, &LoadError{Locator: v.locator(), Err: err}
		}

	default:
		return Loaded{}, &LoadError{Locator: fmt.Sprintf("%T", ref), Err: fmt.Errorf("%w: unknown reference type", ErrMalformedLocator)}
	}

	loaded.ContentID = mctx.GenerateContentID()

	slog.Debug("resource resolved",
		"locator", ref.locator(),
		"media_type", loaded.MediaType,
		"size", len(loaded.Bytes),
		"content_id", loaded.ContentID,
	)

	return loaded, nil
}
