// Package resource resolves resource references (inline bytes or external
// locators) into loaded, content-addressed parts that a mail can embed.
package resource

import (
	"fmt"
	"regexp"
	"strings"
)

var schemePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*$`)

// IRI is a "scheme:tail" resource locator, e.g. "path:./logo.png" or "s3://bucket/key".
type IRI struct {
	Scheme string
	Tail   string
}

// ParseIRI splits a locator into scheme and tail.
func ParseIRI(s string) (IRI, error) {
	idx := strings.Index(s, ":")
	if idx <= 0 {
		return IRI{}, &LoadError{Locator: s, Err: fmt.Errorf("%w: missing scheme", ErrMalformedLocator)}
	}
	return IRIFromParts(s[:idx], s[idx+1:])
}

// IRIFromParts builds an IRI from its scheme and tail.
func IRIFromParts(scheme, tail string) (IRI, error) {
	locator := scheme + ":" + tail
	if !schemePattern.MatchString(scheme) {
		return IRI{}, &LoadError{Locator: locator, Err: fmt.Errorf("%w: invalid scheme %q", ErrMalformedLocator, scheme)}
	}
	if tail == "" {
		return IRI{}, &LoadError{Locator: locator, Err: fmt.Errorf("%w: empty locator", ErrMalformedLocator)}
	}
	return IRI{Scheme: strings.ToLower(scheme), Tail: tail}, nil
}

// MustIRI is like IRIFromParts but panics on error. Intended for constants.
func MustIRI(scheme, tail string) IRI {
	iri, err := IRIFromParts(scheme, tail)
	if err != nil {
		panic(err)
	}
	return iri
}

func (i IRI) String() string {
	return i.Scheme + ":" + i.Tail
}

// Reference is either a Source (external locator) or Data (literal bytes).
// It is immutable once constructed.
type Reference interface {
	locator() string
}

// Source references external content by IRI.
type Source struct {
	IRI IRI

	// UseMediaType overrides media type detection when non-empty.
	UseMediaType string

	// UseFileName overrides the file name derived from the locator.
	UseFileName string
}

func (s Source) locator() string { return s.IRI.String() }

// Data carries literal bytes with their metadata.
type Data struct {
	Bytes     []byte
	MediaType string
	FileName  string
}

func (d Data) locator() string {
	if d.FileName != "" {
		return "data:" + d.FileName
	}
	return "data:"
}

// Loaded is a resolved reference. ContentID is assigned during resolution
// and is what body content uses in "cid:" references.
type Loaded struct {
	Bytes     []byte
	MediaType string
	FileName  string
	ContentID string
}
