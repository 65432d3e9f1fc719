// Package tmpl loads template definitions from disk and renders them with
// typed data into mail.Mail values.
package tmpl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"gopkg.in/yaml.v3"

	"github.com/shineum/template-mailer/internal/mailctx"
	"github.com/shineum/template-mailer/internal/resource"
)

// MetadataFile is the file name looked up when Load is given a directory.
const MetadataFile = "template.yaml"

// DefaultRenderer is used when the metadata names none.
const DefaultRenderer = "liquid"

var namePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type metadata struct {
	Name        string                  `yaml:"name"`
	Renderer    string                  `yaml:"renderer"`
	Subject     string                  `yaml:"subject"`
	Bodies      []bodyMeta              `yaml:"bodies"`
	Embeddings  map[string]resourceMeta `yaml:"embeddings"`
	Attachments []resourceMeta          `yaml:"attachments"`
	DeriveText  bool                    `yaml:"derive_text"`
}

type bodyMeta struct {
	Path      string `yaml:"path"`
	MediaType string `yaml:"media_type"`
}

// resourceMeta references a file next to the metadata (path) or any
// locator the resolver understands (source), e.g. "s3://bucket/key".
type resourceMeta struct {
	Path      string `yaml:"path"`
	Source    string `yaml:"source"`
	MediaType string `yaml:"media_type"`
	FileName  string `yaml:"file_name"`
}

type bodyKind int

const (
	kindText bodyKind = iota
	kindHTML
	kindMarkdown
)

type compiledBody struct {
	kind      bodyKind
	mediaType string
	tmpl      Compiled
}

type namedReference struct {
	name string
	ref  resource.Reference
}

// Definition is a loaded template. It is immutable and safe to render
// concurrently.
type Definition struct {
	Name     string
	Dir      string
	Renderer string

	subject     Compiled
	bodies      []compiledBody
	embeddings  []namedReference // sorted by name
	attachments []resource.Reference
	deriveText  bool

	md     goldmark.Markdown
	policy *bluemonday.Policy
}

// Engine loads and caches template definitions.
type Engine struct {
	renderers map[string]Renderer
	md        goldmark.Markdown
	policy    *bluemonday.Policy

	cache map[string]*Definition
	mu    sync.RWMutex
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRenderer registers a renderer under name.
func WithRenderer(name string, r Renderer) EngineOption {
	return func(e *Engine) { e.renderers[name] = r }
}

// WithMarkdown replaces the markdown converter.
func WithMarkdown(md goldmark.Markdown) EngineOption {
	return func(e *Engine) { e.md = md }
}

// NewEngine creates an engine with the liquid and gotemplate renderers.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		renderers: map[string]Renderer{
			"liquid":     NewLiquidRenderer(),
			"gotemplate": GoTemplateRenderer{},
		},
		md:     goldmark.New(),
		policy: bluemonday.StrictPolicy(),
		cache:  make(map[string]*Definition),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Load reads a template definition. path is either the metadata file or the
// directory containing template.yaml, relative paths resolved by mctx.
// Definitions are cached by resolved path.
func (e *Engine) Load(ctx context.Context, path string, mctx mailctx.Context) (*Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	metaPath := mctx.ResolvePath(path)
	if info, err := os.Stat(metaPath); err == nil && info.IsDir() {
		metaPath = filepath.Join(metaPath, MetadataFile)
	}

	e.mu.RLock()
	if def, ok := e.cache[metaPath]; ok {
		e.mu.RUnlock()
		return def, nil
	}
	e.mu.RUnlock()

	// Loaded without the lock so cache hits for other templates never wait
	// on file I/O. A concurrent Load of the same path may win the insert.
	def, err := e.load(metaPath)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.cache[metaPath]; ok {
		return cached, nil
	}
	e.cache[metaPath] = def
	slog.Debug("template loaded", "name", def.Name, "path", metaPath, "renderer", def.Renderer, "bodies", len(def.bodies))
	return def, nil
}

func (e *Engine) load(metaPath string) (*Definition, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTemplateLoad, err)
	}

	var meta metadata
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&meta); err != nil {
		return nil, fmt.Errorf("%w: %w: %s: %v", ErrTemplateLoad, ErrMalformedMetadata, metaPath, err)
	}

	dir := filepath.Dir(metaPath)
	def := &Definition{
		Name:       meta.Name,
		Dir:        dir,
		Renderer:   meta.Renderer,
		deriveText: meta.DeriveText,
		md:         e.md,
		policy:     e.policy,
	}
	if def.Name == "" {
		def.Name = filepath.Base(dir)
	}
	if def.Renderer == "" {
		def.Renderer = DefaultRenderer
	}

	renderer, ok := e.renderers[def.Renderer]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %q", ErrTemplateLoad, ErrUnsupportedRenderer, def.Renderer)
	}

	if len(meta.Bodies) == 0 {
		return nil, fmt.Errorf("%w: %w: no bodies declared", ErrTemplateLoad, ErrMalformedMetadata)
	}

	if meta.Subject != "" {
		def.subject, err = renderer.Compile(def.Name+"/subject", meta.Subject, false)
		if err != nil {
			return nil, fmt.Errorf("%w: subject: %v", ErrTemplateLoad, err)
		}
	}

	for _, b := range meta.Bodies {
		body, err := compileBody(renderer, dir, b)
		if err != nil {
			return nil, err
		}
		def.bodies = append(def.bodies, body)
	}

	names := make([]string, 0, len(meta.Embeddings))
	for name := range meta.Embeddings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !namePattern.MatchString(name) {
			return nil, fmt.Errorf("%w: %w: invalid embedding name %q", ErrTemplateLoad, ErrMalformedMetadata, name)
		}
		ref, err := referenceFromMeta(dir, meta.Embeddings[name])
		if err != nil {
			return nil, err
		}
		def.embeddings = append(def.embeddings, namedReference{name: name, ref: ref})
	}

	for _, a := range meta.Attachments {
		ref, err := referenceFromMeta(dir, a)
		if err != nil {
			return nil, err
		}
		def.attachments = append(def.attachments, ref)
	}

	return def, nil
}

func compileBody(renderer Renderer, dir string, b bodyMeta) (compiledBody, error) {
	if b.Path == "" {
		return compiledBody{}, fmt.Errorf("%w: %w: body without path", ErrTemplateLoad, ErrMalformedMetadata)
	}

	p := b.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	src, err := os.ReadFile(p)
	if err != nil {
		return compiledBody{}, fmt.Errorf("%w: %w", ErrTemplateLoad, err)
	}

	body := compiledBody{mediaType: b.MediaType}
	switch {
	case b.MediaType == "text/markdown":
		body.kind = kindMarkdown
	case strings.HasPrefix(b.MediaType, "text/html"):
		body.kind = kindHTML
	case b.MediaType != "":
		body.kind = kindText
	default:
		switch strings.ToLower(filepath.Ext(p)) {
		case ".html", ".htm":
			body.kind = kindHTML
		case ".md", ".markdown":
			body.kind = kindMarkdown
		default:
			body.kind = kindText
		}
	}
	if body.mediaType == "" || body.kind == kindMarkdown {
		switch body.kind {
		case kindHTML:
			body.mediaType = "text/html; charset=utf-8"
		default:
			body.mediaType = "text/plain; charset=utf-8"
		}
	}

	body.tmpl, err = renderer.Compile(filepath.Base(p), string(src), body.kind == kindHTML)
	if err != nil {
		return compiledBody{}, fmt.Errorf("%w: %v", ErrTemplateLoad, err)
	}
	return body, nil
}

func referenceFromMeta(dir string, m resourceMeta) (resource.Reference, error) {
	var (
		iri resource.IRI
		err error
	)
	switch {
	case m.Path != "" && m.Source != "":
		return nil, fmt.Errorf("%w: %w: resource sets both path and source", ErrTemplateLoad, ErrMalformedMetadata)
	case m.Path != "":
		p := m.Path
		if !filepath.IsAbs(p) {
			if p, err = filepath.Abs(filepath.Join(dir, p)); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrTemplateLoad, err)
			}
		}
		iri, err = resource.IRIFromParts("file", filepath.ToSlash(p))
	case m.Source != "":
		iri, err = resource.ParseIRI(m.Source)
	default:
		return nil, fmt.Errorf("%w: %w: resource needs a path or source", ErrTemplateLoad, ErrMalformedMetadata)
	}
	if err != nil {
		return nil, errors.Join(ErrTemplateLoad, err)
	}

	return resource.Source{IRI: iri, UseMediaType: m.MediaType, UseFileName: m.FileName}, nil
}
