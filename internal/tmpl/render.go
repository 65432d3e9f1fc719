package tmpl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/shineum/template-mailer/internal/mail"
	"github.com/shineum/template-mailer/internal/mailctx"
	"github.com/shineum/template-mailer/internal/resource"
)

// CIDsKey is the binding under which embedding Content-IDs are exposed,
// e.g. {{ cids.logo }}.
const CIDsKey = "cids"

// Data is the input of a single render: the typed value plus resources that
// still need resolving. Value fields are bound by their JSON names.
type Data[T any] struct {
	Value       T
	Embeddings  map[string]resource.Reference
	Attachments []resource.Reference
}

// LoadedData is Data with every resource resolved. Only LoadData creates it,
// so a render always sees Content-IDs for all of its embeddings.
type LoadedData[T any] struct {
	Value       T
	embeddings  map[string]resource.Loaded
	attachments []resource.Loaded
}

// Embedding returns the resolved embedding registered under name.
func (d *LoadedData[T]) Embedding(name string) (resource.Loaded, bool) {
	l, ok := d.embeddings[name]
	return l, ok
}

// ContentIDs maps embedding names to their Content-IDs.
func (d *LoadedData[T]) ContentIDs() map[string]string {
	out := make(map[string]string, len(d.embeddings))
	for name, l := range d.embeddings {
		out[name] = l.ContentID
	}
	return out
}

// LoadData resolves the template's own resources and those in data.
// Embeddings are resolved in name order so Content-IDs are assigned
// deterministically. Resolution errors are returned unchanged.
func LoadData[T any](ctx context.Context, def *Definition, data Data[T], resolver *resource.Resolver, mctx mailctx.Context) (*LoadedData[T], error) {
	refs := make(map[string]resource.Reference, len(def.embeddings)+len(data.Embeddings))
	for _, e := range def.embeddings {
		refs[e.name] = e.ref
	}
	for name, ref := range data.Embeddings {
		if !namePattern.MatchString(name) {
			return nil, fmt.Errorf("%w: invalid embedding name %q", ErrRender, name)
		}
		if _, exists := refs[name]; exists {
			return nil, fmt.Errorf("%w: %w: %q", ErrRender, ErrNameCollision, name)
		}
		refs[name] = ref
	}

	loaded := &LoadedData[T]{
		Value:      data.Value,
		embeddings: make(map[string]resource.Loaded, len(refs)),
	}

	for _, name := range slices.Sorted(maps.Keys(refs)) {
		l, err := resolver.Resolve(ctx, refs[name], mctx)
		if err != nil {
			return nil, err
		}
		loaded.embeddings[name] = l
	}

	for _, ref := range append(slices.Clone(def.attachments), data.Attachments...) {
		l, err := resolver.Resolve(ctx, ref, mctx)
		if err != nil {
			return nil, err
		}
		loaded.attachments = append(loaded.attachments, l)
	}

	return loaded, nil
}

// Render binds data into the definition and returns a logical mail carrying
// the subject, bodies, embeddings and attachments. It does no I/O.
func Render[T any](def *Definition, data *LoadedData[T]) (*mail.Mail, error) {
	if data == nil {
		return nil, fmt.Errorf("%w: nil data", ErrRender)
	}

	bindings, err := bind(data.Value, data.ContentIDs())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRender, def.Name, err)
	}

	var bodies []mail.Body
	for _, b := range def.bodies {
		out, err := b.tmpl.Execute(bindings)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrRender, def.Name, err)
		}

		switch b.kind {
		case kindMarkdown:
			var buf bytes.Buffer
			if err := def.md.Convert([]byte(out), &buf); err != nil {
				return nil, fmt.Errorf("%w: %s: markdown: %v", ErrRender, def.Name, err)
			}
			bodies = append(bodies,
				mail.Body{MediaType: "text/plain; charset=utf-8", Content: []byte(out)},
				mail.Body{MediaType: "text/html; charset=utf-8", Content: buf.Bytes()},
			)
		default:
			bodies = append(bodies, mail.Body{MediaType: b.mediaType, Content: []byte(out)})
		}
	}

	if def.deriveText {
		bodies = deriveText(def, bodies)
	}

	m := mail.New(bodies...)

	if def.subject != nil {
		subject, err := def.subject.Execute(bindings)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrRender, def.Name, err)
		}
		if err := m.InsertHeaders(mail.Subject(strings.TrimSpace(subject))); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrRender, def.Name, err)
		}
	}

	for _, name := range slices.Sorted(maps.Keys(data.embeddings)) {
		if err := m.AddEmbedding(data.embeddings[name]); err != nil {
			return nil, fmt.Errorf("%w: embedding %q: %w", ErrRender, name, err)
		}
	}
	for _, l := range data.attachments {
		if err := m.AddAttachment(l); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRender, err)
		}
	}

	return m, nil
}

// RenderData resolves data and renders it in one step.
func RenderData[T any](ctx context.Context, def *Definition, data Data[T], resolver *resource.Resolver, mctx mailctx.Context) (*mail.Mail, error) {
	loaded, err := LoadData(ctx, def, data, resolver, mctx)
	if err != nil {
		return nil, err
	}
	return Render(def, loaded)
}

// bind converts value to a map keyed by JSON field names and adds the
// reserved Content-ID map.
func bind(value any, cids map[string]string) (map[string]any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataShape, err)
	}

	var bindings map[string]any
	if err := json.Unmarshal(raw, &bindings); err != nil {
		return nil, fmt.Errorf("%w: got %s", ErrDataShape, firstToken(raw))
	}
	if bindings == nil {
		bindings = make(map[string]any)
	}
	if _, taken := bindings[CIDsKey]; taken {
		return nil, fmt.Errorf("%w: field %q is reserved", ErrDataShape, CIDsKey)
	}

	ids := make(map[string]any, len(cids))
	for name, id := range cids {
		ids[name] = id
	}
	bindings[CIDsKey] = ids

	return bindings, nil
}

func firstToken(raw []byte) string {
	if len(raw) > 20 {
		return string(raw[:20]) + "..."
	}
	return string(raw)
}

var blankLines = regexp.MustCompile(`\n[ \t]*(\n[ \t]*)+`)

// deriveText prepends a plain text alternative built from the first HTML
// body, unless a plain text body already exists.
func deriveText(def *Definition, bodies []mail.Body) []mail.Body {
	var source []byte
	for _, b := range bodies {
		if strings.HasPrefix(b.MediaType, "text/plain") {
			return bodies
		}
		if source == nil && strings.HasPrefix(b.MediaType, "text/html") {
			source = b.Content
		}
	}
	if source == nil {
		return bodies
	}

	text := html.UnescapeString(string(def.policy.SanitizeBytes(source)))
	text = strings.TrimSpace(blankLines.ReplaceAllString(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n"))

	out := make([]mail.Body, 0, len(bodies)+1)
	out = append(out, mail.Body{MediaType: "text/plain; charset=utf-8", Content: []byte(text + "\n")})
	return append(out, bodies...)
}
