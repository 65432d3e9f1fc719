package tmpl

import (
	"bytes"
	"fmt"
	"html"
	htmltemplate "html/template"
	"io"
	"regexp"
	"strings"
	texttemplate "text/template"

	"github.com/osteele/liquid"
)

// Renderer compiles template sources for one template language.
type Renderer interface {
	Compile(name, source string, html bool) (Compiled, error)
}

// Compiled is a parsed template, safe for concurrent execution.
type Compiled interface {
	Execute(bindings map[string]any) (string, error)
}

// LiquidRenderer renders Liquid templates in strict mode. Every variable a
// template prints or passes to a filter must be present and non-null in the
// bindings. String data is HTML-escaped for HTML bodies.
type LiquidRenderer struct {
	engine *liquid.Engine
}

func NewLiquidRenderer() *LiquidRenderer {
	e := liquid.NewEngine()
	e.StrictVariables()
	return &LiquidRenderer{engine: e}
}

func (r *LiquidRenderer) Compile(name, source string, html bool) (Compiled, error) {
	tpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &liquidTemplate{
		name:      name,
		tpl:       tpl,
		html:      html,
		variables: referencedVariables(source),
	}, nil
}

type liquidTemplate struct {
	name      string
	tpl       *liquid.Template
	html      bool
	variables []string
}

func (t *liquidTemplate) Execute(bindings map[string]any) (string, error) {
	// Strict mode only sees unfiltered outputs that evaluate to nil.
	for _, v := range t.variables {
		if !variableExists(v, bindings) {
			return "", fmt.Errorf("%w: %q in %s", ErrMissingVariable, v, t.name)
		}
	}

	if t.html {
		bindings = escapeBindings(bindings)
	}

	out, err := t.tpl.RenderString(bindings)
	if err != nil {
		if strings.Contains(err.Error(), "undefined variable") {
			return "", fmt.Errorf("%w: %s: %v", ErrMissingVariable, t.name, err)
		}
		return "", fmt.Errorf("%s: %w", t.name, err)
	}
	return out, nil
}

// escapeBindings copies bindings with every string leaf HTML-escaped. The
// Content-ID map is left alone.
func escapeBindings(bindings map[string]any) map[string]any {
	out := make(map[string]any, len(bindings))
	for k, v := range bindings {
		if k == CIDsKey {
			out[k] = v
			continue
		}
		out[k] = escapeValue(v)
	}
	return out
}

func escapeValue(v any) any {
	switch v := v.(type) {
	case string:
		return html.EscapeString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = escapeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = escapeValue(e)
		}
		return out
	default:
		return v
	}
}

var (
	outputBlock = regexp.MustCompile(`\{\{-?(.*?)-?\}\}`)
	identPath   = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*$`)

	// Names bound inside the template by for, assign, capture, tablerow.
	localPattern = regexp.MustCompile(`\{%-?\s*(?:for|tablerow)\s+([a-zA-Z_][a-zA-Z0-9_]*)\s+in\b|\{%-?\s*(?:assign|capture|increment|decrement)\s+([a-zA-Z_][a-zA-Z0-9_]*)`)
)

// referencedVariables lists the distinct data paths that an output block
// pipes through a filter or passes as a filter argument. Plain outputs are
// left to strict mode.
func referencedVariables(source string) []string {
	locals := make(map[string]bool)
	for _, m := range localPattern.FindAllStringSubmatch(source, -1) {
		locals[m[1]+m[2]] = true
	}

	seen := make(map[string]bool)
	var vars []string
	add := func(expr string) {
		expr = strings.TrimSpace(expr)
		if !identPath.MatchString(expr) {
			return
		}
		root, _, _ := strings.Cut(expr, ".")
		if seen[expr] || locals[root] || isLiquidKeyword(root) {
			return
		}
		seen[expr] = true
		vars = append(vars, expr)
	}

	for _, m := range outputBlock.FindAllStringSubmatch(source, -1) {
		stages := strings.Split(m[1], "|")
		if len(stages) < 2 {
			continue
		}
		add(stages[0])
		for _, stage := range stages[1:] {
			_, args, ok := strings.Cut(stage, ":")
			if !ok {
				continue
			}
			for _, arg := range strings.Split(args, ",") {
				add(arg)
			}
		}
	}
	return vars
}

// variableExists reports whether path resolves to a non-null value.
func variableExists(path string, bindings map[string]any) bool {
	var current any = bindings
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		if current, ok = m[part]; !ok {
			return false
		}
	}
	return current != nil
}

func isLiquidKeyword(name string) bool {
	switch strings.ToLower(name) {
	case "forloop", "tablerowloop", "empty", "blank", "true", "false", "nil", "null":
		return true
	}
	return false
}

// GoTemplateRenderer renders text/template sources, or html/template for HTML
// bodies. Missing map keys are errors.
type GoTemplateRenderer struct{}

func (GoTemplateRenderer) Compile(name, source string, html bool) (Compiled, error) {
	if html {
		t, err := htmltemplate.New(name).Option("missingkey=error").Parse(source)
		if err != nil {
			return nil, err
		}
		return goTemplate{exec: t.Execute}, nil
	}

	t, err := texttemplate.New(name).Option("missingkey=error").Parse(source)
	if err != nil {
		return nil, err
	}
	return goTemplate{exec: t.Execute}, nil
}

type goTemplate struct {
	exec func(w io.Writer, data any) error
}

func (t goTemplate) Execute(bindings map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := t.exec(&buf, bindings); err != nil {
		if strings.Contains(err.Error(), "map has no entry for key") {
			return "", fmt.Errorf("%w: %v", ErrMissingVariable, err)
		}
		return "", err
	}
	return buf.String(), nil
}
