// Package catalog wraps the bundled templates in typed constructors, so each
// template can only be fed the data it was written for.
package catalog

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/shineum/template-mailer/internal/mail"
	"github.com/shineum/template-mailer/internal/mailctx"
	"github.com/shineum/template-mailer/internal/resource"
	"github.com/shineum/template-mailer/internal/tmpl"
)

// Template directory names below the templates root.
const (
	HelloWorldName = "hello_world"
	AvatarName     = "avatar"
)

// AvatarEmbedding is the embedding name the avatar template refers to.
const AvatarEmbedding = "avatar"

// HelloWorldData is the input of the hello world template.
type HelloWorldData struct {
	Name   string `json:"name"`
	Target string `json:"target"`
}

// HelloWorld renders templates/hello_world.
type HelloWorld struct {
	def      *tmpl.Definition
	resolver *resource.Resolver
}

// LoadHelloWorld loads dir/hello_world through engine. A relative dir is
// resolved against the context base directory.
func LoadHelloWorld(ctx context.Context, engine *tmpl.Engine, resolver *resource.Resolver, dir string, mctx mailctx.Context) (*HelloWorld, error) {
	def, err := engine.Load(ctx, filepath.Join(dir, HelloWorldName), mctx)
	if err != nil {
		return nil, err
	}
	return &HelloWorld{def: def, resolver: resolver}, nil
}

// CreateMail renders data and addresses the result from from to to.
// Invalid addresses are reported as mail.ErrHeaderValue.
func (h *HelloWorld) CreateMail(ctx context.Context, from, to string, data HelloWorldData, mctx mailctx.Context) (*mail.Mail, error) {
	m, err := tmpl.RenderData(ctx, h.def, tmpl.Data[HelloWorldData]{Value: data}, h.resolver, mctx)
	if err != nil {
		return nil, err
	}
	return address(m, from, to)
}

// AvatarData is the avatar template's value. The template only needs its
// embedding.
type AvatarData struct{}

// Avatar renders templates/avatar with a caller supplied image.
type Avatar struct {
	def      *tmpl.Definition
	resolver *resource.Resolver
}

// LoadAvatar loads dir/avatar through engine.
func LoadAvatar(ctx context.Context, engine *tmpl.Engine, resolver *resource.Resolver, dir string, mctx mailctx.Context) (*Avatar, error) {
	def, err := engine.Load(ctx, filepath.Join(dir, AvatarName), mctx)
	if err != nil {
		return nil, err
	}
	return &Avatar{def: def, resolver: resolver}, nil
}

// PrepareData resolves the avatar image. Only resolved data has a
// Content-ID the body can point at.
func (a *Avatar) PrepareData(ctx context.Context, avatar resource.IRI, mctx mailctx.Context) (*tmpl.LoadedData[AvatarData], error) {
	return tmpl.LoadData(ctx, a.def, tmpl.Data[AvatarData]{
		Embeddings: map[string]resource.Reference{
			AvatarEmbedding: resource.Source{IRI: avatar},
		},
	}, a.resolver, mctx)
}

// CreateMail embeds the image at avatar inline and addresses the mail.
func (a *Avatar) CreateMail(ctx context.Context, from, to string, avatar resource.IRI, mctx mailctx.Context) (*mail.Mail, error) {
	data, err := a.PrepareData(ctx, avatar, mctx)
	if err != nil {
		return nil, err
	}
	m, err := tmpl.Render(a.def, data)
	if err != nil {
		return nil, err
	}
	return address(m, from, to)
}

func address(m *mail.Mail, from, to string) (*mail.Mail, error) {
	if err := m.InsertHeaders(mail.From(from), mail.To(to)); err != nil {
		return nil, fmt.Errorf("failed to address mail: %w", err)
	}
	return m, nil
}
