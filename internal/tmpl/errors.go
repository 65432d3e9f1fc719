package tmpl

import "errors"

var (
	// ErrTemplateLoad matches every failure to load a template definition.
	ErrTemplateLoad = errors.New("failed to load template")

	// ErrMalformedMetadata indicates an unreadable or invalid template.yaml.
	ErrMalformedMetadata = errors.New("malformed template metadata")

	// ErrUnsupportedRenderer indicates a renderer name that is not registered.
	ErrUnsupportedRenderer = errors.New("unsupported renderer")

	// ErrRender matches every failure to render a template.
	ErrRender = errors.New("failed to render template")

	// ErrMissingVariable indicates a template variable absent from the data.
	ErrMissingVariable = errors.New("missing template variable")

	// ErrDataShape indicates data that does not serialize to an object.
	ErrDataShape = errors.New("template data must be an object")

	// ErrNameCollision indicates two embeddings registered under one name.
	ErrNameCollision = errors.New("embedding name collision")
)
