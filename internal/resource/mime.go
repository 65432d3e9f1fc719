package resource

import (
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const mimeOctetStream = "application/octet-stream"

// detectMediaType picks a media type from, in order: a transport hint,
// agreement between the file extension and content sniffing.
func detectMediaType(data []byte, hint, name string) (string, error) {
	if mt, ok := usableHint(hint); ok {
		return mt, nil
	}

	byExt := ""
	if ext := path.Ext(name); ext != "" {
		byExt = mime.TypeByExtension(strings.ToLower(ext))
	}

	sniffed := mimetype.Detect(data)
	sniffBase := baseType(sniffed.String())

	switch {
	case byExt == "" && sniffBase == mimeOctetStream:
		return "", fmt.Errorf("%w: content not recognized and no file extension", ErrAmbiguousMediaType)
	case byExt == "":
		return sniffed.String(), nil
	case sniffBase == mimeOctetStream || sniffBase == "text/plain":
		return byExt, nil
	}

	extBase := baseType(byExt)
	for m := sniffed; m != nil; m = m.Parent() {
		if m.Is(extBase) {
			return sniffed.String(), nil
		}
	}

	return "", fmt.Errorf("%w: extension suggests %s but content looks like %s", ErrAmbiguousMediaType, extBase, sniffBase)
}

func usableHint(hint string) (string, bool) {
	if hint == "" {
		return "", false
	}
	mt, params, err := mime.ParseMediaType(hint)
	if err != nil || mt == mimeOctetStream || mt == "binary/octet-stream" {
		return "", false
	}
	return mime.FormatMediaType(mt, params), true
}

// normalizeOverride validates an explicit media type override.
func normalizeOverride(mt string) (string, error) {
	parsed, params, err := mime.ParseMediaType(mt)
	if err != nil {
		return "", fmt.Errorf("%w: invalid media type override %q: %v", ErrAmbiguousMediaType, mt, err)
	}
	return mime.FormatMediaType(parsed, params), nil
}

func baseType(mt string) string {
	parsed, _, err := mime.ParseMediaType(mt)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(mt, ";", 2)[0]))
	}
	return parsed
}
