package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/shineum/template-mailer/internal/mailctx"
)

// maxResourceSize caps remote downloads at 25 MB.
const maxResourceSize = 25 * 1024 * 1024

// PathLoader reads "path:" locators relative to the context base directory
// and "file:" locators as absolute paths or file URLs.
type PathLoader struct{}

func (PathLoader) Load(ctx context.Context, iri IRI, mctx mailctx.Context) (*Fetched, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var p string
	switch iri.Scheme {
	case "file":
		p = filepath.FromSlash(iri.Tail)
		if strings.HasPrefix(iri.Tail, "//") {
			u, err := url.Parse(iri.String())
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedLocator, err)
			}
			p = filepath.FromSlash(u.Path)
		}
		if !filepath.IsAbs(p) {
			return nil, fmt.Errorf("%w: file locator must be absolute", ErrMalformedLocator)
		}
	default:
		p = mctx.ResolvePath(iri.Tail)
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	return &Fetched{Bytes: data, FileName: filepath.Base(p)}, nil
}

// HTTPLoader fetches http and https locators.
type HTTPLoader struct {
	client *http.Client
}

// NewHTTPLoader creates an HTTP loader. A nil client gets a 30 second timeout.
func NewHTTPLoader(client *http.Client) *HTTPLoader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPLoader{client: client}
}

func (h *HTTPLoader) Load(ctx context.Context, iri IRI, _ mailctx.Context) (*Fetched, error) {
	u, err := url.Parse(iri.String())
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid URL %q", ErrMalformedLocator, iri.String())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLocator, err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnreachable, resp.StatusCode)
	}

	data, err := readLimited(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Fetched{
		Bytes:     data,
		MediaType: resp.Header.Get("Content-Type"),
		FileName:  path.Base(u.Path),
	}, nil
}

// GetObjectAPI is the subset of the S3 client used by S3Loader.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Loader fetches "s3://bucket/key" locators.
type S3Loader struct {
	client GetObjectAPI
}

// NewS3Loader creates an S3 loader from the default AWS configuration chain.
func NewS3Loader(ctx context.Context, region string) (*S3Loader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Loader{client: s3.NewFromConfig(cfg)}, nil
}

// NewS3LoaderWithClient creates an S3 loader with a custom client, used for testing.
func NewS3LoaderWithClient(client GetObjectAPI) *S3Loader {
	return &S3Loader{client: client}
}

func (l *S3Loader) Load(ctx context.Context, iri IRI, _ mailctx.Context) (*Fetched, error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(iri.Tail, "//"), "/")
	if !ok || bucket == "" || key == "" {
		return nil, fmt.Errorf("%w: expected s3://bucket/key", ErrMalformedLocator)
	}

	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: S3 GetObject %s/%s: %w", ErrUnreachable, bucket, key, err)
	}
	defer out.Body.Close()

	data, err := readLimited(out.Body)
	if err != nil {
		return nil, err
	}

	return &Fetched{
		Bytes:     data,
		MediaType: aws.ToString(out.ContentType),
		FileName:  path.Base(key),
	}, nil
}

var errTooLarge = errors.New("resource exceeds size limit")

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxResourceSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if len(data) > maxResourceSize {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, errTooLarge)
	}
	return data, nil
}
