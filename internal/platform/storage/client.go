package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/lumenshop/api/internal/platform/auth"
)

// Downloads stay short-lived; fifteen minutes is the ceiling regardless of
// what a caller asks for.
const (
	defaultDownloadExpiry = 5 * time.Minute
	maxDownloadExpiry     = 15 * time.Minute
)

var (
	errNoSigner         = errors.New("storage: signer is required")
	errInvalidBucket    = errors.New("storage: bucket name is required")
	errInvalidObject    = errors.New("storage: object name is required")
	errMethodNotAllowed = errors.New("storage: downloads are limited to GET and HEAD")
	errExpiryTooLong    = errors.New("storage: expiry exceeds permitted maximum")
)

// Client mints V4 signed download URLs for bucket objects such as product
// images. The API never proxies object bytes; clients fetch them from Cloud
// Storage with the minted URL.
type Client struct {
	signer Signer
	scheme storage.SigningScheme
	now    func() time.Time
}

// ClientOption customises client behaviour.
type ClientOption func(*Client)

// WithSigningScheme overrides the signing scheme (defaults to V4).
func WithSigningScheme(scheme storage.SigningScheme) ClientOption {
	return func(c *Client) {
		if scheme != 0 {
			c.scheme = scheme
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewClient constructs a signed URL client around the provided signer.
func NewClient(signer Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}

	client := &Client{
		signer: signer,
		scheme: storage.SigningSchemeV4,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// DownloadOptions control the access check and response shaping applied to a
// signed download URL.
type DownloadOptions struct {
	// Method defaults to GET; HEAD is the only other method signed.
	Method    string
	ExpiresIn time.Duration

	// Response overrides carried as response-* query parameters.
	Disposition  string
	CacheControl string
	ResponseType string

	// Access check inputs. Anonymous access must be opted into explicitly;
	// catalog images are public, receipts are not.
	OwnerID        string
	Identity       *auth.Identity
	AllowAnonymous bool

	// Query carries extra signed query parameters. Response overrides above
	// win on collisions.
	Query map[string]string
}

// SignedDownload is the minted URL together with the terms it was signed under.
type SignedDownload struct {
	URL       string
	Method    string
	ExpiresAt time.Time
}

// SignDownload authorizes the caller against the object owner and mints a
// signed download URL.
func (c *Client) SignDownload(ctx context.Context, bucket, object string, opts DownloadOptions) (SignedDownload, error) {
	if c == nil {
		return SignedDownload{}, errNoSigner
	}
	if ctx == nil {
		return SignedDownload{}, errors.New("storage: context is required")
	}
	if bucket = strings.TrimSpace(bucket); bucket == "" {
		return SignedDownload{}, errInvalidBucket
	}
	if object = strings.TrimSpace(object); object == "" {
		return SignedDownload{}, errInvalidObject
	}

	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = httpMethodGet
	}
	if method != httpMethodGet && method != httpMethodHead {
		return SignedDownload{}, errMethodNotAllowed
	}

	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = defaultDownloadExpiry
	}
	if expiry > maxDownloadExpiry {
		return SignedDownload{}, errExpiryTooLong
	}

	if err := AuthorizeDownload(opts.Identity, opts.OwnerID, opts.AllowAnonymous); err != nil {
		return SignedDownload{}, err
	}

	expiresAt := c.now().Add(expiry)
	urlOpts := storage.SignedURLOptions{
		GoogleAccessID: c.signer.Email(),
		Scheme:         c.scheme,
		Method:         method,
		Expires:        expiresAt,
		SignBytes: func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		},
	}
	if query := downloadQuery(opts); len(query) > 0 {
		urlOpts.QueryParameters = query
	}

	signedURL, err := storage.SignedURL(bucket, object, &urlOpts)
	if err != nil {
		return SignedDownload{}, fmt.Errorf("storage: sign download url: %w", err)
	}

	return SignedDownload{
		URL:       signedURL,
		Method:    method,
		ExpiresAt: expiresAt,
	}, nil
}

const (
	httpMethodGet  = "GET"
	httpMethodHead = "HEAD"
)

func downloadQuery(opts DownloadOptions) url.Values {
	query := url.Values{}
	if opts.Disposition != "" {
		query.Set("response-content-disposition", opts.Disposition)
	}
	if opts.CacheControl != "" {
		query.Set("response-cache-control", opts.CacheControl)
	}
	if opts.ResponseType != "" {
		query.Set("response-content-type", opts.ResponseType)
	}
	for key, value := range opts.Query {
		if query.Has(key) {
			continue
		}
		query.Set(key, value)
	}
	return query
}
