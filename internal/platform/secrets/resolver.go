package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	meterScope     = "github.com/lumenshop/api/internal/platform/secrets"
	defaultVersion = "latest"
	defaultTimeout = 10 * time.Second
)

// ErrNotFound indicates the referenced secret or version does not exist.
var ErrNotFound = errors.New("secrets: secret not found")

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver resolves secret:// references through Google Secret Manager with
// in-process caching. Reference form: secret://<name>[@<version>], resolved
// against the configured project.
type Resolver struct {
	client     secretManagerClient
	ownsClient bool
	projectID  string
	timeout    time.Duration
	logger     *zap.Logger

	mu    sync.RWMutex
	cache map[string]string

	latency        metric.Float64Histogram
	latencyEnabled bool
	hits           metric.Int64Counter
	hitsEnabled    bool
}

// Option customises Resolver construction.
type Option func(*Resolver)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTimeout bounds each Secret Manager access call.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClient injects a preconfigured Secret Manager client (primarily for tests).
func WithClient(client secretManagerClient) Option {
	return func(r *Resolver) {
		r.client = client
		r.ownsClient = false
	}
}

// NewResolver constructs a Resolver for the given project. When no client is
// injected one is created with the supplied client options.
func NewResolver(ctx context.Context, projectID string, clientOpts []option.ClientOption, opts ...Option) (*Resolver, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("secrets: project id is required")
	}

	r := &Resolver{
		projectID: projectID,
		timeout:   defaultTimeout,
		logger:    zap.NewNop(),
		cache:     make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	if r.client == nil {
		client, err := secretmanager.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("secrets: create client: %w", err)
		}
		r.client = client
		r.ownsClient = true
	}

	meter := otel.GetMeterProvider().Meter(meterScope)
	if latency, err := meter.Float64Histogram("secrets.access.duration",
		metric.WithDescription("Latency of Secret Manager access calls in seconds"),
		metric.WithUnit("s")); err == nil {
		r.latency = latency
		r.latencyEnabled = true
	}
	if hits, err := meter.Int64Counter("secrets.cache.hits",
		metric.WithDescription("Number of secret lookups served from cache")); err == nil {
		r.hits = hits
		r.hitsEnabled = true
	}

	return r, nil
}

// ResolveSecret implements config.SecretResolver for secret:// references.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	if r == nil || r.client == nil {
		return "", errors.New("secrets: resolver not initialised")
	}

	name, version, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	cacheKey := name + "@" + version

	r.mu.RLock()
	cached, ok := r.cache[cacheKey]
	r.mu.RUnlock()
	if ok {
		if r.hitsEnabled {
			r.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", name)))
		}
		return cached, nil
	}

	accessCtx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		accessCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := r.client.AccessSecretVersion(accessCtx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/%s", r.projectID, name, version),
	})
	if r.latencyEnabled {
		r.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("secret", name),
			attribute.Bool("error", err != nil),
		))
	}
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("secrets: access %s: %w", name, err)
	}

	value := string(resp.GetPayload().GetData())
	r.mu.Lock()
	r.cache[cacheKey] = value
	r.mu.Unlock()

	r.logger.Debug("secret resolved", zap.String("secret", name), zap.String("version", version))
	return value, nil
}

// Invalidate drops the cached value for a secret reference so the next lookup
// refetches it.
func (r *Resolver) Invalidate(ref string) {
	name, version, err := parseReference(ref)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.cache, name+"@"+version)
	r.mu.Unlock()
}

// Close releases the underlying client when owned by the resolver.
func (r *Resolver) Close() error {
	if r == nil || r.client == nil || !r.ownsClient {
		return nil
	}
	return r.client.Close()
}

func parseReference(ref string) (name, version string, err error) {
	trimmed := strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(trimmed, "secret://"):
		trimmed = strings.TrimPrefix(trimmed, "secret://")
	case strings.HasPrefix(trimmed, "sm://"):
		trimmed = strings.TrimPrefix(trimmed, "sm://")
	default:
		return "", "", fmt.Errorf("secrets: unsupported reference %q", ref)
	}

	version = defaultVersion
	if at := strings.LastIndex(trimmed, "@"); at >= 0 {
		version = strings.TrimSpace(trimmed[at+1:])
		trimmed = trimmed[:at]
	}
	name = strings.TrimSpace(trimmed)
	if name == "" || version == "" {
		return "", "", fmt.Errorf("secrets: malformed reference %q", ref)
	}
	return name, version, nil
}
