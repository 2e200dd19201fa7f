package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// Fetcher opens a remote object for reading. size is -1 when unknown.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (body io.ReadCloser, size int64, err error)
}

// HTTPFetcher fetches http and https URLs.
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("ota: fetch %s: %w", rawURL, err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("ota: fetch %s: %w", rawURL, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("ota: fetch %s: %w", rawURL, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("ota: fetch %s: http status %d", rawURL, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

// S3Client is the part of the S3 API the fetcher uses. [s3.Client]
// satisfies it.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config configures an S3 or S3-compatible endpoint.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// NewS3Client builds an S3 client with static credentials.
func NewS3Client(cfg S3Config) *s3.Client {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{
		Region:       region,
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     cfg.AccessKeyID,
				SecretAccessKey: cfg.SecretAccessKey,
				Source:          "gearfw",
			}, nil
		})
	}
	return s3.New(opts)
}

// S3Fetcher fetches s3://bucket/key URLs.
type S3Fetcher struct {
	Client S3Client
}

func (f *S3Fetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, 0, err
	}
	out, err := f.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, fmt.Errorf("ota: fetch %s: %w", rawURL, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("ota: fetch %s: %w", rawURL, err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("ota: parse %s: %w", rawURL, err)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("ota: invalid s3 url %q", rawURL)
	}
	return bucket, key, nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// MuxFetcher routes by URL scheme.
type MuxFetcher struct {
	HTTP Fetcher
	// S3 handles s3:// URLs. Nil rejects them.
	S3 Fetcher
}

func (m *MuxFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	scheme, _, ok := strings.Cut(rawURL, "://")
	if !ok {
		return nil, 0, fmt.Errorf("ota: unsupported url %q", rawURL)
	}
	switch strings.ToLower(scheme) {
	case "http", "https":
		h := m.HTTP
		if h == nil {
			h = &HTTPFetcher{}
		}
		return h.Fetch(ctx, rawURL)
	case "s3":
		if m.S3 == nil {
			return nil, 0, fmt.Errorf("ota: s3 not configured for %q", rawURL)
		}
		return m.S3.Fetch(ctx, rawURL)
	default:
		return nil, 0, fmt.Errorf("ota: unsupported scheme %q", scheme)
	}
}

// Download reads the whole object, refusing anything larger than limit
// bytes. limit <= 0 means no limit.
func Download(ctx context.Context, f Fetcher, rawURL string, limit int64) ([]byte, error) {
	body, size, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	if limit > 0 && size > limit {
		return nil, fmt.Errorf("ota: %s is %d bytes: %w", rawURL, size, ErrTooLarge)
	}
	r := io.Reader(body)
	if limit > 0 {
		r = io.LimitReader(body, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("ota: read %s: %w", rawURL, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("ota: %s exceeds %d bytes: %w", rawURL, limit, ErrTooLarge)
	}
	return data, nil
}
