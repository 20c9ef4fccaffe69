package fetch

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the part of the S3 client the fetcher uses. *s3.Client
// satisfies it.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// body is an open source stream.
type body struct {
	r        io.ReadCloser
	total    int64
	mimeType string
}

func openS3(ctx context.Context, client S3API, uri string) (*body, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid s3 uri: %w", err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return nil, fmt.Errorf("s3 uri %q must be s3://bucket/key", uri)
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	total := int64(-1)
	if out.ContentLength != nil {
		total = *out.ContentLength
	}
	return &body{r: out.Body, total: total, mimeType: aws.ToString(out.ContentType)}, nil
}

// decodeDataURI parses data:[<mediatype>][;base64],<data>.
func decodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		rest, ok = strings.CutPrefix(uri, "DATA:")
	}
	if !ok {
		return nil, "", fmt.Errorf("not a data uri")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("data uri has no payload separator")
	}

	isBase64 := false
	if h, found := strings.CutSuffix(header, ";base64"); found {
		header, isBase64 = h, true
	}
	mimeType := "text/plain"
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil {
			mimeType = mt
		}
	}

	if !isBase64 {
		data, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("invalid data uri payload: %w", err)
		}
		return []byte(data), mimeType, nil
	}
	payload = strings.TrimRight(payload, "=")
	data, err := base64.RawStdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawURLEncoding.DecodeString(payload); err != nil {
			return nil, "", fmt.Errorf("invalid base64 payload: %w", err)
		}
	}
	return data, mimeType, nil
}

// localPath maps file:// URIs and bare paths to a filesystem path.
func localPath(uri string) (string, error) {
	if p, ok := strings.CutPrefix(uri, "file://"); ok {
		u, err := url.Parse("file://" + p)
		if err != nil {
			return "", fmt.Errorf("invalid file uri: %w", err)
		}
		if u.Host != "" && u.Host != "localhost" {
			return "", fmt.Errorf("file uri %q names a remote host", uri)
		}
		return filepath.FromSlash(u.Path), nil
	}
	return uri, nil
}

// mimeFromExtension guesses a type for local files.
func mimeFromExtension(path string) string {
	return mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
}

// sniffMime falls back to content sniffing.
func sniffMime(data []byte) string {
	return http.DetectContentType(data)
}
