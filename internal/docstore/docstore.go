// Package docstore reads and writes the pipeline's small JSON documents
// (schema contract, manifest) at a location given as a path or URL.
//
// Supported locations:
//
//	/abs/path.json, rel/path.json, file:///abs/path.json
//	gs://bucket/key.json
//	s3://bucket/key.json
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotFound is returned by Read when no document exists at the location.
var ErrNotFound = errors.New("document not found")

// Document is a single document at a fixed location.
type Document interface {
	Read(ctx context.Context) ([]byte, error)
	// Write replaces the whole document.
	Write(ctx context.Context, data []byte) error
	Location() string
	Close() error
}

// Options configures the cloud backends.
type Options struct {
	// GCS
	GCSCredentialsFile string `koanf:"gcs_credentials_file"`
	GCSEndpoint        string `koanf:"gcs_endpoint"`

	// S3
	S3Region    string `koanf:"s3_region"`
	S3Endpoint  string `koanf:"s3_endpoint"`
	S3PathStyle bool   `koanf:"s3_path_style"`
}

// Location is a parsed document location.
type Location struct {
	Scheme string // file, gs, s3
	Bucket string
	Key    string // object key, or filesystem path for file
}

func (l Location) String() string {
	if l.Scheme == "file" {
		return l.Key
	}
	return l.Scheme + "://" + l.Bucket + "/" + l.Key
}

// ParseLocation parses raw into a Location.
func ParseLocation(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, errors.New("empty document location")
	}
	if !strings.Contains(raw, "://") {
		return Location{Scheme: "file", Key: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("invalid document location %q: %w", raw, err)
	}

	switch u.Scheme {
	case "file":
		return Location{Scheme: "file", Key: u.Path}, nil
	case "gs", "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Location{}, fmt.Errorf("document location %q needs a bucket and a key", raw)
		}
		return Location{Scheme: u.Scheme, Bucket: u.Host, Key: key}, nil
	default:
		return Location{}, fmt.Errorf("unsupported document location scheme %q", u.Scheme)
	}
}

// Open returns the document at raw.
func Open(ctx context.Context, raw string, opts Options) (Document, error) {
	loc, err := ParseLocation(raw)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "gs":
		return openGCS(ctx, loc, opts)
	case "s3":
		return openS3(ctx, loc, opts)
	default:
		return &fileDocument{path: loc.Key}, nil
	}
}

// ReadJSON reads the document and decodes it into v.
func ReadJSON(ctx context.Context, d Document, v any) error {
	data, err := d.Read(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Location(), err)
	}
	return nil
}

// WriteJSON encodes v as indented JSON and replaces the document.
func WriteJSON(ctx context.Context, d Document, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.Location(), err)
	}
	return d.Write(ctx, append(data, '\n'))
}
