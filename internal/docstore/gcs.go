package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

type gcsDocument struct {
	client *storage.Client
	loc    Location
}

func openGCS(ctx context.Context, loc Location, opts Options) (*gcsDocument, error) {
	var clientOpts []option.ClientOption
	if opts.GCSCredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.GCSCredentialsFile))
	}
	if opts.GCSEndpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.GCSEndpoint), option.WithoutAuthentication())
	}
	clientOpts = append(clientOpts, option.WithScopes(storage.ScopeReadWrite))

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &gcsDocument{client: client, loc: loc}, nil
}

func (d *gcsDocument) Location() string { return d.loc.String() }

func (d *gcsDocument) Close() error { return d.client.Close() }

func (d *gcsDocument) object() *storage.ObjectHandle {
	return d.client.Bucket(d.loc.Bucket).Object(d.loc.Key)
}

func (d *gcsDocument) Read(ctx context.Context) ([]byte, error) {
	r, err := d.object().NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, d.Location())
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.Location(), err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.Location(), err)
	}
	return data, nil
}

// Write uploads a new object generation; GCS swaps generations atomically.
func (d *gcsDocument) Write(ctx context.Context, data []byte) error {
	w := d.object().NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write %s: %w", d.Location(), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write %s: %w", d.Location(), err)
	}
	return nil
}
