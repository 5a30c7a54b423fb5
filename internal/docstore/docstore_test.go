package docstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		raw     string
		want    Location
		wantErr bool
	}{
		{raw: "state/manifest.json", want: Location{Scheme: "file", Key: "state/manifest.json"}},
		{raw: "file:///var/lib/fp/contract.json", want: Location{Scheme: "file", Key: "/var/lib/fp/contract.json"}},
		{raw: "gs://forecast-artifacts/features/manifest.json", want: Location{Scheme: "gs", Bucket: "forecast-artifacts", Key: "features/manifest.json"}},
		{raw: "s3://forecast/contract.json", want: Location{Scheme: "s3", Bucket: "forecast", Key: "contract.json"}},
		{raw: "", wantErr: true},
		{raw: "gs://bucket-only", wantErr: true},
		{raw: "ftp://host/x.json", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseLocation(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	loc, err := ParseLocation("s3://forecast/contract.json")
	require.NoError(t, err)
	assert.Equal(t, "s3://forecast/contract.json", loc.String())
}

type doc struct {
	Rows    int      `json:"rows"`
	Columns []string `json:"columns"`
}

func TestFileDocument_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "manifest.json")

	d, err := Open(ctx, path, Options{})
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	var got doc
	assert.ErrorIs(t, ReadJSON(ctx, d, &got), ErrNotFound)

	require.NoError(t, WriteJSON(ctx, d, doc{Rows: 3, Columns: []string{"date", "price"}}))
	require.NoError(t, WriteJSON(ctx, d, doc{Rows: 4, Columns: []string{"date", "price"}}))

	require.NoError(t, ReadJSON(ctx, d, &got))
	assert.Equal(t, doc{Rows: 4, Columns: []string{"date", "price"}}, got)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileDocument_UnwritableLocation(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	d := &fileDocument{path: filepath.Join(blocker, "manifest.json")}
	assert.Error(t, d.Write(context.Background(), []byte("{}")))
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3Document_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	d := &s3Document{client: fake, loc: Location{Scheme: "s3", Bucket: "forecast", Key: "features/contract.json"}}

	var got doc
	assert.ErrorIs(t, ReadJSON(ctx, d, &got), ErrNotFound)

	require.NoError(t, WriteJSON(ctx, d, doc{Rows: 9}))
	require.NoError(t, ReadJSON(ctx, d, &got))
	assert.Equal(t, 9, got.Rows)
	assert.Contains(t, fake.objects, "forecast/features/contract.json")
	assert.Equal(t, "s3://forecast/features/contract.json", d.Location())
}
