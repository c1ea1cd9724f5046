package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goldenknightlounge/fantasy-ingest/pkg/pipeline"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies []string
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, string(body))
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_Archive(t *testing.T) {
	client := &fakeS3{}
	a := NewS3Archiver(client, "ingest-raw", "/raw/", nil)

	rec := pipeline.RawRecord{
		EntityType:    "leagues",
		NaturalKey:    "423.l/1",
		FetchedAt:     time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC),
		Payload:       []byte(`{"name":"x"}`),
		SchemaVersion: "v1",
	}
	require.NoError(t, a.Archive(context.Background(), rec))

	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "ingest-raw", aws.ToString(in.Bucket))
	assert.Equal(t, "raw/leagues/423.l%2F1/20240506T070809.123456Z.json", aws.ToString(in.Key))
	assert.Equal(t, s3types.StorageClassStandardIa, in.StorageClass)
	assert.Equal(t, "v1", in.Metadata["schema-version"])
	assert.Equal(t, `{"name":"x"}`, client.bodies[0])
}

func TestS3Archiver_Error(t *testing.T) {
	a := NewS3Archiver(&fakeS3{err: errors.New("denied")}, "b", "", nil)
	err := a.Archive(context.Background(), pipeline.RawRecord{EntityType: "leagues", NaturalKey: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://b/leagues/k/")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("INGEST_ARCHIVE_BUCKET", "bucket")
	t.Setenv("INGEST_ARCHIVE_PREFIX", "archive")
	t.Setenv("INGEST_ARCHIVE_ENDPOINT", "http://localhost:9000")

	cfg := ConfigFromEnv()
	assert.True(t, cfg.Enabled())
	assert.Equal(t, "archive", cfg.Prefix)
	assert.Equal(t, "http://localhost:9000", cfg.Endpoint)

	assert.False(t, Config{}.Enabled())
}
