package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamphoto/trainer/internal/config"
	"github.com/dreamphoto/trainer/internal/errs"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakePutter struct {
	mu       sync.Mutex
	failures int
	calls    int
	bodies   [][]byte
	keys     []string
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("503 slow down")
	}
	body, _ := io.ReadAll(in.Body)
	f.bodies = append(f.bodies, body)
	f.keys = append(f.keys, *in.Key)
	return &s3.PutObjectOutput{}, nil
}

type fakePresigner struct {
	err     error
	expires time.Duration
}

func (f *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if f.err != nil {
		return nil, f.err
	}
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	f.expires = opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://bucket.example/" + *in.Key + "?sig=abc"}, nil
}

func testConfig() config.StorageConfig {
	return config.StorageConfig{
		Bucket:        "uploads",
		KeyPrefix:     "training",
		PresignExpiry: 2 * time.Hour,
		MaxRetries:    2,
		RetryBase:     time.Millisecond,
	}
}

func archiveFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "alice_42.zip")
	require.NoError(t, os.WriteFile(p, []byte("PK-zip-bytes"), 0o644))
	return p
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestUpload_RetriesThenPresigns(t *testing.T) {
	putter := &fakePutter{failures: 2}
	presigner := &fakePresigner{}
	u := newUploader(putter, presigner, testConfig(), nil)

	url, err := u.Upload(context.Background(), archiveFile(t), "alice_42.zip")
	require.NoError(t, err)

	assert.Equal(t, "https://bucket.example/training/alice_42.zip?sig=abc", url)
	assert.Equal(t, 3, putter.calls)
	assert.Equal(t, []byte("PK-zip-bytes"), putter.bodies[0], "body re-read from the start on retry")
	assert.Equal(t, 2*time.Hour, presigner.expires)
}

func TestUpload_GivesUpAsUpstreamError(t *testing.T) {
	putter := &fakePutter{failures: 10}
	u := newUploader(putter, &fakePresigner{}, testConfig(), nil)

	_, err := u.Upload(context.Background(), archiveFile(t), "alice_42.zip")
	assert.ErrorIs(t, err, errs.ErrUpstream)
	assert.Equal(t, 3, putter.calls, "one try plus two retries")
}

func TestUpload_PresignFailure(t *testing.T) {
	u := newUploader(&fakePutter{}, &fakePresigner{err: errors.New("no creds")}, testConfig(), nil)
	_, err := u.Upload(context.Background(), archiveFile(t), "alice_42.zip")
	assert.ErrorIs(t, err, errs.ErrUpstream)
}

func TestUpload_MissingFileIsNotRetried(t *testing.T) {
	putter := &fakePutter{}
	u := newUploader(putter, &fakePresigner{}, testConfig(), nil)
	_, err := u.Upload(context.Background(), filepath.Join(t.TempDir(), "gone.zip"), "gone.zip")
	require.Error(t, err)
	assert.Equal(t, 0, putter.calls)
}
