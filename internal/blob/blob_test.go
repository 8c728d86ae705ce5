package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func stores(t *testing.T) (map[string]Store, *fakeS3) {
	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	fake := newFakeS3()
	return map[string]Store{"fs": fs, "s3": NewS3StoreWithClient(fake, "bucket", "/data/")}, fake
}

func TestStoreRoundtrip(t *testing.T) {
	all, _ := stores(t)
	for name, st := range all {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := st.Exists(ctx, "s1/alice/gps/1.csv")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = st.Open(ctx, "s1/alice/gps/1.csv")
			assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

			require.NoError(t, st.Put(ctx, "s1/alice/gps/1.csv", []byte("lat,lon\n")))
			ok, err = st.Exists(ctx, "s1/alice/gps/1.csv")
			require.NoError(t, err)
			assert.True(t, ok)

			rc, err := st.Open(ctx, "/s1/alice/gps/1.csv")
			require.NoError(t, err)
			defer rc.Close()
			b, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, "lat,lon\n", string(b))
		})
	}
}

func TestStoreRejectsTraversal(t *testing.T) {
	all, _ := stores(t)
	for name, st := range all {
		t.Run(name, func(t *testing.T) {
			err := st.Put(context.Background(), "../../etc/passwd", []byte("x"))
			assert.Error(t, err)
			_, err = st.Open(context.Background(), "")
			assert.Error(t, err)
		})
	}
}

func TestS3StoreUsesPrefix(t *testing.T) {
	_, fake := stores(t)
	st := NewS3StoreWithClient(fake, "bucket", "data")
	require.NoError(t, st.Put(context.Background(), "forest/s1/t1/summary.csv", []byte("x")))
	var keys []string
	for k := range fake.objects {
		keys = append(keys, k)
	}
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "bucket/data/forest/"), keys[0])
}
