package audit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func (b *memBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if b.objects == nil {
		b.objects = make(map[string][]byte)
	}
	b.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveOnceUploadsCompressedSegments(t *testing.T) {
	j := openTestJournal(t, t.TempDir(), 0)
	defer j.Close()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, j.Write(Event{Seq: i, Group: "orders", Trigger: TriggerForced, Outcome: OutcomeSuccess, DataLoss: true, Timestamp: t0}))
	}

	bucket := &memBucket{}
	a, err := NewArchiver(ArchiverConfig{
		Journal: j, Client: bucket, Bucket: "audit", Prefix: "prod-east",
		Logger: logging.NopLogger{}, Metrics: metrics.NewRegistry(),
	})
	require.NoError(t, err)

	n, err := a.ArchiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, bucket.objects, 1)

	for key, data := range bucket.objects {
		assert.Contains(t, key, "audit/prod-east/audit-")
		assert.True(t, bytes.HasSuffix([]byte(key), []byte(".jsonl.sz")))
		recs, err := DecodeArchive(data)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.True(t, recs[2].DataLoss)
	}

	n, err = a.ArchiveOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "archived segments are not uploaded twice")
}

func TestArchiveFailureKeepsSegment(t *testing.T) {
	j := openTestJournal(t, t.TempDir(), 0)
	defer j.Close()
	require.NoError(t, j.Write(Event{Seq: 1, Group: "orders", Timestamp: t0}))

	bucket := &memBucket{fail: errors.New("access denied")}
	a, err := NewArchiver(ArchiverConfig{Journal: j, Client: bucket, Bucket: "audit", Logger: logging.NopLogger{}})
	require.NoError(t, err)

	_, err = a.ArchiveOnce(context.Background())
	require.Error(t, err)

	closed, err := j.ClosedSegments()
	require.NoError(t, err)
	assert.Len(t, closed, 1)

	bucket.fail = nil
	n, err := a.ArchiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewArchiverValidation(t *testing.T) {
	_, err := NewArchiver(ArchiverConfig{})
	assert.Error(t, err)
}
