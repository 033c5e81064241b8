//go:build integration

package natsclient

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKV(t *testing.T) *KVStore {
	tc := NewTestClient(t)
	bucket, err := tc.Client.CreateKeyValueBucket(context.Background(), jetstream.KeyValueConfig{Bucket: "kv_test"})
	require.NoError(t, err)
	return tc.Client.NewKVStore(bucket)
}

func TestKVStore_CreateConflict(t *testing.T) {
	kv := newKV(t)
	ctx := context.Background()

	_, err := kv.Create(ctx, "cfg.a", []byte("1"))
	require.NoError(t, err)
	_, err = kv.Create(ctx, "cfg.a", []byte("2"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	_, err = kv.Get(ctx, "cfg.missing")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}

func TestKVStore_UpdateWithRetryConcurrent(t *testing.T) {
	kv := newKV(t)
	ctx := context.Background()

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		revs = map[uint64]bool{}
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rev, err := kv.UpdateWithRetry(ctx, "counter", func(cur []byte) ([]byte, error) {
				n := 0
				if cur != nil {
					n, _ = strconv.Atoi(string(cur))
				}
				return []byte(strconv.Itoa(n + 1)), nil
			})
			assert.NoError(t, err)
			mu.Lock()
			revs[rev] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	entry, err := kv.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(writers), string(entry.Value))
	assert.Len(t, revs, writers, "every write lands on its own revision")
	assert.True(t, revs[entry.Revision])

	boom := errors.New("boom")
	_, err = kv.UpdateWithRetry(ctx, "counter", func([]byte) ([]byte, error) { return nil, boom })
	assert.Same(t, boom, err)

	keys, err := kv.Keys(ctx, ">")
	require.NoError(t, err)
	assert.Equal(t, []string{"counter"}, keys)
}
