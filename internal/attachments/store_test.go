package attachments

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutAndGet(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	rec := Record{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("hello")}
	require.NoError(t, s.Put(ctx, "sess-1", "att-1", rec))

	got, err := s.Get(ctx, "sess-1", "att-1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestStore_GetNotFound(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Get(context.Background(), "sess-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "sess-1", "att-1", Record{Filename: "f"}))
	require.NoError(t, s.Delete(ctx, "sess-1", "att-1"))

	_, err := s.Get(ctx, "sess-1", "att-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteNonexistentIsNotAnError(t *testing.T) {
	s := New(t.TempDir())
	assert.NoError(t, s.Delete(context.Background(), "sess-1", "never-existed"))
}

func TestStore_List(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, "sess-1", id, Record{Filename: id}))
	}
	// a different session's attachments must not leak into the listing
	require.NoError(t, s.Put(ctx, "sess-2", "d", Record{Filename: "d"}))

	ids, err := s.List(ctx, "sess-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)
}

func TestStore_ListEmptySession(t *testing.T) {
	s := New(t.TempDir())
	ids, err := s.List(context.Background(), "never-uploaded-to")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_DeleteSessionRemovesAllItsAttachments(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "sess-1", "a", Record{Filename: "a"}))
	require.NoError(t, s.Put(ctx, "sess-1", "b", Record{Filename: "b"}))
	require.NoError(t, s.Put(ctx, "sess-2", "c", Record{Filename: "c"}))

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))

	ids, err := s.List(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = s.List(ctx, "sess-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids)
}

func TestStore_AtomicWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "sess-1", "att-1", Record{Filename: "f"}))

	_, err := os.Stat(filepath.Join(dir, "sess-1", "att-1.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_ConcurrentPutToSameAttachment(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, s.Put(ctx, "sess-1", "att-1", Record{Filename: "f"}))
		}(i)
	}
	wg.Wait()

	_, err := s.Get(ctx, "sess-1", "att-1")
	require.NoError(t, err)
}
