package writer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/arraysink/arraysink/internal/config"
	"github.com/arraysink/arraysink/internal/journal"
	"github.com/arraysink/arraysink/internal/sink"
)

func localConfig(dir string, maxItems int) config.Config {
	c := config.Default()
	c.Folder = dir
	c.MaxItemsPerShard = maxItems
	return c
}

func readShard(t *testing.T, dir, key string) []string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, key))
	if err != nil {
		t.Fatal(err)
	}
	var items []string
	if err := json.Unmarshal(b, &items); err != nil {
		t.Fatalf("shard %s is not a valid JSON string array: %v\n%s", key, err, b)
	}
	return items
}

func TestWriter_SplitsIntoShards(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := New(ctx, localConfig(dir, 2))
	require.NoError(t, err)

	for _, item := range []string{`"a"`, `"b"`, `"c"`} {
		require.NoError(t, w.Push(ctx, item))
	}
	require.NoError(t, w.Close(ctx))

	assert.Equal(t, []string{"shard_0000.json", "shard_0001.json"}, w.ShardKeys())
	assert.Equal(t, []string{"a", "b"}, readShard(t, dir, "shard_0000.json"))
	assert.Equal(t, []string{"c"}, readShard(t, dir, "shard_0001.json"))
	assert.Equal(t, 3, w.TotalItemsWritten())
	assert.Equal(t, 1, w.ItemsInCurrentShard())
}

func TestWriter_PreservesOrderAcrossShards(t *testing.T) {
	const n, k = 10, 3
	dir := t.TempDir()
	ctx := context.Background()
	w, err := New(ctx, localConfig(dir, k))
	require.NoError(t, err)

	var want []string
	for i := 0; i < n; i++ {
		item := fmt.Sprintf("item-%02d", i)
		want = append(want, item)
		require.NoError(t, w.Push(ctx, fmt.Sprintf("%q", item)))
	}
	require.NoError(t, w.Close(ctx))

	keys := w.ShardKeys()
	require.Len(t, keys, 4, "ceil(10/3) shards")

	var got []string
	for _, key := range keys {
		items := readShard(t, dir, key)
		assert.LessOrEqual(t, len(items), k)
		got = append(got, items...)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, n, w.TotalItemsWritten())
}

func TestWriter_SchemaRejectsItemOnly(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := localConfig(dir, 10)
	cfg.Schema = func(v any) error {
		if _, ok := v.(string); !ok {
			return errors.New("expected a string value")
		}
		return nil
	}
	w, err := New(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, w.Push(ctx, `"x"`))
	indexBefore := w.ItemsInCurrentShard()

	err = w.Push(ctx, 42)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, Recoverable(err))
	assert.Equal(t, indexBefore, w.ItemsInCurrentShard(), "rejected item must not mutate shard state")

	require.NoError(t, w.Push(ctx, `"y"`))
	require.NoError(t, w.Close(ctx))

	assert.Equal(t, []string{"x", "y"}, readShard(t, dir, "shard_0000.json"))
	assert.Equal(t, 2, w.TotalItemsWritten())
}

func TestWriter_SerializationErrorIsRecoverable(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := New(ctx, localConfig(dir, 10))
	require.NoError(t, err)

	require.NoError(t, w.Push(ctx, `"ok"`))

	err = w.Push(ctx, make(chan int)) // not marshalable
	var se *SerializationError
	require.ErrorAs(t, err, &se)
	assert.True(t, Recoverable(err))

	require.NoError(t, w.Push(ctx, `"also ok"`))
	require.NoError(t, w.Close(ctx))

	assert.Equal(t, []string{"ok", "also ok"}, readShard(t, dir, "shard_0000.json"))
}

func TestWriter_AppendInfersSeparator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_0000.json")
	require.NoError(t, os.WriteFile(path, []byte("[\"p\"]\n"), 0644))

	ctx := context.Background()
	cfg := localConfig(dir, 10)
	cfg.Append = true
	w, err := New(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, w.Push(ctx, `"q"`))
	require.NoError(t, w.Close(ctx))

	assert.Equal(t, []string{"p", "q"}, readShard(t, dir, "shard_0000.json"))
}

func TestWriter_OverwriteReplacesShard(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shard_0000.json")
	require.NoError(t, os.WriteFile(path, []byte("[\"old\"]\n"), 0644))

	ctx := context.Background()
	cfg := localConfig(dir, 10)
	cfg.Overwrite = true
	w, err := New(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, w.Push(ctx, `"new"`))
	require.NoError(t, w.Close(ctx))

	assert.Equal(t, []string{"new"}, readShard(t, dir, "shard_0000.json"))
}

func TestWriter_CreateSkipsExistingShard(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shard_0000.json"), []byte("[]\n"), 0644))

	ctx := context.Background()
	w, err := New(ctx, localConfig(dir, 10))
	require.NoError(t, err)

	require.NoError(t, w.Push(ctx, `"a"`))
	require.NoError(t, w.Close(ctx))

	assert.Equal(t, []string{"shard_0001.json"}, w.ShardKeys())
	assert.Equal(t, []string{"a"}, readShard(t, dir, "shard_0001.json"))
	// Pre-existing shard untouched.
	b, _ := os.ReadFile(filepath.Join(dir, "shard_0000.json"))
	assert.Equal(t, "[]\n", string(b))
}

func TestWriter_ConfigErrorBeforeAnySinkOperation(t *testing.T) {
	stub := &stubSink{}
	cfg := localConfig("/tmp/out", 10)
	cfg.Append = true
	cfg.Overwrite = true

	_, err := New(context.Background(), cfg, WithSink(stub))
	assert.ErrorIs(t, err, config.ErrAppendAndOverwrite)
	assert.Zero(t, stub.probes+stub.opens, "no sink operation before validation passes")
}

func TestWriter_MissingBucketConfigError(t *testing.T) {
	cfg := config.Default()
	cfg.Local = false
	cfg.Bucket = ""

	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, config.ErrMissingBucket)
}

func TestWriter_LazyOpenDefersFirstShard(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := New(ctx, localConfig(dir, 10))
	require.NoError(t, err)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries, "no shard before the first push")

	require.NoError(t, w.Close(ctx))
	assert.Empty(t, w.ShardKeys())
	entries, _ = os.ReadDir(dir)
	assert.Empty(t, entries, "an idle writer leaves nothing behind")
}

func TestWriter_EagerOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := localConfig(dir, 10)
	cfg.LazyOpen = false
	w, err := New(ctx, cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"shard_0000.json"}, w.ShardKeys())
	require.NoError(t, w.Close(ctx))
	assert.Equal(t, []string{}, readShard(t, dir, "shard_0000.json"))
}

func TestWriter_CloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := New(ctx, localConfig(dir, 10))
	require.NoError(t, err)
	require.NoError(t, w.Push(ctx, `"a"`))

	require.NoError(t, w.Close(ctx))
	require.NoError(t, w.Close(ctx))
}

func TestWriter_PushAfterClose(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := New(ctx, localConfig(dir, 10))
	require.NoError(t, err)
	require.NoError(t, w.Push(ctx, `"a"`))
	require.NoError(t, w.Close(ctx))

	err = w.Push(ctx, `"b"`)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, Recoverable(err))
}

func TestWriter_FatalWriteErrorDestroys(t *testing.T) {
	stub := &stubSink{failWrite: true}
	ctx := context.Background()
	w, err := New(ctx, localConfig("/tmp/out", 10), WithSink(stub))
	require.NoError(t, err)

	err = w.Push(ctx, `"a"`)
	require.Error(t, err)
	assert.False(t, Recoverable(err))
	assert.True(t, stub.closed, "held sink must be released on the failure path")

	assert.ErrorIs(t, w.Push(ctx, `"b"`), ErrClosed)
	assert.NoError(t, w.Close(ctx), "close after destruction is a no-op")
}

func TestWriter_RotationFailureIsFatal(t *testing.T) {
	stub := &stubSink{failCloseAfter: 1}
	ctx := context.Background()
	w, err := New(ctx, localConfig("/tmp/out", 1), WithSink(stub))
	require.NoError(t, err)

	require.NoError(t, w.Push(ctx, `"a"`))
	err = w.Push(ctx, `"b"`) // shard full: rotation closes shard 0 and fails
	require.Error(t, err)
	assert.False(t, Recoverable(err))
	assert.ErrorIs(t, w.Push(ctx, `"c"`), ErrClosed)
}

func TestWriter_JournalRecordsShards(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := localConfig(dir, 2)
	cfg.JournalPath = filepath.Join(dir, "journal.db")
	w, err := New(ctx, cfg)
	require.NoError(t, err)

	for _, item := range []string{`"a"`, `"b"`, `"c"`} {
		require.NoError(t, w.Push(ctx, item))
	}
	require.NoError(t, w.Close(ctx))

	j, err := journal.Open(cfg.JournalPath)
	require.NoError(t, err)
	defer j.Close()

	entries, err := j.ListRun(w.RunID())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "shard_0000.json", entries[0].Key)
	assert.Equal(t, 2, entries[0].Items)
	assert.Equal(t, "shard_0001.json", entries[1].Key)
	assert.Equal(t, 1, entries[1].Items)

	// The recorded checksum is the BLAKE2b-256 of the shard file.
	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(dir, e.Key))
		require.NoError(t, err)
		sum := blake2b.Sum256(b)
		assert.Equal(t, hex.EncodeToString(sum[:]), e.Checksum)
		assert.Equal(t, int64(len(b)), e.Bytes)
	}
}

func TestWriter_MarshalsStructs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	w, err := New(ctx, localConfig(dir, 10))
	require.NoError(t, err)

	type record struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	require.NoError(t, w.Push(ctx, record{Name: "a", N: 1}))
	require.NoError(t, w.Push(ctx, record{Name: "b", N: 2}))
	require.NoError(t, w.Close(ctx))

	b, err := os.ReadFile(filepath.Join(dir, "shard_0000.json"))
	require.NoError(t, err)
	var got []record
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, []record{{"a", 1}, {"b", 2}}, got)
}

func TestWriter_CompressedShards(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := localConfig(dir, 2)
	cfg.Compress = true
	w, err := New(ctx, cfg)
	require.NoError(t, err)

	for _, item := range []string{`"a"`, `"b"`, `"c"`} {
		require.NoError(t, w.Push(ctx, item))
	}
	require.NoError(t, w.Close(ctx))

	assert.Equal(t, []string{"shard_0000.json.zst", "shard_0001.json.zst"}, w.ShardKeys())
	for _, key := range w.ShardKeys() {
		_, err := os.Stat(filepath.Join(dir, key))
		assert.NoError(t, err)
	}
}

// stubSink exercises the writer without touching storage.
type stubSink struct {
	probes         int
	opens          int
	failWrite      bool
	failCloseAfter int // fail the Nth handle close (1-based); 0 = never
	closed         bool
	closes         int
}

func (s *stubSink) Exists(_ context.Context, key string) (bool, error) {
	s.probes++
	return false, nil
}

func (s *stubSink) Open(_ context.Context, key string, mode sink.Mode) (sink.Handle, error) {
	s.opens++
	return &stubHandle{s: s}, nil
}

type stubHandle struct {
	s *stubSink
}

func (h *stubHandle) Write(_ context.Context, p []byte) error {
	if h.s.failWrite {
		return errors.New("disk full")
	}
	return nil
}

func (h *stubHandle) Close(_ context.Context, trailing []byte) error {
	h.s.closes++
	h.s.closed = true
	if h.s.failCloseAfter > 0 && h.s.closes == h.s.failCloseAfter {
		return errors.New("close failed")
	}
	return nil
}

func (h *stubHandle) NeedsSeparator() bool { return false }
