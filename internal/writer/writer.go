// Package writer implements the sharded streaming array writer: a push-based
// sink that serializes records as JSON and persists them as syntactically
// valid JSON-array files, rotating to a new shard once the configured item
// limit is reached.
//
// A Writer moves through Idle -> Open -> Writing <-> Rotating -> Closed. It
// is not safe for concurrent callers: all pushes must come from one
// goroutine, and each Push blocks until the backend has acknowledged the
// bytes, which is how backpressure and ordering are kept.
package writer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/arraysink/arraysink/internal/config"
	"github.com/arraysink/arraysink/internal/journal"
	"github.com/arraysink/arraysink/internal/sink"
)

var trailer = []byte("]\n")

type state int

const (
	stateIdle state = iota
	stateOpen
	stateWriting
	stateRotating
	stateClosed
)

// Writer is the sharded array writer. Construct with New, feed with Push,
// finalize with Close.
type Writer struct {
	cfg  config.Config
	snk  sink.Sink
	keys keyGen
	log  *zap.Logger

	jr         *journal.Journal
	ownJournal bool
	runID      string
	progress   sink.ProgressFunc

	st              state
	handle          sink.Handle
	currentKey      string
	shardIndex      int
	itemsInShard    int
	completedShards int
	needsSep        bool
	files           []string

	bytesInShard int64
	sum          hash.Hash
	sumValid     bool
}

// Option configures a Writer beyond its Config.
type Option func(*Writer)

// WithLogger sets the diagnostic logger. Default is a nop logger; the
// config's verbose/debug flags only affect narration, never behavior.
func WithLogger(log *zap.Logger) Option {
	return func(w *Writer) { w.log = log }
}

// WithSink overrides the backend selected from config. Used by tests and by
// callers with a pre-built backend.
func WithSink(s sink.Sink) Option {
	return func(w *Writer) { w.snk = s }
}

// WithJournal sets a shard journal the caller owns. Without this option a
// journal is opened from cfg.JournalPath when set, and closed with the
// writer.
func WithJournal(j *journal.Journal) Option {
	return func(w *Writer) { w.jr = j }
}

// WithProgress sets the upload progress callback, passed through to the
// remote backend when the writer constructs it.
func WithProgress(fn sink.ProgressFunc) Option {
	return func(w *Writer) { w.progress = fn }
}

// New validates cfg and constructs a writer. Validation failure means the
// writer never starts; no sink operation is performed. Unless LazyOpen is
// disabled, the first shard is opened on the first Push.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Writer, error) {
	cfg, err := config.Validate(cfg)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		cfg:   cfg,
		keys:  keyGen{pattern: cfg.KeyPattern, ext: cfg.Extension()},
		log:   zap.NewNop(),
		runID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.snk == nil {
		if cfg.Local {
			w.snk = sink.NewFileSink(cfg.Folder, sink.FileOptions{
				MkdirAll: cfg.MkdirRecursive,
				Compress: cfg.Compress,
			})
		} else {
			s3, err := sink.NewS3Sink(ctx, sink.S3Options{
				Bucket:    cfg.Bucket,
				Folder:    cfg.Folder,
				Region:    cfg.Region,
				Endpoint:  cfg.Endpoint,
				PathStyle: cfg.PathStyle,
				AccessKey: cfg.AccessKey,
				SecretKey: cfg.SecretKey,
				Compress:  cfg.Compress,
				Progress:  w.progress,
			})
			if err != nil {
				return nil, err
			}
			w.snk = s3
		}
	}

	if w.jr == nil && cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		w.jr = j
		w.ownJournal = true
	}

	if !cfg.LazyOpen {
		if err := w.openShard(ctx); err != nil {
			w.release()
			return nil, fmt.Errorf("open shard: %w", err)
		}
	}
	return w, nil
}

// RunID identifies this writer's lifetime in the shard journal.
func (w *Writer) RunID() string { return w.runID }

// Push serializes item and appends it to the active shard, rotating first if
// the shard is full. It blocks until the backend has acknowledged the bytes.
// Validation and serialization failures are scoped to this item and leave
// the writer usable (see Recoverable); any I/O failure destroys the writer.
func (w *Writer) Push(ctx context.Context, item any) error {
	if w.st == stateClosed {
		return ErrClosed
	}
	if w.st == stateIdle {
		if err := w.openShard(ctx); err != nil {
			return w.destroy(ctx, fmt.Errorf("open shard: %w", err))
		}
	}

	if w.cfg.Schema != nil {
		if err := w.cfg.Schema(item); err != nil {
			w.log.Debug("item rejected by schema", zap.Error(err))
			return &ValidationError{Err: err}
		}
	}
	payload, err := serialize(item)
	if err != nil {
		w.log.Debug("item not serializable", zap.Error(err))
		return err
	}

	if w.itemsInShard == w.cfg.MaxItemsPerShard {
		w.st = stateRotating
		if err := w.rotate(ctx); err != nil {
			return w.destroy(ctx, fmt.Errorf("rotate shard: %w", err))
		}
	}

	w.st = stateWriting
	buf := payload
	if w.needsSep {
		buf = make([]byte, 0, len(payload)+1)
		buf = append(buf, ',')
		buf = append(buf, payload...)
	}
	if err := w.handle.Write(ctx, buf); err != nil {
		return w.destroy(ctx, fmt.Errorf("write item: %w", err))
	}
	w.st = stateOpen
	w.record(buf)
	w.needsSep = true
	w.itemsInShard++
	w.log.Debug("item written",
		zap.String("key", w.currentKey),
		zap.Int("items_in_shard", w.itemsInShard))
	return nil
}

// Close flushes the current shard, writes its closing bracket and releases
// the sink. It is idempotent; after it returns the writer accepts no more
// items. The sink is released on the failure path too.
func (w *Writer) Close(ctx context.Context) error {
	if w.st == stateClosed {
		return nil
	}
	if w.st == stateIdle {
		// Lazy writer that never saw an item: nothing was opened.
		w.st = stateClosed
		w.release()
		return nil
	}
	err := w.closeShard(ctx)
	w.st = stateClosed
	w.release()
	if err != nil {
		return fmt.Errorf("close shard: %w", err)
	}
	return nil
}

// ItemsInCurrentShard returns the count of items written to the active shard.
func (w *Writer) ItemsInCurrentShard() int { return w.itemsInShard }

// TotalItemsWritten returns the lifetime item count. Completed shards are
// always full, so the count is derived rather than tracked.
func (w *Writer) TotalItemsWritten() int {
	return w.completedShards*w.cfg.MaxItemsPerShard + w.itemsInShard
}

// ShardKeys returns every key opened across the writer's lifetime, including
// the current shard, in order.
func (w *Writer) ShardKeys() []string {
	keys := make([]string, len(w.files))
	copy(keys, w.files)
	return keys
}

// openShard resolves the next key and opens a sink handle for it. In create
// mode the key generator probes past pre-existing shard files; append and
// overwrite use the first candidate unconditionally.
func (w *Writer) openShard(ctx context.Context) error {
	mode := w.mode()
	var key string
	if mode == sink.ModeCreate {
		index, free, err := w.keys.FindFree(ctx, w.shardIndex, w.snk.Exists)
		if err != nil {
			return err
		}
		w.shardIndex = index
		key = free
	} else {
		key = w.keys.Next(w.shardIndex)
	}

	h, err := w.snk.Open(ctx, key, mode)
	if err != nil {
		return err
	}
	w.handle = h
	w.currentKey = key
	w.files = append(w.files, key)
	w.needsSep = h.NeedsSeparator()
	w.itemsInShard = 0
	w.bytesInShard = 0
	w.sum, _ = blake2b.New256(nil)
	// A resumed shard holds bytes this writer never saw, so its checksum
	// would be meaningless.
	w.sumValid = mode != sink.ModeAppend
	if w.sumValid {
		w.record([]byte("["))
	}
	w.st = stateOpen
	w.log.Info("shard opened",
		zap.String("key", key),
		zap.Int("index", w.shardIndex),
		zap.Stringer("mode", mode))
	return nil
}

// rotate closes the full shard and opens the next one.
func (w *Writer) rotate(ctx context.Context) error {
	if err := w.closeShard(ctx); err != nil {
		return err
	}
	w.completedShards++
	w.shardIndex++
	return w.openShard(ctx)
}

// closeShard writes the closing bracket, waits for the backend to
// acknowledge it, and records the finished shard in the journal.
func (w *Writer) closeShard(ctx context.Context) error {
	h := w.handle
	w.handle = nil
	w.record(trailer)
	if err := h.Close(ctx, trailer); err != nil {
		return err
	}
	w.log.Info("shard closed",
		zap.String("key", w.currentKey),
		zap.Int("items", w.itemsInShard),
		zap.Int64("bytes", w.bytesInShard))
	if w.jr != nil {
		sum := ""
		if w.sumValid {
			sum = hex.EncodeToString(w.sum.Sum(nil))
		}
		err := w.jr.Record(journal.Entry{
			RunID:       w.runID,
			Key:         w.currentKey,
			Items:       w.itemsInShard,
			Bytes:       w.bytesInShard,
			Checksum:    sum,
			CompletedAt: time.Now(),
		})
		if err != nil {
			// Journal trouble must not fail data that already landed.
			w.log.Warn("journal record failed",
				zap.String("key", w.currentKey), zap.Error(err))
		}
	}
	return nil
}

// destroy handles a fatal error: the held sink is released best-effort and
// the writer transitions to Closed for good.
func (w *Writer) destroy(ctx context.Context, err error) error {
	if w.handle != nil {
		h := w.handle
		w.handle = nil
		if cerr := h.Close(ctx, trailer); cerr != nil {
			w.log.Debug("release after failure", zap.Error(cerr))
		}
	}
	w.st = stateClosed
	w.release()
	w.log.Error("writer destroyed", zap.Error(err))
	return err
}

// release closes the journal if this writer opened it.
func (w *Writer) release() {
	if w.jr != nil && w.ownJournal {
		if err := w.jr.Close(); err != nil {
			w.log.Warn("close journal", zap.Error(err))
		}
		w.jr = nil
	}
}

// record accounts bytes that reached the backend for the active shard.
func (w *Writer) record(p []byte) {
	w.bytesInShard += int64(len(p))
	if w.sumValid {
		w.sum.Write(p)
	}
}

func (w *Writer) mode() sink.Mode {
	switch {
	case w.cfg.Append:
		return sink.ModeAppend
	case w.cfg.Overwrite:
		return sink.ModeOverwrite
	default:
		return sink.ModeCreate
	}
}

// serialize turns an item into shard bytes. Byte slices and plain strings
// are taken as already-serialized JSON; everything else is marshaled.
func serialize(item any) ([]byte, error) {
	switch v := item.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	}
	b, err := json.Marshal(item)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return b, nil
}
