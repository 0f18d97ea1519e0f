package builder

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/xerrors"

	"playground/model"
)

// increment when cachePayload changes shape
const cacheSchemaVersion uint16 = 1

// Cache
//
//	Stores the outcome of finished builds keyed by the hash of their source
//	so identical submissions skip the toolchain. Safe for concurrent use.
type Cache struct {
	mu  sync.RWMutex
	fs  afero.Fs
	dir string
}

type cachePayload struct {
	Schema      uint16
	JobID       string
	Ok          bool
	Reason      string
	TotalCrates uint
	Diagnostics []cachedDiagnostic
	Created     time.Time
}

type cachedDiagnostic struct {
	TargetCrate string
	Level       uint8
	Message     string
	Spans       []cachedSpan
}

type cachedSpan struct {
	IsPrimary   bool
	LineStart   uint
	LineEnd     uint
	ColumnStart uint
	ColumnEnd   uint
	HasLabel    bool
	Label       string
}

// CacheEntry is a decoded cache hit.
type CacheEntry struct {
	Result      model.BuildResult
	TotalCrates uint
	Diagnostics []model.CargoDiagnostic
	Created     time.Time
}

// NewCache creates a cache rooted at dir on fs.
func NewCache(fs afero.Fs, dir string) (*Cache, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("failed to create cache dir: %w", err)
	}
	return &Cache{fs: fs, dir: dir}, nil
}

// SourceKey returns the cache key of a source text.
func SourceKey(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) pathFor(key string) string {
	return filepath.Join(c.dir, key[:2], key+".mp")
}

// Put writes an entry, replacing any previous one for key.
func (c *Cache) Put(key string, entry CacheEntry) error {
	if c == nil {
		return nil
	}

	payload := cachePayload{
		Schema:      cacheSchemaVersion,
		Ok:          entry.Result.Ok,
		Reason:      entry.Result.Reason,
		TotalCrates: entry.TotalCrates,
		Created:     entry.Created,
	}
	if entry.Result.Ok {
		payload.JobID = entry.Result.JobID.String()
	}
	for _, d := range entry.Diagnostics {
		payload.Diagnostics = append(payload.Diagnostics, toCached(d))
	}

	buf, err := msgpack.Marshal(&payload)
	if err != nil {
		return xerrors.Errorf("failed to encode cache entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pathFor(key)
	if err := c.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return xerrors.Errorf("failed to create cache shard: %w", err)
	}
	f, err := afero.TempFile(c.fs, filepath.Dir(p), "tmp-*")
	if err != nil {
		return xerrors.Errorf("failed to create cache temp file: %w", err)
	}
	defer func() {
		_ = c.fs.Remove(f.Name())
	}()

	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return xerrors.Errorf("failed to write cache entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return xerrors.Errorf("failed to close cache entry: %w", err)
	}

	return c.fs.Rename(f.Name(), p)
}

// Get reads the entry for key. A missing or outdated entry is a miss.
func (c *Cache) Get(key string) (*CacheEntry, bool, error) {
	if c == nil {
		return nil, false, nil
	}

	c.mu.RLock()
	buf, err := afero.ReadFile(c.fs, c.pathFor(key))
	c.mu.RUnlock()
	if err != nil {
		if xerrors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, xerrors.Errorf("failed to read cache entry: %w", err)
	}

	var payload cachePayload
	if err := msgpack.Unmarshal(buf, &payload); err != nil {
		return nil, false, xerrors.Errorf("failed to decode cache entry: %w", err)
	}
	if payload.Schema != cacheSchemaVersion {
		return nil, false, nil
	}

	entry := &CacheEntry{
		TotalCrates: payload.TotalCrates,
		Created:     payload.Created,
		Diagnostics: make([]model.CargoDiagnostic, 0, len(payload.Diagnostics)),
	}
	if payload.Ok {
		id, err := uuid.Parse(payload.JobID)
		if err != nil {
			return nil, false, xerrors.Errorf("corrupt cache entry job id: %w", err)
		}
		entry.Result = model.Succeeded(id)
	} else {
		entry.Result = model.Failed(payload.Reason)
	}
	for _, d := range payload.Diagnostics {
		entry.Diagnostics = append(entry.Diagnostics, fromCached(d))
	}

	return entry, true, nil
}

// Delete drops the entry for key.
func (c *Cache) Delete(key string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.fs.Remove(c.pathFor(key))
	if err != nil && !xerrors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func toCached(d model.CargoDiagnostic) cachedDiagnostic {
	out := cachedDiagnostic{
		TargetCrate: d.TargetCrate,
		Level:       uint8(d.Level),
		Message:     d.Message,
	}
	for _, s := range d.Spans {
		span := cachedSpan{
			IsPrimary:   s.IsPrimary,
			LineStart:   s.LineStart,
			LineEnd:     s.LineEnd,
			ColumnStart: s.ColumnStart,
			ColumnEnd:   s.ColumnEnd,
		}
		if s.Label != nil {
			span.HasLabel = true
			span.Label = *s.Label
		}
		out.Spans = append(out.Spans, span)
	}
	return out
}

func fromCached(d cachedDiagnostic) model.CargoDiagnostic {
	out := model.CargoDiagnostic{
		TargetCrate: d.TargetCrate,
		Level:       model.CargoLevel(d.Level),
		Message:     d.Message,
		Spans:       make([]model.CargoDiagnosticSpan, 0, len(d.Spans)),
	}
	for _, s := range d.Spans {
		span := model.CargoDiagnosticSpan{
			IsPrimary:   s.IsPrimary,
			LineStart:   s.LineStart,
			LineEnd:     s.LineEnd,
			ColumnStart: s.ColumnStart,
			ColumnEnd:   s.ColumnEnd,
		}
		if s.HasLabel {
			label := s.Label
			span.Label = &label
		}
		out.Spans = append(out.Spans, span)
	}
	return out
}
