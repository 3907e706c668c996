package cache

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/scttfrdmn/thumbcache/internal/circuit"
	"github.com/scttfrdmn/thumbcache/pkg/errors"
	"github.com/scttfrdmn/thumbcache/pkg/types"
	"github.com/scttfrdmn/thumbcache/pkg/utils"
)

const (
	diskFileExt     = ".tcb"
	diskTempPattern = ".tmp-*"

	codecRaw  byte = 0
	codecZstd byte = 1

	// payloads below this size are stored raw
	minCompressSize = 1024
)

// DiskConfig represents disk cache configuration
type DiskConfig struct {
	Directory   string         `yaml:"directory"`
	Compression bool           `yaml:"compression"`
	WriteQueue  int            `yaml:"write_queue"`
	Writers     int            `yaml:"writers"`
	Circuit     circuit.Config `yaml:"circuit"`

	Logger  *utils.StructuredLogger `yaml:"-"`
	Metrics types.MetricsRecorder   `yaml:"-"`
}

// DiskStats reports disk cache activity since creation
type DiskStats struct {
	Reads         uint64 `json:"reads"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Corrupt       uint64 `json:"corrupt"`
	Writes        uint64 `json:"writes"`
	WriteFailures uint64 `json:"write_failures"`
	ReadFailures  uint64 `json:"read_failures"`
	Dropped       uint64 `json:"dropped"`
	Skipped       uint64 `json:"skipped"`
	Pending       int    `json:"pending"`

	CircuitState        string `json:"circuit_state"`
	CircuitTrips        uint64 `json:"circuit_trips"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

type writeRequest struct {
	key  CacheKey
	data []byte
}

// DiskCache persists bitmaps as one file per key under
// <dir>/<asset tag>/<digest>.tcb. The presence of a file is the index.
type DiskCache struct {
	dir         string
	compression bool
	logger      *utils.StructuredLogger
	metrics     types.MetricsRecorder
	breaker     *circuit.Breaker

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	closeMu sync.RWMutex
	closed  bool
	queue   chan writeRequest
	wg      sync.WaitGroup

	pendingMu sync.Mutex
	idle      *sync.Cond
	pending   int

	reads, hits, misses, corrupt      atomic.Uint64
	writes, writeFailures, readFailed atomic.Uint64
	dropped, skipped                  atomic.Uint64
}

// NewDiskCache creates the cache directory and starts the writer goroutines
func NewDiskCache(config *DiskConfig) (*DiskCache, error) {
	if config == nil || config.Directory == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "disk cache directory is required").
			WithComponent("disk")
	}
	if config.WriteQueue <= 0 {
		config.WriteQueue = 64
	}
	if config.Writers <= 0 {
		config.Writers = 2
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewDefaultLogger()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = types.NopRecorder{}
	}

	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDiskWrite, "failed to create cache directory").
			WithComponent("disk").
			WithDetail("directory", config.Directory)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	c := &DiskCache{
		dir:         filepath.Clean(config.Directory),
		compression: config.Compression,
		logger:      logger.WithComponent("disk"),
		metrics:     metrics,
		encoder:     encoder,
		decoder:     decoder,
		queue:       make(chan writeRequest, config.WriteQueue),
	}
	c.idle = sync.NewCond(&c.pendingMu)

	breakerCfg := config.Circuit
	breakerCfg.IsSuccessful = func(err error) bool {
		return err == nil || os.IsNotExist(err)
	}
	breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
		c.logger.Warn("disk circuit breaker changed state", map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		})
	}
	c.breaker = circuit.New("disk", breakerCfg)

	for i := 0; i < config.Writers; i++ {
		c.wg.Add(1)
		go c.writer()
	}

	return c, nil
}

// Directory returns the cache root
func (c *DiskCache) Directory() string {
	return c.dir
}

// ReadIfExists returns the stored payload for key. Missing, unreadable and
// corrupt files are all misses; corrupt files are removed.
func (c *DiskCache) ReadIfExists(ctx context.Context, key CacheKey) ([]byte, bool) {
	if ctx.Err() != nil || !key.Valid() {
		return nil, false
	}
	c.reads.Add(1)

	path := c.pathFor(key)
	var raw []byte
	err := c.breaker.Execute(func() error {
		var rerr error
		raw, rerr = os.ReadFile(path)
		return rerr
	})
	switch {
	case err == nil:
	case os.IsNotExist(err):
		c.misses.Add(1)
		return nil, false
	case errors.Is(err, errors.ErrCodeCircuitOpen):
		c.misses.Add(1)
		return nil, false
	default:
		c.readFailed.Add(1)
		c.misses.Add(1)
		c.metrics.RecordDiskOperation("read", false)
		c.logger.Warn("disk cache read failed", map[string]interface{}{
			"key":   string(key),
			"error": err.Error(),
		})
		return nil, false
	}

	data, err := c.decode(raw)
	if err != nil {
		c.corrupt.Add(1)
		c.misses.Add(1)
		c.metrics.RecordDiskOperation("read", false)
		c.logger.Warn("removing corrupt disk cache entry", map[string]interface{}{
			"key":   string(key),
			"error": err.Error(),
		})
		_ = os.Remove(path)
		return nil, false
	}

	c.hits.Add(1)
	c.metrics.RecordDiskOperation("read", true)
	return data, true
}

// WriteAsync queues data for writing and returns immediately. When the queue
// is full or the cache is closed the write is dropped; while the circuit
// breaker is open it is skipped without queueing.
func (c *DiskCache) WriteAsync(key CacheKey, data []byte) {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()

	if c.closed {
		c.dropped.Add(1)
		return
	}
	if !c.breaker.Allow() {
		if n := c.skipped.Add(1); n == 1 || n%100 == 0 {
			c.logger.Debug("circuit open, skipping disk write", map[string]interface{}{
				"breaker": c.breaker.Name(),
				"skipped": n,
			})
		}
		return
	}

	c.pendingMu.Lock()
	c.pending++
	c.pendingMu.Unlock()

	select {
	case c.queue <- writeRequest{key: key, data: data}:
	default:
		c.donePending()
		n := c.dropped.Add(1)
		c.metrics.RecordDiskOperation("drop", false)
		c.logger.Warn("disk write queue full, dropping write", map[string]interface{}{
			"key":     string(key),
			"dropped": n,
		})
	}
}

// Write stores data under key atomically: temp file, fsync, rename
func (c *DiskCache) Write(ctx context.Context, key CacheKey, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeOperationCanceled, "disk write canceled").
			WithComponent("disk")
	}
	if !key.Valid() {
		return errors.NewError(errors.ErrCodeDiskWrite, "invalid cache key").
			WithComponent("disk").
			WithDetail("key", string(key))
	}

	payload := c.encode(data)
	path := c.pathFor(key)

	err := c.breaker.Execute(func() error {
		return writeFileAtomic(path, payload)
	})
	if err != nil {
		c.writeFailures.Add(1)
		c.metrics.RecordDiskOperation("write", false)
		if errors.Is(err, errors.ErrCodeCircuitOpen) {
			return err
		}
		return errors.Wrap(err, errors.ErrCodeDiskWrite, "disk cache write failed").
			WithComponent("disk").
			WithOperation("write").
			WithDetail("key", string(key))
	}

	c.writes.Add(1)
	c.metrics.RecordDiskOperation("write", true)
	return nil
}

// Remove deletes the file for key
func (c *DiskCache) Remove(key CacheKey) error {
	if !key.Valid() {
		return nil
	}
	err := os.Remove(c.pathFor(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrCodeDiskWrite, "failed to remove cache file").
			WithComponent("disk").
			WithDetail("key", string(key))
	}
	return nil
}

// RemoveAsset deletes every file stored for an asset tag
func (c *DiskCache) RemoveAsset(tag string) error {
	if len(tag) != AssetTagLen || !CacheKey(tag+strings.Repeat("0", DigestLen)).Valid() {
		return errors.NewError(errors.ErrCodeValidationFailed, "invalid asset tag").
			WithComponent("disk").
			WithDetail("tag", tag)
	}
	if err := os.RemoveAll(filepath.Join(c.dir, tag)); err != nil {
		return errors.Wrap(err, errors.ErrCodeDiskWrite, "failed to remove asset directory").
			WithComponent("disk").
			WithDetail("tag", tag)
	}
	return nil
}

// ClearAll deletes every cached file. Writes still queued may land afterwards;
// call Flush first for a clean slate.
func (c *DiskCache) ClearAll() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, errors.ErrCodeDiskRead, "failed to list cache directory").
			WithComponent("disk")
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(c.dir, entry.Name())); err != nil {
			return errors.Wrap(err, errors.ErrCodeDiskWrite, "failed to clear cache directory").
				WithComponent("disk").
				WithDetail("entry", entry.Name())
		}
	}
	// an emptied directory gets a fresh breaker
	c.breaker.Reset()
	c.logger.Info("disk cache cleared", map[string]interface{}{"directory": c.dir})
	return nil
}

// Usage walks the cache directory and returns the number and total size of
// cached files
func (c *DiskCache) Usage() (files int, bytes int64, err error) {
	err = filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if d.IsDir() || filepath.Ext(path) != diskFileExt {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		files++
		bytes += info.Size()
		return nil
	})
	return files, bytes, err
}

// Flush blocks until every queued write has been attempted
func (c *DiskCache) Flush() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for c.pending > 0 {
		c.idle.Wait()
	}
}

// Close drains the write queue and stops the writers
func (c *DiskCache) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	c.closeMu.Unlock()

	c.wg.Wait()
	c.decoder.Close()
	return c.encoder.Close()
}

// Stats returns disk cache statistics
func (c *DiskCache) Stats() DiskStats {
	c.pendingMu.Lock()
	pending := c.pending
	c.pendingMu.Unlock()
	counts := c.breaker.Counts()

	return DiskStats{
		Reads:         c.reads.Load(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Corrupt:       c.corrupt.Load(),
		Writes:        c.writes.Load(),
		WriteFailures: c.writeFailures.Load(),
		ReadFailures:  c.readFailed.Load(),
		Dropped:       c.dropped.Load(),
		Skipped:       c.skipped.Load(),
		Pending:       pending,

		CircuitState:        c.breaker.State().String(),
		CircuitTrips:        c.breaker.Trips(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
}

// Helper methods

func (c *DiskCache) writer() {
	defer c.wg.Done()
	for req := range c.queue {
		if err := c.Write(context.Background(), req.key, req.data); err != nil {
			c.logger.Warn("async disk write failed", map[string]interface{}{
				"key":   string(req.key),
				"error": err.Error(),
			})
		}
		c.donePending()
	}
}

func (c *DiskCache) donePending() {
	c.pendingMu.Lock()
	c.pending--
	if c.pending == 0 {
		c.idle.Broadcast()
	}
	c.pendingMu.Unlock()
}

func (c *DiskCache) pathFor(key CacheKey) string {
	return filepath.Join(c.dir, key.AssetTag(), key.Digest()+diskFileExt)
}

func (c *DiskCache) encode(data []byte) []byte {
	if c.compression && len(data) > minCompressSize {
		compressed := c.encoder.EncodeAll(data, make([]byte, 1, len(data)/2+1))
		compressed[0] = codecZstd
		if len(compressed) < len(data)+1 {
			return compressed
		}
	}
	out := make([]byte, 1+len(data))
	out[0] = codecRaw
	copy(out[1:], data)
	return out
}

func (c *DiskCache) decode(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty cache file")
	}
	switch raw[0] {
	case codecRaw:
		return raw[1:], nil
	case codecZstd:
		return c.decoder.DecodeAll(raw[1:], nil)
	default:
		return nil, fmt.Errorf("unknown codec %d", raw[0])
	}
}

func writeFileAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, diskTempPattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
