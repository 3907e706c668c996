package assets

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	// Decoders registered with image.Decode
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/scttfrdmn/thumbcache/pkg/errors"
	"github.com/scttfrdmn/thumbcache/pkg/types"
	"github.com/scttfrdmn/thumbcache/pkg/utils"
)

type fingerprintEntry struct {
	modTime time.Time
	size    int64
	fp      types.Fingerprint
}

// DirStore serves assets from files under a root directory. The asset ID is
// the slash separated path relative to the root.
type DirStore struct {
	root   string
	logger *utils.StructuredLogger

	mu  sync.Mutex
	fps map[types.AssetID]fingerprintEntry
}

// NewDirStore opens root, which must be an existing directory
func NewDirStore(root string, logger *utils.StructuredLogger) (*DirStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid asset root").
			WithComponent("assets")
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "asset root not accessible").
			WithComponent("assets").
			WithDetail("root", abs)
	}
	if !info.IsDir() {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "asset root is not a directory").
			WithComponent("assets").
			WithDetail("root", abs)
	}
	if logger == nil {
		logger = utils.NewDefaultLogger()
	}

	return &DirStore{
		root:   abs,
		logger: logger.WithComponent("assets"),
		fps:    make(map[types.AssetID]fingerprintEntry),
	}, nil
}

// Root returns the absolute asset root
func (s *DirStore) Root() string {
	return s.root
}

// Resolve decodes the asset's image file. The returned fingerprint hashes the
// same bytes that were decoded, so a file replaced after Fingerprint is
// reported under its new fingerprint.
func (s *DirStore) Resolve(ctx context.Context, id types.AssetID) (image.Image, types.Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", errors.Wrap(err, errors.ErrCodeOperationCanceled, "resolve canceled").
			WithComponent("assets")
	}
	path, err := s.path(id)
	if err != nil {
		return nil, "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, "", notFound(err, id)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", notFound(err, id)
	}
	fp := fingerprintOf(data)

	// The stat only describes data when size and mtime still agree afterwards
	if after, err := os.Stat(path); err == nil && after.Size() == info.Size() &&
		after.ModTime().Equal(info.ModTime()) && int64(len(data)) == info.Size() {
		s.mu.Lock()
		s.fps[id] = fingerprintEntry{modTime: info.ModTime(), size: info.Size(), fp: fp}
		s.mu.Unlock()
	} else {
		s.Forget(id)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Wrap(err, errors.ErrCodeAssetCorrupt, "failed to decode asset").
			WithComponent("assets").
			WithDetail("asset", string(id))
	}

	s.logger.Debug("asset decoded", map[string]interface{}{
		"asset":       string(id),
		"format":      format,
		"bounds":      img.Bounds().String(),
		"fingerprint": string(fp),
	})
	return img, fp, nil
}

// Fingerprint returns the xxhash64 of the asset file contents. The hash is
// cached until the file's size or modification time changes.
func (s *DirStore) Fingerprint(ctx context.Context, id types.AssetID) (types.Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeOperationCanceled, "fingerprint canceled").
			WithComponent("assets")
	}
	path, err := s.path(id)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", notFound(err, id)
	}
	if info.IsDir() {
		return "", errors.NewError(errors.ErrCodeAssetNotFound, "asset is a directory").
			WithComponent("assets").
			WithDetail("asset", string(id))
	}

	s.mu.Lock()
	cached, ok := s.fps[id]
	s.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached.fp, nil
	}

	fp, err := hashFile(path)
	if err != nil {
		return "", notFound(err, id)
	}

	s.mu.Lock()
	s.fps[id] = fingerprintEntry{modTime: info.ModTime(), size: info.Size(), fp: fp}
	s.mu.Unlock()
	return fp, nil
}

// Forget drops the cached fingerprint of id
func (s *DirStore) Forget(id types.AssetID) {
	s.mu.Lock()
	delete(s.fps, id)
	s.mu.Unlock()
}

// List returns the IDs of every regular file under the root
func (s *DirStore) List() ([]types.AssetID, error) {
	var ids []types.AssetID
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		id, ok := s.idFor(path)
		if ok {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	return ids, nil
}

// Watch reports changed, created, removed and renamed files under the root
// until ctx is done. Cached fingerprints of changed files are dropped before
// onChange runs.
func (s *DirStore) Watch(ctx context.Context, onChange func(types.AssetID)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to watch asset root: %w", err)
	}

	s.logger.Info("watching asset root", map[string]interface{}{
		"root": s.root,
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(watcher, event, onChange)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("fsnotify error", map[string]interface{}{
				"root":  s.root,
				"error": err.Error(),
			})
		}
	}
}

func (s *DirStore) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event, onChange func(types.AssetID)) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := watcher.Add(event.Name); err != nil {
				s.logger.Warn("failed to watch new directory", map[string]interface{}{
					"dir":   event.Name,
					"error": err.Error(),
				})
			}
			return
		}
	}

	id, ok := s.idFor(event.Name)
	if !ok {
		return
	}
	s.Forget(id)

	s.logger.Debug("asset changed", map[string]interface{}{
		"asset": string(id),
		"op":    event.Op.String(),
	})
	if onChange != nil {
		onChange(id)
	}
}

func (s *DirStore) path(id types.AssetID) (string, error) {
	if err := utils.ValidateRelativePath(string(id)); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeAssetNotFound, "invalid asset id").
			WithComponent("assets").
			WithDetail("asset", string(id))
	}
	path, err := utils.SecureJoin(s.root, filepath.FromSlash(string(id)))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeAssetNotFound, "invalid asset id").
			WithComponent("assets").
			WithDetail("asset", string(id))
	}
	return path, nil
}

func (s *DirStore) idFor(path string) (types.AssetID, bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || utils.ValidateRelativePath(rel) != nil {
		return "", false
	}
	return types.AssetID(filepath.ToSlash(rel)), true
}

func hashFile(path string) (types.Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return types.Fingerprint(fmt.Sprintf("%016x", h.Sum64())), nil
}

func fingerprintOf(data []byte) types.Fingerprint {
	return types.Fingerprint(fmt.Sprintf("%016x", xxhash.Sum64(data)))
}

func notFound(err error, id types.AssetID) error {
	return errors.Wrap(err, errors.ErrCodeAssetNotFound, "asset not readable").
		WithComponent("assets").
		WithDetail("asset", string(id))
}
