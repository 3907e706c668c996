package assets

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/scttfrdmn/thumbcache/pkg/errors"
	"github.com/scttfrdmn/thumbcache/pkg/types"
)

type memoryAsset struct {
	img image.Image
	fp  types.Fingerprint
}

// MemoryStore holds decoded images in memory. Its fingerprint is a revision
// counter hashed with the asset ID, bumped on every Put.
type MemoryStore struct {
	mu       sync.RWMutex
	assets   map[types.AssetID]memoryAsset
	revision uint64
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assets: make(map[types.AssetID]memoryAsset)}
}

// Put adds or replaces an asset and returns its new fingerprint
func (s *MemoryStore) Put(id types.AssetID, img image.Image) types.Fingerprint {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revision++
	fp := types.Fingerprint(fmt.Sprintf("%016x", xxhash.Sum64String(fmt.Sprintf("%s#%d", id, s.revision))))
	s.assets[id] = memoryAsset{img: img, fp: fp}
	return fp
}

// Delete removes an asset
func (s *MemoryStore) Delete(id types.AssetID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assets, id)
}

// Resolve returns the stored image and the fingerprint of that revision
func (s *MemoryStore) Resolve(_ context.Context, id types.AssetID) (image.Image, types.Fingerprint, error) {
	a, err := s.get(id)
	if err != nil {
		return nil, "", err
	}
	return a.img, a.fp, nil
}

// Fingerprint returns the fingerprint assigned by the last Put
func (s *MemoryStore) Fingerprint(_ context.Context, id types.AssetID) (types.Fingerprint, error) {
	a, err := s.get(id)
	if err != nil {
		return "", err
	}
	return a.fp, nil
}

func (s *MemoryStore) get(id types.AssetID) (memoryAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[id]
	if !ok {
		return memoryAsset{}, errors.NewError(errors.ErrCodeAssetNotFound, "asset not found").
			WithComponent("assets").
			WithDetail("asset", string(id))
	}
	return a, nil
}
