package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math"
	"strings"

	"github.com/scttfrdmn/thumbcache/pkg/types"
)

const (
	// AssetTagLen is the number of hex characters identifying the asset
	AssetTagLen = 16
	// DigestLen is the number of hex characters of the request digest
	DigestLen = 64
	// KeyLen is the fixed length of every CacheKey
	KeyLen = AssetTagLen + DigestLen
)

// CacheKey identifies one rendered variant of an asset. It is the asset tag
// followed by a sha256 digest of the quantized request.
type CacheKey string

// AssetTag returns the asset portion of the key
func (k CacheKey) AssetTag() string {
	if len(k) < AssetTagLen {
		return ""
	}
	return string(k[:AssetTagLen])
}

// Digest returns the request portion of the key
func (k CacheKey) Digest() string {
	if len(k) < AssetTagLen {
		return ""
	}
	return string(k[AssetTagLen:])
}

// Valid reports whether k has the fixed length and is lower case hex
func (k CacheKey) Valid() bool {
	if len(k) != KeyLen {
		return false
	}
	return strings.IndexFunc(string(k), func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f')
	}) < 0
}

// AssetTag returns the 16 hex character tag shared by every key of id
func AssetTag(id types.AssetID) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:AssetTagLen/2])
}

// MinScale is the smallest user scale after quantization
const MinScale = 0.01

// Quantize returns the canonical form of p. Scale is rounded to two decimals
// with a floor of MinScale, offsets and selection points to whole pixels.
// Class is dropped because it does not affect pixels. Rendering the quantized
// form keeps one key mapped to one set of pixels.
func Quantize(p types.RenderParams) types.RenderParams {
	q := types.RenderParams{
		TargetSize: p.TargetSize,
		Scale:      math.Max(MinScale, math.Round(p.EffectiveScale()*100)/100),
		OffsetX:    roundPixel(p.OffsetX),
		OffsetY:    roundPixel(p.OffsetY),
	}
	if len(p.Selection) > 0 {
		q.Selection = make([]types.Point, len(p.Selection))
		for i, pt := range p.Selection {
			q.Selection[i] = types.Point{X: roundPixel(pt.X), Y: roundPixel(pt.Y)}
		}
	}
	return q
}

// roundPixel rounds to the nearest integer and folds -0 into 0
func roundPixel(v float64) float64 {
	r := math.Round(v)
	if r == 0 {
		return 0
	}
	return r
}

// DeriveKey builds the cache key for a render request. It is pure: equal
// inputs after quantization always give the same key, and any change of the
// fingerprint gives a different one.
func DeriveKey(id types.AssetID, p types.RenderParams, fp types.Fingerprint) CacheKey {
	q := Quantize(p)

	h := sha256.New()
	writeString(h, "thumbcache/v1")
	writeString(h, string(id))
	writeString(h, string(fp))

	var buf [8]byte
	writeInt := func(v int64) {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	writeInt(int64(q.TargetSize))
	writeInt(int64(math.Round(q.Scale * 100)))
	writeInt(int64(q.OffsetX))
	writeInt(int64(q.OffsetY))
	writeInt(int64(len(q.Selection)))
	for _, pt := range q.Selection {
		writeInt(int64(pt.X))
		writeInt(int64(pt.Y))
	}

	return CacheKey(AssetTag(id) + hex.EncodeToString(h.Sum(nil)))
}

// writeString length-prefixes s so adjacent fields cannot run together
func writeString(w io.Writer, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	_, _ = w.Write(n[:])
	_, _ = w.Write([]byte(s))
}
