package types

import (
	"encoding/binary"
	"fmt"
	"image"
)

// AssetID identifies a logical base asset
type AssetID string

// Fingerprint is a short value derived from an asset's content. It changes
// whenever the asset is replaced, even under the same AssetID.
type Fingerprint string

// AssetClass selects the memory tier a render is cached in
type AssetClass string

const (
	ClassDisplay   AssetClass = "display"
	ClassThumbnail AssetClass = "thumbnail"
	ClassOriginal  AssetClass = "original"
	ClassOverlay   AssetClass = "overlay"
)

// Point is a selection path vertex in source pixel coordinates
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// RenderParams describes a requested transform of a base asset
type RenderParams struct {
	// TargetSize is the edge length of the square output canvas in pixels
	TargetSize int `json:"target_size"`

	// Scale is the user zoom factor applied on top of fit/fill scaling.
	// Zero or negative values mean 1.
	Scale float64 `json:"scale"`

	// OffsetX and OffsetY translate the content within the canvas
	OffsetX float64 `json:"offset_x"`
	OffsetY float64 `json:"offset_y"`

	// Selection is an optional crop polygon; empty means no crop
	Selection []Point `json:"selection,omitempty"`

	// Class routes the result to a memory tier. It does not affect pixels
	// and is not part of the cache key.
	Class AssetClass `json:"class,omitempty"`
}

// EffectiveScale returns the user scale with the default applied
func (p RenderParams) EffectiveScale() float64 {
	if p.Scale <= 0 {
		return 1
	}
	return p.Scale
}

// TierName returns the memory tier this request is cached in
func (p RenderParams) TierName() string {
	if p.Class == "" {
		return string(ClassThumbnail)
	}
	return string(p.Class)
}

// HasSelection reports whether a crop selection is active
func (p RenderParams) HasSelection() bool {
	return len(p.Selection) > 0
}

// BytesPerPixel is the bitmap pixel size (RGBA)
const BytesPerPixel = 4

const bitmapMagic = "TCB1"

// Bitmap is a rendered RGBA image
type Bitmap struct {
	Width  int
	Height int
	Pix    []byte
}

// NewBitmapFromRGBA copies an RGBA image into a tightly packed bitmap
func NewBitmapFromRGBA(img *image.RGBA) *Bitmap {
	b := img.Bounds()
	bm := &Bitmap{
		Width:  b.Dx(),
		Height: b.Dy(),
		Pix:    make([]byte, b.Dx()*b.Dy()*BytesPerPixel),
	}
	rowLen := b.Dx() * BytesPerPixel
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+rowLen]
		copy(bm.Pix[y*rowLen:(y+1)*rowLen], src)
	}
	return bm
}

// Cost returns the estimated memory footprint in bytes
func (b *Bitmap) Cost() int64 {
	return int64(b.Width) * int64(b.Height) * BytesPerPixel
}

// Image returns the bitmap as an image.RGBA sharing the pixel buffer
func (b *Bitmap) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    b.Pix,
		Stride: b.Width * BytesPerPixel,
		Rect:   image.Rect(0, 0, b.Width, b.Height),
	}
}

// MarshalBinary encodes the bitmap as magic, width, height and raw pixels
func (b *Bitmap) MarshalBinary() ([]byte, error) {
	if len(b.Pix) != b.Width*b.Height*BytesPerPixel {
		return nil, fmt.Errorf("bitmap pixel buffer has %d bytes, want %d", len(b.Pix), b.Width*b.Height*BytesPerPixel)
	}
	buf := make([]byte, 12+len(b.Pix))
	copy(buf, bitmapMagic)
	binary.BigEndian.PutUint32(buf[4:], uint32(b.Width))
	binary.BigEndian.PutUint32(buf[8:], uint32(b.Height))
	copy(buf[12:], b.Pix)
	return buf, nil
}

// UnmarshalBinary decodes the form produced by MarshalBinary
func (b *Bitmap) UnmarshalBinary(data []byte) error {
	if len(data) < 12 || string(data[:4]) != bitmapMagic {
		return fmt.Errorf("not a bitmap record")
	}
	w := int(binary.BigEndian.Uint32(data[4:]))
	h := int(binary.BigEndian.Uint32(data[8:]))
	if w <= 0 || h <= 0 || len(data)-12 != w*h*BytesPerPixel {
		return fmt.Errorf("bitmap record truncated: %dx%d with %d pixel bytes", w, h, len(data)-12)
	}
	b.Width = w
	b.Height = h
	b.Pix = make([]byte, len(data)-12)
	copy(b.Pix, data[12:])
	return nil
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// TierStats describes one memory tier
type TierStats struct {
	CacheStats
	Name       string `json:"name"`
	Count      int    `json:"count"`
	CountLimit int    `json:"count_limit"`
	CostLimit  int64  `json:"cost_limit"`
}

// PressureState reflects system memory headroom
type PressureState int

const (
	PressureNormal PressureState = iota
	PressureElevated
	PressureCritical
)

// String returns the string representation of the pressure state
func (s PressureState) String() string {
	switch s {
	case PressureNormal:
		return "normal"
	case PressureElevated:
		return "elevated"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}
