package render

import (
	"image"
	"math"

	"github.com/scttfrdmn/thumbcache/pkg/types"
)

// selectionBounds returns the integer bounding box of a selection polygon.
// The box is widened outward so every vertex lies inside it.
func selectionBounds(points []types.Point) image.Rectangle {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	return image.Rect(
		int(math.Floor(minX)), int(math.Floor(minY)),
		int(math.Ceil(maxX)), int(math.Ceil(maxY)),
	)
}

// insidePolygon reports whether (x, y) is inside the polygon under the
// even-odd rule
func insidePolygon(points []types.Point, x, y float64) bool {
	inside := false
	n := len(points)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := points[i], points[j]
		if (pi.Y > y) != (pj.Y > y) {
			crossX := pj.X + (y-pj.Y)*(pi.X-pj.X)/(pi.Y-pj.Y)
			if x < crossX {
				inside = !inside
			}
		}
	}
	return inside
}

// polygonMask builds an alpha mask over r that is opaque for pixels whose
// centre lies inside the polygon
func polygonMask(points []types.Point, r image.Rectangle) *image.Alpha {
	mask := image.NewAlpha(r)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		cy := float64(y) + 0.5
		row := mask.Pix[(y-r.Min.Y)*mask.Stride:]
		for x := r.Min.X; x < r.Max.X; x++ {
			if insidePolygon(points, float64(x)+0.5, cy) {
				row[x-r.Min.X] = 0xff
			}
		}
	}
	return mask
}

// scaleFactor returns the content scale for a square canvas of edge target.
// Without a selection the content is fitted (fully visible); with one it fills
// the canvas. The user scale multiplies either.
func scaleFactor(w, h, target int, fill bool, userScale float64) float64 {
	sx := float64(target) / float64(w)
	sy := float64(target) / float64(h)
	s := math.Min(sx, sy)
	if fill {
		s = math.Max(sx, sy)
	}
	return s * userScale
}

// placeAxis returns the origin of content of length size on a canvas axis of
// length target. Oversized content is shifted by offset from the centred
// position and clamped so it still covers the canvas; smaller content is
// centred.
func placeAxis(size, target int, offset float64) int {
	centred := float64(target-size) / 2
	if size <= target {
		return int(math.Round(centred))
	}
	pos := math.Round(centred + offset)
	lo := float64(target - size)
	if pos < lo {
		pos = lo
	}
	if pos > 0 {
		pos = 0
	}
	return int(pos)
}

// layout computes the destination rectangle of the scaled content on the
// canvas
func layout(w, h int, p types.RenderParams) image.Rectangle {
	s := scaleFactor(w, h, p.TargetSize, p.HasSelection(), p.EffectiveScale())
	sw := max(1, int(math.Round(float64(w)*s)))
	sh := max(1, int(math.Round(float64(h)*s)))

	x := placeAxis(sw, p.TargetSize, p.OffsetX)
	y := placeAxis(sh, p.TargetSize, p.OffsetY)
	return image.Rect(x, y, x+sw, y+sh)
}
