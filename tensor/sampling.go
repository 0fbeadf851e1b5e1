package tensor

import (
	"math"
)

// SampleBilinear interpolates a single (H, W) plane at continuous pixel
// coordinates (x, y), with pixel centres at integer positions. Points outside
// the plane read as zero; the returned flag reports whether (x, y) fell
// inside [0, W-1] x [0, H-1].
func SampleBilinear(plane []float32, h, w int, x, y float32) (float32, bool) {
	inside := x >= 0 && x <= float32(w-1) && y >= 0 && y <= float32(h-1)

	x0 := int(math.Floor(float64(x)))
	y0 := int(math.Floor(float64(y)))
	x1 := x0 + 1
	y1 := y0 + 1

	fx := x - float32(x0)
	fy := y - float32(y0)

	fetch := func(px, py int) float32 {
		if px < 0 || px >= w || py < 0 || py >= h {
			return 0
		}
		return plane[py*w+px]
	}

	top := fetch(x0, y0)*(1-fx) + fetch(x1, y0)*fx
	bottom := fetch(x0, y1)*(1-fx) + fetch(x1, y1)*fx

	return top*(1-fy) + bottom*fy, inside
}

// SampleNearest reads a single (H, W) plane at the pixel nearest to (x, y).
// Points outside the plane read as zero.
func SampleNearest(plane []float32, h, w int, x, y float32) (float32, bool) {
	px := int(math.Round(float64(x)))
	py := int(math.Round(float64(y)))
	if px < 0 || px >= w || py < 0 || py >= h {
		return 0, false
	}
	return plane[py*w+px], true
}
