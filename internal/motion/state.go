package motion

import (
	"image"
	"math"
)

// cameraState is the lazily-created per-camera motion-detection state.
type cameraState struct {
	stats   *motionStats
	inEvent bool

	eventStartMs      int64
	firstTsMs         int64
	firstTsSet        bool
	lastWrittenSecond int64

	dec *decoder
}

func newCameraState() *cameraState {
	return &cameraState{stats: newMotionStats(), lastWrittenSecond: -1}
}

// motionStats maintains a running mean/stddev of frame-level motion
// intensity via Welford's online algorithm, plus the previous frame for
// differencing. The statistics cover every frame since the state was
// created; there is no sliding window, so old frames are never aged out.
type motionStats struct {
	prev  []byte // previous frame's luma-ish sample (subsampled for speed)
	count float64
	m     float64 // running mean
	s     float64 // running sum of squared deviations
}

func newMotionStats() *motionStats {
	return &motionStats{}
}

func (s *motionStats) mean() float64 {
	return s.m
}

func (s *motionStats) stddev() float64 {
	if s.count < 2 {
		return 0
	}
	variance := s.s / (s.count - 1)
	if variance < 0 {
		return 0
	}
	return math.Sqrt(variance)
}

// update computes the current frame's motion intensity (mean absolute
// difference against the previous frame, subsampled every 4th pixel for
// speed), folds it into the running mean/stddev, and returns the value
// plus a bounding box of the region contributing the most difference.
func (s *motionStats) update(img *image.RGBA, width, height int) (float64, BBox) {
	const stride = 4
	sample := make([]byte, 0, (width/stride+1)*(height/stride+1))
	for y := 0; y < height; y += stride {
		rowStart := y * img.Stride
		for x := 0; x < width; x += stride {
			i := rowStart + x*4
			sample = append(sample, img.Pix[i])
		}
	}

	var diffSum float64
	minX, minY, maxX, maxY := width, height, 0, 0
	cols := (width + stride - 1) / stride
	if s.prev != nil && len(s.prev) == len(sample) {
		for idx, v := range sample {
			d := int(v) - int(s.prev[idx])
			if d < 0 {
				d = -d
			}
			diffSum += float64(d)
			if d > 10 {
				px := (idx % cols) * stride
				py := (idx / cols) * stride
				if px < minX {
					minX = px
				}
				if py < minY {
					minY = py
				}
				if px > maxX {
					maxX = px
				}
				if py > maxY {
					maxY = py
				}
			}
		}
	}
	s.prev = sample

	motionValue := diffSum / float64(len(sample)+1)

	s.count++
	delta := motionValue - s.m
	s.m += delta / s.count
	delta2 := motionValue - s.m
	s.s += delta * delta2

	bbox := BBox{}
	if maxX >= minX && maxY >= minY {
		bbox = BBox{X: minX, Y: minY, W: maxX - minX, H: maxY - minY}
	}
	return motionValue, bbox
}
