package mediasource

import "time"

// ptsAnchor implements three PTS algorithms for a single media kind:
// stream-start anchoring, missing-PTS recovery, and SEI/IDR
// split-timestamp reuse. It holds no I/O; kept separate from the ffmpeg
// plumbing so the timestamp logic is directly unit-testable.
type ptsAnchor struct {
	nowFunc func() time.Time

	haveStart   bool
	streamStart time.Time

	haveLastValid bool
	lastValidPTS  int64

	haveBuffered   bool
	bufferedPTSMs  int64
}

func newPTSAnchor() *ptsAnchor {
	return &ptsAnchor{nowFunc: time.Now}
}

func (a *ptsAnchor) now() time.Time {
	if a.nowFunc != nil {
		return a.nowFunc()
	}
	return time.Now()
}

// resolve computes the wall-clock PTS (ms since epoch) for one incoming
// sample, applying missing-PTS recovery and the SEI/IDR split-timestamp
// rule before anchoring.
//
// hasPTS is false when the source delivered no PTS for this sample.
// isPicture marks frames that carry decodable picture data (as opposed to
// parameter sets or non-VCL NAL units); isIDR marks a video key frame
// among pictures.
func (a *ptsAnchor) resolve(hasPTS bool, sourcePTSMs int64, isPicture, isIDR bool) (wallPTSMs int64, usedSourcePTSMs int64) {
	effective := sourcePTSMs

	if !hasPTS {
		if isPicture && isIDR && a.haveBuffered {
			// SEI/IDR split: an immediately preceding non-picture NAL
			// carried the real PTS for this IDR.
			effective = a.bufferedPTSMs
			a.haveBuffered = false
		} else if a.haveLastValid {
			effective = a.lastValidPTS + 1
		} else {
			effective = 0
		}
	} else {
		if !isPicture {
			// Buffer a PTS-bearing non-picture NAL (e.g. SEI) in case the
			// IDR that follows immediately has none of its own.
			a.bufferedPTSMs = effective
			a.haveBuffered = true
		} else {
			a.haveBuffered = false
		}
	}

	a.lastValidPTS = effective
	a.haveLastValid = true

	if !a.haveStart {
		a.streamStart = a.now().Add(-time.Duration(effective) * time.Millisecond)
		a.haveStart = true
	}

	return a.streamStart.UnixMilli() + effective, effective
}

func (a *ptsAnchor) anchor() time.Time {
	return a.streamStart
}
