package mediasource

// nalUnit is one Annex-B NAL unit (without its start code).
type nalUnit struct {
	Data      []byte
	IsPicture bool
	IsIDR     bool
}

// splitAnnexB splits an Annex-B byte stream (a sequence of NAL units each
// preceded by a 0x000001 or 0x00000001 start code) into individual units.
func splitAnnexB(buf []byte) [][]byte {
	var starts []int
	for i := 0; i+2 < len(buf); i++ {
		if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 {
			starts = append(starts, i+3)
		}
	}
	if len(starts) == 0 {
		return nil
	}
	units := make([][]byte, 0, len(starts))
	for i, s := range starts {
		end := len(buf)
		if i+1 < len(starts) {
			end = starts[i+1] - 3
			// trim a trailing zero byte belonging to a 4-byte start code
			if end > s && buf[end-1] == 0 {
				end--
			}
		}
		if end > s {
			units = append(units, buf[s:end])
		}
	}
	return units
}

// classifyH264 reports whether a NAL unit (start code stripped) carries
// picture data and whether it is an IDR slice.
func classifyH264(nal []byte) (isPicture, isIDR bool) {
	if len(nal) == 0 {
		return false, false
	}
	nalType := nal[0] & 0x1F
	switch nalType {
	case 1, 2, 3, 4:
		return true, false
	case 5:
		return true, true
	default:
		return false, false
	}
}

// classifyH265 reports the same for an H.265 NAL unit.
func classifyH265(nal []byte) (isPicture, isIDR bool) {
	if len(nal) == 0 {
		return false, false
	}
	nalType := (nal[0] >> 1) & 0x3F
	switch {
	case nalType <= 21: // VCL NAL types 0..21 are slice segments
		isIDR := nalType == 19 || nalType == 20
		return true, isIDR
	default:
		return false, false
	}
}

func classify(codec string, nal []byte) (isPicture, isIDR bool) {
	if codec == "h265" {
		return classifyH265(nal)
	}
	return classifyH264(nal)
}

// isKeyUnit reports whether any NAL in a fully-assembled access unit (which
// may bundle SPS/PPS/SEI ahead of the slice data, as ffmpeg's Annex-B
// bitstream filter does) is an IDR slice.
func isKeyUnit(codec string, accessUnit []byte) bool {
	for _, nal := range splitAnnexB(accessUnit) {
		if _, idr := classify(codec, nal); idr {
			return true
		}
	}
	return false
}
