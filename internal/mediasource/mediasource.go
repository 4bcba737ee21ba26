// Package mediasource wraps RTSP ingestion as an opaque ffmpeg subprocess.
// ffmpeg remuxes the camera's RTSP session to MPEG-TS on stdout; this
// package demuxes just enough of MPEG-TS/PES to recover per-media-kind
// access units with presentation timestamps, and anchors those timestamps
// to wall clock.
package mediasource

import "time"

// Kind identifies a sample's media type.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// SDPMedia is the parsed per-media description delivered once, before any
// samples, via the SDP callback.
type SDPMedia struct {
	Kind        Kind
	Codec       string // "h264", "h265", "aac"
	ClockRateHz int
	Params      []byte // serialized caps: SPS/PPS/VPS, profile/level, framerate, sample rate, channels
	Channels    int    // audio only
	SampleRate  int    // audio only
	Width       int    // video only
	Height      int    // video only
	FPS         float64
}

// SampleContext accompanies every sample callback.
type SampleContext struct {
	StreamStart time.Time // anchor: set once from the first sample of either media
	SourcePTSMs int64     // sample's PTS as reported by the source, before anchoring
	WallPTSMs   int64     // StreamStart + SourcePTSMs, in epoch milliseconds
	Channels    int
	SampleRate  int
	Caps        []byte
}

// Sample is one encoded access unit.
type Sample struct {
	Kind  Kind
	Ctx   SampleContext
	Data  []byte
	Key   bool
	DTSMs int64
}

// Callbacks groups the three collaborator callbacks a Source drives.
type Callbacks struct {
	OnSDP    func(SDPMedia)
	OnReady  func()
	OnSample func(Sample)
}
