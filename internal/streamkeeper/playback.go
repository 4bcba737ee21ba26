package streamkeeper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/revere-nvr/engine/internal/camera"
	"github.com/revere-nvr/engine/internal/storagefile"
)

// playbackLookahead is the capacity of the channel between the goroutine
// that hands out queried frames and the paced FIFO writer. The requested
// range is read from storage in one Query before pacing starts, so this
// channel does not bound memory use for a long range.
const playbackLookahead = 40

// ffmpegFormatForCodec maps a stored codec name to the raw-format demuxer
// ffmpeg needs to read an Annex-B byte stream directly, with h264 as the
// fallback for anything unrecognized.
func ffmpegFormatForCodec(name string) string {
	switch name {
	case "h265", "hevc":
		return "hevc"
	default:
		return "h264"
	}
}

// startPlaybackMount resolves cam's stored content for [start, end), picks
// the first segment, recovers its codec parameters, and registers a go2rtc
// exec stream that reads Annex-B access units from a FIFO this function
// feeds in the background, paced to the frames' original capture timing.
// Mirrors the live-camera exec: source convention in streaming.ConfigGenerator,
// substituting a FIFO fed from the archive for a live RTSP input.
func startPlaybackMount(deps Deps, cam camera.Camera, name string, start, end time.Time) error {
	if deps.OpenStorage == nil || deps.Go2RTC == nil {
		return fmt.Errorf("streamkeeper: playback unavailable")
	}
	sf, err := deps.OpenStorage(cam)
	if err != nil {
		return fmt.Errorf("streamkeeper: open storage for playback: %w", err)
	}

	ctx := context.Background()
	startMs, endMs := start.UnixMilli(), end.UnixMilli()

	segments, err := sf.QuerySegments(ctx, "video", startMs, endMs)
	if err != nil {
		return fmt.Errorf("streamkeeper: query segments: %w", err)
	}
	if len(segments) == 0 {
		return fmt.Errorf("streamkeeper: no recorded content in range")
	}
	seg := segments[0]

	prefixEnd := seg.EndMs
	if prefixEnd > seg.StartMs+5_000 {
		prefixEnd = seg.StartMs + 5_000
	}
	prefix, err := sf.Query(ctx, "video", "", seg.StartMs, prefixEnd)
	if err != nil {
		return fmt.Errorf("streamkeeper: read codec prefix: %w", err)
	}
	if prefix.VideoCodecName == "" {
		return fmt.Errorf("streamkeeper: no codec parameters recovered for playback")
	}

	fifoPath := filepath.Join(os.TempDir(), fmt.Sprintf("revere-playback-%s.raw", uuid.NewString()))
	if err := syscall.Mkfifo(fifoPath, 0o600); err != nil {
		return fmt.Errorf("streamkeeper: create playback fifo: %w", err)
	}

	src := fmt.Sprintf("exec:ffmpeg -hide_banner -v error -fflags +genpts -f %s -i %s -c:v copy -f rtsp {output}",
		ffmpegFormatForCodec(prefix.VideoCodecName), fifoPath)
	if err := deps.Go2RTC.AddStream(name, src); err != nil {
		os.Remove(fifoPath)
		return fmt.Errorf("streamkeeper: register playback mount: %w", err)
	}

	go runPlaybackProducer(sf, fifoPath, seg.StartMs, endMs)
	return nil
}

// runPlaybackProducer reads video frames for [startMs, endMs) from sf in a
// single Query and writes their payload bytes to the FIFO at fifoPath,
// sleeping between writes so wall-clock delivery matches each frame's
// offset from the first one. The already-read frames pass to the paced
// writer through a channel of playbackLookahead capacity; storage reads
// are not paced.
func runPlaybackProducer(sf *storagefile.StorageFile, fifoPath string, startMs, endMs int64) {
	defer os.Remove(fifoPath)

	f, err := os.OpenFile(fifoPath, os.O_WRONLY, 0)
	if err != nil {
		return
	}
	defer f.Close()

	frames, err := sf.Query(context.Background(), "video", "", startMs, endMs)
	if err != nil || len(frames.Frames) == 0 {
		return
	}

	ch := make(chan storagefile.Frame, playbackLookahead)
	go func() {
		defer close(ch)
		for _, fr := range frames.Frames {
			if fr.StreamTag != "video" {
				continue
			}
			ch <- fr
		}
	}()

	firstTs := frames.Frames[0].TsMs
	playbackStart := time.Now()
	for fr := range ch {
		target := playbackStart.Add(time.Duration(fr.TsMs-firstTs) * time.Millisecond)
		if d := time.Until(target); d > 0 {
			time.Sleep(d)
		}
		if _, err := f.Write(fr.Data); err != nil {
			return
		}
	}
}
