package api

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/revere-nvr/engine/internal/caps"
	"github.com/revere-nvr/engine/internal/engineerr"
	"github.com/revere-nvr/engine/internal/storagefile"
)

const exportChunk = 5 * time.Minute
const exportDir = "export"

// exportRange implements GET /export's muxing step: it walks [start, end)
// in 5-minute chunks, feeding each chunk's video frames to an ffmpeg
// mux-only subprocess writing fileName under the export directory. Stored
// audio is not included in the export. Mirrors internal/mediasource's treatment of ffmpeg as
// the only muxer/demuxer collaborator — stream-copied, no re-encode.
func exportRange(ctx context.Context, sf *storagefile.StorageFile, fileName string, start, end time.Time) (string, error) {
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return "", engineerr.Wrap(engineerr.IoError, "api.exportRange", "create export dir", err)
	}
	outPath := filepath.Join(exportDir, filepath.Base(fileName))

	fps, err := inferFramerate(ctx, sf, start, end)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
		"-hide_banner", "-loglevel", "error",
		"-r", fmt.Sprintf("%.3f", fps),
		"-f", "h264", "-i", "pipe:0",
		"-c", "copy", outPath,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", engineerr.Wrap(engineerr.IoError, "api.exportRange", "stdin pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return "", engineerr.Wrap(engineerr.IoError, "api.exportRange", "start muxer", err)
	}

	cursor := start
	for cursor.Before(end) {
		chunkEnd := cursor.Add(exportChunk)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		tree, err := sf.Query(ctx, "video", "", cursor.UnixMilli(), chunkEnd.UnixMilli())
		if err == nil {
			for _, frame := range tree.Frames {
				if _, werr := stdin.Write(frame.Data); werr != nil {
					break
				}
			}
		}
		cursor = chunkEnd
	}
	_ = stdin.Close()
	if err := cmd.Wait(); err != nil {
		return "", engineerr.Wrap(engineerr.IoError, "api.exportRange", "mux export", err)
	}
	return outPath, nil
}

// inferFramerate reads the stored codec params' fps field when present,
// falling back to the median inter-video-frame delta over the requested
// range.
func inferFramerate(ctx context.Context, sf *storagefile.StorageFile, start, end time.Time) (float64, error) {
	blocks, err := sf.QueryBlocks(ctx, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return 0, err
	}
	for _, b := range blocks {
		if b.StreamTag != "video" {
			continue
		}
		fields := caps.Decode(b.Codec.Params)
		var fps float64
		if _, err := fmt.Sscanf(fields["fps"], "%g", &fps); err == nil && fps > 0 {
			return fps, nil
		}
	}

	tree, err := sf.Query(ctx, "video", "", start.UnixMilli(), end.UnixMilli())
	if err != nil || len(tree.Frames) < 2 {
		return 30, nil
	}
	ts := make([]int64, 0, len(tree.Frames))
	for _, f := range tree.Frames {
		ts = append(ts, f.TsMs)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	deltas := make([]int64, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		if d := ts[i] - ts[i-1]; d > 0 {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 {
		return 30, nil
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })
	medianMs := deltas[len(deltas)/2]
	return 1000.0 / float64(medianMs), nil
}
