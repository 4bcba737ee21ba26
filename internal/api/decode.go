package api

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"

	"github.com/revere-nvr/engine/internal/caps"
	"github.com/revere-nvr/engine/internal/engineerr"
	"github.com/revere-nvr/engine/internal/video"
)

var hwDetector = video.NewHWAccelDetector()

// decodeKeyFrameToJPEG decodes a single Annex-B key frame to a JPEG at the
// requested dimensions, mirroring internal/motion/decoder.go's treatment of
// ffmpeg as the only codec collaborator: a one-shot process fed exactly one
// access unit rather than the Motion Engine's persistent per-GOP process,
// since /jpg always targets an isolated key frame.
func decodeKeyFrameToJPEG(codecName string, codecParams, accessUnit []byte, width, height int) ([]byte, error) {
	fields := caps.Decode(codecParams)
	srcWidth := caps.Int(fields, "width")
	srcHeight := caps.Int(fields, "height")
	if srcWidth == 0 || srcHeight == 0 {
		return nil, engineerr.New(engineerr.DecodeError, "api.decodeKeyFrameToJPEG", "unknown source dimensions")
	}
	if width == 0 {
		width = srcWidth
	}
	if height == 0 {
		height = srcHeight * width / srcWidth
	}
	if height%2 != 0 {
		height++
	}

	format := "h264"
	if codecName == "h265" {
		format = "hevc"
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, hwDetector.GetFFmpegArgs(context.Background())...)
	args = append(args,
		"-f", format, "-i", "pipe:0",
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-frames:v", "1",
		"-pix_fmt", "rgb24", "-f", "rawvideo", "pipe:1",
	)
	cmd := exec.Command("ffmpeg", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DecodeError, "api.decodeKeyFrameToJPEG", "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DecodeError, "api.decodeKeyFrameToJPEG", "stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, engineerr.Wrap(engineerr.DecodeError, "api.decodeKeyFrameToJPEG", "start decoder", err)
	}

	go func() {
		_, _ = stdin.Write(accessUnit)
		_ = stdin.Close()
	}()

	raw := make([]byte, width*height*3)
	if _, err := io.ReadFull(bufio.NewReaderSize(stdout, 1<<20), raw); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, engineerr.Wrap(engineerr.DecodeError, "api.decodeKeyFrameToJPEG", "read decoded frame", err)
	}
	_ = cmd.Wait()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcRow := raw[y*width*3 : (y+1)*width*3]
		dstRow := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width; x++ {
			dstRow[x*4+0] = srcRow[x*3+0]
			dstRow[x*4+1] = srcRow[x*3+1]
			dstRow[x*4+2] = srcRow[x*3+2]
			dstRow[x*4+3] = 0xFF
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		return nil, engineerr.Wrap(engineerr.DecodeError, "api.decodeKeyFrameToJPEG", "jpeg encode", err)
	}
	return buf.Bytes(), nil
}
