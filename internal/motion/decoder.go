package motion

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"io"
	"os/exec"

	"github.com/revere-nvr/engine/internal/caps"
	"github.com/revere-nvr/engine/internal/engineerr"
	"github.com/revere-nvr/engine/internal/video"
)

// hwDetector caches the host's decode-capable hardware acceleration type
// across every decoder this process starts; detection shells out to ffmpeg
// once and is expensive enough to not repeat per camera per key frame.
var hwDetector = video.NewHWAccelDetector()

func dimsFromParams(params []byte) (width, height int) {
	fields := caps.Decode(params)
	return caps.Int(fields, "width"), caps.Int(fields, "height")
}

// decoder wraps a persistent ffmpeg subprocess decoding one camera's Annex-B
// access units to fixed-size RGB24 frames, mirroring the rest of the repo's
// treatment of ffmpeg as an opaque codec collaborator (no Go video decoder
// is used anywhere in this repo). Annex-B is self-synchronizing at key
// frames, so restarting the process at every key frame (when the engine was
// previously idle) is always safe; while an event is active, every
// permitted frame is fed to the same process so inter-frame (P-frame)
// decode state stays valid for that GOP.
type decoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	width, height, frameSize int
}

func startDecoder(codecName string, srcWidth, srcHeight, targetWidth int) (*decoder, error) {
	if srcWidth == 0 || srcHeight == 0 {
		return nil, engineerr.New(engineerr.DecodeError, "motion.startDecoder", "unknown source dimensions")
	}
	targetHeight := srcHeight * targetWidth / srcWidth
	if targetHeight%2 != 0 {
		targetHeight++
	}

	format := "h264"
	if codecName == "h265" {
		format = "hevc"
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, hwDetector.GetFFmpegArgs(context.Background())...)
	args = append(args,
		"-f", format, "-i", "pipe:0",
		"-vf", fmt.Sprintf("scale=%d:%d", targetWidth, targetHeight),
		"-pix_fmt", "rgb24", "-f", "rawvideo", "pipe:1",
	)
	cmd := exec.Command("ffmpeg", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DecodeError, "motion.startDecoder", "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, engineerr.Wrap(engineerr.DecodeError, "motion.startDecoder", "stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, engineerr.Wrap(engineerr.DecodeError, "motion.startDecoder", "start decoder", err)
	}

	return &decoder{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 1<<20),
		width:  targetWidth,
		height: targetHeight,
		frameSize: targetWidth * targetHeight * 3,
	}, nil
}

// decode feeds one Annex-B access unit and blocks for the corresponding
// decoded RGB frame.
func (d *decoder) decode(accessUnit []byte) (*image.RGBA, error) {
	if _, err := d.stdin.Write(accessUnit); err != nil {
		return nil, engineerr.Wrap(engineerr.DecodeError, "motion.decode", "feed decoder", err)
	}

	raw := make([]byte, d.frameSize)
	if _, err := io.ReadFull(d.stdout, raw); err != nil {
		return nil, engineerr.Wrap(engineerr.DecodeError, "motion.decode", "read decoded frame", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, d.width, d.height))
	for y := 0; y < d.height; y++ {
		srcRow := raw[y*d.width*3 : (y+1)*d.width*3]
		dstRow := img.Pix[y*img.Stride : y*img.Stride+d.width*4]
		for x := 0; x < d.width; x++ {
			dstRow[x*4+0] = srcRow[x*3+0]
			dstRow[x*4+1] = srcRow[x*3+1]
			dstRow[x*4+2] = srcRow[x*3+2]
			dstRow[x*4+3] = 0xFF
		}
	}
	return img, nil
}

func (d *decoder) close() {
	d.stdin.Close()
	if d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
	d.cmd.Wait()
}
