package mediasource

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/revere-nvr/engine/internal/engineerr"
)

// Credentials carries an optional RTSP username/password, kept separate
// from the URL so the source never needs to log a credential-bearing
// string directly (it always logs through sanitizeURLForLog).
type Credentials struct {
	Username string
	Password string
}

// Source wraps one camera's RTSP ingest as an ffmpeg subprocess, demuxing
// to stdout and delivering per-media samples.
type Source struct {
	url   string
	creds Credentials
	cb    Callbacks
	log   *slog.Logger

	mu          sync.Mutex
	videoAnchor *ptsAnchor
	audioAnchor *ptsAnchor
	videoCodec  string
	sentSDP     map[Kind]bool
	readySent   bool
	keyFrameSeq int // counts video key frames seen, for thumbnail capture
	secondKey   []byte

	retried bool
	gotFirstSample bool
}

// NewSource constructs a Source for one camera; it does not start ffmpeg.
func NewSource(url string, creds Credentials, cb Callbacks, cameraID string) *Source {
	return &Source{
		url:         url,
		creds:       creds,
		cb:          cb,
		log:         slog.Default().With("component", "mediasource", "camera", cameraID),
		videoAnchor: newPTSAnchor(),
		audioAnchor: newPTSAnchor(),
		sentSDP:     make(map[Kind]bool),
	}
}

func (s *Source) streamURL() string {
	u := s.url
	if s.creds.Username != "" && s.creds.Password != "" && !urlHasCredentials(u) && strings.HasPrefix(u, "rtsp://") {
		u = fmt.Sprintf("rtsp://%s:%s@%s", s.creds.Username, s.creds.Password, strings.TrimPrefix(u, "rtsp://"))
	}
	return u
}

func urlHasCredentials(u string) bool {
	rest := strings.TrimPrefix(u, "rtsp://")
	if idx := strings.Index(rest, "/"); idx != -1 {
		rest = rest[:idx]
	}
	return strings.Contains(rest, "@")
}

func sanitizeURLForLog(u string) string {
	rest := strings.TrimPrefix(u, "rtsp://")
	if at := strings.Index(rest, "@"); at != -1 {
		return "rtsp://***:***@" + rest[at+1:]
	}
	return u
}

func buildFFmpegArgs(streamURL string) []string {
	return []string{
		"-hide_banner", "-loglevel", "info",
		"-fflags", "+genpts+discardcorrupt",
		"-rtsp_transport", "tcp",
		"-stimeout", "5000000",
		"-i", streamURL,
		"-c:v", "copy",
		"-c:a", "copy",
		"-bsf:v", "h264_mp4toannexb",
		"-f", "mpegts",
		"pipe:1",
	}
}

// Run starts ffmpeg and blocks, demuxing until ctx is cancelled or the
// process exits. It implements the one-retry-before-first-sample policy:
// an error prior to the first delivered sample triggers one retry with
// ffmpeg's -use_wallclock_as_timestamps compatibility flag before giving
// up. No RTSP short-header mode is set on either attempt.
func (s *Source) Run(ctx context.Context) error {
	err := s.runOnce(ctx, false)
	if err != nil && !s.gotFirstSample && !s.retried {
		s.retried = true
		s.log.Warn("retrying stream with compatibility flag after pre-first-sample error", "error", err)
		err = s.runOnce(ctx, true)
	}
	return err
}

func (s *Source) runOnce(ctx context.Context, compat bool) error {
	url := s.streamURL()
	args := buildFFmpegArgs(url)
	if compat {
		args = append([]string{"-use_wallclock_as_timestamps", "1"}, args...)
	}
	s.log.Info("starting media source", "url", sanitizeURLForLog(url))

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return engineerr.Wrap(engineerr.TransientSourceError, "mediasource.Run", "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return engineerr.Wrap(engineerr.TransientSourceError, "mediasource.Run", "stderr pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return engineerr.Wrap(engineerr.TransientSourceError, "mediasource.Run", "start ffmpeg", err)
	}

	go s.scanStderr(stderr)

	demuxErr := s.demux(stdout)

	waitErr := cmd.Wait()
	if demuxErr != nil {
		return demuxErr
	}
	if waitErr != nil && ctx.Err() == nil {
		return engineerr.Wrap(engineerr.TransientSourceError, "mediasource.Run", "ffmpeg exited with error", waitErr)
	}
	return nil
}

// sdpVideoLine matches ffmpeg's "Stream #0:N: Video: h264 ..., WxH" line
// on stderr, sdpVideoFPS its "R fps" figure, and sdpAudioLine the
// analogous audio announcement.
var sdpVideoLine = regexp.MustCompile(`Stream #\d+:\d+.*Video: (\w+).*?(\d{2,5})x(\d{2,5})`)
var sdpVideoFPS = regexp.MustCompile(`([\d.]+) fps`)
var sdpAudioLine = regexp.MustCompile(`Stream #\d+:\d+.*Audio: (\w+).*?(\d+) Hz`)

func (s *Source) scanStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if m := sdpVideoLine.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[2])
			h, _ := strconv.Atoi(m[3])
			fps := 0.0
			if fm := sdpVideoFPS.FindStringSubmatch(line); fm != nil {
				fps, _ = strconv.ParseFloat(fm[1], 64)
			}
			s.announceSDP(SDPMedia{Kind: KindVideo, Codec: m[1], Width: w, Height: h, FPS: fps})
		} else if m := sdpAudioLine.FindStringSubmatch(line); m != nil {
			rate, _ := strconv.Atoi(m[2])
			s.announceSDP(SDPMedia{Kind: KindAudio, Codec: m[1], SampleRate: rate})
		}
		if strings.Contains(line, "rror") {
			s.log.Warn("ffmpeg stderr", "line", line)
		}
	}
}

func (s *Source) announceSDP(media SDPMedia) {
	s.mu.Lock()
	if s.sentSDP[media.Kind] {
		s.mu.Unlock()
		return
	}
	s.sentSDP[media.Kind] = true
	if media.Kind == KindVideo {
		s.videoCodec = media.Codec
	}
	ready := len(s.sentSDP) >= 1 && !s.readySent
	if ready {
		s.readySent = true
	}
	s.mu.Unlock()

	if s.cb.OnSDP != nil {
		s.cb.OnSDP(media)
	}
	if ready && s.cb.OnReady != nil {
		s.cb.OnReady()
	}
}

func (s *Source) demux(stdout io.Reader) error {
	d := newTSDemuxer()
	buf := make([]byte, 64*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			pkts, derr := d.feed(buf[:n])
			if derr != nil {
				return derr
			}
			for _, p := range pkts {
				s.handlePES(d, p)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return engineerr.Wrap(engineerr.TransientSourceError, "mediasource.demux", "read stdout", err)
		}
	}
}

func (s *Source) handlePES(d *tsDemuxer, p pesPacket) {
	isVideo := int(p.PID) == d.videoPID
	codec := "aac"
	if isVideo {
		if d.videoType == streamTypeH265 {
			codec = "h265"
		} else {
			codec = "h264"
		}
	}

	var units [][]byte
	if isVideo {
		units = splitAnnexBAccessUnits(p.Payload)
	} else {
		units = splitADTS(p.Payload)
	}
	if len(units) == 0 {
		return
	}

	anchor, other := s.audioAnchor, s.videoAnchor
	kind := KindAudio
	if isVideo {
		anchor, other = s.videoAnchor, s.audioAnchor
		kind = KindVideo
	}
	// Both media share the stream start set by the session's first sample.
	if !anchor.haveStart && other.haveStart {
		anchor.streamStart = other.streamStart
		anchor.haveStart = true
	}

	for i, u := range units {
		hasPTS := p.HasPTS && i == 0
		srcPTS90k := p.PTS90k
		isPicture, isIDR := true, false
		if isVideo {
			isPicture, isIDR = isPictureAndIDR(codec, u)
		}
		srcPTSMs := int64(0)
		if hasPTS {
			srcPTSMs = srcPTS90k / 90
		}
		wallPTSMs, _ := anchor.resolve(hasPTS, srcPTSMs, isPicture, isIDR)

		if isVideo && isIDR {
			s.mu.Lock()
			s.keyFrameSeq++
			if s.keyFrameSeq == 2 {
				s.secondKey = append([]byte(nil), u...)
			}
			s.mu.Unlock()
		}

		sample := Sample{
			Kind: kind,
			Ctx: SampleContext{
				StreamStart: anchor.anchor(),
				SourcePTSMs: srcPTSMs,
				WallPTSMs:   wallPTSMs,
			},
			Data: u,
			Key:  isVideo && isIDR,
		}
		if p.HasDTS {
			sample.DTSMs = p.DTS90k / 90
		} else {
			sample.DTSMs = wallPTSMs
		}

		s.gotFirstSample = true
		if s.cb.OnSample != nil {
			s.cb.OnSample(sample)
		}
	}
}

func isPictureAndIDR(codec string, accessUnit []byte) (bool, bool) {
	for _, nal := range splitAnnexB(accessUnit) {
		pic, idr := classify(codec, nal)
		if idr {
			return true, true
		}
		if pic {
			return true, false
		}
	}
	return false, false
}

// splitAnnexBAccessUnits groups NAL units from one PES payload into a
// single access unit per video frame (ffmpeg emits one PES per frame for
// the h264_mp4toannexb bitstream filter, so the whole payload is one unit).
func splitAnnexBAccessUnits(payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	return [][]byte{payload}
}

// SecondKeyFrame returns the raw access unit of the second observed video
// key frame, used as a stable preview thumbnail (the first key frame is
// often idiosyncratic on some vendors).
func (s *Source) SecondKeyFrame() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secondKey == nil {
		return nil, false
	}
	return s.secondKey, true
}
