package recording

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/revere-nvr/engine/internal/caps"
	"github.com/revere-nvr/engine/internal/engineerr"
	"github.com/revere-nvr/engine/internal/mediasource"
	"github.com/revere-nvr/engine/internal/motion"
	"github.com/revere-nvr/engine/internal/storagefile"
)

// Params bundles the fixed inputs a Context needs to run, independent of
// the camera.Camera type so this package never imports internal/camera
// (the Stream Keeper owns that wiring) and stays testable with plain
// structs.
type Params struct {
	CameraID     string
	FriendlyName string
	StreamURL    string
	Username     string
	Password     string

	MotionEnabled bool
}

// Context is one assigned camera's live ingest pipeline: Media Source →
// Storage File, with a side channel to the Motion Engine and an N-way
// fanout to live restream subscribers.
type Context struct {
	params   Params
	sf       *storagefile.StorageFile
	motion   *motion.Engine
	mounter  MountRequester
	registry SubscriberRegistry
	log      *slog.Logger

	source *mediasource.Source
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	startedAt     time.Time
	videoCodec    storagefile.CodecInfo
	audioCodec    storagefile.CodecInfo
	haveVideoCaps bool
	haveAudioCaps bool
	mountDone     bool
	videoWC       *storagefile.WriteContext
	audioWC       *storagefile.WriteContext
	lastVideoAt   time.Time
	lastAudioAt   time.Time
	runErr        error
	stopped       bool
}

// New constructs a Context. Call Start to begin ingest. registry resolves
// the camera's current live-restream subscribers at fanout time; it lives
// on the Stream Keeper, not the Context, so subscribers outlive any one
// Context instance.
func New(p Params, sf *storagefile.StorageFile, motionEngine *motion.Engine, mounter MountRequester, registry SubscriberRegistry) *Context {
	return &Context{
		params:   p,
		sf:       sf,
		motion:   motionEngine,
		mounter:  mounter,
		registry: registry,
		log:      slog.Default().With("component", "recording", "camera", p.CameraID),
	}
}

// Start launches the Media Source and begins ingesting frames. It returns
// immediately; ingest runs on a background goroutine until ctx is
// cancelled or Stop is called.
func (c *Context) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.startedAt = time.Now()

	cb := mediasource.Callbacks{
		OnSDP:    c.onSDP,
		OnSample: c.onSample,
	}
	c.source = mediasource.NewSource(c.params.StreamURL,
		mediasource.Credentials{Username: c.params.Username, Password: c.params.Password},
		cb, c.params.CameraID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.source.Run(runCtx)
		c.mu.Lock()
		c.runErr = err
		c.mu.Unlock()
		if err != nil && runCtx.Err() == nil {
			c.log.Error("media source exited", "error", err)
		}
	}()

	// Settle window: if a camera has no audio track, ffmpeg announces
	// video's SDP line without ever announcing audio, so the mount
	// request would otherwise wait forever for caps that never arrive.
	go func() {
		select {
		case <-runCtx.Done():
		case <-time.After(2 * time.Second):
			c.maybeRequestMount()
		}
	}()
}

// Stop tears the context down: stop the source, then release storage
// write contexts so their stream tags are free for a successor — order
// matters.
func (c *Context) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if c.motion != nil && c.params.MotionEnabled {
		c.motion.Remove(c.params.CameraID)
	}

	ctx := context.Background()
	if err := c.sf.ReleaseWriteContext(ctx, "video"); err != nil {
		c.log.Warn("failed to release video write context", "error", err)
	}
	if err := c.sf.ReleaseWriteContext(ctx, "audio"); err != nil {
		c.log.Warn("failed to release audio write context", "error", err)
	}
}

// Dead reports whether this context should be considered stalled and torn
// down by the Stream Keeper's reconciliation loop.
func (c *Context) Dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runErr != nil {
		return true
	}
	if !c.lastVideoAt.IsZero() {
		return time.Since(c.lastVideoAt) > deadAfter
	}
	if !c.lastAudioAt.IsZero() {
		return time.Since(c.lastAudioAt) > deadAfter
	}
	return time.Since(c.startedAt) > deadAfter
}

func (c *Context) onSDP(media mediasource.SDPMedia) {
	switch media.Kind {
	case mediasource.KindVideo:
		params := caps.Encode(map[string]string{
			"width":  strconv.Itoa(media.Width),
			"height": strconv.Itoa(media.Height),
			"fps":    strconv.FormatFloat(media.FPS, 'f', 2, 64),
		}, []string{"width", "height", "fps"})
		c.mu.Lock()
		c.videoCodec = storagefile.CodecInfo{Name: media.Codec, Params: params}
		c.haveVideoCaps = true
		c.mu.Unlock()
	case mediasource.KindAudio:
		params := caps.Encode(map[string]string{
			"sample_rate": strconv.Itoa(media.SampleRate),
			"channels":    strconv.Itoa(media.Channels),
		}, []string{"sample_rate", "channels"})
		c.mu.Lock()
		c.audioCodec = storagefile.CodecInfo{Name: media.Codec, Params: params}
		c.haveAudioCaps = true
		c.mu.Unlock()
	}
	c.mu.Lock()
	haveBoth := c.haveVideoCaps && c.haveAudioCaps
	c.mu.Unlock()
	if haveBoth {
		c.maybeRequestMount()
	}
}

func (c *Context) maybeRequestMount() {
	c.mu.Lock()
	if c.mountDone || !c.haveVideoCaps {
		c.mu.Unlock()
		return
	}
	c.mountDone = true
	video, audio, hasAudio := c.videoCodec, c.audioCodec, c.haveAudioCaps
	c.mu.Unlock()

	if c.mounter == nil {
		return
	}
	if err := c.mounter.RequestLiveMount(c.params.CameraID, c.params.FriendlyName, video, audio, hasAudio); err != nil {
		c.log.Warn("live restream mount request failed", "error", err)
	}
}

func (c *Context) videoWriteContext() *storagefile.WriteContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.videoWC == nil {
		c.videoWC = c.sf.CreateWriteContext("video", storagefile.Video, c.videoCodec)
	}
	return c.videoWC
}

func (c *Context) audioWriteContext() *storagefile.WriteContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audioWC == nil {
		c.audioWC = c.sf.CreateWriteContext("audio", storagefile.Audio, c.audioCodec)
	}
	return c.audioWC
}

func (c *Context) onSample(sample mediasource.Sample) {
	ctx := context.Background()
	tsMs := sample.Ctx.WallPTSMs

	if sample.Kind == mediasource.KindVideo {
		c.mu.Lock()
		c.lastVideoAt = time.Now()
		c.mu.Unlock()

		wc := c.videoWriteContext()
		if err := wc.WriteFrame(ctx, sample.Data, sample.Key, tsMs, sample.DTSMs); err != nil {
			c.handleWriteError(err)
		}

		if c.motion != nil && c.params.MotionEnabled {
			c.mu.Lock()
			codecName, codecParams := c.videoCodec.Name, c.videoCodec.Params
			c.mu.Unlock()
			c.motion.Submit(motion.WorkItem{
				CameraID:    c.params.CameraID,
				Buffer:      sample.Data,
				TsMs:        tsMs,
				CodecName:   codecName,
				CodecParams: codecParams,
				IsKeyFrame:  sample.Key,
			})
		}

		c.fanoutVideo(Frame{Data: sample.Data, Key: sample.Key, TsMs: tsMs, DTSMs: sample.DTSMs})
		return
	}

	c.mu.Lock()
	c.lastAudioAt = time.Now()
	c.mu.Unlock()

	wc := c.audioWriteContext()
	if err := wc.WriteFrame(ctx, sample.Data, sample.Key, tsMs, sample.DTSMs); err != nil {
		c.handleWriteError(err)
	}
	c.fanoutAudio(Frame{Data: sample.Data, Key: sample.Key, TsMs: tsMs, DTSMs: sample.DTSMs})
}

// handleWriteError handles a storage write failure: an IoError on the
// storage writer propagates to the Recording Context, which marks itself
// dead; the reconciliation loop rebuilds it on the next tick. A
// monotonicity InvalidArgument is logged and the frame is dropped without
// affecting liveness.
func (c *Context) handleWriteError(err error) {
	var ee *engineerr.Error
	if e, ok := err.(*engineerr.Error); ok {
		ee = e
	}
	if ee != nil && ee.Kind == engineerr.InvalidArgument {
		c.log.Debug("dropped out-of-order frame", "error", err)
		return
	}
	c.log.Error("storage write failed, marking context dead", "error", err)
	c.mu.Lock()
	c.runErr = err
	c.mu.Unlock()
}

func (c *Context) fanoutVideo(f Frame) {
	if c.registry == nil {
		return
	}
	for _, sub := range c.registry.Subscribers(c.params.CameraID) {
		sub.sendVideo(f)
	}
}

func (c *Context) fanoutAudio(f Frame) {
	if c.registry == nil {
		return
	}
	for _, sub := range c.registry.Subscribers(c.params.CameraID) {
		sub.sendAudio(f)
	}
}

// Status is a lightweight snapshot for the Stream Keeper's status cache.
type Status struct {
	CameraID string
	Dead     bool
	Running  bool
}

func (c *Context) Status() Status {
	return Status{CameraID: c.params.CameraID, Dead: c.Dead(), Running: !c.stoppedFlag()}
}

func (c *Context) stoppedFlag() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
