// Package motion implements the single-worker Motion Engine: it consumes
// decoded-ready work items from every camera's Recording Context, runs a
// per-camera motion-significance test against running statistics, writes a motion flag per
// wall-clock second to that camera's Ring File, and emits start/update/end
// events to a plugin dispatcher.
package motion

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/revere-nvr/engine/internal/engineerr"
	"github.com/revere-nvr/engine/internal/ringfile"
)

var errNoActiveDecoder = engineerr.New(engineerr.DecodeError, "motion.decodeItem", "no active decoder for P-frame outside an event")

// WorkItem is what a Recording Context posts for every video frame of a
// motion-enabled camera. TsMs == -1 is the removal sentinel (§4.5
// "Removal").
type WorkItem struct {
	CameraID    string
	Buffer      []byte
	TsMs        int64
	CodecName   string
	CodecParams []byte
	IsKeyFrame  bool
}

// EventKind identifies a motion lifecycle transition.
type EventKind int

const (
	EventStart EventKind = iota
	EventUpdate
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "motion_event_start"
	case EventUpdate:
		return "motion_event_update"
	case EventEnd:
		return "motion_event_end"
	default:
		return "unknown"
	}
}

// BBox is a motion-intensity bounding box in frame-pixel coordinates.
type BBox struct{ X, Y, W, H int }

// Event is posted to the plugin dispatcher for every state transition.
type Event struct {
	Kind     EventKind
	CameraID string
	TsMs     int64
	Frame    *image.RGBA
	Width    int
	Height   int
	BBox     BBox
}

// EventSink receives motion events; internal/pluginhost implements it.
type EventSink interface {
	Post(Event)
}

// RingWriterFor opens (or creates) the motion Ring File for a camera,
// supplied by the caller so the Motion Engine doesn't need to know storage
// path conventions.
type RingWriterFor func(cameraID string) (*ringfile.RingFile, error)

const (
	queueCapacity  = 1000
	warmupDuration = 60 * time.Second
	// significanceK scales the standard deviation in the significance
	// test: motion > avg + k*stddev.
	significanceK   = 2.5
	significanceFloor = 3.0
	targetWidth     = 640
)

// Engine is the single Motion Engine worker.
type Engine struct {
	ringFor RingWriterFor
	sink    EventSink
	log     *slog.Logger

	queue   chan WorkItem
	dropped int64

	mu     sync.Mutex
	states map[string]*cameraState

	wg sync.WaitGroup
}

// New constructs an Engine. Call Run to start its single worker goroutine.
func New(ringFor RingWriterFor, sink EventSink) *Engine {
	return &Engine{
		ringFor: ringFor,
		sink:    sink,
		log:     slog.Default().With("component", "motion"),
		queue:   make(chan WorkItem, queueCapacity),
		states:  make(map[string]*cameraState),
	}
}

// Submit enqueues a work item, dropping the newest item and counting the
// drop if the queue is full (§4.5, §5 backpressure policy).
func (e *Engine) Submit(item WorkItem) {
	select {
	case e.queue <- item:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

// Remove posts the removal sentinel for cameraID.
func (e *Engine) Remove(cameraID string) {
	e.Submit(WorkItem{CameraID: cameraID, TsMs: -1})
}

// DroppedAndReset returns the drop counter and resets it to zero.
func (e *Engine) DroppedAndReset() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.dropped
	e.dropped = 0
	return d
}

// Run processes work items until ctx is cancelled or the queue is closed.
// It blocks on its work channel with a 1-second timeout so shutdown is
// prompt even under load.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(1)
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-e.queue:
			if !ok {
				return
			}
			e.process(item)
		case <-time.After(time.Second):
		}
	}
}

// Wait blocks until Run returns.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) process(item WorkItem) {
	if item.TsMs == -1 {
		e.dropState(item.CameraID)
		return
	}

	st := e.stateFor(item.CameraID)

	decodeNeeded := item.IsKeyFrame || st.inEvent
	if !decodeNeeded {
		return
	}

	frame, width, height, err := e.decodeItem(st, item)
	if err != nil {
		// DecodeError: drop per-camera state so it's lazily rebuilt from
		// the next key frame; emit no event. Recording is unaffected.
		e.log.Warn("motion decode failed, dropping camera state", "camera", item.CameraID, "error", err)
		e.dropState(item.CameraID)
		return
	}

	motionValue, bbox := st.stats.update(frame, width, height)
	significant := motionValue > st.stats.mean()+significanceK*st.stats.stddev() && motionValue > significanceFloor

	e.writeRingFlag(item.CameraID, st, item.TsMs, significant)
	e.advanceState(st, item, frame, width, height, bbox, significant)
}

func (e *Engine) dropState(cameraID string) {
	e.mu.Lock()
	st, ok := e.states[cameraID]
	delete(e.states, cameraID)
	e.mu.Unlock()
	if ok && st.dec != nil {
		st.dec.close()
	}
}

// decodeItem decodes a key frame with a fresh decoder (always safe, since
// Annex-B key frames are self-contained) or feeds a permitted P-frame to
// the decoder opened at the start of the current event/GOP.
func (e *Engine) decodeItem(st *cameraState, item WorkItem) (*image.RGBA, int, int, error) {
	if item.IsKeyFrame {
		if st.dec != nil {
			st.dec.close()
			st.dec = nil
		}
		srcWidth, srcHeight := dimsFromParams(item.CodecParams)
		dec, err := startDecoder(item.CodecName, srcWidth, srcHeight, targetWidth)
		if err != nil {
			return nil, 0, 0, err
		}
		st.dec = dec
	} else if st.dec == nil {
		return nil, 0, 0, errNoActiveDecoder
	}

	img, err := st.dec.decode(item.Buffer)
	if err != nil {
		return nil, 0, 0, err
	}
	return img, st.dec.width, st.dec.height, nil
}

func (e *Engine) stateFor(cameraID string) *cameraState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[cameraID]
	if !ok {
		st = newCameraState()
		e.states[cameraID] = st
	}
	return st
}

func (e *Engine) writeRingFlag(cameraID string, st *cameraState, tsMs int64, significant bool) {
	if !st.firstTsSet {
		st.firstTsMs = tsMs
		st.firstTsSet = true
	}
	if time.Duration(tsMs-st.firstTsMs)*time.Millisecond < warmupDuration {
		return
	}
	second := tsMs / 1000
	if st.lastWrittenSecond == second {
		return
	}
	st.lastWrittenSecond = second

	rf, err := e.ringFor(cameraID)
	if err != nil {
		e.log.Warn("motion ring open failed", "camera", cameraID, "error", err)
		return
	}
	flag := byte(0)
	if significant {
		flag = 1
	}
	if err := rf.Write(time.UnixMilli(tsMs), []byte{flag}); err != nil {
		e.log.Warn("motion ring write failed", "camera", cameraID, "error", err)
	}
}

func (e *Engine) advanceState(st *cameraState, item WorkItem, frame *image.RGBA, width, height int, bbox BBox, significant bool) {
	switch {
	case !st.inEvent && significant:
		st.inEvent = true
		st.eventStartMs = item.TsMs
		e.emit(Event{Kind: EventStart, CameraID: item.CameraID, TsMs: item.TsMs, Frame: frame, Width: width, Height: height, BBox: bbox})
	case st.inEvent && significant:
		e.emit(Event{Kind: EventUpdate, CameraID: item.CameraID, TsMs: item.TsMs, Frame: frame, Width: width, Height: height, BBox: bbox})
	case st.inEvent && !significant:
		st.inEvent = false
		e.emit(Event{Kind: EventEnd, CameraID: item.CameraID, TsMs: item.TsMs, Frame: frame, Width: width, Height: height, BBox: bbox})
	}
}

func (e *Engine) emit(evt Event) {
	if e.sink != nil {
		e.sink.Post(evt)
	}
}
