package recording

import (
	"errors"
	"testing"
	"time"
)

func TestSubscriberRebasesFirstFrameToZero(t *testing.T) {
	sub := NewSubscriber("sub-1", "cam-1")

	sub.sendVideo(Frame{TsMs: 5000})
	sub.sendVideo(Frame{TsMs: 5033})

	f1 := <-sub.Video
	f2 := <-sub.Video
	if f1.TsMs != 0 {
		t.Fatalf("expected first video frame rebased to 0, got %d", f1.TsMs)
	}
	if f2.TsMs != 33 {
		t.Fatalf("expected second video frame at 33ms, got %d", f2.TsMs)
	}
}

func TestSubscriberVideoAndAudioRebaseIndependently(t *testing.T) {
	sub := NewSubscriber("sub-2", "cam-1")

	sub.sendVideo(Frame{TsMs: 1000})
	sub.sendAudio(Frame{TsMs: 1200})

	v := <-sub.Video
	a := <-sub.Audio
	if v.TsMs != 0 {
		t.Fatalf("expected video rebased to 0, got %d", v.TsMs)
	}
	if a.TsMs != 0 {
		t.Fatalf("expected audio rebased to 0 independently of video, got %d", a.TsMs)
	}
}

func TestSubscriberDropsWhenQueueFull(t *testing.T) {
	sub := NewSubscriber("sub-3", "cam-1")
	for i := 0; i < subscriberQueueCapacity; i++ {
		sub.Video <- Frame{TsMs: int64(i)}
	}

	done := make(chan struct{})
	go func() {
		sub.sendVideo(Frame{TsMs: 99999})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("sendVideo did not give up after sendTimeout on a full queue")
	}
}

func TestContextDeadBeforeAnySample(t *testing.T) {
	ctx := New(Params{CameraID: "cam-1"}, nil, nil, nil, nil)
	ctx.startedAt = time.Now().Add(-deadAfter - time.Second)
	if !ctx.Dead() {
		t.Fatal("expected context with no samples and an elapsed start time to be dead")
	}
}

func TestContextNotDeadShortlyAfterStart(t *testing.T) {
	ctx := New(Params{CameraID: "cam-2"}, nil, nil, nil, nil)
	ctx.startedAt = time.Now()
	if ctx.Dead() {
		t.Fatal("expected freshly started context to not be dead")
	}
}

func TestContextDeadAfterVideoSilence(t *testing.T) {
	ctx := New(Params{CameraID: "cam-3"}, nil, nil, nil, nil)
	ctx.startedAt = time.Now()
	ctx.lastVideoAt = time.Now().Add(-deadAfter - time.Second)
	if !ctx.Dead() {
		t.Fatal("expected context with stale last video sample to be dead")
	}
}

func TestContextAudioOnlyFallsBackToAudioRecency(t *testing.T) {
	ctx := New(Params{CameraID: "cam-4"}, nil, nil, nil, nil)
	ctx.startedAt = time.Now().Add(-deadAfter - time.Second)
	ctx.lastAudioAt = time.Now()
	if ctx.Dead() {
		t.Fatal("expected audio-only context with recent audio sample to not be dead")
	}
}

func TestContextDeadAfterRunError(t *testing.T) {
	ctx := New(Params{CameraID: "cam-5"}, nil, nil, nil, nil)
	ctx.startedAt = time.Now()
	ctx.lastVideoAt = time.Now()
	ctx.runErr = errBoom

	if !ctx.Dead() {
		t.Fatal("expected context with a propagated run error to be dead regardless of recency")
	}
}

var errBoom = errors.New("boom")

// fakeRegistry stands in for the Stream Keeper's subscriber table, letting
// a Context's fanout be exercised without depending on internal/streamkeeper.
type fakeRegistry struct {
	subs map[string]*Subscriber
}

func (r *fakeRegistry) Subscribers(cameraID string) []*Subscriber {
	var out []*Subscriber
	for _, sub := range r.subs {
		if sub.CameraID == cameraID {
			out = append(out, sub)
		}
	}
	return out
}

func TestFanoutReachesRegisteredSubscriberAndSurvivesRemoval(t *testing.T) {
	reg := &fakeRegistry{subs: make(map[string]*Subscriber)}
	ctx := New(Params{CameraID: "cam-6"}, nil, nil, nil, reg)

	sub := NewSubscriber("viewer-1", "cam-6")
	reg.subs["viewer-1"] = sub

	ctx.fanoutVideo(Frame{TsMs: 10})
	select {
	case f := <-sub.Video:
		if f.TsMs != 0 {
			t.Fatalf("expected rebased frame, got %d", f.TsMs)
		}
	default:
		t.Fatal("expected fanned-out frame on subscriber queue")
	}

	delete(reg.subs, "viewer-1")
	ctx.fanoutVideo(Frame{TsMs: 20})
	select {
	case <-sub.Video:
		t.Fatal("removed subscriber should not receive further frames")
	default:
	}
}

// TestSubscriberOutlivesOwningContext confirms the fix for the lifetime bug
// the subscriber table's move out of Context guards against: a subscriber
// stays reachable through the registry after the Context that was feeding
// it is destroyed.
func TestSubscriberOutlivesOwningContext(t *testing.T) {
	reg := &fakeRegistry{subs: make(map[string]*Subscriber)}
	ctx := New(Params{CameraID: "cam-7"}, nil, nil, nil, reg)
	sub := NewSubscriber("viewer-2", "cam-7")
	reg.subs["viewer-2"] = sub

	ctx = nil // simulate the Stream Keeper dropping the Context
	_ = ctx

	if got := reg.Subscribers("cam-7"); len(got) != 1 || got[0] != sub {
		t.Fatal("expected subscriber to remain registered after its Context was dropped")
	}
}
