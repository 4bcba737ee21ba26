package pluginhost

import (
	"context"
	"image"
	"sync"
	"testing"

	"github.com/revere-nvr/engine/internal/motion"
)

// stubPlugin builds a loadedPlugin with no-op stop/destroy/post so dispatch
// ordering and shutdown sequencing can be tested without building a real
// shared object (the Go toolchain is never invoked by this suite).
func stubPlugin(handle string) *loadedPlugin {
	return &loadedPlugin{
		path:    handle,
		handle:  handle,
		stop:    func(string) error { return nil },
		destroy: func(string) error { return nil },
		post:    func(string, string, string, int64, []byte, int, int, int, int, int, int, bool) error { return nil },
	}
}

func TestDispatchInInsertionOrder(t *testing.T) {
	h := New()
	var order []string
	var mu sync.Mutex
	for _, name := range []string{"a", "b", "c"} {
		n := name
		lp := &loadedPlugin{
			path:   n,
			handle: n,
			post: func(handle, kind, cameraID string, tsMs int64, frame []byte, w, hgt, mx, my, mw, mh int, hasMotion bool) error {
				mu.Lock()
				order = append(order, handle)
				mu.Unlock()
				return nil
			},
			stop:    func(string) error { return nil },
			destroy: func(string) error { return nil },
		}
		h.plugins = append(h.plugins, lp)
	}

	h.Post(motion.Event{Kind: motion.EventStart, CameraID: "cam-1"})

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("expected dispatch in insertion order a,b,c; got %v", order)
	}
}

func TestStopThenDestroyOrdering(t *testing.T) {
	h := New()
	var log []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		log = append(log, s)
		mu.Unlock()
	}
	lp := &loadedPlugin{
		path:   "p1",
		handle: "p1",
		post:   func(string, string, string, int64, []byte, int, int, int, int, int, int, bool) error { return nil },
		stop: func(string) error {
			record("stop")
			return nil
		},
		destroy: func(string) error {
			record("destroy")
			return nil
		},
	}
	h.plugins = append(h.plugins, lp)

	h.Stop(context.Background())
	h.Destroy(context.Background())

	if len(log) != 2 || log[0] != "stop" || log[1] != "destroy" {
		t.Fatalf("expected stop before destroy, got %v", log)
	}
}

func TestPostAfterStopIsSuppressed(t *testing.T) {
	h := New()
	posted := false
	lp := &loadedPlugin{
		path:   "p1",
		handle: "p1",
		post: func(string, string, string, int64, []byte, int, int, int, int, int, int, bool) error {
			posted = true
			return nil
		},
		stop:    func(string) error { return nil },
		destroy: func(string) error { return nil },
	}
	h.plugins = append(h.plugins, lp)

	h.Stop(context.Background())
	h.Post(motion.Event{Kind: motion.EventStart, CameraID: "cam-1"})

	if posted {
		t.Fatal("expected no post_motion_event dispatch after Stop")
	}
}

func TestHasMotionFalseOnEventEnd(t *testing.T) {
	h := New()
	var gotHasMotion bool
	lp := &loadedPlugin{
		path:   "p1",
		handle: "p1",
		post: func(handle, kind, cameraID string, tsMs int64, frame []byte, w, hgt, mx, my, mw, mh int, hasMotion bool) error {
			gotHasMotion = hasMotion
			return nil
		},
		stop:    func(string) error { return nil },
		destroy: func(string) error { return nil },
	}
	h.plugins = append(h.plugins, lp)

	h.Post(motion.Event{Kind: motion.EventEnd, CameraID: "cam-1"})
	if gotHasMotion {
		t.Fatal("expected hasMotion=false for EventEnd")
	}
}

func TestFrameEncodedToJPEGWhenPresent(t *testing.T) {
	h := New()
	var gotFrame []byte
	lp := &loadedPlugin{
		path:   "p1",
		handle: "p1",
		post: func(handle, kind, cameraID string, tsMs int64, frame []byte, w, hgt, mx, my, mw, mh int, hasMotion bool) error {
			gotFrame = frame
			return nil
		},
		stop:    func(string) error { return nil },
		destroy: func(string) error { return nil },
	}
	h.plugins = append(h.plugins, lp)

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	h.Post(motion.Event{Kind: motion.EventStart, CameraID: "cam-1", Frame: img, Width: 4, Height: 4})

	if len(gotFrame) == 0 {
		t.Fatal("expected non-empty JPEG-encoded frame bytes")
	}
}

func TestCountReflectsLoadedPlugins(t *testing.T) {
	h := New()
	if h.Count() != 0 {
		t.Fatal("expected zero plugins on a fresh host")
	}
	h.plugins = append(h.plugins, stubPlugin("x"))
	if h.Count() != 1 {
		t.Fatalf("expected 1 loaded plugin, got %d", h.Count())
	}
}
