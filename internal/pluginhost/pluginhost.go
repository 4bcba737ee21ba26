// Package pluginhost loads motion-event plugins as Go plugin.Open shared
// objects and dispatches motion events to them in insertion order. This is
// the direct Go analogue of a C ABI loaded via dlopen/dlsym: every
// exported symbol crossing the boundary is a C-POD-shaped Go type (string,
// int64, float64, []byte, bool), never a struct with a method set. See
// DESIGN.md Open Question 1 for why in-process .so loading was chosen over
// JSON-RPC-over-stdio child processes.
package pluginhost

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"sync"

	"github.com/revere-nvr/engine/internal/engineerr"
	"github.com/revere-nvr/engine/internal/motion"
)

// soExtension is the platform-native shared-object extension this host
// scans for. Only Linux builds are supported.
const soExtension = ".so"

// loadPluginFunc is the exported symbol signature for load_plugin: it
// receives an opaque host handle string (currently unused by any plugin,
// kept for ABI symmetry with stop_plugin) and returns a plugin-owned
// handle string threaded back into every later call.
type loadPluginFunc func(hostHandle string) (string, error)

// stopPluginFunc is stop_plugin: ask the plugin to stop accepting new
// events and begin draining any internal queue.
type stopPluginFunc func(handle string) error

// destroyPluginFunc is destroy_plugin: release all plugin-owned resources.
// Never called before the matching stop_plugin has returned.
type destroyPluginFunc func(handle string) error

// postMotionEventFunc is post_motion_event. Only C-POD-shaped parameters
// cross the boundary: the event kind as a string, the camera ID, the event
// timestamp in epoch milliseconds, the frame JPEG bytes (nil when the
// event carries no frame or JPEG encoding fails), frame width/height, the motion bounding box, and whether motion
// is currently active.
type postMotionEventFunc func(handle, eventKind, cameraID string, tsMs int64, frame []byte, width, height, mx, my, mw, mh int, hasMotion bool) error

type loadedPlugin struct {
	path    string
	handle  string
	load    loadPluginFunc
	stop    stopPluginFunc
	destroy destroyPluginFunc
	post    postMotionEventFunc
}

// Host loads every qualifying shared object from a directory and dispatches
// motion events to them in insertion (load) order, implementing
// motion.EventSink.
type Host struct {
	log     *slog.Logger
	mu      sync.Mutex
	plugins []*loadedPlugin
	stopped bool
}

// New constructs an empty Host. Call LoadDir to populate it.
func New() *Host {
	return &Host{log: slog.Default().With("component", "pluginhost")}
}

// LoadDir scans dir (non-recursively) for files with the platform-native
// shared-object extension, loads each, and calls load_plugin. A library
// missing any of the four required symbols is skipped with a warning log,
// not a hard failure, per §4.6.
func (h *Host) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, "pluginhost.LoadDir", "read plugin directory", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != soExtension {
			continue
		}
		path := filepath.Join(dir, e.Name())
		lp, err := h.loadOne(path)
		if err != nil {
			h.log.Warn("plugin disqualified", "path", path, "error", err)
			continue
		}
		h.mu.Lock()
		h.plugins = append(h.plugins, lp)
		h.mu.Unlock()
		h.log.Info("plugin loaded", "path", path)
	}
	return nil
}

func (h *Host) loadOne(path string) (*loadedPlugin, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.PluginError, "pluginhost.loadOne", "open shared object", err)
	}

	load, err := lookupLoad(p)
	if err != nil {
		return nil, err
	}
	stop, err := lookupStop(p)
	if err != nil {
		return nil, err
	}
	destroy, err := lookupDestroy(p)
	if err != nil {
		return nil, err
	}
	post, err := lookupPost(p)
	if err != nil {
		return nil, err
	}

	handle, err := load("revere-nvr")
	if err != nil {
		return nil, engineerr.Wrap(engineerr.PluginError, "pluginhost.loadOne", "load_plugin", err)
	}

	return &loadedPlugin{path: path, handle: handle, load: load, stop: stop, destroy: destroy, post: post}, nil
}

func lookupLoad(p *plugin.Plugin) (loadPluginFunc, error) {
	sym, err := p.Lookup("LoadPlugin")
	if err != nil {
		return nil, engineerr.Wrap(engineerr.PluginError, "pluginhost.lookupLoad", "missing LoadPlugin symbol", err)
	}
	fn, ok := sym.(func(string) (string, error))
	if !ok {
		return nil, engineerr.New(engineerr.PluginError, "pluginhost.lookupLoad", fmt.Sprintf("LoadPlugin has wrong signature in %T", sym))
	}
	return fn, nil
}

func lookupStop(p *plugin.Plugin) (stopPluginFunc, error) {
	sym, err := p.Lookup("StopPlugin")
	if err != nil {
		return nil, engineerr.Wrap(engineerr.PluginError, "pluginhost.lookupStop", "missing StopPlugin symbol", err)
	}
	fn, ok := sym.(func(string) error)
	if !ok {
		return nil, engineerr.New(engineerr.PluginError, "pluginhost.lookupStop", "StopPlugin has wrong signature")
	}
	return fn, nil
}

func lookupDestroy(p *plugin.Plugin) (destroyPluginFunc, error) {
	sym, err := p.Lookup("DestroyPlugin")
	if err != nil {
		return nil, engineerr.Wrap(engineerr.PluginError, "pluginhost.lookupDestroy", "missing DestroyPlugin symbol", err)
	}
	fn, ok := sym.(func(string) error)
	if !ok {
		return nil, engineerr.New(engineerr.PluginError, "pluginhost.lookupDestroy", "DestroyPlugin has wrong signature")
	}
	return fn, nil
}

func lookupPost(p *plugin.Plugin) (postMotionEventFunc, error) {
	sym, err := p.Lookup("PostMotionEvent")
	if err != nil {
		return nil, engineerr.Wrap(engineerr.PluginError, "pluginhost.lookupPost", "missing PostMotionEvent symbol", err)
	}
	fn, ok := sym.(func(string, string, string, int64, []byte, int, int, int, int, int, int, bool) error)
	if !ok {
		return nil, engineerr.New(engineerr.PluginError, "pluginhost.lookupPost", "PostMotionEvent has wrong signature")
	}
	return fn, nil
}

// Post implements motion.EventSink. Plugin return values are ignored past
// logging — a throwing/aborting plugin is a bug the host makes no attempt
// to isolate.
func (h *Host) Post(evt motion.Event) {
	h.mu.Lock()
	plugins := make([]*loadedPlugin, len(h.plugins))
	copy(plugins, h.plugins)
	stopped := h.stopped
	h.mu.Unlock()

	if stopped {
		return
	}

	var frameBytes []byte
	if evt.Frame != nil {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, evt.Frame, nil); err != nil {
			h.log.Warn("failed to encode motion frame for plugin dispatch", "error", err)
		} else {
			frameBytes = buf.Bytes()
		}
	}
	hasMotion := evt.Kind != motion.EventEnd

	for _, lp := range plugins {
		err := lp.post(lp.handle, evt.Kind.String(), evt.CameraID, evt.TsMs, frameBytes,
			evt.Width, evt.Height, evt.BBox.X, evt.BBox.Y, evt.BBox.W, evt.BBox.H, hasMotion)
		if err != nil {
			h.log.Warn("plugin post_motion_event returned error", "path", lp.path, "error", err)
		}
	}
}

// Stop calls stop_plugin on every loaded plugin, in insertion order, and
// marks the host as no longer accepting dispatch. Must be called before
// Destroy.
func (h *Host) Stop(ctx context.Context) {
	h.mu.Lock()
	h.stopped = true
	plugins := make([]*loadedPlugin, len(h.plugins))
	copy(plugins, h.plugins)
	h.mu.Unlock()

	for _, lp := range plugins {
		if err := lp.stop(lp.handle); err != nil {
			h.log.Warn("stop_plugin failed", "path", lp.path, "error", err)
		}
	}
}

// Destroy calls destroy_plugin on every loaded plugin. Never call before
// Stop has returned.
func (h *Host) Destroy(ctx context.Context) {
	h.mu.Lock()
	plugins := make([]*loadedPlugin, len(h.plugins))
	copy(plugins, h.plugins)
	h.plugins = nil
	h.mu.Unlock()

	for _, lp := range plugins {
		if err := lp.destroy(lp.handle); err != nil {
			h.log.Warn("destroy_plugin failed", "path", lp.path, "error", err)
		}
	}
}

// Count returns the number of currently loaded plugins, for status
// reporting.
func (h *Host) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.plugins)
}
