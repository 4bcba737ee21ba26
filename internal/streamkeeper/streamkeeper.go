// Package streamkeeper implements the Stream Keeper: the lifecycle
// authority owning the set of live Recording Contexts, the live-restream
// mount registry, and the reconciliation loop that keeps both in sync
// with the assigned-camera set, diffed by configuration hash.
package streamkeeper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/revere-nvr/engine/internal/camera"
	"github.com/revere-nvr/engine/internal/motion"
	"github.com/revere-nvr/engine/internal/pluginhost"
	"github.com/revere-nvr/engine/internal/recording"
	"github.com/revere-nvr/engine/internal/storagefile"
	"github.com/revere-nvr/engine/internal/streaming"
)

const reconcileInterval = 2 * time.Second
const retentionCacheInterval = time.Hour

// StorageOpener opens (allocating if necessary) the Storage File backing a
// camera's Recording Context. Supplied by the caller (main wiring) so this
// package doesn't need to know on-disk layout conventions.
type StorageOpener func(cam camera.Camera) (*storagefile.StorageFile, error)

// Deps bundles the Stream Keeper's collaborators.
type Deps struct {
	Cameras       *camera.Store
	OpenStorage   StorageOpener
	Go2RTC        *streaming.Go2RTCManager
	Motion        *motion.Engine
	Plugins       *pluginhost.Host
	RetentionHrs  func(cam camera.Camera) int
}

type trackedContext struct {
	cam        camera.Camera
	configHash string
	ctx        *recording.Context
}

// Status is the non-blocking per-camera snapshot served to the HTTP layer.
type Status struct {
	CameraID string
	Dead     bool
	Running  bool
}

// Keeper is the Stream Keeper.
type Keeper struct {
	deps Deps
	log  *slog.Logger

	mu       sync.Mutex
	tracked  map[string]*trackedContext
	cmdCh    chan command

	statusMu     sync.RWMutex
	statusCache  map[string]Status
	retentionMu  sync.RWMutex
	retentionCache map[string]int
	retentionAt  time.Time

	subsMu sync.RWMutex
	subs   map[string]*recording.Subscriber

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Keeper. Call Run to start the reconciliation loop.
func New(deps Deps) *Keeper {
	return &Keeper{
		deps:           deps,
		log:            slog.Default().With("component", "streamkeeper"),
		tracked:        make(map[string]*trackedContext),
		cmdCh:          make(chan command, 32),
		statusCache:    make(map[string]Status),
		retentionCache: make(map[string]int),
		subs:           make(map[string]*recording.Subscriber),
	}
}

// AddLiveSubscriber attaches a new live-restream viewer to cameraID's frame
// fanout and returns it keyed under a fresh opaque session handle. The
// handle remains valid, and RemoveLiveSubscriber safe to call with it, even
// if cameraID's Recording Context is torn down and rebuilt in the meantime:
// the subscriber table lives on the Keeper, not the Context.
func (k *Keeper) AddLiveSubscriber(cameraID string) *recording.Subscriber {
	sub := recording.NewSubscriber(uuid.NewString(), cameraID)
	k.subsMu.Lock()
	k.subs[sub.ID] = sub
	k.subsMu.Unlock()
	return sub
}

// RemoveLiveSubscriber detaches a live-restream viewer by its session
// handle.
func (k *Keeper) RemoveLiveSubscriber(handle string) {
	k.subsMu.Lock()
	delete(k.subs, handle)
	k.subsMu.Unlock()
}

// Subscribers implements recording.SubscriberRegistry.
func (k *Keeper) Subscribers(cameraID string) []*recording.Subscriber {
	k.subsMu.RLock()
	defer k.subsMu.RUnlock()
	var out []*recording.Subscriber
	for _, sub := range k.subs {
		if sub.CameraID == cameraID {
			out = append(out, sub)
		}
	}
	return out
}

// Run starts the reconciliation loop and blocks until ctx is cancelled or
// Stop is called.
func (k *Keeper) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	k.reconcile(runCtx)
	for {
		select {
		case <-runCtx.Done():
			k.teardownAll()
			return
		case cmd := <-k.cmdCh:
			k.service(cmd)
			k.reconcile(runCtx)
		case <-ticker.C:
			k.reconcile(runCtx)
		}
	}
}

// Stop cancels the reconciliation loop. Callers should ensure Run has
// returned before tearing down deeper collaborators (motion engine,
// plugin host, go2rtc).
func (k *Keeper) Stop() {
	if k.cancel != nil {
		k.cancel()
	}
}

// RequestLiveMount implements recording.MountRequester.
func (k *Keeper) RequestLiveMount(cameraID, friendlyName string, video, audio storagefile.CodecInfo, hasAudio bool) error {
	if k.deps.Go2RTC == nil {
		return nil
	}
	url := fmt.Sprintf("exec:ffmpeg -i pipe:0 -c copy -f rtsp rtsp://127.0.0.1/%s", friendlyName)
	return k.deps.Go2RTC.AddStream(friendlyName, url)
}

func (k *Keeper) reconcile(ctx context.Context) {
	assigned := k.deps.Cameras.Assigned()
	assignedByID := make(map[string]camera.Camera, len(assigned))
	for _, c := range assigned {
		assignedByID[c.ID] = c
	}

	k.mu.Lock()
	var removed, modified []string
	var added []camera.Camera
	for id, tc := range k.tracked {
		if tc.ctx.Dead() {
			removed = append(removed, id)
			continue
		}
		cam, ok := assignedByID[id]
		if !ok {
			removed = append(removed, id)
			continue
		}
		if camera.ConfigHash(cam) != tc.configHash {
			modified = append(modified, id)
		}
	}
	for id, cam := range assignedByID {
		if _, ok := k.tracked[id]; !ok {
			added = append(added, cam)
		}
	}
	k.mu.Unlock()

	for _, id := range removed {
		k.drop(id)
	}
	for _, id := range modified {
		k.drop(id)
		if cam, ok := assignedByID[id]; ok {
			k.start(ctx, cam)
		}
	}
	for _, cam := range added {
		k.start(ctx, cam)
	}

	k.refreshStatusCache()
	if time.Since(k.retentionAt) > retentionCacheInterval {
		k.refreshRetentionCache(assigned)
	}
}

func (k *Keeper) start(ctx context.Context, cam camera.Camera) {
	sf, err := k.deps.OpenStorage(cam)
	if err != nil {
		k.log.Error("failed to open storage for camera", "camera", cam.ID, "error", err)
		return
	}

	params := recording.Params{
		CameraID:      cam.ID,
		FriendlyName:  cam.DisplayName,
		StreamURL:     cam.RTSPURL,
		Username:      cam.Username,
		Password:      cam.Password,
		MotionEnabled: cam.MotionEnabled,
	}
	rc := recording.New(params, sf, k.motionIfEnabled(cam), k, k)
	rc.Start(ctx)

	k.mu.Lock()
	k.tracked[cam.ID] = &trackedContext{cam: cam, configHash: camera.ConfigHash(cam), ctx: rc}
	k.mu.Unlock()

	k.log.Info("recording context started", "camera", cam.ID)
}

func (k *Keeper) motionIfEnabled(cam camera.Camera) *motion.Engine {
	if !cam.MotionEnabled {
		return nil
	}
	return k.deps.Motion
}

func (k *Keeper) drop(id string) {
	k.mu.Lock()
	tc, ok := k.tracked[id]
	if ok {
		delete(k.tracked, id)
	}
	k.mu.Unlock()
	if !ok {
		return
	}
	tc.ctx.Stop()
	if k.deps.Go2RTC != nil {
		if err := k.deps.Go2RTC.RemoveStream(tc.cam.DisplayName); err != nil {
			k.log.Warn("failed to remove live mount", "camera", id, "error", err)
		}
	}
	k.log.Info("recording context stopped", "camera", id)
}

func (k *Keeper) teardownAll() {
	k.mu.Lock()
	ids := make([]string, 0, len(k.tracked))
	for id := range k.tracked {
		ids = append(ids, id)
	}
	k.mu.Unlock()
	for _, id := range ids {
		k.drop(id)
	}
}

func (k *Keeper) refreshStatusCache() {
	k.mu.Lock()
	next := make(map[string]Status, len(k.tracked))
	for id, tc := range k.tracked {
		next[id] = Status{CameraID: id, Dead: tc.ctx.Dead(), Running: true}
	}
	k.mu.Unlock()

	k.statusMu.Lock()
	k.statusCache = next
	k.statusMu.Unlock()
}

func (k *Keeper) refreshRetentionCache(assigned []camera.Camera) {
	next := make(map[string]int, len(assigned))
	for _, cam := range assigned {
		if k.deps.RetentionHrs != nil {
			next[cam.ID] = k.deps.RetentionHrs(cam)
		} else {
			next[cam.ID] = cam.MinContinuousRecordingHrs
		}
	}
	k.retentionMu.Lock()
	k.retentionCache = next
	k.retentionAt = time.Now()
	k.retentionMu.Unlock()
}

// Status returns the cached status snapshot, lock-free beyond a mutex
// acquire.
func (k *Keeper) Status() []Status {
	k.statusMu.RLock()
	defer k.statusMu.RUnlock()
	out := make([]Status, 0, len(k.statusCache))
	for _, s := range k.statusCache {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// RetentionHours returns the cached minimum continuous recording hours for
// a camera, refreshed at most hourly.
func (k *Keeper) RetentionHours(cameraID string) int {
	k.retentionMu.RLock()
	defer k.retentionMu.RUnlock()
	return k.retentionCache[cameraID]
}
