// Package pruner implements the Pruner: a background retention-aware
// reclamation loop that frees sealed Storage File blocks once they fall
// outside both the camera's minimum continuous recording window and any
// nearby motion activity.
package pruner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/revere-nvr/engine/internal/camera"
	"github.com/revere-nvr/engine/internal/ringfile"
	"github.com/revere-nvr/engine/internal/storagefile"
)

const tickInterval = time.Second
const cameraListRefresh = 30 * time.Second
const motionWindowPad = 30 * time.Second

// StorageOpener opens the Storage File for the camera being pruned.
type StorageOpener func(cam camera.Camera) (*storagefile.StorageFile, error)

// RingOpener opens the camera's motion Ring File for the motion-window
// check. It may return (nil, nil) when the camera has no motion ring
// (cmd/nvrengine's opener does so for cameras with motion detection
// disabled, and allocates a missing ring otherwise), which the Pruner
// treats as "no motion in any window".
type RingOpener func(cam camera.Camera) (*ringfile.RingFile, error)

// Deps bundles the Pruner's collaborators.
type Deps struct {
	Cameras     *camera.Store
	OpenStorage StorageOpener
	OpenRing    RingOpener
}

type cursor struct {
	cameraIdx int
	blocks    []storagefile.BlockInfo
	blockIdx  int
}

// Pruner runs the rotating reclamation loop.
type Pruner struct {
	deps Deps
	log  *slog.Logger

	mu          sync.Mutex
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup

	cameras     []camera.Camera
	camerasAt   time.Time
	cur         cursor
}

// New constructs a Pruner.
func New(deps Deps) *Pruner {
	return &Pruner{deps: deps, log: slog.Default().With("component", "pruner")}
}

// Start launches the reclamation loop in the background.
func (p *Pruner) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts the reclamation loop and waits for it to exit.
func (p *Pruner) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pruner) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pruner) tick(ctx context.Context) {
	p.refreshCamerasIfStale()
	if len(p.cameras) == 0 {
		return
	}
	if p.cur.cameraIdx >= len(p.cameras) {
		p.cur = cursor{}
	}

	cam := p.cameras[p.cur.cameraIdx]
	if p.cur.blocks == nil {
		blocks, err := p.loadSealedBlocks(ctx, cam)
		if err != nil {
			p.log.Warn("failed to list sealed blocks", "camera", cam.ID, "error", err)
			p.rotate()
			return
		}
		p.cur.blocks = blocks
		p.cur.blockIdx = 0
	}

	if p.cur.blockIdx >= len(p.cur.blocks) {
		p.rotate()
		return
	}

	block := p.cur.blocks[p.cur.blockIdx]
	p.cur.blockIdx++
	p.evaluateBlock(ctx, cam, block)

	if p.cur.blockIdx >= len(p.cur.blocks) {
		p.rotate()
	}
}

func (p *Pruner) rotate() {
	p.cur.cameraIdx++
	p.cur.blocks = nil
	p.cur.blockIdx = 0
}

func (p *Pruner) refreshCamerasIfStale() {
	if time.Since(p.camerasAt) < cameraListRefresh && p.cameras != nil {
		return
	}
	if p.deps.Cameras == nil {
		return
	}
	var prunable []camera.Camera
	for _, cam := range p.deps.Cameras.Assigned() {
		if cam.MotionPruningEnabled {
			prunable = append(prunable, cam)
		}
	}
	p.cameras = prunable
	p.camerasAt = time.Now()
}

func (p *Pruner) loadSealedBlocks(ctx context.Context, cam camera.Camera) ([]storagefile.BlockInfo, error) {
	sf, err := p.deps.OpenStorage(cam)
	if err != nil {
		return nil, err
	}
	return sf.QueryBlocks(ctx, 0, time.Now().UnixMilli())
}

// evaluateBlock implements §4.8 steps 3-4: a block is reclaimed only when
// no motion event falls within its padded window AND its start predates
// the camera's minimum continuous recording floor.
func (p *Pruner) evaluateBlock(ctx context.Context, cam camera.Camera, block storagefile.BlockInfo) {
	if block.State != storagefile.BlockSealed {
		return
	}

	floor := time.Now().Add(-time.Duration(cam.MinContinuousRecordingHrs) * time.Hour)
	if time.UnixMilli(block.TStartMs).After(floor) {
		return
	}

	hasMotion, err := p.hasMotionNear(cam, block)
	if err != nil {
		p.log.Warn("motion window check failed", "camera", cam.ID, "block", block.ID, "error", err)
		return
	}
	if hasMotion {
		return
	}

	sf, err := p.deps.OpenStorage(cam)
	if err != nil {
		p.log.Warn("failed to open storage for reclamation", "camera", cam.ID, "error", err)
		return
	}
	if err := sf.RemoveBlocks(ctx, block.TStartMs, block.TEndMs); err != nil {
		p.log.Warn("failed to remove block", "camera", cam.ID, "block", block.ID, "error", err)
		return
	}
	p.log.Info("reclaimed block", "camera", cam.ID, "block", block.ID)
}

func (p *Pruner) hasMotionNear(cam camera.Camera, block storagefile.BlockInfo) (bool, error) {
	if p.deps.OpenRing == nil {
		return false, nil
	}
	rf, err := p.deps.OpenRing(cam)
	if err != nil {
		return false, err
	}
	if rf == nil {
		return false, nil
	}

	windowStart := time.UnixMilli(block.TStartMs).Add(-motionWindowPad)
	windowEnd := time.UnixMilli(block.TEndMs).Add(motionWindowPad)

	now := time.Now()
	oldest := now.Add(-time.Duration(rf.ElementCount()) * time.Second)
	if windowStart.Before(oldest) {
		windowStart = oldest
	}
	if windowEnd.After(now) {
		windowEnd = now
	}
	if !windowEnd.After(windowStart) {
		return false, nil
	}

	found := false
	err = rf.Query(windowStart, windowEnd, func(slot time.Time, data []byte) error {
		if len(data) > 0 && data[0] != 0 {
			found = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}
