// Package recording implements the Recording Context: one per assigned
// camera, owning a Media Source and a Storage File write path, fanning
// decoded-ready video frames out to the Motion Engine and to live restream
// subscribers.
package recording

import (
	"time"

	"github.com/revere-nvr/engine/internal/storagefile"
)

// deadAfter is how long a Recording Context may go without a sample on its
// primary media (video, or audio for an audio-only camera) before the
// Stream Keeper considers it dead and rebuilds it.
const deadAfter = 20 * time.Second

// Frame is one access unit pushed to a live restream subscriber, already
// rebased to that subscriber's local clock (subtracting its first-frame
// PTS so every restream session starts at ts=0).
type Frame struct {
	Data  []byte
	Key   bool
	TsMs  int64
	DTSMs int64
}

// subscriberQueueCapacity bounds how much a slow live-restream subscriber
// can lag the producer: once its queue is full, the producer waits up to
// sendTimeout for each frame and then drops that frame for it, and the
// subscriber will desync.
const subscriberQueueCapacity = 64

// sendTimeout is how long a producer blocks trying to hand a frame to a
// subscriber queue before giving up on that frame for that subscriber.
const sendTimeout = 3 * time.Second

// MountRequester is the Stream Keeper's live-restream mount surface, called
// once per Recording Context when both media's caps are known (or, for a
// video-only camera, once video caps are known and no audio has announced
// itself within the settle window).
type MountRequester interface {
	RequestLiveMount(cameraID, friendlyName string, video, audio storagefile.CodecInfo, hasAudio bool) error
}

// SubscriberRegistry is the live restream subscriber table a Context fans
// frames out to. Owned by the Stream Keeper rather than the Context itself,
// keyed by an opaque session handle, so a subscriber attached to a camera
// survives the Context being torn down and rebuilt underneath it (config
// change, dead-source restart) instead of vanishing along with the old
// Context's own state.
type SubscriberRegistry interface {
	Subscribers(cameraID string) []*Subscriber
}
