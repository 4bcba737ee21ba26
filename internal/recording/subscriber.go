package recording

import (
	"sync"
	"time"
)

// Subscriber is one live-restream viewer attached to a Recording Context.
// Its queues carry raw access units; PTS rebasing to the subscriber's own
// zero point happens on the producer side in fanout.
type Subscriber struct {
	ID       string
	CameraID string
	Video    chan Frame
	Audio    chan Frame

	mu             sync.Mutex
	haveFirstVideo bool
	firstVideoMs   int64
	haveFirstAudio bool
	firstAudioMs   int64
}

// NewSubscriber constructs a subscriber with bounded per-media queues,
// attached to cameraID's fanout.
func NewSubscriber(id, cameraID string) *Subscriber {
	return &Subscriber{
		ID:       id,
		CameraID: cameraID,
		Video:    make(chan Frame, subscriberQueueCapacity),
		Audio:    make(chan Frame, subscriberQueueCapacity),
	}
}

func (s *Subscriber) rebase(kind bool, tsMs int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind { // video
		if !s.haveFirstVideo {
			s.haveFirstVideo = true
			s.firstVideoMs = tsMs
		}
		return tsMs - s.firstVideoMs
	}
	if !s.haveFirstAudio {
		s.haveFirstAudio = true
		s.firstAudioMs = tsMs
	}
	return tsMs - s.firstAudioMs
}

// sendVideo pushes f to the subscriber's video queue, rebasing its
// timestamp, and gives up after sendTimeout.
func (s *Subscriber) sendVideo(f Frame) {
	f.TsMs = s.rebase(true, f.TsMs)
	select {
	case s.Video <- f:
	case <-time.After(sendTimeout):
	}
}

func (s *Subscriber) sendAudio(f Frame) {
	f.TsMs = s.rebase(false, f.TsMs)
	select {
	case s.Audio <- f:
	case <-time.After(sendTimeout):
	}
}
