package streamkeeper

import (
	"path/filepath"
	"testing"

	"github.com/revere-nvr/engine/internal/camera"
	"github.com/revere-nvr/engine/internal/recording"
	"github.com/revere-nvr/engine/internal/storagefile"
)

const testBlockSize = 64 * 1024
const testBlockCount = 4

func openTestStorage(t *testing.T) *storagefile.StorageFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cam.rvs")
	if err := storagefile.Allocate(path, testBlockSize, testBlockCount); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	sf, err := storagefile.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { sf.Close() })
	return sf
}

func newTestKeeper() *Keeper {
	return New(Deps{})
}

func TestIsRecordingReflectsTrackedState(t *testing.T) {
	k := newTestKeeper()
	sf := openTestStorage(t)
	rc := recording.New(recording.Params{CameraID: "cam-1"}, sf, nil, nil, k)
	k.tracked["cam-1"] = &trackedContext{cam: camera.Camera{ID: "cam-1"}, configHash: "h1", ctx: rc}

	reply := make(chan commandReply, 1)
	k.service(command{kind: cmdIsRecording, cameraID: "cam-1", reply: reply})
	r := <-reply
	if !r.recording {
		t.Fatal("expected cam-1 to be reported as recording")
	}

	reply2 := make(chan commandReply, 1)
	k.service(command{kind: cmdIsRecording, cameraID: "cam-unknown", reply: reply2})
	r2 := <-reply2
	if r2.recording {
		t.Fatal("expected unknown camera to be reported as not recording")
	}
}

func TestStopCommandDropsTrackedContext(t *testing.T) {
	k := newTestKeeper()
	sf := openTestStorage(t)
	rc := recording.New(recording.Params{CameraID: "cam-2"}, sf, nil, nil, k)
	k.tracked["cam-2"] = &trackedContext{cam: camera.Camera{ID: "cam-2", DisplayName: "cam-2"}, configHash: "h1", ctx: rc}

	reply := make(chan commandReply, 1)
	k.service(command{kind: cmdStop, cameraID: "cam-2", reply: reply})
	<-reply

	k.mu.Lock()
	_, ok := k.tracked["cam-2"]
	k.mu.Unlock()
	if ok {
		t.Fatal("expected cam-2 to be dropped from tracked set")
	}
}

func TestRequestLiveMountNoopsWithoutGo2RTC(t *testing.T) {
	k := newTestKeeper()
	if err := k.RequestLiveMount("cam-3", "front-door", storagefile.CodecInfo{}, storagefile.CodecInfo{}, false); err != nil {
		t.Fatalf("expected nil error with no go2rtc manager configured, got %v", err)
	}
}

func TestStatusReflectsDeadTrackedContexts(t *testing.T) {
	k := newTestKeeper()
	sf := openTestStorage(t)
	rc := recording.New(recording.Params{CameraID: "cam-4"}, sf, nil, nil, k)
	k.tracked["cam-4"] = &trackedContext{cam: camera.Camera{ID: "cam-4"}, configHash: "h1", ctx: rc}

	k.refreshStatusCache()
	statuses := k.Status()
	if len(statuses) != 1 {
		t.Fatalf("expected exactly one status entry, got %d", len(statuses))
	}
	if !statuses[0].Dead {
		t.Fatal("expected a never-started Recording Context to report dead")
	}
}

func TestRetentionHoursDefaultsToZeroForUnknownCamera(t *testing.T) {
	k := newTestKeeper()
	if got := k.RetentionHours("missing"); got != 0 {
		t.Fatalf("expected 0 for unknown camera, got %d", got)
	}
}

func TestLiveSubscriberSurvivesTrackedContextDrop(t *testing.T) {
	k := newTestKeeper()
	sf := openTestStorage(t)
	rc := recording.New(recording.Params{CameraID: "cam-5"}, sf, nil, nil, k)
	k.tracked["cam-5"] = &trackedContext{cam: camera.Camera{ID: "cam-5", DisplayName: "cam-5"}, configHash: "h1", ctx: rc}

	sub := k.AddLiveSubscriber("cam-5")

	k.drop("cam-5")

	if got := k.Subscribers("cam-5"); len(got) != 1 || got[0] != sub {
		t.Fatal("expected subscriber to remain registered after its camera's tracked context was dropped")
	}

	k.RemoveLiveSubscriber(sub.ID)
	if got := k.Subscribers("cam-5"); len(got) != 0 {
		t.Fatal("expected subscriber to be gone after RemoveLiveSubscriber")
	}
}
