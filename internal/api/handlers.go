package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/revere-nvr/engine/internal/camera"
	"github.com/revere-nvr/engine/internal/engineerr"
)

func (s *Server) cameraByID(w http.ResponseWriter, r *http.Request, id string) (camera.Camera, bool) {
	cam, err := s.deps.Cameras.Get(id)
	if err != nil {
		if engineerr.KindOf(err) == engineerr.NotFound {
			NotFound(w, "unknown camera "+id)
		} else {
			InternalError(w, err.Error())
		}
		return camera.Camera{}, false
	}
	return cam, true
}

// handleCameras implements GET /cameras.
func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	OK(w, s.deps.Cameras.List())
}

// handleContents implements GET /contents.
func (s *Server) handleContents(w http.ResponseWriter, r *http.Request) {
	id, ok := requireCameraID(w, r)
	if !ok {
		return
	}
	start, end, ok := requireTimeRange(w, r)
	if !ok {
		return
	}
	cam, ok := s.cameraByID(w, r, id)
	if !ok {
		return
	}
	sf, err := s.deps.OpenStorage(cam)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	segments, err := sf.QuerySegments(r.Context(), "video", start.UnixMilli(), end.UnixMilli())
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	OK(w, segments)
}

// handleKeyFrame implements GET /key_frame.
func (s *Server) handleKeyFrame(w http.ResponseWriter, r *http.Request) {
	id, ok := requireCameraID(w, r)
	if !ok {
		return
	}
	startStr := r.URL.Query().Get("start_time")
	if startStr == "" {
		BadRequest(w, "start_time is required")
		return
	}
	start, _, err := parseQueryTime(startStr)
	if err != nil {
		BadRequest(w, "invalid start_time: "+err.Error())
		return
	}
	cam, ok := s.cameraByID(w, r, id)
	if !ok {
		return
	}
	sf, err := s.deps.OpenStorage(cam)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	frame, err := sf.QueryKey(r.Context(), "video", start.UnixMilli())
	if err != nil {
		if engineerr.KindOf(err) == engineerr.NotFound {
			NotFound(w, "no key frame at or before start_time")
		} else {
			InternalError(w, err.Error())
		}
		return
	}
	tree, err := sf.Query(r.Context(), "video", "", frame.TsMs, frame.TsMs+1)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	Blob(w, http.StatusOK, encodeBlobTree(tree))
}

// handleJPG implements GET /jpg.
func (s *Server) handleJPG(w http.ResponseWriter, r *http.Request) {
	id, ok := requireCameraID(w, r)
	if !ok {
		return
	}
	startStr := r.URL.Query().Get("start_time")
	if startStr == "" {
		BadRequest(w, "start_time is required")
		return
	}
	start, _, err := parseQueryTime(startStr)
	if err != nil {
		BadRequest(w, "invalid start_time: "+err.Error())
		return
	}
	width := parseIntDefault(r.URL.Query().Get("width"), 0)
	height := parseIntDefault(r.URL.Query().Get("height"), 0)

	cam, ok := s.cameraByID(w, r, id)
	if !ok {
		return
	}
	sf, err := s.deps.OpenStorage(cam)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	frame, err := sf.QueryKey(r.Context(), "video", start.UnixMilli())
	if err != nil {
		if engineerr.KindOf(err) == engineerr.NotFound {
			NotFound(w, "no key frame at or before start_time")
		} else {
			InternalError(w, err.Error())
		}
		return
	}
	blocks, err := sf.QueryBlocks(r.Context(), frame.TsMs, frame.TsMs+1)
	if err != nil || len(blocks) == 0 {
		InternalError(w, "codec info unavailable for frame")
		return
	}
	codec := blocks[0].Codec
	jpgBytes, err := decodeKeyFrameToJPEG(codec.Name, codec.Params, frame.Data, width, height)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(jpgBytes)
}

// handleVideo implements GET /video.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	id, ok := requireCameraID(w, r)
	if !ok {
		return
	}
	start, end, ok := requireTimeRange(w, r)
	if !ok {
		return
	}
	cam, ok := s.cameraByID(w, r, id)
	if !ok {
		return
	}
	sf, err := s.deps.OpenStorage(cam)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	tree, err := sf.Query(r.Context(), "video", "audio", start.UnixMilli(), end.UnixMilli())
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	Blob(w, http.StatusOK, encodeBlobTree(tree))
}

// handleExport implements GET /export.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, ok := requireCameraID(w, r)
	if !ok {
		return
	}
	start, end, ok := requireTimeRange(w, r)
	if !ok {
		return
	}
	fileName := r.URL.Query().Get("file_name")
	if fileName == "" {
		BadRequest(w, "file_name is required")
		return
	}
	cam, ok := s.cameraByID(w, r, id)
	if !ok {
		return
	}
	sf, err := s.deps.OpenStorage(cam)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	path, err := exportRange(r.Context(), sf, fileName, start, end)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	OK(w, map[string]string{"path": path})
}

// handleMotions implements GET /motions: raw per-second ring file samples.
func (s *Server) handleMotions(w http.ResponseWriter, r *http.Request) {
	id, ok := requireCameraID(w, r)
	if !ok {
		return
	}
	start, end, ok := requireTimeRange(w, r)
	if !ok {
		return
	}
	cam, ok := s.cameraByID(w, r, id)
	if !ok {
		return
	}
	samples, err := s.querySamples(cam, start, end)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	OK(w, samples)
}

// handleMotionEvents implements GET /motion_events: coalesced contiguous
// runs of significant seconds, computed over the raw sample stream.
func (s *Server) handleMotionEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := requireCameraID(w, r)
	if !ok {
		return
	}
	start, end, ok := requireTimeRange(w, r)
	if !ok {
		return
	}
	cam, ok := s.cameraByID(w, r, id)
	if !ok {
		return
	}
	samples, err := s.querySamples(cam, start, end)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	OK(w, coalesceMotionEvents(samples))
}

// handleAnalytics implements GET /analytics: metadata blobs from the
// camera's metadata Storage File.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	id, ok := requireCameraID(w, r)
	if !ok {
		return
	}
	start, end, ok := requireTimeRange(w, r)
	if !ok {
		return
	}
	streamTag := r.URL.Query().Get("stream_tag")
	if streamTag == "" {
		streamTag = "analytics"
	}
	cam, ok := s.cameraByID(w, r, id)
	if !ok {
		return
	}
	if s.deps.OpenMetadata == nil {
		OK(w, []struct{}{})
		return
	}
	sf, err := s.deps.OpenMetadata(cam)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	tree, err := sf.Query(r.Context(), streamTag, "", start.UnixMilli(), end.UnixMilli())
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	OK(w, tree.Frames)
}

func (s *Server) handleStopCamera(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.Keeper == nil {
		InternalError(w, "stream keeper unavailable")
		return
	}
	if err := s.deps.Keeper.StopCamera(id); err != nil {
		InternalError(w, err.Error())
		return
	}
	OK(w, map[string]string{"camera_id": id, "status": "stopped"})
}

func (s *Server) handleIsRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.Keeper == nil {
		InternalError(w, "stream keeper unavailable")
		return
	}
	recording, err := s.deps.Keeper.IsRecording(id)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	OK(w, map[string]bool{"recording": recording})
}

func (s *Server) handleCreatePlaybackMount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.deps.Keeper == nil {
		InternalError(w, "stream keeper unavailable")
		return
	}
	start, end, ok := requireTimeRange(w, r)
	if !ok {
		return
	}
	cam, ok := s.cameraByID(w, r, id)
	if !ok {
		return
	}
	path, err := s.deps.Keeper.CreatePlaybackMount(cam.ID, cam.DisplayName, start, end)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	OK(w, map[string]string{"mount_path": path})
}

func (s *Server) handleLogsRecent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		OK(w, []struct{}{})
		return
	}
	n := parseIntDefault(r.URL.Query().Get("n"), 100)
	OK(w, s.deps.Logs.GetRecent(n))
}

type motionSample struct {
	AtMs        int64 `json:"at_ms"`
	Significant bool  `json:"significant"`
}

type motionEvent struct {
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

func (s *Server) querySamples(cam camera.Camera, start, end time.Time) ([]motionSample, error) {
	if s.deps.OpenRing == nil {
		return nil, nil
	}
	rf, err := s.deps.OpenRing(cam)
	if err != nil {
		return nil, err
	}
	if rf == nil {
		return nil, nil
	}
	var samples []motionSample
	err = rf.Query(start, end, func(slot time.Time, data []byte) error {
		samples = append(samples, motionSample{
			AtMs:        slot.UnixMilli(),
			Significant: len(data) > 0 && data[0] != 0,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// coalesceMotionEvents collapses contiguous runs of significant samples
// into events, grounded on storagefile.QuerySegments' "contiguous interval"
// idiom (here applied to one-second ring-file slots instead of frame
// blocks).
func coalesceMotionEvents(samples []motionSample) []motionEvent {
	sort.Slice(samples, func(i, j int) bool { return samples[i].AtMs < samples[j].AtMs })

	var events []motionEvent
	var open *motionEvent
	for _, sample := range samples {
		if !sample.Significant {
			if open != nil {
				events = append(events, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &motionEvent{StartMs: sample.AtMs, EndMs: sample.AtMs}
		} else if sample.AtMs-open.EndMs <= time.Second.Milliseconds() {
			open.EndMs = sample.AtMs
		} else {
			events = append(events, *open)
			open = &motionEvent{StartMs: sample.AtMs, EndMs: sample.AtMs}
		}
	}
	if open != nil {
		events = append(events, *open)
	}
	return events
}
