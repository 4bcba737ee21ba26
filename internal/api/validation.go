package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// parseQueryTime parses an ISO 8601 timestamp, accepting both the
// trailing-Z and offsetless forms. Reports whether the original argument
// carried a trailing Z so callers can echo it back in their response.
func parseQueryTime(v string) (t time.Time, hadZ bool, err error) {
	hadZ = strings.HasSuffix(v, "Z")
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04:05.000"} {
		if t, err = time.Parse(layout, v); err == nil {
			return t, hadZ, nil
		}
	}
	return time.Time{}, false, err
}

func formatQueryTime(t time.Time, hadZ bool) string {
	if hadZ {
		return t.UTC().Format(time.RFC3339)
	}
	return t.UTC().Format("2006-01-02T15:04:05")
}

func requireCameraID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("camera_id")
	if id == "" {
		BadRequest(w, "camera_id is required")
		return "", false
	}
	return id, true
}

func requireTimeRange(w http.ResponseWriter, r *http.Request) (start, end time.Time, ok bool) {
	q := r.URL.Query()
	startStr := q.Get("start_time")
	endStr := q.Get("end_time")
	if startStr == "" || endStr == "" {
		BadRequest(w, "start_time and end_time are required")
		return time.Time{}, time.Time{}, false
	}
	start, _, err := parseQueryTime(startStr)
	if err != nil {
		BadRequest(w, "invalid start_time: "+err.Error())
		return time.Time{}, time.Time{}, false
	}
	end, _, err = parseQueryTime(endStr)
	if err != nil {
		BadRequest(w, "invalid end_time: "+err.Error())
		return time.Time{}, time.Time{}, false
	}
	if !end.After(start) {
		BadRequest(w, "end_time must be after start_time")
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func parseIntDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
