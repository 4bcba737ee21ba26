package api

import "testing"

func TestCoalesceMotionEventsMergesContiguousRuns(t *testing.T) {
	samples := []motionSample{
		{AtMs: 1000, Significant: true},
		{AtMs: 2000, Significant: true},
		{AtMs: 3000, Significant: true},
		{AtMs: 4000, Significant: false},
		{AtMs: 5000, Significant: true},
	}
	events := coalesceMotionEvents(samples)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].StartMs != 1000 || events[0].EndMs != 3000 {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].StartMs != 5000 || events[1].EndMs != 5000 {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestCoalesceMotionEventsAllInsignificantYieldsNone(t *testing.T) {
	samples := []motionSample{
		{AtMs: 1000, Significant: false},
		{AtMs: 2000, Significant: false},
	}
	if events := coalesceMotionEvents(samples); len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func TestCoalesceMotionEventsTrailingOpenRunClosed(t *testing.T) {
	samples := []motionSample{
		{AtMs: 1000, Significant: true},
		{AtMs: 2000, Significant: true},
	}
	events := coalesceMotionEvents(samples)
	if len(events) != 1 || events[0].StartMs != 1000 || events[0].EndMs != 2000 {
		t.Fatalf("unexpected events: %+v", events)
	}
}
