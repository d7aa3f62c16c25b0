package stream

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pixelforge/conductor/internal/core/domain"
)

// recorder collects events and release calls for one watched job.
type recorder struct {
	events   []domain.ProgressEvent
	released int
}

func (r *recorder) watch(d *Dispatcher, promptID string) {
	d.Watch(promptID,
		func(ev domain.ProgressEvent) { r.events = append(r.events, ev) },
		func() { r.released++ },
	)
}

func frame(t *testing.T, format string, args ...any) Frame {
	t.Helper()
	return Frame{Data: []byte(fmt.Sprintf(format, args...))}
}

func TestDispatcher_FullJobLifecycle(t *testing.T) {
	d := NewDispatcher()
	rec := &recorder{}
	rec.watch(d, "p1")

	d.HandleFrame(frame(t, `{"type":"status","data":{"status":{"exec_info":{"queue_remaining":2}}}}`))
	d.HandleFrame(frame(t, `{"type":"execution_start","data":{"prompt_id":"p1"}}`))
	d.HandleFrame(frame(t, `{"type":"progress","data":{"prompt_id":"p1","value":10,"max":20,"node":"7"}}`))
	d.HandleFrame(frame(t, `{"type":"executing","data":{"prompt_id":"p1","node":null}}`))

	if len(rec.events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(rec.events), rec.events)
	}
	if rec.events[0].Status != domain.StatusQueued {
		t.Errorf("expected first event queued, got %s", rec.events[0].Status)
	}
	if rec.events[0].Message != "Waiting in queue (2 remaining)" {
		t.Errorf("unexpected queue message %q", rec.events[0].Message)
	}
	if rec.events[2].Percentage != 50.0 {
		t.Errorf("expected 50%% progress, got %v", rec.events[2].Percentage)
	}
	last := rec.events[3]
	if last.Status != domain.StatusCompleted || last.Message != "Generation completed" {
		t.Errorf("unexpected terminal event %+v", last)
	}
	if rec.released != 1 {
		t.Errorf("expected exactly one release, got %d", rec.released)
	}
	if d.Active() != 0 {
		t.Errorf("expected no active watches after completion, got %d", d.Active())
	}
}

func TestDispatcher_TerminalIsEmittedOnce(t *testing.T) {
	d := NewDispatcher()
	rec := &recorder{}
	rec.watch(d, "p1")

	// Duplicate completion frames must not produce a second terminal event.
	d.HandleFrame(frame(t, `{"type":"executing","data":{"prompt_id":"p1","node":null}}`))
	d.HandleFrame(frame(t, `{"type":"executing","data":{"prompt_id":"p1","node":null}}`))
	d.HandleFrame(frame(t, `{"type":"progress","data":{"prompt_id":"p1","value":5,"max":10,"node":"7"}}`))

	if len(rec.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(rec.events))
	}
	if rec.released != 1 {
		t.Errorf("expected exactly one release, got %d", rec.released)
	}
}

func TestDispatcher_StatusSkipsStartedJobs(t *testing.T) {
	d := NewDispatcher()
	started := &recorder{}
	started.watch(d, "p1")
	waiting := &recorder{}
	waiting.watch(d, "p2")

	d.HandleFrame(frame(t, `{"type":"execution_start","data":{"prompt_id":"p1"}}`))
	d.HandleFrame(frame(t, `{"type":"status","data":{"status":{"exec_info":{"queue_remaining":1}}}}`))

	if len(started.events) != 1 {
		t.Errorf("started job should not receive queue updates, got %d events", len(started.events))
	}
	if len(waiting.events) != 1 || waiting.events[0].Status != domain.StatusQueued {
		t.Errorf("waiting job should receive the queue update, got %+v", waiting.events)
	}
}

func TestDispatcher_ProgressStateEmptyNodesSuppressed(t *testing.T) {
	d := NewDispatcher()
	rec := &recorder{}
	rec.watch(d, "p1")

	d.HandleFrame(frame(t, `{"type":"progress_state","data":{"prompt_id":"p1","nodes":{}}}`))

	if len(rec.events) != 0 {
		t.Errorf("expected no events for empty node set, got %+v", rec.events)
	}
}

func TestDispatcher_ProgressStatePicksFirstActiveNode(t *testing.T) {
	d := NewDispatcher()
	rec := &recorder{}
	rec.watch(d, "p1")

	d.HandleFrame(frame(t, `{"type":"progress_state","data":{"prompt_id":"p1","nodes":{
		"9":{"value":1,"max":10,"state":"running"},
		"3":{"value":2,"max":8,"state":"running","display_node_id":"KSampler"}
	}}}`))

	if len(rec.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(rec.events))
	}
	ev := rec.events[0]
	if ev.CurrentNode != "KSampler" {
		t.Errorf("expected node 3 (lowest id) to win, got %q", ev.CurrentNode)
	}
	if ev.Percentage != 25.0 {
		t.Errorf("expected 25%%, got %v", ev.Percentage)
	}
	if ev.NodeState != "running" {
		t.Errorf("unexpected node state %q", ev.NodeState)
	}
}

func TestDispatcher_ExecutionErrorIsTerminal(t *testing.T) {
	d := NewDispatcher()
	rec := &recorder{}
	rec.watch(d, "p1")

	d.HandleFrame(frame(t, `{"type":"execution_error","data":{"prompt_id":"p1","node_id":"7",
		"exception":{"type":"RuntimeError","message":"boom"}}}`))

	if len(rec.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(rec.events))
	}
	ev := rec.events[0]
	if ev.Status != domain.StatusError {
		t.Errorf("expected error status, got %s", ev.Status)
	}
	if ev.Error != "RuntimeError: boom" {
		t.Errorf("unexpected error detail %q", ev.Error)
	}
	if rec.released != 1 {
		t.Errorf("expected release on error, got %d", rec.released)
	}
	if d.Active() != 0 {
		t.Errorf("expected no active watches after error, got %d", d.Active())
	}
}

func TestDispatcher_FramesForUnknownJobsIgnored(t *testing.T) {
	d := NewDispatcher()
	rec := &recorder{}
	rec.watch(d, "p1")

	d.HandleFrame(frame(t, `{"type":"progress","data":{"prompt_id":"other","value":1,"max":2,"node":"7"}}`))
	d.HandleFrame(frame(t, `{"type":"executing","data":{"prompt_id":"other","node":null}}`))

	if len(rec.events) != 0 {
		t.Errorf("expected no events for foreign prompt ids, got %+v", rec.events)
	}
	if d.Active() != 1 {
		t.Errorf("watch should survive foreign frames, active=%d", d.Active())
	}
}

func TestDispatcher_MalformedFrameSkipped(t *testing.T) {
	d := NewDispatcher()
	rec := &recorder{}
	rec.watch(d, "p1")

	d.HandleFrame(Frame{Data: []byte(`not json at all`)})
	d.HandleFrame(frame(t, `{"type":"executing","data":{"prompt_id":"p1","node":"7"}}`))

	if len(rec.events) != 1 {
		t.Fatalf("dispatcher should keep working after a malformed frame, got %d events", len(rec.events))
	}
	if rec.events[0].Message != "Executing node 7" {
		t.Errorf("unexpected message %q", rec.events[0].Message)
	}
}

func TestDispatcher_ChannelFailureFailsAllJobs(t *testing.T) {
	d := NewDispatcher()
	a := &recorder{}
	a.watch(d, "p1")
	b := &recorder{}
	b.watch(d, "p2")

	d.HandleFrame(Frame{Err: errors.New("connection reset")})

	for name, rec := range map[string]*recorder{"p1": a, "p2": b} {
		if len(rec.events) != 1 {
			t.Fatalf("%s: expected 1 terminal event, got %d", name, len(rec.events))
		}
		ev := rec.events[0]
		if ev.Status != domain.StatusError {
			t.Errorf("%s: expected error status, got %s", name, ev.Status)
		}
		if ev.Message != "Connection to generation backend lost" {
			t.Errorf("%s: unexpected message %q", name, ev.Message)
		}
		if rec.released != 1 {
			t.Errorf("%s: expected release, got %d", name, rec.released)
		}
	}
	if d.Active() != 0 {
		t.Errorf("expected dispatcher cleared, got %d", d.Active())
	}
}

func TestDispatcher_UnwatchReleasesWithoutEvent(t *testing.T) {
	d := NewDispatcher()
	rec := &recorder{}
	rec.watch(d, "p1")

	d.Unwatch("p1")
	d.Unwatch("p1")
	d.Unwatch("never-watched")

	if len(rec.events) != 0 {
		t.Errorf("unwatch must not emit events, got %+v", rec.events)
	}
	if rec.released != 1 {
		t.Errorf("expected exactly one release, got %d", rec.released)
	}
}

func TestDispatcher_ExecutedWithoutImagesSuppressed(t *testing.T) {
	d := NewDispatcher()
	rec := &recorder{}
	rec.watch(d, "p1")

	d.HandleFrame(frame(t, `{"type":"executed","data":{"prompt_id":"p1","node":"save","output":{}}}`))
	d.HandleFrame(frame(t, `{"type":"executed","data":{"prompt_id":"p1","node":"save","output":{"images":[
		{"filename":"out.png","subfolder":"","type":"output"}]}}}`))

	if len(rec.events) != 1 {
		t.Fatalf("expected only the image-bearing frame to emit, got %d", len(rec.events))
	}
	if len(rec.events[0].Images) != 1 || rec.events[0].Images[0].Filename != "out.png" {
		t.Errorf("unexpected images %+v", rec.events[0].Images)
	}
}
