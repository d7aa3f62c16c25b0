package stream

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pixelforge/conductor/internal/core/domain"
	"github.com/pixelforge/conductor/internal/infra/comfy/metrics"
)

// ProgressFunc receives normalized progress events for one job.
type ProgressFunc func(domain.ProgressEvent)

type watch struct {
	onProgress ProgressFunc
	release    func()
	started    bool
}

// Dispatcher consumes raw channel frames for one session, classifies them
// through the per-job state machine (queued, executing, completed/error)
// and emits normalized progress events to registered callbacks.
//
// At most one terminal event is emitted per job; the job's pool lease is
// released on the terminal event and nothing further is dispatched for
// that prompt ID. Events for a single job are delivered in arrival order.
type Dispatcher struct {
	mu      sync.Mutex
	watches map[string]*watch
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{watches: make(map[string]*watch)}
}

// Watch subscribes a job to the frame stream. release is invoked exactly
// once, when the job reaches a terminal state or is unwatched.
func (d *Dispatcher) Watch(promptID string, onProgress ProgressFunc, release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watches[promptID] = &watch{onProgress: onProgress, release: release}
}

// Unwatch drops a job's subscription without emitting an event and releases
// its lease. Unwatching an unknown prompt ID is a no-op.
func (d *Dispatcher) Unwatch(promptID string) {
	d.mu.Lock()
	w, ok := d.watches[promptID]
	if ok {
		delete(d.watches, promptID)
	}
	d.mu.Unlock()

	if ok && w.release != nil {
		w.release()
	}
}

// Active returns the number of jobs currently watched.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.watches)
}

type delivery struct {
	fn       ProgressFunc
	event    domain.ProgressEvent
	release  func()
	terminal bool
}

// HandleFrame processes one raw frame from the pooled channel. It is
// driven by the session read loop, so frames for one session arrive in
// order; callbacks run outside the dispatcher lock.
func (d *Dispatcher) HandleFrame(frame Frame) {
	if frame.Err != nil {
		d.failAll(frame.Err)
		return
	}

	msg, err := Decode(frame.Data)
	if err != nil {
		// A malformed frame carries no job attribution; skip it and keep
		// listening. Channel-level failures arrive as Frame.Err instead.
		slog.Warn("Skipping malformed channel message", "error", err)
		return
	}
	if msg == nil {
		return
	}

	deliveries := d.route(msg)
	for _, dv := range deliveries {
		metrics.ProgressEventsTotal.WithLabelValues(string(dv.event.Status)).Inc()
		dv.fn(dv.event)
		if dv.terminal && dv.release != nil {
			dv.release()
		}
	}
}

func (d *Dispatcher) route(msg Message) []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch m := msg.(type) {
	case StatusMessage:
		// Queue depth applies to every watched job that has not started
		// executing yet.
		var out []delivery
		for promptID, w := range d.watches {
			if w.started {
				continue
			}
			out = append(out, delivery{
				fn: w.onProgress,
				event: domain.ProgressEvent{
					PromptID: promptID,
					Status:   domain.StatusQueued,
					Message:  fmt.Sprintf("Waiting in queue (%d remaining)", m.QueueRemaining),
				},
			})
		}
		return out

	case ExecutionStartMessage:
		w, ok := d.watches[m.PromptID]
		if !ok {
			return nil
		}
		w.started = true
		return []delivery{{
			fn: w.onProgress,
			event: domain.ProgressEvent{
				PromptID: m.PromptID,
				Status:   domain.StatusExecuting,
				Message:  "Execution started",
			},
		}}

	case ProgressMessage:
		w, ok := d.watches[m.PromptID]
		if !ok {
			return nil
		}
		w.started = true
		pct := 0.0
		if m.Max > 0 {
			pct = float64(m.Value) / float64(m.Max) * 100
		}
		return []delivery{{
			fn: w.onProgress,
			event: domain.ProgressEvent{
				PromptID:    m.PromptID,
				Status:      domain.StatusExecuting,
				Progress:    m.Value,
				MaxProgress: m.Max,
				Percentage:  pct,
				CurrentNode: m.Node,
			},
		}}

	case ProgressStateMessage:
		w, ok := d.watches[m.PromptID]
		if !ok {
			return nil
		}
		// An empty active-node set is suppressed, not an error: nodes only
		// appear once they start running.
		if len(m.Nodes) == 0 {
			return nil
		}
		w.started = true
		node := m.Nodes[0]
		return []delivery{{
			fn: w.onProgress,
			event: domain.ProgressEvent{
				PromptID:    m.PromptID,
				Status:      domain.StatusExecuting,
				Progress:    node.Value,
				MaxProgress: node.Max,
				Percentage:  node.Percentage(),
				CurrentNode: node.DisplayNodeID,
				NodeState:   node.State,
			},
		}}

	case ExecutingMessage:
		w, ok := d.watches[m.PromptID]
		if !ok {
			return nil
		}
		if m.Node == nil {
			delete(d.watches, m.PromptID)
			return []delivery{{
				fn: w.onProgress,
				event: domain.ProgressEvent{
					PromptID: m.PromptID,
					Status:   domain.StatusCompleted,
					Message:  "Generation completed",
				},
				release:  w.release,
				terminal: true,
			}}
		}
		w.started = true
		return []delivery{{
			fn: w.onProgress,
			event: domain.ProgressEvent{
				PromptID:    m.PromptID,
				Status:      domain.StatusExecuting,
				CurrentNode: *m.Node,
				Message:     fmt.Sprintf("Executing node %s", *m.Node),
			},
		}}

	case ExecutedMessage:
		w, ok := d.watches[m.PromptID]
		if !ok || len(m.Images) == 0 {
			return nil
		}
		w.started = true
		return []delivery{{
			fn: w.onProgress,
			event: domain.ProgressEvent{
				PromptID:    m.PromptID,
				Status:      domain.StatusExecuting,
				CurrentNode: m.Node,
				Message:     fmt.Sprintf("Node %s produced %d image(s)", m.Node, len(m.Images)),
				Images:      m.Images,
			},
		}}

	case ExecutionErrorMessage:
		w, ok := d.watches[m.PromptID]
		if !ok {
			return nil
		}
		delete(d.watches, m.PromptID)
		errMsg := m.ExceptionMessage
		if errMsg == "" {
			errMsg = "unknown execution error"
		}
		return []delivery{{
			fn: w.onProgress,
			event: domain.ProgressEvent{
				PromptID:    m.PromptID,
				Status:      domain.StatusError,
				CurrentNode: m.NodeID,
				Message:     "Generation failed",
				Error:       fmt.Sprintf("%s: %s", m.ExceptionType, errMsg),
			},
			release:  w.release,
			terminal: true,
		}}

	case ExecutionCachedMessage:
		slog.Debug("Execution cached", "prompt_id", m.PromptID, "nodes", len(m.Nodes))
		return nil

	default:
		return nil
	}
}

// failAll emits a terminal error event for every watched job and clears
// the dispatcher. Used when the channel itself has failed.
func (d *Dispatcher) failAll(err error) {
	d.mu.Lock()
	watches := d.watches
	d.watches = make(map[string]*watch)
	d.mu.Unlock()

	for promptID, w := range watches {
		metrics.ProgressEventsTotal.WithLabelValues(string(domain.StatusError)).Inc()
		w.onProgress(domain.ProgressEvent{
			PromptID: promptID,
			Status:   domain.StatusError,
			Message:  "Connection to generation backend lost",
			Error:    err.Error(),
		})
		if w.release != nil {
			w.release()
		}
	}
}
