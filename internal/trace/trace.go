// Package trace records a deterministic, replayable log of engine
// decisions: which task ran, which was served from cache, which was
// invalidated and why. It is observational only and must never
// influence scheduling or results.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ExecutionTrace is the canonical record of one engine run: a root
// identity plus an ordered list of events.
//
// Invariants:
//   - RootHash identifies the run (e.g. the root task's key); it must be
//     populated before Canonicalize or Validate are called.
//   - Events carry logical decisions, not wall-clock detail: no
//     timestamps, no pointer identity, no error strings.
//   - Canonicalize puts events into a total order independent of
//     execution timing or goroutine scheduling, so two runs over the
//     same inputs produce byte-identical traces.
type ExecutionTrace struct {
	RootHash string
	Events   []TraceEvent
}

// TraceEventKind is the stable, canonical discriminator for TraceEvent.
// These are part of the trace's canonical bytes; do not rename existing
// values.
type TraceEventKind string

const (
	EventTaskInvalidated TraceEventKind = "TaskInvalidated"
	EventTaskScheduled   TraceEventKind = "TaskScheduled"
	EventTaskCached      TraceEventKind = "TaskCached"
	EventTaskExecuted    TraceEventKind = "TaskExecuted"
	EventTaskFailed      TraceEventKind = "TaskFailed"
	EventTaskCancelled   TraceEventKind = "TaskCancelled"
	EventCycleDetected   TraceEventKind = "CycleDetected"
)

// TraceEvent is a single logical transition or decision.
//
// Optional fields are normalized deterministically: empty slices become
// nil so they are omitted from the canonical JSON.
type TraceEvent struct {
	Kind TraceEventKind

	// TaskID identifies the task this event refers to, rendered as
	// "task#<id>". Required for every kind above.
	TaskID string

	// Reason is a stable logical reason code, e.g. "InputChanged" for an
	// TaskInvalidated event or "ArgHashCollision" for a failure. The set
	// of values is open; producers must keep whatever they emit stable.
	Reason string

	// CauseTaskID records a related task, e.g. the dependency whose
	// invalidation triggered this one's TaskInvalidated event.
	CauseTaskID string

	// Chain is the cycle path for an CycleDetected event, as task names
	// in traversal order. Canonicalize copies it without reordering and
	// uses it only as the final sort key.
	Chain []string
}

// Validate checks basic structural invariants.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.RootHash == "" {
		return errors.New("rootHash is required")
	}
	for i := range t.Events {
		e := t.Events[i]
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.TaskID == "" {
			return fmt.Errorf("events[%d].taskId is required for kind %q", i, e.Kind)
		}
	}
	return nil
}

// Canonicalize normalizes and sorts the trace into its canonical form.
//
// Events are stably sorted by (taskId, kindOrder, reason, causeTaskId,
// chainLex), which gives a total order independent of the order events
// were recorded in.
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Chain) == 0 {
			t.Events[i].Chain = nil
			continue
		}
		c := make([]string, len(t.Events[i].Chain))
		copy(c, t.Events[i].Chain)
		t.Events[i].Chain = c
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a := t.Events[i]
		b := t.Events[j]

		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.CauseTaskID != b.CauseTaskID {
			return a.CauseTaskID < b.CauseTaskID
		}
		return compareStringSlices(a.Chain, b.Chain)
	})
}

func kindOrder(k TraceEventKind) int {
	switch k {
	case EventTaskInvalidated:
		return 10
	case EventTaskScheduled:
		return 20
	case EventTaskCached:
		return 30
	case EventTaskExecuted:
		return 40
	case EventTaskFailed:
		return 50
	case EventTaskCancelled:
		return 60
	case EventCycleDetected:
		return 70
	default:
		return 1000
	}
}

func compareStringSlices(a, b []string) bool {
	la, lb := len(a), len(b)
	min := la
	if lb < min {
		min = lb
	}
	for i := 0; i < min; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return la < lb
}

// CanonicalJSON returns the canonical JSON encoding of the trace,
// canonicalizing a copy so the caller's slices are left untouched.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	cp := ExecutionTrace{RootHash: t.RootHash}
	cp.Events = make([]TraceEvent, len(t.Events))
	copy(cp.Events, t.Events)
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&cp)
}

// Hash returns the deterministic sha256 hex digest of the canonical JSON.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON fixes field order; callers wanting a fully canonical
// encoding should go through CanonicalJSON instead.
func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	if t.RootHash == "" {
		return nil, errors.New("rootHash is required")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString(`"rootHash":`)
	rh, _ := json.Marshal(t.RootHash)
	buf.Write(rh)
	buf.WriteByte(',')

	buf.WriteString(`"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteByte(']')
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON ensures canonical field ordering and omission of empty
// optional fields.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var chain []string
	if len(e.Chain) > 0 {
		chain = make([]string, len(e.Chain))
		copy(chain, e.Chain)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString(`"kind":`)
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	if e.TaskID != "" {
		buf.WriteString(`,"taskId":`)
		tb, _ := json.Marshal(e.TaskID)
		buf.Write(tb)
	}
	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		rb, _ := json.Marshal(e.Reason)
		buf.Write(rb)
	}
	if e.CauseTaskID != "" {
		buf.WriteString(`,"causeTaskId":`)
		cb, _ := json.Marshal(e.CauseTaskID)
		buf.Write(cb)
	}
	if len(chain) > 0 {
		buf.WriteString(`,"chain":[`)
		for i := range chain {
			if i > 0 {
				buf.WriteByte(',')
			}
			ab, _ := json.Marshal(chain[i])
			buf.Write(ab)
		}
		buf.WriteByte(']')
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
