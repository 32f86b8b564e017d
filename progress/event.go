// Package progress delivers real-time generation task progress from the
// Pixcore backend to in-process subscribers.
//
// One Client owns one persistent WebSocket connection (<base>/ws/tasks) and
// fans every inbound task event out to the handlers registered for that
// task id and to every global handler. Lost connections are re-established
// with capped exponential backoff; per-task state is reclaimed as soon as a
// task reaches a terminal status.
package progress

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pixcore/taskstream/errors"
)

// Status is the lifecycle state of a generation task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further events are expected after s.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the task is queued or running.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusRunning
}

// ResultKind identifies the media produced by a successful task.
type ResultKind string

const (
	ResultImage ResultKind = "image"
	ResultVideo ResultKind = "video"
)

// Result is attached to an event when the task succeeded.
type Result struct {
	Kind         ResultKind `json:"kind"`
	URL          string     `json:"url"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
	VersionID    *int64     `json:"version_id,omitempty"`
}

// Event is one progress update for one task. Events are values; nothing in
// this package mutates an Event after decoding it.
type Event struct {
	TaskID        string  `json:"task_id"`
	Status        Status  `json:"status"`
	Progress      int     `json:"progress"`
	Message       string  `json:"message,omitempty"`
	EstimatedTime *int    `json:"estimated_time,omitempty"` // seconds remaining, advisory
	Result        *Result `json:"result,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// Validate checks the fields a router depends on. Progress values are
// deliberately not range- or order-checked: the latest value always wins.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.Wrap(ErrMalformedEnvelope, "event has no task_id")
	}
	if !e.Status.Valid() {
		return errors.Wrapf(ErrMalformedEnvelope, "event %s has unknown status %q", e.TaskID, e.Status)
	}
	if e.EstimatedTime != nil && *e.EstimatedTime < 0 {
		return errors.Wrapf(ErrMalformedEnvelope, "event %s has negative estimated_time", e.TaskID)
	}
	if e.Result != nil && e.Result.Kind != ResultImage && e.Result.Kind != ResultVideo {
		return errors.Wrapf(ErrMalformedEnvelope, "event %s has unknown result kind %q", e.TaskID, e.Result.Kind)
	}
	return nil
}

// MessageType discriminates envelopes on the wire.
type MessageType string

const (
	TypeTaskProgress          MessageType = "task_progress"
	TypeTaskCompleted         MessageType = "task_completed"
	TypeTaskFailed            MessageType = "task_failed"
	TypeConnectionEstablished MessageType = "connection_established"
	TypePing                  MessageType = "ping"
	TypePong                  MessageType = "pong"

	// Outbound control messages
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
)

// IsTask reports whether envelopes of this type carry an Event payload.
func (t MessageType) IsTask() bool {
	return t == TypeTaskProgress || t == TypeTaskCompleted || t == TypeTaskFailed
}

// Envelope is the transport wrapper around zero or one Event.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp Timestamp       `json:"timestamp"`
}

// ParseEnvelope decodes one inbound frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Mark(errors.Wrap(err, "invalid envelope JSON"), ErrMalformedEnvelope)
	}
	if env.Type == "" {
		return Envelope{}, errors.Wrap(ErrMalformedEnvelope, "envelope has no type")
	}
	return env, nil
}

// Event decodes the payload of a task envelope.
func (env Envelope) Event() (Event, error) {
	if !env.Type.IsTask() {
		return Event{}, errors.Wrapf(ErrMalformedEnvelope, "%s envelope carries no task event", env.Type)
	}
	payload := bytes.TrimSpace(env.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return Event{}, errors.Wrapf(ErrMalformedEnvelope, "%s envelope has no payload", env.Type)
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, errors.Mark(errors.Wrapf(err, "invalid %s payload", env.Type), ErrMalformedEnvelope)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ControlMessage is sent from client to server. None of them are
// acknowledged.
type ControlMessage struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"taskId,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"` // unix milliseconds, pings only
}

// Timestamp is the advisory send time of an envelope. It accepts RFC 3339
// strings, unix seconds and unix milliseconds; anything unparseable decodes
// to the zero time instead of failing the envelope.
type Timestamp struct {
	time.Time
}

// Values below this are taken as seconds, above as milliseconds.
const millisThreshold = 1e11

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed
		}
		return nil
	}

	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return nil
	}
	if n < millisThreshold {
		t.Time = time.UnixMilli(int64(n * 1000))
	} else {
		t.Time = time.UnixMilli(int64(n))
	}
	return nil
}

// MarshalJSON writes unix milliseconds, or null for the zero time.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}
