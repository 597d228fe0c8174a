package stream

import (
	"encoding/json"
	"strings"
)

// EventKind tags which branch of a stream payload was populated
type EventKind int

const (
	// EventNone is a well-formed line with no recognised shape
	EventNone EventKind = iota
	// EventStatus is an out-of-band progress notice, e.g. uploading_video
	EventStatus
	// EventContent carries an incremental text fragment
	EventContent
	// EventError is an error reported by the backend inside the stream
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventContent:
		return "content"
	case EventError:
		return "error"
	default:
		return "none"
	}
}

// Event is one decoded `data: ` line
type Event struct {
	Kind EventKind

	// Status and Text are set for EventStatus
	Status string
	Text   string

	// Content is the fragment at output.choices[0].message.content[0].text.
	// Reasoning is the sibling reasoning_content, when the model sends one.
	Content   string
	Reasoning string

	// Error is set for EventError
	Error string

	Raw json.RawMessage
}

// StatusLine returns the text shown for a status event
func (e Event) StatusLine() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Status
}

// TextError returns the message of a `{"text":"Error: ..."}` document. The
// run endpoint reports missing API keys and model failures this way. Such
// lines still decode to EventNone.
func (e Event) TextError() (string, bool) {
	if e.Kind != EventNone || len(e.Raw) == 0 {
		return "", false
	}
	var doc struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(e.Raw, &doc); err != nil {
		return "", false
	}
	msg, ok := strings.CutPrefix(doc.Text, "Error:")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(msg), true
}

// ParseEvent decodes a JSON document into an Event. Only syntactically
// invalid JSON is an error; any unexpected shape yields EventNone.
func ParseEvent(data []byte) (Event, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Event{}, err
	}

	ev := Event{Raw: append(json.RawMessage(nil), data...)}
	root, _ := doc.(map[string]any)

	if status := str(root, "status"); status != "" {
		ev.Kind = EventStatus
		ev.Status = status
		ev.Text = str(root, "text")
		return ev, nil
	}

	msg := obj(first(obj(root, "output"), "choices"), "message")
	if text := str(first(msg, "content"), "text"); text != "" {
		ev.Kind = EventContent
		ev.Content = text
		ev.Reasoning = str(msg, "reasoning_content")
		return ev, nil
	}

	if e := str(root, "error"); e != "" {
		ev.Kind = EventError
		ev.Error = e
	}
	return ev, nil
}

func obj(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

func first(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	arr, _ := m[key].([]any)
	if len(arr) == 0 {
		return nil
	}
	v, _ := arr[0].(map[string]any)
	return v
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}
