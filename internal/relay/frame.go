package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Inbound actions that reach the relay.
const (
	ActionCommand = "command"
	ActionCall    = "call"
)

// Methods.
const (
	MethodMessage    = "message"
	MethodSendMsg    = "sendMsg"
	MethodSendFile   = "sendFile"
	MethodRecallMsg  = "recallMsg"
	MethodPickFriend = "pickFriend"
)

// ErrMalformed wraps frames that are not JSON objects or fail the schema.
var ErrMalformed = errors.New("malformed frame")

// Frame is a client-to-server push-channel message.
type Frame struct {
	Action    string  `json:"action"`
	Method    string  `json:"method,omitempty"`
	Content   Content `json:"content,omitzero"`
	File      string  `json:"file,omitempty"`
	Name      string  `json:"name,omitempty"`
	MessageID ID      `json:"message_id,omitempty"`
}

// IsCommand reports whether the frame should be dispatched.
func (f Frame) IsCommand() bool {
	return f.Action == ActionCommand || f.Action == ActionCall
}

// Summary is the frame as JSON with any file payload replaced by its size.
func (f Frame) Summary() string {
	if f.File != "" {
		f.File = fmt.Sprintf("<%d base64 chars>", len(f.File))
	}
	return marshalPlain(f)
}

// Content is either plain text or a list of message segments.
type Content struct {
	Text     string
	Segments []Segment
}

// Plain renders the content as text; segments are joined by their text.
func (c Content) Plain() string {
	if c.Segments == nil {
		return c.Text
	}
	parts := make([]string, 0, len(c.Segments))
	for _, s := range c.Segments {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, "")
}

// AsSegments returns the segments, wrapping plain text in one text segment.
func (c Content) AsSegments() []Segment {
	if c.Segments != nil {
		return c.Segments
	}
	return TextMessage(c.Text)
}

func (c Content) IsZero() bool {
	return c.Text == "" && c.Segments == nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Segments != nil {
		return json.Marshal(c.Segments)
	}
	return json.Marshal(c.Text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*c = Content{}
	case len(data) > 0 && data[0] == '[':
		var segs []Segment
		if err := json.Unmarshal(data, &segs); err != nil {
			return err
		}
		if segs == nil {
			segs = []Segment{}
		}
		*c = Content{Segments: segs}
	default:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
	}
	return nil
}

// ID is a message identifier that may arrive as a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return fmt.Errorf("message_id: %w", err)
	}
	*id = ID(data)
	return nil
}

const frameSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"type": "string"},
    "method": {"type": "string"},
    "content": {
      "type": ["string", "array", "null"],
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {"type": {"type": "string"}, "text": {"type": "string"}}
      }
    },
    "file": {"type": "string"},
    "name": {"type": "string"},
    "message_id": {"type": ["string", "number", "null"]}
  }
}`

type decoder struct {
	schema *jsonschema.Schema
}

func newDecoder() (*decoder, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal frame schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("frame.json", doc); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := c.Compile("frame.json")
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &decoder{schema: schema}, nil
}

func (d *decoder) decode(data []byte) (Frame, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := d.schema.Validate(inst); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return f, nil
}

// DecodeFile decodes a base64 payload, tolerating a data-URL prefix.
func DecodeFile(payload string) ([]byte, error) {
	if strings.HasPrefix(payload, "data:") {
		if i := strings.Index(payload, ","); i >= 0 {
			payload = payload[i+1:]
		}
	}
	payload = strings.TrimSpace(payload)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("decode file payload: %w", err)
	}
	return data, nil
}
