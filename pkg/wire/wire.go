package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Type is the value of the "type" field of a frame.
type Type string

const (
	TypeUpdate   Type = "update"
	TypeDelete   Type = "delete"
	TypeSnapshot Type = "snapshot"
	TypeEvent    Type = "event"
	TypeHello    Type = "hello"
	TypeError    Type = "error"
)

// HashLen is the length of the viewer hash that prefixes addressed binary frames.
const HashLen = 22

var (
	// ErrMalformed is returned for frames that are not valid JSON objects or
	// are missing a required field.
	ErrMalformed = errors.New("wire: malformed frame")

	// ErrUnknownType is returned for well-formed frames with an unrecognised type.
	ErrUnknownType = errors.New("wire: unknown frame type")
)

// Frame is implemented by every decoded message.
type Frame interface {
	Kind() Type
}

// Update replaces the payload of a channel.
type Update struct {
	Type     Type            `json:"type"`
	Channel  string          `json:"channel"`
	Payload  json.RawMessage `json:"payload"`
	Sequence uint64          `json:"sequence,omitempty"`
}

// Delete removes a channel.
type Delete struct {
	Type    Type   `json:"type"`
	Channel string `json:"channel"`
}

// ChannelState is one channel inside a Snapshot.
type ChannelState struct {
	Channel  string          `json:"channel"`
	Payload  json.RawMessage `json:"payload"`
	Sequence uint64          `json:"sequence"`
}

// Snapshot is the full channel state sent once to a newly attached viewer.
type Snapshot struct {
	Type     Type           `json:"type"`
	Channels []ChannelState `json:"channels"`
}

// Event is a viewer interaction relayed to the host.
type Event struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Hello is the viewer handshake announcing the hash used for addressed
// binary frames.
type Hello struct {
	Type      Type   `json:"type"`
	Connected bool   `json:"connected"`
	Hash      string `json:"hash"`
}

// Error reports a rejected frame back to its sender.
type Error struct {
	Type  Type   `json:"type"`
	Error string `json:"error"`
}

func (Update) Kind() Type   { return TypeUpdate }
func (Delete) Kind() Type   { return TypeDelete }
func (Snapshot) Kind() Type { return TypeSnapshot }
func (Event) Kind() Type    { return TypeEvent }
func (Hello) Kind() Type    { return TypeHello }
func (Error) Kind() Type    { return TypeError }

// NewUpdate builds an update frame.
func NewUpdate(channel string, payload json.RawMessage, seq uint64) Update {
	return Update{Type: TypeUpdate, Channel: channel, Payload: payload, Sequence: seq}
}

// NewDelete builds a delete frame.
func NewDelete(channel string) Delete {
	return Delete{Type: TypeDelete, Channel: channel}
}

// NewSnapshot builds a snapshot frame. A nil slice is encoded as [].
func NewSnapshot(channels []ChannelState) Snapshot {
	if channels == nil {
		channels = []ChannelState{}
	}
	return Snapshot{Type: TypeSnapshot, Channels: channels}
}

// NewEvent builds an event frame.
func NewEvent(payload json.RawMessage) Event {
	return Event{Type: TypeEvent, Payload: payload}
}

// NewError builds an error frame.
func NewError(msg string) Error {
	return Error{Type: TypeError, Error: msg}
}

// Encode marshals f to JSON, forcing its type field to f.Kind(). Payloads
// are written byte for byte as received; a payload that is not valid JSON
// is an error wrapping ErrMalformed.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case Update:
		var b bytes.Buffer
		b.WriteString(`{"type":"update","channel":`)
		if err := writeString(&b, v.Channel); err != nil {
			return nil, err
		}
		b.WriteString(`,"payload":`)
		if err := writeRaw(&b, v.Payload); err != nil {
			return nil, err
		}
		if v.Sequence != 0 {
			b.WriteString(`,"sequence":`)
			b.WriteString(strconv.FormatUint(v.Sequence, 10))
		}
		b.WriteByte('}')
		return b.Bytes(), nil
	case Delete:
		v.Type = TypeDelete
		return json.Marshal(v)
	case Snapshot:
		var b bytes.Buffer
		b.WriteString(`{"type":"snapshot","channels":[`)
		for i, c := range v.Channels {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(`{"channel":`)
			if err := writeString(&b, c.Channel); err != nil {
				return nil, err
			}
			b.WriteString(`,"payload":`)
			if err := writeRaw(&b, c.Payload); err != nil {
				return nil, err
			}
			b.WriteString(`,"sequence":`)
			b.WriteString(strconv.FormatUint(c.Sequence, 10))
			b.WriteByte('}')
		}
		b.WriteString(`]}`)
		return b.Bytes(), nil
	case Event:
		var b bytes.Buffer
		b.WriteString(`{"type":"event","payload":`)
		if err := writeRaw(&b, v.Payload); err != nil {
			return nil, err
		}
		b.WriteByte('}')
		return b.Bytes(), nil
	case Hello:
		v.Type = TypeHello
		return json.Marshal(v)
	case Error:
		v.Type = TypeError
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("wire: cannot encode %T", f)
	}
}

func writeString(b *bytes.Buffer, s string) error {
	enc := json.NewEncoder(b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("wire: encode string: %w", err)
	}
	// Encoder terminates each value with a newline.
	b.Truncate(b.Len() - 1)
	return nil
}

// writeRaw appends payload unchanged. An empty payload is written as null.
func writeRaw(b *bytes.Buffer, payload json.RawMessage) error {
	if len(payload) == 0 {
		b.WriteString("null")
		return nil
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrMalformed)
	}
	b.Write(payload)
	return nil
}

// Decode parses one text frame and validates its required fields.
// Errors wrap ErrMalformed or ErrUnknownType.
func Decode(data []byte) (Frame, error) {
	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeUpdate:
		var u Update
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if u.Channel == "" {
			return nil, fmt.Errorf("%w: update without channel", ErrMalformed)
		}
		if len(u.Payload) == 0 {
			return nil, fmt.Errorf("%w: update %q without payload", ErrMalformed, u.Channel)
		}
		return u, nil

	case TypeDelete:
		var d Delete
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if d.Channel == "" {
			return nil, fmt.Errorf("%w: delete without channel", ErrMalformed)
		}
		return d, nil

	case TypeSnapshot:
		var s Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return s, nil

	case TypeEvent:
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if len(e.Payload) == 0 {
			return nil, fmt.Errorf("%w: event without payload", ErrMalformed)
		}
		return e, nil

	case TypeHello:
		var h Hello
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if len(h.Hash) != HashLen {
			return nil, fmt.Errorf("%w: hello hash must be %d bytes, got %d", ErrMalformed, HashLen, len(h.Hash))
		}
		return h, nil

	case TypeError:
		var e Error
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return e, nil

	case "":
		// The front-end handshake is a bare {"connected","hash"} object.
		var h Hello
		if err := json.Unmarshal(data, &h); err != nil || h.Hash == "" {
			return nil, fmt.Errorf("%w: missing type", ErrMalformed)
		}
		if len(h.Hash) != HashLen {
			return nil, fmt.Errorf("%w: hello hash must be %d bytes, got %d", ErrMalformed, HashLen, len(h.Hash))
		}
		h.Type = TypeHello
		return h, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// SplitDirect splits an addressed binary frame into the target viewer hash
// and the body. ok is false when the frame is too short to carry a hash.
func SplitDirect(frame []byte) (hash string, body []byte, ok bool) {
	if len(frame) <= HashLen {
		return "", nil, false
	}
	return string(frame[:HashLen]), frame[HashLen:], true
}

// JoinDirect prefixes body with hash. hash must be HashLen bytes long.
func JoinDirect(hash string, body []byte) ([]byte, error) {
	if len(hash) != HashLen {
		return nil, fmt.Errorf("wire: hash must be %d bytes, got %d", HashLen, len(hash))
	}
	out := make([]byte, 0, HashLen+len(body))
	out = append(out, hash...)
	return append(out, body...), nil
}
