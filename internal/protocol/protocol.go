// Package protocol defines the JSON frames exchanged over a terminal channel.
//
// Client to server: {"type":"input","data":"...","line":false} and
// {"type":"resize","cols":120,"rows":40}. Server to client: {"type":"output","data":"..."}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types.
const (
	TypeInput  = "input"
	TypeResize = "resize"
	TypeOutput = "output"
)

// ErrMalformed is returned for frames that are not JSON objects or carry
// fields of the wrong type.
var ErrMalformed = errors.New("malformed frame")

// Message is one decoded frame: Input, Resize, Output or Unknown.
type Message interface {
	messageType() string
}

// Input is keystroke data for the terminal. Line asks the receiver to
// terminate the data with a carriage return.
type Input struct {
	Data string
	Line bool
}

// Resize announces the viewer's terminal geometry.
type Resize struct {
	Cols int
	Rows int
}

// Output is terminal output for the viewer.
type Output struct {
	Data string
}

// Unknown is a well-formed frame with an unrecognized type.
type Unknown struct {
	Type string
}

func (Input) messageType() string     { return TypeInput }
func (Resize) messageType() string    { return TypeResize }
func (Output) messageType() string    { return TypeOutput }
func (u Unknown) messageType() string { return u.Type }

type frame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Line bool   `json:"line,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// Decode parses a single frame.
func Decode(b []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch f.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	case TypeInput:
		return Input{Data: f.Data, Line: f.Line}, nil
	case TypeResize:
		if f.Cols <= 0 || f.Rows <= 0 {
			return nil, fmt.Errorf("%w: resize %dx%d", ErrMalformed, f.Cols, f.Rows)
		}
		return Resize{Cols: f.Cols, Rows: f.Rows}, nil
	case TypeOutput:
		return Output{Data: f.Data}, nil
	default:
		return Unknown{Type: f.Type}, nil
	}
}

// Encode serializes a message. Unknown messages cannot be encoded.
func Encode(m Message) ([]byte, error) {
	var f frame
	switch m := m.(type) {
	case Input:
		f = frame{Type: TypeInput, Data: m.Data, Line: m.Line}
	case Resize:
		f = frame{Type: TypeResize, Cols: m.Cols, Rows: m.Rows}
	case Output:
		f = frame{Type: TypeOutput, Data: m.Data}
	default:
		return nil, fmt.Errorf("cannot encode %T", m)
	}
	return json.Marshal(f)
}

// EncodeOutput wraps raw terminal bytes in an output frame.
func EncodeOutput(data []byte) []byte {
	b, _ := json.Marshal(frame{Type: TypeOutput, Data: string(data)})
	return b
}

// DecodeOutput extracts terminal text from a server frame. Anything that is
// not an output frame is treated as raw terminal text.
func DecodeOutput(b []byte) string {
	if m, err := Decode(b); err == nil {
		if out, ok := m.(Output); ok {
			return out.Data
		}
	}
	return string(b)
}
