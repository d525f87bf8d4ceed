package feed

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/errors"
)

// Message is one (action, payload) pair of a frame.
type Message struct {
	Action  Action
	Payload json.RawMessage
}

// Frame is the decoded form of one feed message.
type Frame struct {
	Messages []Message
	// Trailing is set when the frame had an odd element count. The unpaired
	// last element is discarded.
	Trailing bool
}

// Decode splits a raw frame into its messages, preserving order.
//
// A frame of 2k or 2k+1 elements yields exactly k messages. Anything that is
// not a JSON array, or that carries an action slot which is not an integer
// protocol code, fails with a protocol decode error and yields nothing.
func Decode(raw []byte) (Frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return Frame{}, errors.ProtocolDecodeError("frame is not a JSON array", err)
	}
	if elems == nil {
		// a literal null decodes without error
		return Frame{}, errors.ProtocolDecodeError("frame is not a JSON array", nil)
	}

	pairs := len(elems) / 2
	frame := Frame{
		Messages: make([]Message, 0, pairs),
		Trailing: len(elems)%2 == 1,
	}
	for i := 0; i < pairs; i++ {
		action, err := parseAction(elems[2*i])
		if err != nil {
			return Frame{}, errors.ProtocolDecodeError(fmt.Sprintf("invalid action code at position %d", 2*i), err)
		}
		frame.Messages = append(frame.Messages, Message{Action: action, Payload: elems[2*i+1]})
	}
	return frame, nil
}

func parseAction(raw json.RawMessage) (Action, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	code, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("action %s is not a number", string(raw))
	}
	n, err := code.Int64()
	if err != nil {
		return 0, fmt.Errorf("action %s is not an integer", code)
	}
	if n < 0 || n > int64(maxAction) {
		return 0, fmt.Errorf("action %d out of range", n)
	}
	return Action(n), nil
}
