package qmp

import jsoniter "github.com/json-iterator/go"

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is the wire type for the QMP specialization: one parsed JSON
// object. Rather than model greeting/command/response/event as a Go sum
// type, Message stays a thin decode of the raw object (mirroring govmm's own
// map[string]interface{} traffic) with typed accessors for the three shapes
// the protocol treats as disjoint on the wire: Greeting, Response, Event.
type Message struct {
	raw map[string]interface{}
}

// IsGreeting reports whether the message is the server's initial greeting:
// it carries a "QMP" key.
func (m Message) IsGreeting() bool {
	_, ok := m.raw["QMP"]
	return ok
}

// IsEvent reports whether the message is an asynchronous server
// notification: it carries an "event" key.
func (m Message) IsEvent() bool {
	_, ok := m.raw["event"]
	return ok
}

// IsResponse reports whether the message is a command response: it carries
// a "return" or "error" key.
func (m Message) IsResponse() bool {
	_, hasReturn := m.raw["return"]
	_, hasError := m.raw["error"]
	return hasReturn || hasError
}

// ID returns the response's correlation id. Only meaningful when
// IsResponse() is true; responses the engine produced are always tagged
// with one by Execute.
func (m Message) ID() (int, bool) {
	v, ok := m.raw["id"]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Return returns the response's "return" payload, if present.
func (m Message) Return() (interface{}, bool) {
	v, ok := m.raw["return"]
	return v, ok
}

// ErrorInfo returns the response's "error" payload, decoded into an
// ErrorInfo, if present.
func (m Message) ErrorInfo() (ErrorInfo, bool) {
	v, ok := m.raw["error"]
	if !ok {
		return ErrorInfo{}, false
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return ErrorInfo{}, false
	}
	class, _ := obj["class"].(string)
	desc, _ := obj["desc"].(string)
	return ErrorInfo{Class: ErrorClass(class), Desc: desc}, true
}

// Event is a convenience projection of an event Message, handed to the
// user-registered OnEvent handler.
type Event struct {
	Name string
	Data map[string]interface{}
	Raw  Message
}

// AsEvent projects an event Message into an Event. Only meaningful when
// IsEvent() is true.
func (m Message) AsEvent() Event {
	name, _ := m.raw["event"].(string)
	data, _ := m.raw["data"].(map[string]interface{})
	return Event{Name: name, Data: data, Raw: m}
}

// Greeting is a convenience projection of the server's initial handshake
// message.
type Greeting struct {
	Major        int
	Minor        int
	Micro        int
	Capabilities []string
}

// AsGreeting projects a Greeting Message into a Greeting. Only meaningful
// when IsGreeting() is true.
func (m Message) AsGreeting() Greeting {
	var g Greeting
	qmp, _ := m.raw["QMP"].(map[string]interface{})
	if qmp == nil {
		return g
	}
	version, _ := qmp["version"].(map[string]interface{})
	if version != nil {
		qemu, _ := version["qemu"].(map[string]interface{})
		if major, ok := qemu["major"].(float64); ok {
			g.Major = int(major)
		}
		if minor, ok := qemu["minor"].(float64); ok {
			g.Minor = int(minor)
		}
		if micro, ok := qemu["micro"].(float64); ok {
			g.Micro = int(micro)
		}
	}
	if caps, ok := qmp["capabilities"].([]interface{}); ok {
		for _, c := range caps {
			if s, ok := c.(string); ok {
				g.Capabilities = append(g.Capabilities, s)
			}
		}
	}
	return g
}

// newCommand builds the wire Message for a client request:
// {"execute": cmd, "arguments": args?, "id": id}. args may be nil, in which
// case the "arguments" key is omitted.
func newCommand(cmd string, args map[string]interface{}, id int) Message {
	raw := map[string]interface{}{
		"execute": cmd,
		"id":      id,
	}
	if args != nil {
		raw["arguments"] = args
	}
	return Message{raw: raw}
}

// decodeMessage parses one raw framed line into a Message.
func decodeMessage(line []byte) (Message, error) {
	var raw map[string]interface{}
	if err := wireJSON.Unmarshal(line, &raw); err != nil {
		return Message{}, err
	}
	return Message{raw: raw}, nil
}

// encodeMessage serializes a Message compactly, with no trailing newline.
func encodeMessage(m Message) ([]byte, error) {
	return wireJSON.Marshal(m.raw)
}
