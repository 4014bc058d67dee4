package qtest

import "strings"

// Message is the wire type for the qtest specialization: one line, split
// into whitespace-delimited tokens. Unlike QMP's JSON object, qtest's
// message space is a closed tagged union of response or async notification
// — IsIRQ distinguishes the two.
type Message []string

// IsIRQ reports whether the message is an asynchronous IRQ notification
// rather than a command response.
func (m Message) IsIRQ() bool {
	return len(m) > 0 && m[0] == "IRQ"
}

// decodeMessage splits one raw framed line into tokens by single-space
// characters.
func decodeMessage(line []byte) (Message, error) {
	return Message(strings.Split(string(line), " ")), nil
}

// encodeMessage joins tokens with a single space. The engine appends the
// trailing newline.
func encodeMessage(m Message) ([]byte, error) {
	return []byte(strings.Join(m, " ")), nil
}
