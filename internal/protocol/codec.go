// Package protocol implements the gateway's JSON-over-TCP wire format: one
// message unit carries exactly one JSON object which is validated and
// classified into a closed set of message classes.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Class is the routing classification of an inbound message.
type Class int

const (
	ClassInvalid Class = iota
	ClassData
	ClassMessage
	ClassGroupMessage
)

func (c Class) String() string {
	switch c {
	case ClassData:
		return "data"
	case ClassMessage:
		return "message"
	case ClassGroupMessage:
		return "group-message"
	default:
		return "invalid"
	}
}

// Message is a decoded inbound unit.
type Message struct {
	Device string
	Topic  string
	Class  Class
	// Target is the recipient device id for ClassMessage and the group id
	// for ClassGroupMessage.
	Target  string
	Payload []byte
	// Raw is the unit exactly as received.
	Raw []byte
}

type Violation int

const (
	MalformedJSON Violation = iota + 1
	MissingDevice
	MissingTopic
	MissingTargetOrPayload
)

func (v Violation) String() string {
	switch v {
	case MalformedJSON:
		return "malformed json"
	case MissingDevice:
		return "missing device"
	case MissingTopic:
		return "missing topic"
	case MissingTargetOrPayload:
		return "missing target or payload"
	default:
		return "unknown violation"
	}
}

// ViolationError reports a unit that failed validation. Device is set when
// the unit was parsed far enough to know it.
type ViolationError struct {
	Kind   Violation
	Device string
	Err    error
}

func (e *ViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("protocol violation: %s", e.Kind)
}

func (e *ViolationError) Unwrap() error {
	return e.Err
}

var (
	ErrInvalidUTF8   = errors.New("payload is not valid utf-8")
	ErrNotObject     = errors.New("payload is not a json object")
	ErrTrailingValue = errors.New("more than one json value in message unit")
)

// Topics lists the topic names accepted for each class.
type Topics struct {
	Data         []string
	Message      []string
	GroupMessage []string
}

// CommandTopic is the legacy name of the device message topic. Messages on
// it are acknowledged with "Command Received".
const CommandTopic = "command"

func DefaultTopics() Topics {
	return Topics{
		Data:         []string{"data"},
		Message:      []string{"message", CommandTopic},
		GroupMessage: []string{"group-message"},
	}
}

type Codec struct {
	classes map[string]Class
}

func NewCodec(topics Topics) *Codec {
	c := &Codec{classes: make(map[string]Class)}
	for _, t := range topics.Data {
		c.classes[t] = ClassData
	}
	for _, t := range topics.Message {
		c.classes[t] = ClassMessage
	}
	for _, t := range topics.GroupMessage {
		c.classes[t] = ClassGroupMessage
	}
	return c
}

func (c *Codec) Classify(topic string) Class {
	if class, ok := c.classes[topic]; ok {
		return class
	}
	return ClassInvalid
}

// Decode parses one message unit. Unknown topics are not an error: they
// come back as ClassInvalid so the caller can name the topic.
func (c *Codec) Decode(unit []byte) (Message, error) {
	msg := Message{Raw: unit}

	if !utf8.Valid(unit) {
		return msg, &ViolationError{Kind: MalformedJSON, Err: ErrInvalidUTF8}
	}

	fields, err := decodeObject(unit)
	if err != nil {
		return msg, &ViolationError{Kind: MalformedJSON, Err: err}
	}

	msg.Device = textField(fields, "device")
	msg.Topic = textField(fields, "topic", "type")
	if msg.Device == "" {
		return msg, &ViolationError{Kind: MissingDevice}
	}
	if msg.Topic == "" {
		return msg, &ViolationError{Kind: MissingTopic, Device: msg.Device}
	}

	msg.Class = c.Classify(msg.Topic)
	switch msg.Class {
	case ClassData:
		msg.Payload = payloadField(fields, "payload")
	case ClassMessage, ClassGroupMessage:
		if msg.Class == ClassGroupMessage {
			msg.Target = textField(fields, "target", "deviceGroup")
		} else {
			msg.Target = textField(fields, "target")
			// A device message without a target may still address a group.
			if group := textField(fields, "deviceGroup"); msg.Target == "" && group != "" {
				msg.Class = ClassGroupMessage
				msg.Target = group
			}
		}
		msg.Payload = payloadField(fields, "payload", "command")
		if msg.Target == "" || len(msg.Payload) == 0 {
			return msg, &ViolationError{Kind: MissingTargetOrPayload, Device: msg.Device}
		}
	case ClassInvalid:
	}
	return msg, nil
}

func decodeObject(unit []byte) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(unit))
	dec.UseNumber()

	var fields map[string]json.RawMessage
	if err := dec.Decode(&fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, ErrNotObject
		}
		return nil, err
	}
	if fields == nil {
		return nil, ErrNotObject
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, ErrTrailingValue
	}
	return fields, nil
}

// textField returns the first present key as text. Strings are unquoted,
// numbers keep their literal form, anything else counts as absent.
func textField(fields map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String()
		}
	}
	return ""
}

// payloadField returns a string payload's contents, or the raw JSON text of
// any other non-null value.
func payloadField(fields map[string]json.RawMessage, keys ...string) []byte {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			if s == "" {
				continue
			}
			return []byte(s)
		}
		return append([]byte(nil), trimmed...)
	}
	return nil
}
