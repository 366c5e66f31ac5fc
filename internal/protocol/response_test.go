package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResponderLines(t *testing.T) {
	r := NewResponder("\n")
	msg := Message{Class: ClassData, Device: "D1", Raw: []byte("{\"topic\":\"data\",\"device\":\"D1\"}\n")}

	assert.Equal(t, "Data Received. Device ID: D1. Data: {\"topic\":\"data\",\"device\":\"D1\"}\n", string(r.Ack(msg)))
	assert.Equal(t, "Device not registered. Device ID: D2\n", string(r.Device(StatusUnauthorized, "D2")))
	assert.Equal(t, "Invalid topic specified. Topic: foo\n", string(r.InvalidTopic("foo")))
	assert.Equal(t, "CONNACK\n", string(r.Line("CONNACK")))
}

func TestResponderCRLF(t *testing.T) {
	r := NewResponder("\r\n")
	assert.Equal(t, "\r\n", r.Terminator())
	assert.Equal(t, "CONNACK\r\n", string(r.Line("CONNACK")))

	assert.Equal(t, "\n", NewResponder("").Terminator())
}

func TestResponderViolation(t *testing.T) {
	r := NewResponder("\n")
	assert.Equal(t, InvalidDataLine+"\n", string(r.Violation(&ViolationError{Kind: MissingTopic})))
	assert.Equal(t, InvalidMessageLine+"\n", string(r.Violation(&ViolationError{Kind: MissingTargetOrPayload})))
}

func TestAckByClass(t *testing.T) {
	r := NewResponder("\n")
	raw := []byte(`{"x":1}`)
	assert.Contains(t, string(r.Ack(Message{Class: ClassMessage, Device: "D1", Raw: raw})), "Message Received. Device ID: D1. Message: ")
	assert.Contains(t, string(r.Ack(Message{Class: ClassGroupMessage, Device: "D1", Raw: raw})), "Group Message Received")
	assert.Equal(t, "Command Received. Device ID: D1. Message: {\"x\":1}\n", string(r.Ack(Message{Class: ClassMessage, Topic: CommandTopic, Device: "D1", Raw: raw})))
	assert.Contains(t, string(r.Ack(Message{Class: ClassGroupMessage, Topic: CommandTopic, Device: "D1", Raw: raw})), "Command Received")
}
