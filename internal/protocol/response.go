package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	InvalidDataLine    = `Invalid data sent. Data must be a valid JSON String with a "topic" field and a "device" field which corresponds to a registered Device ID.`
	InvalidMessageLine = `Invalid message. Message must be a valid JSON String with "device", "target" and "payload" fields. "device" is a registered Device ID. "payload" is the message.`

	StatusDataReceived         = "Data Received"
	StatusMessageReceived      = "Message Received"
	StatusGroupMessageReceived = "Group Message Received"
	StatusCommandReceived      = "Command Received"
	StatusUnauthorized         = "Device not registered"
	StatusMismatch             = "Device ID mismatch"
	StatusAlreadyConnected     = "Device already connected"
	StatusForwardFailed        = "Message could not be forwarded"
)

// Responder renders the plain text response lines sent back to devices.
type Responder struct {
	terminator string
}

// NewResponder uses "\n" unless terminator is "\r\n".
func NewResponder(terminator string) Responder {
	if terminator != "\r\n" {
		terminator = "\n"
	}
	return Responder{terminator: terminator}
}

func (r Responder) Terminator() string {
	return r.terminator
}

// Line renders "<status><term>".
func (r Responder) Line(status string) []byte {
	return []byte(status + r.terminator)
}

// Device renders "<status>. Device ID: <id><term>".
func (r Responder) Device(status, deviceID string) []byte {
	return r.Line(fmt.Sprintf("%s. Device ID: %s", status, deviceID))
}

// Echo renders "<status>. Device ID: <id>. <label>: <original><term>".
func (r Responder) Echo(status, deviceID, label string, original []byte) []byte {
	original = bytes.TrimRight(original, "\r\n")
	return r.Line(fmt.Sprintf("%s. Device ID: %s. %s: %s", status, deviceID, label, original))
}

// Ack renders the acknowledgment for an accepted message.
func (r Responder) Ack(msg Message) []byte {
	if msg.Topic == CommandTopic && (msg.Class == ClassMessage || msg.Class == ClassGroupMessage) {
		return r.Echo(StatusCommandReceived, msg.Device, "Message", msg.Raw)
	}
	switch msg.Class {
	case ClassData:
		return r.Echo(StatusDataReceived, msg.Device, "Data", msg.Raw)
	case ClassMessage:
		return r.Echo(StatusMessageReceived, msg.Device, "Message", msg.Raw)
	case ClassGroupMessage:
		return r.Echo(StatusGroupMessageReceived, msg.Device, "Message", msg.Raw)
	default:
		return r.InvalidTopic(msg.Topic)
	}
}

func (r Responder) InvalidTopic(topic string) []byte {
	return r.Line(fmt.Sprintf("Invalid topic specified. Topic: %s", topic))
}

// Violation renders the diagnostic for a decode error.
func (r Responder) Violation(err error) []byte {
	var violation *ViolationError
	if errors.As(err, &violation) && violation.Kind == MissingTargetOrPayload {
		return r.Line(InvalidMessageLine)
	}
	return r.Line(InvalidDataLine)
}
