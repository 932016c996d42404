// Package message defines the wire-independent envelope the rest of the
// core operates on: Header, Body, and the MessageType lattice that the
// Channel and MessagePump branch on.
package message

import (
	"github.com/google/uuid"
)

// Type enumerates the kinds of message the pump understands.
type Type int

const (
	// None signifies an empty poll of the gateway.
	None Type = iota
	// Command is dispatched to exactly one handler.
	Command
	// Event is published to zero or more handlers.
	Event
	// Quit is a control sentinel injected by the supervisor.
	Quit
	// Unacceptable is produced by the gateway when a delivery cannot be
	// parsed into a valid Message.
	Unacceptable
)

func (t Type) String() string {
	switch t {
	case None:
		return "NONE"
	case Command:
		return "COMMAND"
	case Event:
		return "EVENT"
	case Quit:
		return "QUIT"
	case Unacceptable:
		return "UNACCEPTABLE"
	default:
		return "UNKNOWN"
	}
}

// BodyType tags the media type of a message body.
type BodyType string

const (
	BodyTypeJSON  BodyType = "application/json"
	BodyTypeXML   BodyType = "application/xml"
	BodyTypeText  BodyType = "text/plain"
	BodyTypeXMLv2 BodyType = "text/xml"
)

// Header is the envelope metadata. HandledCount is the only field that
// mutates after creation, and only monotonically, under Requeue.
type Header struct {
	ID            uuid.UUID
	Topic         string
	MessageType   Type
	CorrelationID uuid.UUID
	ReplyTo       string
	ContentType   BodyType
	HandledCount  int
}

// Body is an opaque payload tagged with its media type.
type Body struct {
	Bytes []byte
	Type  BodyType
}

// Value returns the body decoded as a UTF-8 string, the common case for
// text/plain and application/json payloads.
func (b Body) Value() string {
	return string(b.Bytes)
}

// Message is the immutable envelope passed between Channel, MessagePump,
// and the ConsumerGateway. Equality is by Header.ID.
type Message struct {
	Header Header
	Body   Body
}

// ID returns the header's identity, the basis of Message equality.
func (m *Message) ID() uuid.UUID {
	return m.Header.ID
}

// WithIncrementedHandledCount returns a copy of the message whose
// HandledCount has been incremented by one; every other header field,
// including ReplyTo and CorrelationID, is preserved unchanged.
func (m *Message) WithIncrementedHandledCount() *Message {
	next := *m
	next.Header.HandledCount = m.Header.HandledCount + 1
	return &next
}

// HandledCountReached reports whether the message has been handled (and
// requeued) at least `limit` times.
func (m *Message) HandledCountReached(limit int) bool {
	return m.Header.HandledCount >= limit
}

// NewCommand constructs a COMMAND message addressed to topic with the
// given body.
func NewCommand(topic string, body Body) *Message {
	return newMessage(topic, Command, body)
}

// NewEvent constructs an EVENT message addressed to topic with the given
// body.
func NewEvent(topic string, body Body) *Message {
	return newMessage(topic, Event, body)
}

// NewNone constructs the sentinel returned by a gateway when a timed-out
// poll produced no delivery.
func NewNone() *Message {
	return newMessage("", None, Body{Type: BodyTypeText})
}

// NewQuit constructs the control sentinel the Dispatcher injects into a
// Performer's pipeline to request shutdown.
func NewQuit() *Message {
	return newMessage("", Quit, Body{Type: BodyTypeText})
}

// NewUnacceptable constructs the message a gateway produces when a
// delivery could not be parsed into a valid Message. body, when present,
// carries the raw delivery for forensic logging.
func NewUnacceptable(topic string, raw []byte) *Message {
	return newMessage(topic, Unacceptable, Body{Bytes: raw, Type: BodyTypeText})
}

func newMessage(topic string, t Type, body Body) *Message {
	return &Message{
		Header: Header{
			ID:          uuid.New(),
			Topic:       topic,
			MessageType: t,
			ContentType: body.Type,
		},
		Body: body,
	}
}
