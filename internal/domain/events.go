package domain

import (
	"encoding/json"
	"time"

	"cipherrelay/internal/msgjson"
)

// EventName names a frame exchanged with clients.
type EventName string

const (
	EventMessage EventName = "message"
	EventRespond EventName = "respond"
	EventStatus  EventName = "status"
	EventError   EventName = "error"
)

// Event is one outbound frame: {"event": name, "data": payload}.
type Event struct {
	Name EventName       `json:"event"`
	Data json.RawMessage `json:"data"`
}

// NewEvent marshals payload into an event.
func NewEvent(name EventName, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: data}, nil
}

// Inbound is a message submission from a connected client.
type Inbound struct {
	Type      string       `json:"type"`
	Recipient string       `json:"recipient"`
	Content   msgjson.JSON `json:"content"`
	CreatedAt time.Time    `json:"createdAt"`
	DeleteAt  *time.Time   `json:"deleteAt,omitempty"`
}

// MessagePayload is the body of a `message` event.
type MessagePayload struct {
	ID        string       `json:"id,omitempty"`
	Type      ChatType     `json:"type"`
	Sender    string       `json:"sender"`
	Recipient string       `json:"recipient"`
	Content   msgjson.JSON `json:"content"`
	CreatedAt time.Time    `json:"createdAt"`
	DeleteAt  *time.Time   `json:"deleteAt,omitempty"`
}

// PayloadOf renders a ledger message for delivery.
func PayloadOf(m *Message) MessagePayload {
	return MessagePayload{
		ID:        m.ID.String(),
		Type:      m.Type,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Content:   m.Content.Clone(),
		CreatedAt: m.CreatedAt,
		DeleteAt:  m.DeleteAt,
	}
}

// RespondCode is the delivery outcome reported back to a sender.
type RespondCode int

const (
	RespondMissedOffline RespondCode = iota + 1
	RespondDelivered
	RespondRecipientDeleted
)

func (c RespondCode) Message() string {
	switch c {
	case RespondMissedOffline:
		return "Recipient is offline, message not delivered"
	case RespondDelivered:
		return "Message delivered successfully"
	case RespondRecipientDeleted:
		return "Recipient account has been deleted"
	default:
		return "unknown outcome"
	}
}

type RespondInfo struct {
	Recipient string    `json:"recipient"`
	ID        string    `json:"id,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RespondPayload is the body of a `respond` event.
type RespondPayload struct {
	Code      RespondCode     `json:"code"`
	Message   string          `json:"message"`
	Info      *RespondInfo    `json:"info,omitempty"`
	ToMessage *MessagePayload `json:"toMessage,omitempty"`
}

func NewRespond(code RespondCode, info *RespondInfo, to *MessagePayload) RespondPayload {
	return RespondPayload{Code: code, Message: code.Message(), Info: info, ToMessage: to}
}

// StatusPayload echoes the outcome of a group send or key acknowledgement.
type StatusPayload struct {
	Type      ChatType `json:"type"`
	Message   string   `json:"message"`
	ID        string   `json:"id,omitempty"`
	Delivered int      `json:"delivered"`
	Queued    int      `json:"queued"`
}

// ErrorPayload is the body of an `error` event and of HTTP error responses.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Name    string    `json:"name"`
	Message string    `json:"message"`
	Missing []string  `json:"missing,omitempty"`
}

func ErrorPayloadOf(err error) ErrorPayload {
	e := AsError(err)
	return ErrorPayload{
		Code:    e.Code,
		Name:    e.Code.String(),
		Message: e.Message,
		Missing: e.Missing,
	}
}

// OfflineEvent is a record in a recipient's durable queue.
type OfflineEvent struct {
	EventName EventName       `json:"eventName"`
	Data      json.RawMessage `json:"data"`
	// Sender is the identity waiting for a delivery acknowledgement.
	Sender string `json:"sender"`
}

// Event converts the record back into the frame it was queued for.
func (o OfflineEvent) Event() Event {
	return Event{Name: o.EventName, Data: o.Data}
}
