// Package bus carries price and toggle messages between the oracle, the
// settings store, running engines and websocket clients.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Action names a message. The values are the wire names.
type Action string

const (
	ActionGetPrice     Action = "getBitcoinPrice"
	ActionRefreshPrice Action = "refreshPrice"
	ActionUpdatePrice  Action = "updatePrice"
	ActionToggle       Action = "toggleEnabled"
)

var (
	ErrUnknownAction = errors.New("bus: unknown action")
	ErrBadPayload    = errors.New("bus: invalid payload")
)

// Message is a request or a notification.
//
//	{"action":"updatePrice","price":64000}
//	{"action":"toggleEnabled","enabled":false}
type Message struct {
	Action  Action   `json:"action"`
	Price   *float64 `json:"price,omitempty"`
	Enabled *bool    `json:"enabled,omitempty"`
	// ID correlates a websocket request with its reply.
	ID string `json:"id,omitempty"`
}

// PriceMessage builds an updatePrice notification.
func PriceMessage(price float64) Message {
	return Message{Action: ActionUpdatePrice, Price: &price}
}

// ToggleMessage builds a toggleEnabled notification.
func ToggleMessage(enabled bool) Message {
	return Message{Action: ActionToggle, Enabled: &enabled}
}

// Validate checks that the payload carries what the action needs.
func (m Message) Validate() error {
	switch m.Action {
	case ActionGetPrice, ActionRefreshPrice:
		return nil
	case ActionUpdatePrice:
		if m.Price == nil || *m.Price <= 0 || math.IsNaN(*m.Price) || math.IsInf(*m.Price, 0) {
			return fmt.Errorf("%w: updatePrice needs a positive price", ErrBadPayload)
		}
		return nil
	case ActionToggle:
		if m.Enabled == nil {
			return fmt.Errorf("%w: toggleEnabled needs enabled", ErrBadPayload)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, m.Action)
	}
}

// Decode parses and validates one message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return m, m.Validate()
}

// Reply answers a request. Price is null when no price could be obtained.
type Reply struct {
	Price   *float64 `json:"price"`
	Enabled *bool    `json:"enabled,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// FrameType tags an outbound websocket frame.
type FrameType string

const (
	FrameWelcome FrameType = "welcome"
	FrameEvent   FrameType = "event"
	FrameReply   FrameType = "reply"
	FrameError   FrameType = "error"
)

// Frame is what the hub writes to clients.
type Frame struct {
	Type      FrameType `json:"type"`
	ID        string    `json:"id,omitempty"`
	Client    string    `json:"client,omitempty"`
	Message   *Message  `json:"message,omitempty"`
	Reply     *Reply    `json:"reply,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp int64     `json:"timestamp"`
}
