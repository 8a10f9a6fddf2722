package protocol

import (
	"time"

	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
)

// MessageType is the "type" tag of a frame.
type MessageType string

// Client to server.
const (
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePing        MessageType = "ping"
	TypeRefresh     MessageType = "refresh"
)

// Server to client.
const (
	TypeConnected    MessageType = "connected"
	TypeSubscribed   MessageType = "subscribed"
	TypeUnsubscribed MessageType = "unsubscribed"
	TypeWidgetUpdate MessageType = "widget_update"
	TypeWidgetError  MessageType = "widget_error"
	TypePong         MessageType = "pong"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeError        MessageType = "error"
)

// Inbound is a decoded client frame. WidgetID and WidgetType are mutually exclusive.
type Inbound struct {
	Type       MessageType `json:"type" validate:"required,oneof=subscribe unsubscribe ping refresh"`
	WidgetID   *int64      `json:"widget_id,omitempty" validate:"omitempty,gt=0"`
	WidgetType string      `json:"widget_type,omitempty" validate:"omitempty,max=64,printascii"`
}

// Interest returns the subscription target named by a subscribe or unsubscribe frame.
func (m Inbound) Interest() (domain.InterestKey, bool) {
	switch {
	case m.WidgetID != nil:
		return domain.WidgetKey(*m.WidgetID), true
	case m.WidgetType != "":
		return domain.TypeKey(m.WidgetType), true
	default:
		return domain.InterestKey{}, false
	}
}

// Envelope is the server frame wrapper.
type Envelope struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

type ConnectedData struct {
	ClientID          string `json:"client_id"`
	UserID            string `json:"user_id,omitempty"`
	ServerTime        string `json:"server_time"`
	HeartbeatInterval int    `json:"heartbeat_interval"`
}

// InterestData acknowledges a subscribe or unsubscribe; exactly one field is set.
type InterestData struct {
	WidgetID   *int64 `json:"widget_id,omitempty"`
	WidgetType string `json:"widget_type,omitempty"`
}

type WidgetUpdateData struct {
	WidgetID   int64  `json:"widget_id"`
	WidgetType string `json:"widget_type"`
	Data       any    `json:"data"`
}

type WidgetErrorData struct {
	WidgetID int64  `json:"widget_id"`
	Error    string `json:"error"`
}

type TimeData struct {
	ServerTime string `json:"server_time"`
}

// ServerTime formats t the way every frame carries timestamps.
func ServerTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NewInterestData builds the acknowledgement payload for key.
func NewInterestData(key domain.InterestKey) InterestData {
	if key.Kind == domain.InterestType {
		return InterestData{WidgetType: key.WidgetType}
	}
	id := key.WidgetID
	return InterestData{WidgetID: &id}
}
