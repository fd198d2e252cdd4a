package domain

import "encoding/json"

// Channel is a backplane channel name.
type Channel string

const (
	ChannelChatMessages          Channel = "chat_messages"
	ChannelSessionNotifications  Channel = "session_notifications"
	ChannelEmployeeNotifications Channel = "employee_notifications"
)

// Channels lists every channel a process subscribes to.
func Channels() []Channel {
	return []Channel{ChannelChatMessages, ChannelSessionNotifications, ChannelEmployeeNotifications}
}

type TargetType string

const (
	TargetEmployee      TargetType = "employee"
	TargetCustomer      TargetType = "customer"
	TargetSession       TargetType = "session"
	TargetShopBroadcast TargetType = "shop_broadcast"
	TargetAllEmployees  TargetType = "all_employees"
)

// Channel returns the backplane channel that carries envelopes of this target type.
func (t TargetType) Channel() Channel {
	switch t {
	case TargetShopBroadcast:
		return ChannelSessionNotifications
	case TargetAllEmployees:
		return ChannelEmployeeNotifications
	default:
		return ChannelChatMessages
	}
}

// SingleTarget reports whether at most one connection cluster-wide matches the target.
func (t TargetType) SingleTarget() bool {
	return t == TargetEmployee || t == TargetCustomer || t == TargetSession
}

// RoutingEnvelope is the unit published on the backplane.
type RoutingEnvelope struct {
	ID         string          `json:"id"`
	Origin     string          `json:"origin"`
	Channel    Channel         `json:"channel"`
	TargetType TargetType      `json:"target_type"`
	TargetID   string          `json:"target_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	// Unbind asks the holder of a session binding to drop it after delivery.
	Unbind bool `json:"unbind,omitempty"`
}
