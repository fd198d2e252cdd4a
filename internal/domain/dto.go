package domain

// Inbound message types.
const (
	InboundChatMessage    = "chat_message"
	InboundSessionConnect = "session_connect"
	InboundAssignSession  = "assign_session"
	InboundCloseSession   = "close_session"
	InboundPing           = "ping"
)

// Outbound notification types.
const (
	OutboundMessage               = "message"
	OutboundNewSession            = "new_session"
	OutboundAgentAssigned         = "agent_assigned"
	OutboundSessionClosed         = "session_closed"
	OutboundUnassignedMessage     = "unassigned_message"
	OutboundError                 = "error"
	OutboundConnectionEstablished = "connection_established"
	OutboundSessionConnected      = "session_connected"
	OutboundMessageSent           = "message_sent"
	OutboundAnnouncement          = "announcement"
	OutboundPong                  = "pong"
)

// Reason codes carried by control-plane notifications.
const (
	ReasonNewSession = "new_session"
	ReasonAssigned   = "assigned"
	ReasonReassigned = "reassigned"
	ReasonClosed     = "closed"
)

// Sender labels used in the "from" field.
const (
	FromCustomer = "customer"
	FromSupport  = "support"
)

type InboundMessage struct {
	Type      string `json:"type"`
	SessionID *int64 `json:"session_id,omitempty"`
	// SessionIDCamel accepts clients that send "sessionId".
	SessionIDCamel *int64 `json:"sessionId,omitempty"`
	Message        string `json:"message,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

// Session returns the session the message names, if any.
func (m InboundMessage) Session() (int64, bool) {
	if m.SessionID != nil {
		return *m.SessionID, true
	}
	if m.SessionIDCamel != nil {
		return *m.SessionIDCamel, true
	}
	return 0, false
}

type Notification struct {
	Type          string        `json:"type"`
	SessionID     int64         `json:"session_id,omitempty"`
	Message       string        `json:"message,omitempty"`
	From          string        `json:"from,omitempty"`
	CustomerEmail string        `json:"customer_email,omitempty"`
	EmployeeID    int64         `json:"employee_id,omitempty"`
	ShopID        int64         `json:"shop_id,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Status        SessionStatus `json:"status,omitempty"`
	Timestamp     string        `json:"timestamp,omitempty"`
	Error         string        `json:"error,omitempty"`
}

type CreateSessionRequest struct {
	CustomerEmail string `json:"customer_email"`
	ShopID        int64  `json:"shop_id"`
}

type AnnouncementRequest struct {
	Message string `json:"message"`
}

type ConnectionStatusResponse struct {
	SessionID         int64  `json:"session_id"`
	CustomerConnected bool   `json:"customer_connected"`
	CustomerInstance  string `json:"customer_instance,omitempty"`
	AgentConnected    bool   `json:"agent_connected"`
	AgentInstance     string `json:"agent_instance,omitempty"`
}
