package domain

import "time"

type SessionStatus string

const (
	StatusWaiting SessionStatus = "waiting"
	StatusActive  SessionStatus = "active"
	StatusClosed  SessionStatus = "closed"
)

// CanTransitionTo reports whether a session in status s may move to next.
// Active -> Active is a reassignment. Nothing leaves Closed.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case StatusWaiting:
		return next == StatusActive || next == StatusClosed
	case StatusActive:
		return next == StatusActive || next == StatusClosed
	default:
		return false
	}
}

type ChatSession struct {
	ID         int64         `json:"id"`
	CustomerID int64         `json:"customer_id"`
	ShopID     int64         `json:"shop_id"`
	EmployeeID *int64        `json:"employee_id"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	ClosedAt   *time.Time    `json:"closed_at"`
}

func (s *ChatSession) IsOpen() bool {
	return s.Status == StatusWaiting || s.Status == StatusActive
}

// AssignedTo returns the assigned employee id, if any.
func (s *ChatSession) AssignedTo() (int64, bool) {
	if s.EmployeeID == nil {
		return 0, false
	}
	return *s.EmployeeID, true
}
