package domain

import (
	"time"
)

type Customer struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatMessage struct {
	ID             int64     `json:"id"`
	SessionID      int64     `json:"session_id"`
	EmployeeID     *int64    `json:"employee_id"`
	Message        string    `json:"message"`
	IsFromCustomer bool      `json:"is_from_customer"`
	CreatedAt      time.Time `json:"created_at"`
}

// EmployeeIdentity is the result of a successful employee credential check.
type EmployeeIdentity struct {
	EmployeeID int64
	ShopID     int64
}
