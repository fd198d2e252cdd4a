package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"support-chat-ws/internal/domain"

	"github.com/gofiber/fiber/v2"
)

// errorResponse writes err in the API's error shape with a status derived
// from its class.
func errorResponse(c *fiber.Ctx, err error, message string) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		status = fiber.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		status = fiber.StatusUnauthorized
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"message": message,
		"error":   err.Error(),
	})
}

func badRequest(c *fiber.Ctx, message string, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"message": message,
		"error":   err.Error(),
	})
}

func forbidden(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"success": false,
		"message": "Not allowed for this shop",
		"error":   err.Error(),
	})
}

func ok(c *fiber.Ctx, message string, data interface{}) error {
	return c.JSON(fiber.Map{
		"success": true,
		"message": message,
		"data":    data,
	})
}

// authorizeSession loads a session and checks it belongs to the employee's shop.
func authorizeSession(ctx context.Context, store domain.SessionStore, id domain.EmployeeIdentity, sessionID int64) (*domain.ChatSession, error) {
	session, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.ShopID != id.ShopID {
		return nil, fmt.Errorf("session %d is not in shop %d: %w", sessionID, id.ShopID, domain.ErrUnauthorized)
	}
	return session, nil
}

func (s *Server) requireEmployee(c *fiber.Ctx) error {
	id, err := s.deps.Identity.VerifyEmployee(c.UserContext(), c.Get(fiber.HeaderAuthorization))
	if err != nil {
		return errorResponse(c, err, "Invalid credentials")
	}
	c.Locals(localsEmployee, id)
	return c.Next()
}

func employeeOf(c *fiber.Ctx) domain.EmployeeIdentity {
	id, _ := c.Locals(localsEmployee).(domain.EmployeeIdentity)
	return id
}

func (s *Server) sessionParam(c *fiber.Ctx) (*domain.ChatSession, error) {
	sessionID, err := strconv.ParseInt(c.Params("session_id"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid session ID %q: %w", c.Params("session_id"), err)
	}
	return authorizeSession(c.UserContext(), s.deps.Store, employeeOf(c), sessionID)
}

// sessionFailure answers a failed sessionParam lookup.
func sessionFailure(c *fiber.Ctx, err error) error {
	var numErr *strconv.NumError
	if errors.As(err, &numErr) {
		return badRequest(c, "Invalid session ID", err)
	}
	if errors.Is(err, domain.ErrUnauthorized) {
		return forbidden(c, err)
	}
	return errorResponse(c, err, "Chat session not found")
}

func (s *Server) handleCreateSession(c *fiber.Ctx) error {
	var req domain.CreateSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body", err)
	}
	if strings.TrimSpace(req.CustomerEmail) == "" || req.ShopID == 0 {
		return badRequest(c, "customer_email and shop_id are required", errors.New("missing field"))
	}

	customer, err := s.deps.Identity.GetOrCreateCustomer(c.UserContext(), req.CustomerEmail)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return badRequest(c, "Invalid customer email", err)
		}
		return errorResponse(c, err, "Failed to resolve customer")
	}

	session, err := s.deps.Lifecycle.Create(c.UserContext(), customer, req.ShopID)
	if err != nil {
		return errorResponse(c, err, "Failed to create chat session")
	}
	c.Status(fiber.StatusCreated)
	return ok(c, "Chat session created successfully", session)
}

func (s *Server) handleListWaiting(c *fiber.Ctx) error {
	shopID, err := strconv.ParseInt(c.Params("shop_id"), 10, 64)
	if err != nil {
		return badRequest(c, "Invalid shop ID", err)
	}
	if shopID != employeeOf(c).ShopID {
		return forbidden(c, fmt.Errorf("shop %d: %w", shopID, domain.ErrUnauthorized))
	}

	sessions, err := s.deps.Store.ListWaitingByShop(c.UserContext(), shopID)
	if err != nil {
		return errorResponse(c, err, "Failed to list waiting sessions")
	}
	return ok(c, "Waiting sessions retrieved successfully", sessions)
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	session, err := s.sessionParam(c)
	if err != nil {
		return sessionFailure(c, err)
	}
	return ok(c, "Chat session retrieved successfully", session)
}

func (s *Server) handleListMessages(c *fiber.Ctx) error {
	session, err := s.sessionParam(c)
	if err != nil {
		return sessionFailure(c, err)
	}

	messages, err := s.deps.Store.ListMessages(c.UserContext(), session.ID)
	if err != nil {
		return errorResponse(c, err, "Failed to list messages")
	}
	return ok(c, "Messages retrieved successfully", messages)
}

func (s *Server) handleAssignSession(c *fiber.Ctx) error {
	session, err := s.sessionParam(c)
	if err != nil {
		return sessionFailure(c, err)
	}

	session, err = s.deps.Lifecycle.Assign(c.UserContext(), session.ID, employeeOf(c).EmployeeID)
	if err != nil {
		return errorResponse(c, err, "Failed to assign session")
	}
	return ok(c, "Session assigned successfully", session)
}

func (s *Server) handleCloseSession(c *fiber.Ctx) error {
	session, err := s.sessionParam(c)
	if err != nil {
		return sessionFailure(c, err)
	}

	session, err = s.deps.Lifecycle.Close(c.UserContext(), session.ID)
	if err != nil {
		return errorResponse(c, err, "Failed to close session")
	}
	return ok(c, "Session closed successfully", session)
}

func (s *Server) handleGetSessionConnectionStatus(c *fiber.Ctx) error {
	session, err := s.sessionParam(c)
	if err != nil {
		return sessionFailure(c, err)
	}

	status, err := s.deps.Presence.SessionStatus(c.UserContext(), session.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to get connection status",
			"error":   err.Error(),
		})
	}
	return ok(c, "Connection status retrieved successfully", status)
}

func (s *Server) handleAnnouncement(c *fiber.Ctx) error {
	var req domain.AnnouncementRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body", err)
	}
	if strings.TrimSpace(req.Message) == "" {
		return badRequest(c, "message is required", errors.New("missing field"))
	}

	s.deps.Router.Announce(c.UserContext(), req.Message)
	return ok(c, "Announcement sent", nil)
}
