// Package postgres is the durable session store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"support-chat-ws/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const foreignKeyViolation = "23503"

const sessionColumns = `id, customer_id, shop_id, employee_id, status, created_at, closed_at`

const messageColumns = `id, session_id, employee_id, message, is_from_customer, created_at`

// Store implements domain.SessionStore and domain.CustomerStore.
type Store struct {
	pool *pgxpool.Pool
	log  logrus.FieldLogger
}

func New(ctx context.Context, databaseURL string, log logrus.FieldLogger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, log: log.WithField("component", "postgres")}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.ChatSession, error) {
	var session domain.ChatSession
	var status string
	if err := row.Scan(&session.ID, &session.CustomerID, &session.ShopID, &session.EmployeeID, &status, &session.CreatedAt, &session.ClosedAt); err != nil {
		return nil, err
	}
	session.Status = domain.SessionStatus(status)
	return &session, nil
}

func scanMessage(row scanner) (domain.ChatMessage, error) {
	var msg domain.ChatMessage
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.EmployeeID, &msg.Message, &msg.IsFromCustomer, &msg.CreatedAt)
	return msg, err
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, domain.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}

// AddEmployee upserts a shop and one of its employees.
func (s *Store) AddEmployee(ctx context.Context, employeeID, shopID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO shops (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, shopID); err != nil {
		return fmt.Errorf("insert shop %d: %w", shopID, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO employees (id, shop_id) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET shop_id = EXCLUDED.shop_id`, employeeID, shopID); err != nil {
		return fmt.Errorf("insert employee %d: %w", employeeID, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) GetOrCreateCustomer(ctx context.Context, email string) (*domain.Customer, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("customer email is required")
	}
	name := strings.SplitN(email, "@", 2)[0]

	var c domain.Customer
	err := s.pool.QueryRow(ctx, `
		INSERT INTO customers (name, email) VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, name, email, created_at`, name, email).
		Scan(&c.ID, &c.Name, &c.Email, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get or create customer %s: %w", email, err)
	}
	return &c, nil
}

func (s *Store) GetCustomer(ctx context.Context, id int64) (*domain.Customer, error) {
	var c domain.Customer
	err := s.pool.QueryRow(ctx, `SELECT id, name, email, created_at FROM customers WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Email, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "customer %d", id)
	}
	return &c, nil
}

func (s *Store) CreateSession(ctx context.Context, customerID, shopID int64) (*domain.ChatSession, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO chat_sessions (customer_id, shop_id, status) VALUES ($1, $2, 'waiting')
		RETURNING `+sessionColumns, customerID, shopID)
	session, err := scanSession(row)
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("customer %d or shop %d: %w", customerID, shopID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, id int64) (*domain.ChatSession, error) {
	session, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "session %d", id)
	}
	return session, nil
}

// transitionFailed tells a missing session apart from a closed one after a
// guarded UPDATE matched no row.
func (s *Store) transitionFailed(ctx context.Context, id int64, action string) error {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s session %d in status %s: %w", action, id, session.Status, domain.ErrInvalidTransition)
}

func (s *Store) AssignEmployee(ctx context.Context, id, employeeID int64) (*domain.ChatSession, error) {
	session, err := scanSession(s.pool.QueryRow(ctx, `
		UPDATE chat_sessions SET employee_id = $2, status = 'active'
		WHERE id = $1 AND status <> 'closed'
		RETURNING `+sessionColumns, id, employeeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.transitionFailed(ctx, id, "assign")
	}
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("employee %d: %w", employeeID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("assign session %d: %w", id, err)
	}
	return session, nil
}

func (s *Store) CloseSession(ctx context.Context, id int64) (*domain.ChatSession, error) {
	session, err := scanSession(s.pool.QueryRow(ctx, `
		UPDATE chat_sessions SET status = 'closed', closed_at = NOW()
		WHERE id = $1 AND status <> 'closed'
		RETURNING `+sessionColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.transitionFailed(ctx, id, "close")
	}
	if err != nil {
		return nil, fmt.Errorf("close session %d: %w", id, err)
	}
	return session, nil
}

func (s *Store) AppendMessage(ctx context.Context, sessionID int64, senderEmployeeID *int64, content string, isFromCustomer bool) (*domain.ChatMessage, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx, `
		INSERT INTO chat_messages (session_id, employee_id, message, is_from_customer)
		VALUES ($1, $2, $3, $4)
		RETURNING `+messageColumns, sessionID, senderEmployeeID, content, isFromCustomer))
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("session %d: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("append message to session %d: %w", sessionID, err)
	}
	return &msg, nil
}

func (s *Store) ListWaitingByShop(ctx context.Context, shopID int64) ([]domain.ChatSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM chat_sessions
		WHERE shop_id = $1 AND status = 'waiting'
		ORDER BY created_at, id`, shopID)
	if err != nil {
		return nil, fmt.Errorf("list waiting sessions of shop %d: %w", shopID, err)
	}
	defer rows.Close()

	sessions := make([]domain.ChatSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func (s *Store) GetShopOf(ctx context.Context, employeeID int64) (int64, error) {
	var shopID int64
	if err := s.pool.QueryRow(ctx, `SELECT shop_id FROM employees WHERE id = $1`, employeeID).Scan(&shopID); err != nil {
		return 0, notFound(err, "employee %d", employeeID)
	}
	return shopID, nil
}

func (s *Store) FindOpenSession(ctx context.Context, customerID, shopID int64) (*domain.ChatSession, error) {
	session, err := scanSession(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM chat_sessions
		WHERE customer_id = $1 AND shop_id = $2 AND status IN ('waiting', 'active')
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, customerID, shopID))
	if err != nil {
		return nil, notFound(err, "open session for customer %d shop %d", customerID, shopID)
	}
	return session, nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID int64) ([]domain.ChatMessage, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages of session %d: %w", sessionID, err)
	}
	defer rows.Close()

	messages := make([]domain.ChatMessage, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
