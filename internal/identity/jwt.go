// Package identity verifies employee credentials and resolves customers.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"support-chat-ws/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// ShopResolver reports which shop an employee belongs to.
type ShopResolver interface {
	GetShopOf(ctx context.Context, employeeID int64) (int64, error)
}

type Options struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// Claims carries the employee id in "sub" and optionally the shop the
// token was issued for.
type Claims struct {
	ShopID int64 `json:"shop_id,omitempty"`
	jwt.RegisteredClaims
}

// Provider implements domain.IdentityProvider with HS256 bearer tokens.
type Provider struct {
	opts      Options
	shops     ShopResolver
	customers domain.CustomerStore
	now       func() time.Time
}

func NewProvider(opts Options, shops ShopResolver, customers domain.CustomerStore) *Provider {
	if opts.TTL <= 0 {
		opts.TTL = 12 * time.Hour
	}
	return &Provider{
		opts:      opts,
		shops:     shops,
		customers: customers,
		now:       time.Now,
	}
}

// Issue signs a token for an employee of shopID.
func (p *Provider) Issue(employeeID, shopID int64) (string, time.Time, error) {
	now := p.now()
	exp := now.Add(p.opts.TTL)

	claims := Claims{
		ShopID: shopID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(employeeID, 10),
			Issuer:    p.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.opts.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// VerifyEmployee checks the token signature and expiry, then confirms the
// employee still belongs to the shop named in the token.
func (p *Provider) VerifyEmployee(ctx context.Context, credential string) (domain.EmployeeIdentity, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return domain.EmployeeIdentity{}, fmt.Errorf("missing token: %w", domain.ErrUnauthorized)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
	}
	if p.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(p.opts.Issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(credential, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return p.opts.Secret, nil
	}, parserOpts...)
	if err != nil {
		return domain.EmployeeIdentity{}, fmt.Errorf("verify token: %v: %w", err, domain.ErrUnauthorized)
	}
	if !token.Valid {
		return domain.EmployeeIdentity{}, fmt.Errorf("invalid token: %w", domain.ErrUnauthorized)
	}

	employeeID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || employeeID <= 0 {
		return domain.EmployeeIdentity{}, fmt.Errorf("invalid subject %q: %w", claims.Subject, domain.ErrUnauthorized)
	}

	shopID, err := p.shops.GetShopOf(ctx, employeeID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.EmployeeIdentity{}, fmt.Errorf("employee %d has no shop: %w", employeeID, domain.ErrUnauthorized)
	}
	if err != nil {
		return domain.EmployeeIdentity{}, fmt.Errorf("resolve shop of employee %d: %w", employeeID, err)
	}
	if claims.ShopID != 0 && claims.ShopID != shopID {
		return domain.EmployeeIdentity{}, fmt.Errorf("employee %d is not a member of shop %d: %w", employeeID, claims.ShopID, domain.ErrUnauthorized)
	}

	return domain.EmployeeIdentity{EmployeeID: employeeID, ShopID: shopID}, nil
}

// GetOrCreateCustomer resolves a customer by email, creating the record on
// first contact.
func (p *Provider) GetOrCreateCustomer(ctx context.Context, emailLike string) (*domain.Customer, error) {
	email := strings.ToLower(strings.TrimSpace(emailLike))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return nil, fmt.Errorf("invalid customer email %q: %w", emailLike, domain.ErrUnauthorized)
	}
	return p.customers.GetOrCreateCustomer(ctx, email)
}
