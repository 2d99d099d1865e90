// Package authn verifies bearer tokens against the external session
// service. Session issuance is out of scope; this client only consumes
// the verified identity.
package authn

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/webitel/im-message-service/internal/domain/model"
)

// Verifier resolves a bearer token into an authenticated identity.
type Verifier interface {
	Inspect(ctx context.Context, token string) (*model.Identity, error)
}

type Client struct {
	introspectURL string
	http          *http.Client
	breaker       *gobreaker.CircuitBreaker
}

func New(introspectURL string, timeout time.Duration) *Client {
	return &Client{
		introspectURL: introspectURL,
		http:          &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "authn",
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type introspectDTO struct {
	Active      bool   `json:"active"`
	UserID      string `json:"user_id"`
	TenantID    string `json:"tenant_id"`
	DeviceClass string `json:"device_class"`
}

func (c *Client) Inspect(ctx context.Context, token string) (*model.Identity, error) {
	if token == "" {
		return nil, model.NewError(model.KindUnauthenticated, "missing token")
	}

	res, err := c.breaker.Execute(func() (any, error) {
		return c.introspect(ctx, token)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, model.WrapError(model.KindUnavailable, "auth service unavailable", err)
		}
		return nil, err
	}
	return res.(*model.Identity), nil
}

func (c *Client) introspect(ctx context.Context, token string) (*model.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.introspectURL, nil)
	if err != nil {
		return nil, model.WrapError(model.KindInternal, "authn: build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, model.WrapError(model.KindUnavailable, "authn request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewError(model.KindUnauthenticated, "token rejected")
	}

	var dto introspectDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, model.WrapError(model.KindUnavailable, "authn: decode response", err)
	}
	if !dto.Active {
		return nil, model.NewError(model.KindUnauthenticated, "token expired")
	}

	userID, err := uuid.Parse(dto.UserID)
	if err != nil {
		return nil, model.NewError(model.KindUnauthenticated, "malformed identity")
	}
	tenantID, _ := uuid.Parse(dto.TenantID)

	return &model.Identity{
		UserID:      userID,
		TenantID:    tenantID,
		DeviceClass: dto.DeviceClass,
	}, nil
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// InsecureVerifier accepts tokens of the form "<userId>[:<tenantId>[:<deviceClass>]]".
// Development and test use only; selected when no auth URL is configured.
type InsecureVerifier struct{}

func (InsecureVerifier) Inspect(_ context.Context, token string) (*model.Identity, error) {
	parts := strings.SplitN(token, ":", 3)
	userID, err := uuid.Parse(parts[0])
	if err != nil {
		return nil, model.NewError(model.KindUnauthenticated, "invalid token")
	}
	id := &model.Identity{UserID: userID}
	if len(parts) > 1 {
		id.TenantID, _ = uuid.Parse(parts[1])
	}
	if len(parts) > 2 {
		id.DeviceClass = parts[2]
	}
	return id, nil
}
