// Package membership is the read-only client for the external channel
// membership service. The core never mutates membership; it only asks
// "who is in this channel" and "which tenant owns it".
package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"
	"github.com/webitel/im-message-service/internal/domain/model"
)

// Resolver is the lookup contract the core depends on.
type Resolver interface {
	// Resolve returns the channel's tenant and current member set.
	Resolve(ctx context.Context, channelID uuid.UUID) (*model.Membership, error)
	// IsMember is a convenience wrapper over Resolve.
	IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error)
}

type Client struct {
	baseURL string
	http    *http.Client
	cache   *lru.LRU[uuid.UUID, *model.Membership]
	breaker *gobreaker.CircuitBreaker
}

// New builds a resilient membership client: short-TTL LRU in front (the
// ingest hot path hits it for every message), circuit breaker behind (a
// dead membership service must not stall every gateway request for the
// full dial timeout).
func New(baseURL string, timeout, cacheTTL time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		cache:   lru.NewLRU[uuid.UUID, *model.Membership](4096, nil, cacheTTL),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "membership",
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type membershipDTO struct {
	ChannelID string   `json:"channel_id"`
	TenantID  string   `json:"tenant_id"`
	Members   []string `json:"members"`
}

func (c *Client) Resolve(ctx context.Context, channelID uuid.UUID) (*model.Membership, error) {
	// [HOT_PATH] Short-TTL cache; membership churn tolerance is bounded by
	// the TTL, which is part of the operational contract.
	if m, ok := c.cache.Get(channelID); ok {
		return m, nil
	}

	res, err := c.breaker.Execute(func() (any, error) {
		return c.fetch(ctx, channelID)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, model.WrapError(model.KindUnavailable, "membership service unavailable", err)
		}
		return nil, err
	}

	m := res.(*model.Membership)
	c.cache.Add(channelID, m)
	return m, nil
}

func (c *Client) fetch(ctx context.Context, channelID uuid.UUID) (*model.Membership, error) {
	url := fmt.Sprintf("%s/v1/channels/%s/membership", c.baseURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("membership: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, model.WrapError(model.KindUnavailable, "membership request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, model.NewError(model.KindNotFound, "channel not found")
	default:
		return nil, model.NewError(model.KindUnavailable,
			fmt.Sprintf("membership service returned %d", resp.StatusCode))
	}

	var dto membershipDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, fmt.Errorf("membership: decode response: %w", err)
	}

	m := &model.Membership{ChannelID: channelID}
	if t, err := uuid.Parse(dto.TenantID); err == nil {
		m.TenantID = t
	}
	for _, raw := range dto.Members {
		if id, err := uuid.Parse(raw); err == nil {
			m.Members = append(m.Members, id)
		}
	}
	return m, nil
}

func (c *Client) IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	m, err := c.Resolve(ctx, channelID)
	if err != nil {
		return false, err
	}
	return m.Contains(userID), nil
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
