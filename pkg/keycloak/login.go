package keycloak

import (
	"context"
	"errors"
	"time"
)

// LoginCallbacks observe a Login run. All fields are optional.
type LoginCallbacks struct {
	// OnDeviceCode is called once the user code is known; show it to the user.
	OnDeviceCode func(dc *DeviceCode)
	// OnPoll is called before every token poll.
	OnPoll func(attempt, max int)
}

// Login runs the whole device flow: it requests a device code, then polls
// the token endpoint every interval until the user authorizes, the code
// expires or ctx is done. The first poll happens immediately.
func (c *Client) Login(ctx context.Context, cb LoginCallbacks) (*TokenResponse, error) {
	dc, err := c.RequestDeviceCode(ctx)
	if err != nil {
		return nil, err
	}
	c.logger().Info("keycloak: device code obtained",
		"user_code", dc.UserCode,
		"uri", dc.DisplayURI(),
		"expires_in", dc.ExpiresIn)
	if cb.OnDeviceCode != nil {
		cb.OnDeviceCode(dc)
	}

	interval := time.Duration(dc.Interval) * time.Second
	attempts := dc.ExpiresIn / dc.Interval
	if c.Interval > 0 {
		interval = c.Interval
	}
	if attempts < 1 {
		attempts = 1
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for i := range attempts {
		if i > 0 {
			timer.Reset(interval)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		if cb.OnPoll != nil {
			cb.OnPoll(i+1, attempts)
		}
		tr, err := c.PollToken(ctx, dc.DeviceCode)
		if errors.Is(err, ErrAuthorizationPending) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := c.SaveTokens(tr); err != nil {
			return nil, err
		}
		return tr, nil
	}
	c.logger().Warn("keycloak: login timeout", "expires_in", dc.ExpiresIn)
	return nil, ErrLoginTimeout
}
