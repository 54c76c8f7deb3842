package client

import (
	"context"
	"fmt"

	"github.com/playwright-community/playwright-go"
)

// Session is a browser instance attached over CDP.
type Session struct {
	Instance *Instance
	Browser  playwright.Browser

	client *Client
}

// Attach creates an instance and connects to it with Playwright. If the
// connection fails the instance is deleted again.
func (c *Client) Attach(ctx context.Context, pw *playwright.Playwright) (*Session, error) {
	inst, err := c.CreateInstance(ctx)
	if err != nil {
		return nil, err
	}

	browser, err := pw.Chromium.ConnectOverCDP(inst.WSEndpoint)
	if err != nil {
		if _, delErr := c.DeleteInstance(context.WithoutCancel(ctx), inst.ID); delErr != nil {
			c.logger.Warn("delete instance after failed attach", "id", inst.ID, "err", delErr)
		}
		return nil, fmt.Errorf("connect over cdp %s: %w", inst.WSEndpoint, err)
	}

	return &Session{Instance: inst, Browser: browser, client: c}, nil
}

// Close disconnects the browser and deletes the instance. Cleanup errors
// are logged, never returned, so a failing teardown does not mask the
// test result.
func (s *Session) Close(ctx context.Context) {
	if s.Browser != nil {
		if err := s.Browser.Close(); err != nil {
			s.client.logger.Warn("disconnect browser", "id", s.Instance.ID, "err", err)
		}
	}
	if _, err := s.client.DeleteInstance(ctx, s.Instance.ID); err != nil {
		s.client.logger.Warn("delete instance", "id", s.Instance.ID, "err", err)
	}
}
