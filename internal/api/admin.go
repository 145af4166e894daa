package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultProvider is the crowd backend used when none is given.
const DefaultProvider = "sandbox"

func (c *Client) DeleteQualification(ctx context.Context, provider, qualID string) error {
	target, err := c.adminURL("mturk", providerOrDefault(provider), "qualification", qualID)
	if err != nil {
		return err
	}
	return c.delete(ctx, "delete qualification", target)
}

func (c *Client) DeleteHIT(ctx context.Context, provider, hitID string) error {
	target, err := c.adminURL("mturk", providerOrDefault(provider), "HIT", hitID)
	if err != nil {
		return err
	}
	return c.delete(ctx, "delete HIT", target)
}

// Disqualify revokes a worker's qualification.
func (c *Client) Disqualify(ctx context.Context, provider, workerID, qualID string) error {
	target, err := c.adminURL("mturk", providerOrDefault(provider), "worker", workerID, "qualification", qualID)
	if err != nil {
		return err
	}
	return c.delete(ctx, "disqualify worker", target)
}

func (c *Client) DeleteResource(ctx context.Context, target string) error {
	if _, err := url.Parse(target); err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	return c.delete(ctx, "delete resource", target)
}

func (c *Client) delete(ctx context.Context, op, target string) error {
	resp, reqID, err := c.do(ctx, op, http.MethodDelete, target, nil)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Info("admin delete", "op", op, "url", target, "request_id", reqID)
	return resp.Body.Close()
}

func (c *Client) adminURL(segments ...string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(c.endpoints.AdminURL), "/")
	if base == "" {
		return "", fmt.Errorf("admin url is not configured")
	}
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		trimmed := strings.TrimSpace(segment)
		if trimmed == "" {
			return "", fmt.Errorf("empty path segment in admin request")
		}
		escaped = append(escaped, url.PathEscape(trimmed))
	}
	return base + "/" + strings.Join(escaped, "/"), nil
}

func providerOrDefault(provider string) string {
	if strings.TrimSpace(provider) == "" {
		return DefaultProvider
	}
	return provider
}
