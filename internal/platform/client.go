package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"dvc-server/internal/permissions"
)

// HTTPClient talks to the platform's REST API.
type HTTPClient struct {
	baseURL string
	guildID string
	token   string
	http    *http.Client
}

func NewHTTPClient(baseURL, guildID, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		guildID: guildID,
		token:   token,
		http:    &http.Client{},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

func (c *HTTPClient) CreateChannel(ctx context.Context, categoryID, name string) (string, error) {
	req := map[string]string{
		"guild_id":    c.guildID,
		"category_id": categoryID,
		"name":        name,
		"type":        "voice",
	}
	var resp struct {
		ChannelID string `json:"channel_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/channels", req, &resp); err != nil {
		return "", err
	}
	return resp.ChannelID, nil
}

func (c *HTTPClient) CreateCategory(ctx context.Context, name string) (string, error) {
	req := map[string]string{
		"guild_id": c.guildID,
		"name":     name,
	}
	var resp struct {
		CategoryID string `json:"category_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/categories", req, &resp); err != nil {
		return "", err
	}
	return resp.CategoryID, nil
}

func (c *HTTPClient) DeleteChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID, nil, nil)
}

func (c *HTTPClient) MoveUser(ctx context.Context, userID, channelID string) error {
	req := map[string]string{"channel_id": channelID}
	return c.do(ctx, http.MethodPost, "/guilds/"+c.guildID+"/members/"+userID+"/move", req, nil)
}

func (c *HTTPClient) Members(ctx context.Context, channelID string) ([]string, error) {
	var resp struct {
		Members []string `json:"members"`
	}
	if err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/members", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

func (c *HTTPClient) MemberName(ctx context.Context, userID string) (string, error) {
	var resp struct {
		DisplayName string `json:"display_name"`
	}
	if err := c.do(ctx, http.MethodGet, "/guilds/"+c.guildID+"/members/"+userID, nil, &resp); err != nil {
		return "", err
	}
	return resp.DisplayName, nil
}

func (c *HTTPClient) ApplyPermissionEdits(ctx context.Context, channelID string, edits []permissions.Edit) error {
	req := map[string]interface{}{"edits": edits}
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/permissions", req, nil)
}

func (c *HTTPClient) SendNotification(ctx context.Context, channelID, text string) error {
	req := map[string]string{"content": text}
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", req, nil)
}

func (c *HTTPClient) UpdateChannelSettings(ctx context.Context, channelID string, settings ChannelSettings) error {
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID, settings, nil)
}
