// Package bridge is the HTTP client for the WhatsApp bridge process, which
// owns the actual session with the network.
//
// Bridge endpoints:
//
//	POST /api/send-message  {"number", "message"}
//	POST /api/send-audio    {"number", "audio" (base64), "mimetype", "caption"}
//	GET  /api/status        {"status": "connected"|"disconnected"}
package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"autobot/internal/transport"
)

var ErrBridge = errors.New("bridge error")

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type sendMessageRequest struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

type sendAudioRequest struct {
	Number   string `json:"number"`
	Audio    string `json:"audio"`
	MimeType string `json:"mimetype"`
	Caption  string `json:"caption,omitempty"`
}

// Deliver sends one text message. The address is passed through as is.
func (c *Client) Deliver(ctx context.Context, address, text string) error {
	return c.post(ctx, "/api/send-message", sendMessageRequest{Number: address, Message: text})
}

// Reply answers an inbound message with text or an audio file.
func (c *Client) Reply(ctx context.Context, r transport.Reply) error {
	switch r.Kind {
	case transport.ReplyAudio:
		raw, err := os.ReadFile(r.AudioPath)
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}
		return c.post(ctx, "/api/send-audio", sendAudioRequest{
			Number:   r.To,
			Audio:    base64.StdEncoding.EncodeToString(raw),
			MimeType: transport.AudioMimeType,
			Caption:  r.Text,
		})
	default:
		return c.Deliver(ctx, r.To, r.Text)
	}
}

// Status reports the bridge's session state.
func (c *Client) Status(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/status", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrBridge, req.Method, req.URL.Path, resp.StatusCode, errorText(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrBridge, req.URL.Path, err)
	}
	return nil
}

// errorText prefers the bridge's {"error": "..."} body.
func errorText(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}
