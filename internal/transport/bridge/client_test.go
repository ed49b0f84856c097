package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"autobot/internal/transport"
)

type recorded struct {
	path string
	auth string
	body map[string]string
}

type recorder struct {
	mu   sync.Mutex
	reqs []recorded
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.reqs...)
}

func newBridge(t *testing.T, status int, reply string) (*Client, *recorder) {
	t.Helper()
	got := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{path: r.URL.Path, auth: r.Header.Get("Authorization")}
		if r.Method == http.MethodPost {
			if err := json.NewDecoder(r.Body).Decode(&rec.body); err != nil {
				t.Errorf("decode: %v", err)
			}
		}
		got.mu.Lock()
		got.reqs = append(got.reqs, rec)
		got.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Token: "s3cret"}), got
}

func TestDeliver(t *testing.T) {
	t.Parallel()
	c, got := newBridge(t, http.StatusOK, `{"success":true}`)

	if err := c.Deliver(context.Background(), "5511912345678@c.us", "Olá Ana"); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	reqs := got.all()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	r := reqs[0]
	if r.path != "/api/send-message" || r.auth != "Bearer s3cret" {
		t.Fatalf("request = %+v", r)
	}
	if r.body["number"] != "5511912345678@c.us" || r.body["message"] != "Olá Ana" {
		t.Fatalf("body = %v", r.body)
	}
}

func TestDeliverError(t *testing.T) {
	t.Parallel()
	c, _ := newBridge(t, http.StatusBadRequest, `{"error":"Cliente WhatsApp não inicializado"}`)

	err := c.Deliver(context.Background(), "x@c.us", "oi")
	if !errors.Is(err, ErrBridge) || !strings.Contains(err.Error(), "não inicializado") {
		t.Fatalf("Deliver() error = %v", err)
	}
}

func TestReplyAudio(t *testing.T) {
	t.Parallel()
	c, got := newBridge(t, http.StatusOK, `{}`)

	path := filepath.Join(t.TempDir(), "promo.ogg")
	if err := os.WriteFile(path, []byte("OggS"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := c.Reply(context.Background(), transport.Reply{
		To: "5511@c.us", Kind: transport.ReplyAudio, Text: "ouça", AudioPath: path,
	})
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	r := got.all()[0]
	if r.path != "/api/send-audio" || r.body["caption"] != "ouça" || r.body["mimetype"] != transport.AudioMimeType {
		t.Fatalf("request = %+v", r)
	}
	if r.body["audio"] != base64.StdEncoding.EncodeToString([]byte("OggS")) {
		t.Fatalf("audio payload = %q", r.body["audio"])
	}

	if err := c.Reply(context.Background(), transport.Reply{Kind: transport.ReplyAudio, AudioPath: path + ".missing"}); err == nil {
		t.Fatalf("Reply() with a missing file succeeded")
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	c, _ := newBridge(t, http.StatusOK, `{"status":"connected"}`)

	st, err := c.Status(context.Background())
	if err != nil || st != "connected" {
		t.Fatalf("Status() = %q, %v", st, err)
	}
}
