package discord

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
)

func TestSendLogMessage(t *testing.T) {
	var got WebhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("invalid payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.SendLogMessage("ERROR", "fragment read failed", map[string]interface{}{
		"path":   "/data/x.jsonld.gz",
		"agency": "nmbs",
	})
	if err != nil {
		t.Fatalf("SendLogMessage() error = %v", err)
	}

	if len(got.Embeds) != 1 {
		t.Fatalf("got %d embeds, want 1", len(got.Embeds))
	}
	e := got.Embeds[0]
	if e.Color != 0xFF0000 {
		t.Errorf("color = %x, want red", e.Color)
	}
	if len(e.Fields) != 2 || e.Fields[0].Name != "agency" {
		t.Errorf("fields = %+v, want sorted agency, path", e.Fields)
	}
}

func TestSendMessageWithoutURL(t *testing.T) {
	if err := NewClient("").SendMessage(WebhookMessage{Content: "x"}); err != nil {
		t.Errorf("empty webhook should be a no-op, got %v", err)
	}
}

func TestSendMessageStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL).SendMessage(WebhookMessage{Content: "x"}); err == nil {
		t.Error("expected an error for a non-2xx status")
	}
}
