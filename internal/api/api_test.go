package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/lc-server/internal/common/logger"
	"github.com/lc-server/internal/lc/fragments"
	"github.com/lc-server/internal/lc/freshness"
	"github.com/lc-server/internal/lc/storage"
	"github.com/lc-server/internal/lc/timeindex"
	"github.com/lc-server/pkg/lc/models"
)

const agency = "a"

var (
	base    = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	version = models.FormatISO(base.Add(-24 * time.Hour))
)

func newTestServer(t *testing.T) (http.Handler, *Handler) {
	t.Helper()
	layout := storage.NewLayout(t.TempDir())
	for i := 0; i < 3; i++ {
		frag := base.Add(time.Duration(i) * 10 * time.Minute)
		data, err := storage.EncodeStaticFragment([]models.Connection{{
			ID:            "c" + models.FormatISO(frag),
			Type:          models.TypeConnection,
			DepartureTime: frag.Add(time.Minute),
			ArrivalTime:   frag.Add(5 * time.Minute),
		}})
		if err != nil {
			t.Fatal(err)
		}
		if err := storage.WriteFile(layout.StaticFragment(agency, version, frag.UnixMilli()), data); err != nil {
			t.Fatal(err)
		}
	}

	idx := timeindex.New(layout, logger.Nop(), nil)
	if _, err := idx.RebuildStatic(context.Background(), agency); err != nil {
		t.Fatal(err)
	}

	resolver := fragments.New(layout, idx, []fragments.Agency{{Name: agency, RealTime: true}}, logger.Nop())
	controller := freshness.New(freshness.DefaultConfig(), func() time.Time { return base.Add(5 * time.Minute) })
	h := NewHandler(Config{Hostname: "lc.example.org"}, resolver, idx, controller, logger.Nop())
	h.now = func() time.Time { return base.Add(13 * time.Minute) }
	return NewRouter(h), h
}

func get(t *testing.T, router http.Handler, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func fragmentURL(departure time.Time) string {
	return "/a/connections?departureTime=" + url.QueryEscape(models.FormatISO(departure))
}

func TestConnections(t *testing.T) {
	router, _ := newTestServer(t)

	rec := get(t, router, fragmentURL(base.Add(10*time.Minute)), map[string]string{"Origin": "https://planner.example.org"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != freshness.ContentType {
		t.Errorf("Content-Type = %s", ct)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("fragments must be readable cross-origin")
	}
	if rec.Header().Get("ETag") == "" || rec.Header().Get("Cache-Control") == "" {
		t.Errorf("missing cache headers: %v", rec.Header())
	}

	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	wantID := "http://lc.example.org/a/connections?departureTime=" + url.QueryEscape("2024-01-01T10:10:00.000Z")
	if doc["@id"] != wantID {
		t.Errorf("@id = %v, want %s", doc["@id"], wantID)
	}
	if !strings.Contains(doc["hydra:next"].(string), url.QueryEscape("2024-01-01T10:20:00.000Z")) {
		t.Errorf("hydra:next = %v", doc["hydra:next"])
	}
	if !strings.Contains(doc["hydra:previous"].(string), url.QueryEscape("2024-01-01T10:00:00.000Z")) {
		t.Errorf("hydra:previous = %v", doc["hydra:previous"])
	}
	if graph := doc["@graph"].([]any); len(graph) != 1 {
		t.Errorf("@graph has %d connections, want 1", len(graph))
	}
}

func TestConnectionsFirstPageHasNoPrevious(t *testing.T) {
	router, _ := newTestServer(t)
	rec := get(t, router, fragmentURL(base), map[string]string{"X-Forwarded-Proto": "https"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc["hydra:previous"]; ok {
		t.Error("first page has a previous link")
	}
	if !strings.HasPrefix(doc["@id"].(string), "https://lc.example.org/") {
		t.Errorf("@id = %v, want the forwarded protocol", doc["@id"])
	}
}

func TestConnectionsRedirects(t *testing.T) {
	router, _ := newTestServer(t)

	tests := []struct {
		name   string
		target string
		want   time.Time
	}{
		{"inside fragment", fragmentURL(base.Add(3 * time.Minute)), base},
		{"invalid departure time uses now", "/a/connections?departureTime=tomorrow", base.Add(10 * time.Minute)},
		{"missing departure time uses now", "/a/connections", base.Add(10 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, router, tt.target, nil)
			if rec.Code != http.StatusFound {
				t.Fatalf("status = %d", rec.Code)
			}
			if loc := rec.Header().Get("Location"); loc != fragmentURL(tt.want) {
				t.Errorf("Location = %s, want %s", loc, fragmentURL(tt.want))
			}
		})
	}

	rec := get(t, router, "/a/connections/?departureTime="+url.QueryEscape(models.FormatISO(base)), nil)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != fragmentURL(base) {
		t.Errorf("trailing slash: %d %s", rec.Code, rec.Header().Get("Location"))
	}
}

func TestConnectionsErrors(t *testing.T) {
	router, _ := newTestServer(t)

	rec := get(t, router, "/nope/connections", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown agency status = %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-cache" {
		t.Errorf("Cache-Control = %s", rec.Header().Get("Cache-Control"))
	}

	rec = get(t, router, fragmentURL(base.Add(-48*time.Hour)), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("departure before all data status = %d", rec.Code)
	}
}

func TestConditionalGet(t *testing.T) {
	router, _ := newTestServer(t)

	first := get(t, router, fragmentURL(base), nil)
	etag := first.Header().Get("ETag")
	if etag == "" {
		t.Fatal("no ETag")
	}

	rec := get(t, router, fragmentURL(base), map[string]string{"If-None-Match": etag})
	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Error("304 must not carry a body")
	}

	rec = get(t, router, fragmentURL(base), map[string]string{"If-None-Match": `W/"stale"`})
	if rec.Code != http.StatusOK {
		t.Errorf("stale ETag status = %d", rec.Code)
	}
}

func TestTimeGate(t *testing.T) {
	router, _ := newTestServer(t)

	rec := get(t, router, fragmentURL(base.Add(12*time.Minute)), map[string]string{"Accept-Datetime": "Mon, 01 Jan 2024 08:00:00 GMT"})
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if loc.Path != "/a/connections/memento" || loc.Query().Get("version") != version || loc.Query().Get("departureTime") != "2024-01-01T10:10:00.000Z" {
		t.Errorf("Location = %s", loc)
	}
	if !strings.Contains(rec.Header().Get("Link"), `rel="original timegate"`) {
		t.Errorf("Link = %s", rec.Header().Get("Link"))
	}
	if rec.Header().Get("Vary") != freshness.Vary {
		t.Errorf("Vary = %s", rec.Header().Get("Vary"))
	}

	rec = get(t, router, fragmentURL(base), map[string]string{"Accept-Datetime": "whenever"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid Accept-Datetime status = %d", rec.Code)
	}
}

func TestMemento(t *testing.T) {
	router, _ := newTestServer(t)
	target := "/a/connections/memento?version=" + url.QueryEscape(version) + "&departureTime="
	accept := map[string]string{"Accept-Datetime": "Mon, 01 Jan 2024 08:00:00 GMT"}

	rec := get(t, router, target+url.QueryEscape(models.FormatISO(base)), accept)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Memento-Datetime") != "Mon, 01 Jan 2024 08:00:00 GMT" {
		t.Errorf("Memento-Datetime = %s", rec.Header().Get("Memento-Datetime"))
	}
	if !strings.Contains(rec.Header().Get("Cache-Control"), "immutable") {
		t.Errorf("past memento Cache-Control = %s", rec.Header().Get("Cache-Control"))
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(doc["hydra:next"].(string), "/a/connections/memento?") {
		t.Errorf("hydra:next = %v", doc["hydra:next"])
	}

	tests := []struct {
		name    string
		target  string
		headers map[string]string
		want    int
	}{
		{"out of range", target + url.QueryEscape(models.FormatISO(base.Add(24*time.Hour))), accept, http.StatusBadRequest},
		{"invalid departure", target + "soon", accept, http.StatusBadRequest},
		{"missing accept-datetime", target + url.QueryEscape(models.FormatISO(base)), nil, http.StatusBadRequest},
		{"not a fragment start", target + url.QueryEscape(models.FormatISO(base.Add(time.Minute))), accept, http.StatusFound},
		{"unknown version", "/a/connections/memento?version=x&departureTime=" + url.QueryEscape(models.FormatISO(base)), accept, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := get(t, router, tt.target, tt.headers); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestFeedDisabled(t *testing.T) {
	router, _ := newTestServer(t)
	if rec := get(t, router, "/a/feed", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when the feed is disabled", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := newTestServer(t)

	rec := get(t, router, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Agencies[agency].Versions != 1 {
		t.Errorf("health = %+v", resp)
	}

	// Trigger a request so the route shows up in the metrics.
	get(t, router, fragmentURL(base), nil)
	rec = get(t, router, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "lc_http_requests_total") {
		t.Errorf("metrics status = %d", rec.Code)
	}
}
