// Package api is the HTTP surface of the fragment server.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/lc-server/internal/common/logger"
	"github.com/lc-server/internal/lc/connections"
	"github.com/lc-server/internal/lc/fragments"
	"github.com/lc-server/internal/lc/freshness"
	"github.com/lc-server/internal/lc/locator"
	"github.com/lc-server/internal/lc/timeindex"
	"github.com/lc-server/internal/metrics"
	"github.com/lc-server/pkg/lc/models"
)

// Config controls how canonical URLs are built.
type Config struct {
	// Hostname is used in document URLs. Empty means the request's Host.
	Hostname string
	// Protocol is used when X-Forwarded-Proto is absent. Empty means http.
	Protocol string
}

// Handler serves fragment, memento, feed and health requests.
type Handler struct {
	cfg       Config
	resolver  *fragments.Resolver
	index     *timeindex.Index
	freshness *freshness.Controller
	logger    logger.Logger
	now       func() time.Time
}

// NewHandler creates a handler
func NewHandler(cfg Config, resolver *fragments.Resolver, index *timeindex.Index, controller *freshness.Controller, log logger.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		resolver:  resolver,
		index:     index,
		freshness: controller,
		logger:    log,
		now:       time.Now,
	}
}

// host returns protocol://hostname/ for the request.
func (h *Handler) host(r *http.Request) string {
	protocol := r.Header.Get("X-Forwarded-Proto")
	if protocol == "" {
		protocol = h.cfg.Protocol
	}
	if protocol == "" {
		protocol = "http"
	}
	hostname := h.cfg.Hostname
	if hostname == "" {
		hostname = r.Host
	}
	return protocol + "://" + hostname + "/"
}

// departureTime parses the departureTime query parameter. Invalid or
// missing values fall back to now, which then redirects to the fragment
// covering it.
func (h *Handler) departureTime(r *http.Request) time.Time {
	if t, err := models.ParseTime(r.URL.Query().Get("departureTime")); err == nil {
		return t
	}
	return h.now().UTC()
}

// Connections serves GET /{agency}/connections. With an Accept-Datetime
// header it acts as the memento time gate.
func (h *Handler) Connections(w http.ResponseWriter, r *http.Request) {
	agency := chi.URLParam(r, "agency")
	departure := h.departureTime(r)

	if acceptDatetime := r.Header.Get("Accept-Datetime"); acceptDatetime != "" {
		redirect, err := h.resolver.TimeGate(agency, departure, acceptDatetime)
		if err != nil {
			h.writeError(w, r, agency, err)
			return
		}
		w.Header().Set("Vary", freshness.Vary)
		w.Header().Set("Link", fmt.Sprintf("<%s>; rel=\"original timegate\"", pageURL(h.host(r), agency, "connections", departure, "")))
		h.writeError(w, r, agency, redirect)
		return
	}

	loc, err := h.resolver.Locate(agency, departure)
	if err != nil {
		h.writeError(w, r, agency, err)
		return
	}
	h.serveLocation(w, r, loc, pageURL(h.host(r), agency, "connections", loc.Departure, ""), "")
}

// TrailingSlash redirects /{agency}/connections/ to the canonical path.
func (h *Handler) TrailingSlash(w http.ResponseWriter, r *http.Request) {
	agency := chi.URLParam(r, "agency")
	h.writeError(w, r, agency, &fragments.RedirectError{Agency: agency, Departure: h.departureTime(r)})
}

// Memento serves GET /{agency}/connections/memento?version=V&departureTime=T.
func (h *Handler) Memento(w http.ResponseWriter, r *http.Request) {
	agency := chi.URLParam(r, "agency")
	q := r.URL.Query()

	departure, err := models.ParseTime(q.Get("departureTime"))
	if err != nil {
		h.writeStatus(w, http.StatusBadRequest, "Invalid departure time")
		return
	}

	loc, err := h.resolver.LocateMemento(agency, q.Get("version"), departure, r.Header.Get("Accept-Datetime"))
	if err != nil {
		h.writeError(w, r, agency, err)
		return
	}

	w.Header().Set("Memento-Datetime", loc.Memento.UTC().Format(http.TimeFormat))
	w.Header().Set("Link", fmt.Sprintf("<%s>; rel=\"original timegate\"", pageURL(h.host(r), agency, "connections", loc.Departure, "")))
	h.serveLocation(w, r, loc, pageURL(h.host(r), agency, "connections/memento", loc.Departure, loc.Version), loc.Version)
}

func (h *Handler) serveLocation(w http.ResponseWriter, r *http.Request, loc *fragments.Location, id, version string) {
	d := h.freshness.Evaluate(r, loc.Resource)
	d.Apply(w.Header())
	if d.NotModified {
		metrics.RecordFragment(loc.Agency, metrics.SourceNotModified)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	conns, err := h.resolver.Load(r.Context(), loc)
	if err != nil {
		h.writeError(w, r, loc.Agency, err)
		return
	}
	metrics.RecordFragment(loc.Agency, loc.Source)

	host := h.host(r)
	path := "connections"
	if version != "" {
		path = "connections/memento"
	}
	doc := newDocument(host, loc.Agency, id, conns)
	if next, ok := loc.Next(); ok {
		doc.Next = pageURL(host, loc.Agency, path, next, version)
	}
	if prev, ok := loc.Previous(); ok {
		doc.Previous = pageURL(host, loc.Agency, path, prev, version)
	}
	h.writeJSON(w, r, doc)
}

// Feed serves GET /{agency}/feed?departureTime=T.
func (h *Handler) Feed(w http.ResponseWriter, r *http.Request) {
	agency := chi.URLParam(r, "agency")

	page, err := h.resolver.Feed(agency, h.departureTime(r))
	if err != nil {
		h.writeError(w, r, agency, err)
		return
	}

	host := h.host(r)
	d := h.freshness.Evaluate(r, freshness.Resource{
		Path:         strings.Join([]string{"feed", agency, page.Update, models.FormatISO(page.Departure)}, "/"),
		LastModified: page.LastModified,
		Live:         page.RealTime && page.Latest,
		Departure:    page.Departure,
	})
	d.Apply(w.Header())
	if d.NotModified {
		metrics.RecordFragment(agency, metrics.SourceNotModified)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	metrics.RecordFragment(agency, page.Source)

	doc := newDocument(host, agency, pageURL(host, agency, "feed", page.Departure, ""), page.Connections)
	if t, err := models.ParseTime(page.NextUpdate); err == nil {
		doc.Next = pageURL(host, agency, "feed", t, "")
	}
	if t, err := models.ParseTime(page.PreviousUpdate); err == nil {
		doc.Previous = pageURL(host, agency, "feed", t, "")
	}
	h.writeJSON(w, r, doc)
}

type agencyHealth struct {
	Versions        int                      `json:"versions"`
	RealTimeBatches int                      `json:"realTimeBatches"`
	Window          *connections.WindowStats `json:"window,omitempty"`
	FeedUpdates     *int                     `json:"feedUpdates,omitempty"`
}

type healthResponse struct {
	Status   string                  `json:"status"`
	Time     time.Time               `json:"time"`
	Agencies map[string]agencyHealth `json:"agencies"`
}

// Health reports the state of the index and the in-memory trees.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.index.Snapshot()
	resp := healthResponse{
		Status:   "ok",
		Time:     h.now().UTC(),
		Agencies: map[string]agencyHealth{},
	}

	for _, a := range h.resolver.Agencies() {
		ah := agencyHealth{
			Versions:        len(snap.StaticVersions(a.Name)),
			RealTimeBatches: len(snap.RealTimeBatches(a.Name)),
		}
		if a.Window != nil {
			stats := a.Window.Stats()
			ah.Window = &stats
		}
		if a.Feed != nil {
			n := a.Feed.Size()
			ah.FeedUpdates = &n
		}
		resp.Agencies[a.Name] = ah
	}

	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	h.writeJSON(w, r, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode response", "path", r.URL.Path, "error", err)
		h.writeStatus(w, http.StatusInternalServerError, "")
		return
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data)
}

// writeError maps resolver errors onto HTTP responses. Fragment read
// failures are reported as 404 since the fragment is simply unavailable.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, agency string, err error) {
	var redirect *fragments.RedirectError
	switch {
	case errors.As(err, &redirect):
		metrics.RecordFragment(agency, metrics.SourceRedirect)
		w.Header().Set("Location", redirect.Location())
		w.WriteHeader(http.StatusFound)
		return

	case errors.Is(err, fragments.ErrAgencyNotFound):
		metrics.RecordFragment(agency, metrics.SourceError)
		h.writeStatus(w, http.StatusNotFound, "Agency not found")

	case errors.Is(err, fragments.ErrInvalidMemento):
		metrics.RecordFragment(agency, metrics.SourceError)
		h.writeStatus(w, http.StatusBadRequest, "Invalid accept-datetime header")

	case errors.Is(err, fragments.ErrMementoOutOfRange):
		metrics.RecordFragment(agency, metrics.SourceError)
		h.writeStatus(w, http.StatusBadRequest, "Departure time outside of the requested version")

	case errors.Is(err, locator.ErrNotFound):
		metrics.RecordFragment(agency, metrics.SourceError)
		h.writeStatus(w, http.StatusNotFound, "")

	default:
		metrics.RecordFragment(agency, metrics.SourceError)
		h.logger.Error("Failed to serve fragment", "agency", agency, "path", r.URL.Path, "error", err)
		h.writeStatus(w, http.StatusNotFound, "")
	}
}

func (h *Handler) writeStatus(w http.ResponseWriter, status int, msg string) {
	hdr := w.Header()
	for _, k := range []string{"ETag", "Last-Modified", "Expires", "Vary"} {
		hdr.Del(k)
	}
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if msg != "" {
		_, _ = w.Write([]byte(msg))
	}
}
