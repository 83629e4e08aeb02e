// Package freshness decides conditional GET outcomes and cache headers for
// fragment responses.
package freshness

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/lc-server/internal/common/scheduler"
	"github.com/lc-server/pkg/lc/models"
)

const (
	// ContentType of every fragment document.
	ContentType = "application/ld+json"

	immutableMaxAge = 365 * 24 * time.Hour
	defaultHorizon  = 24 * time.Hour
	grace           = time.Second
)

// Vary lists the request headers that select a representation.
var Vary = strings.Join([]string{"Accept", "Accept-Encoding", "Accept-Datetime"}, ", ")

// Config tunes the controller.
type Config struct {
	// LiveInterval is the real-time update period; live responses expire on its next tick.
	LiveInterval time.Duration
	// StaticInterval is the static update period. Zero means a fixed 24h horizon.
	StaticInterval time.Duration
	// ImmutableAfter marks static fragments whose departure is this far in the past as immutable.
	ImmutableAfter time.Duration
}

// DefaultConfig returns a 30s live interval and a 3h immutability threshold.
func DefaultConfig() Config {
	return Config{
		LiveInterval:   30 * time.Second,
		ImmutableAfter: 3 * time.Hour,
	}
}

// Resource describes the response being evaluated.
type Resource struct {
	// Path identifies the representation: a file path or a canonical URL.
	Path         string
	LastModified time.Time
	// Live is set when the body contains real-time data.
	Live      bool
	Departure time.Time
	// Memento is the requested Accept-Datetime, zero for regular requests.
	Memento time.Time
}

// Decision is the outcome of Evaluate.
type Decision struct {
	NotModified  bool
	ETag         string
	LastModified time.Time
	CacheControl string
	Expires      time.Time
}

// Controller evaluates conditional requests.
type Controller struct {
	cfg Config
	now func() time.Time
}

// New creates a controller. A nil clock uses time.Now.
func New(cfg Config, now func() time.Time) *Controller {
	if cfg.LiveInterval <= 0 {
		cfg.LiveInterval = DefaultConfig().LiveInterval
	}
	if cfg.ImmutableAfter <= 0 {
		cfg.ImmutableAfter = DefaultConfig().ImmutableAfter
	}
	if now == nil {
		now = time.Now
	}
	return &Controller{cfg: cfg, now: now}
}

// Evaluate computes the validators and cache policy of res and whether the
// request can be answered with 304 Not Modified.
func (c *Controller) Evaluate(r *http.Request, res Resource) Decision {
	now := c.now().UTC()

	d := Decision{
		ETag:         ETag(res.Path, res.LastModified, r.Header.Get("Accept"), res.Memento),
		LastModified: res.LastModified.UTC(),
	}

	maxAge, immutable := c.horizon(now, res)
	if immutable {
		d.CacheControl = fmt.Sprintf("public, max-age=%d, immutable", int64(immutableMaxAge/time.Second))
		d.Expires = now.Add(immutableMaxAge)
	} else {
		secs := int64(maxAge / time.Second)
		d.CacheControl = fmt.Sprintf("public, s-maxage=%d, max-age=%d, stale-if-error=%d, proxy-revalidate",
			secs, secs+1, secs+15)
		d.Expires = now.Add(maxAge + grace)
	}

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		d.NotModified = notModified(r, d.ETag, d.LastModified)
	}
	return d
}

func (c *Controller) horizon(now time.Time, res Resource) (time.Duration, bool) {
	if !res.Memento.IsZero() && res.Memento.Before(now) {
		return 0, true
	}
	if res.Live {
		next := scheduler.NextTick(now, c.cfg.LiveInterval).Add(grace)
		return ceilSeconds(next.Sub(now)), false
	}
	if !res.Departure.IsZero() && now.Sub(res.Departure) > c.cfg.ImmutableAfter {
		return 0, true
	}
	if c.cfg.StaticInterval > 0 {
		next := scheduler.NextTick(now, c.cfg.StaticInterval).Add(grace)
		return ceilSeconds(next.Sub(now)), false
	}
	return defaultHorizon, false
}

func ceilSeconds(d time.Duration) time.Duration {
	if r := d % time.Second; r != 0 {
		d += time.Second - r
	}
	return d
}

// notModified applies If-None-Match first and falls back to
// If-Modified-Since only when no entity tag was sent.
func notModified(r *http.Request, etag string, lastModified time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		return etagMatches(inm, etag)
	}

	ims := r.Header.Get("If-Modified-Since")
	if ims == "" || lastModified.IsZero() {
		return false
	}
	t, err := http.ParseTime(ims)
	if err != nil {
		if t, err = models.ParseTime(ims); err != nil {
			return false
		}
	}
	return !lastModified.Truncate(time.Second).After(t)
}

// etagMatches uses weak comparison over a comma separated If-None-Match list.
func etagMatches(header, etag string) bool {
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == want {
			return true
		}
	}
	return false
}

// ETag returns the weak validator of a representation.
func ETag(path string, lastModified time.Time, accept string, memento time.Time) string {
	h := xxhash.New()
	_, _ = h.WriteString(path)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(lastModified.UTC().Format(time.RFC3339Nano))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(accept)
	if !memento.IsZero() {
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(memento.UTC().Format(time.RFC3339Nano))
	}
	return `W/"` + strconv.FormatUint(h.Sum64(), 16) + `"`
}

// Apply writes the decision's headers. Content-Type is only set for full responses.
func (d Decision) Apply(h http.Header) {
	h.Set("ETag", d.ETag)
	if !d.LastModified.IsZero() {
		h.Set("Last-Modified", d.LastModified.Format(http.TimeFormat))
	}
	h.Set("Cache-Control", d.CacheControl)
	h.Set("Expires", d.Expires.UTC().Format(http.TimeFormat))
	h.Set("Vary", Vary)
	if !d.NotModified {
		h.Set("Content-Type", ContentType)
	}
}
