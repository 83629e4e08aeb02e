package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Connection types as published in the JSON-LD documents.
const (
	TypeConnection          = "Connection"
	TypeCancelledConnection = "CancelledConnection"
)

// Connection is a single departure-to-arrival edge of a vehicle trip.
//
// Keys the server does not interpret (gtfs:trip, gtfs:route, direction, ...)
// are kept verbatim in Extra so documents round-trip unchanged.
type Connection struct {
	ID             string
	Type           string
	DepartureStop  string
	ArrivalStop    string
	DepartureTime  time.Time
	ArrivalTime    time.Time
	DepartureDelay int
	ArrivalDelay   int

	// MementoVersion is set on real-time records: the instant the update was observed.
	MementoVersion time.Time

	Extra map[string]json.RawMessage
}

// DepartureMillis is the (possibly delayed) departure time in epoch milliseconds.
func (c *Connection) DepartureMillis() int64 {
	return c.DepartureTime.UnixMilli()
}

// ScheduledDepartureMillis strips the current departure delay.
func (c *Connection) ScheduledDepartureMillis() int64 {
	return c.DepartureMillis() - int64(c.DepartureDelay)*1000
}

// Cancelled reports whether the connection was cancelled by a live update.
func (c *Connection) Cancelled() bool {
	return c.Type == TypeCancelledConnection
}

// Clone returns a copy that can be mutated without touching c.
func (c *Connection) Clone() Connection {
	cp := *c
	if c.Extra != nil {
		cp.Extra = make(map[string]json.RawMessage, len(c.Extra))
		for k, v := range c.Extra {
			cp.Extra[k] = v
		}
	}
	return cp
}

func (c Connection) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(c.Extra)+9)
	for k, v := range c.Extra {
		doc[k] = v
	}
	doc["@id"] = c.ID
	if c.Type != "" {
		doc["@type"] = c.Type
	}
	if c.DepartureStop != "" {
		doc["departureStop"] = c.DepartureStop
	}
	if c.ArrivalStop != "" {
		doc["arrivalStop"] = c.ArrivalStop
	}
	if !c.DepartureTime.IsZero() {
		doc["departureTime"] = FormatISO(c.DepartureTime)
	}
	if !c.ArrivalTime.IsZero() {
		doc["arrivalTime"] = FormatISO(c.ArrivalTime)
	}
	if c.DepartureDelay != 0 {
		doc["departureDelay"] = c.DepartureDelay
	}
	if c.ArrivalDelay != 0 {
		doc["arrivalDelay"] = c.ArrivalDelay
	}
	if !c.MementoVersion.IsZero() {
		doc["mementoVersion"] = FormatISO(c.MementoVersion)
	}
	return json.Marshal(doc)
}

func (c *Connection) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var err error
	if c.ID, err = takeString(raw, "@id"); err != nil {
		return err
	}
	if c.ID == "" {
		return fmt.Errorf("connection without @id")
	}
	if c.Type, err = takeString(raw, "@type"); err != nil {
		return err
	}
	if c.DepartureStop, err = takeString(raw, "departureStop"); err != nil {
		return err
	}
	if c.ArrivalStop, err = takeString(raw, "arrivalStop"); err != nil {
		return err
	}
	if c.DepartureTime, err = takeTime(raw, "departureTime"); err != nil {
		return err
	}
	if c.ArrivalTime, err = takeTime(raw, "arrivalTime"); err != nil {
		return err
	}
	if c.DepartureDelay, err = takeInt(raw, "departureDelay"); err != nil {
		return err
	}
	if c.ArrivalDelay, err = takeInt(raw, "arrivalDelay"); err != nil {
		return err
	}
	if c.MementoVersion, err = takeTime(raw, "mementoVersion"); err != nil {
		return err
	}

	if len(raw) > 0 {
		c.Extra = raw
	} else {
		c.Extra = nil
	}
	return nil
}

func takeString(raw map[string]json.RawMessage, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", nil
	}
	delete(raw, key)

	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("decoding %s: %w", key, err)
	}
	return s, nil
}

func takeTime(raw map[string]json.RawMessage, key string) (time.Time, error) {
	s, err := takeString(raw, key)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("decoding %s: %w", key, err)
	}
	return t, nil
}

// takeInt accepts both JSON numbers and numeric strings; converters emit either.
func takeInt(raw map[string]json.RawMessage, key string) (int, error) {
	v, ok := raw[key]
	if !ok {
		return 0, nil
	}
	delete(raw, key)

	var n float64
	if err := json.Unmarshal(v, &n); err == nil {
		return int(n), nil
	}

	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("decoding %s: %w", key, err)
	}
	if s == "" {
		return 0, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("decoding %s: %w", key, err)
	}
	return i, nil
}

// RemoveRecord is one line of a .remove log: connections that left the
// fragment because of a delay, observed at Memento.
type RemoveRecord struct {
	IDs     []string
	Memento time.Time
	// Track lists the fragments the connection has been written to since.
	Track []time.Time
}
