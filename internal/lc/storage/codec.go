package storage

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/lc-server/pkg/lc/models"
)

// ReadFile reads path, transparently decompressing .gz files.
func ReadFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if !strings.HasSuffix(path, ".gz") {
		return io.ReadAll(f)
	}

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream %s: %w", path, err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", path, err)
	}
	return data, nil
}

// WriteFile writes data to path, gzip compressing it when path ends in .gz.
// Parent directories are created as needed.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if !strings.HasSuffix(path, ".gz") {
		return os.WriteFile(path, data, 0o644)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ParseStaticFragment decodes a static fragment: JSON objects joined by ",\n"
// without an enclosing array. A plain JSON array is accepted too.
func ParseStaticFragment(data []byte) ([]models.Connection, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] != '[' {
		data = bytes.TrimRight(data, ",")
		wrapped := make([]byte, 0, len(data)+2)
		wrapped = append(wrapped, '[')
		wrapped = append(wrapped, data...)
		wrapped = append(wrapped, ']')
		data = wrapped
	}
	return ParseConnectionArray(data)
}

// EncodeStaticFragment is the inverse of ParseStaticFragment.
func EncodeStaticFragment(conns []models.Connection) ([]byte, error) {
	var buf bytes.Buffer
	for i := range conns {
		b, err := json.Marshal(conns[i])
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteString(",\n")
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// ParseConnectionArray decodes a JSON array of connections (latest.json and
// feed history fragments).
func ParseConnectionArray(data []byte) ([]models.Connection, error) {
	var conns []models.Connection
	if err := json.Unmarshal(data, &conns); err != nil {
		return nil, fmt.Errorf("decoding connection array: %w", err)
	}
	return conns, nil
}

// ParseRealTime decodes a real-time fragment: one JSON object per line, each
// carrying a mementoVersion, in the order the updates were observed.
func ParseRealTime(data []byte) ([]models.Connection, error) {
	var conns []models.Connection

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		raw = bytes.TrimSuffix(raw, []byte(","))
		if len(raw) == 0 {
			continue
		}

		var c models.Connection
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("real-time record on line %d: %w", line, err)
		}
		if c.MementoVersion.IsZero() {
			return nil, fmt.Errorf("real-time record on line %d has no mementoVersion", line)
		}
		conns = append(conns, c)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return conns, nil
}

// EncodeRealTime is the inverse of ParseRealTime.
func EncodeRealTime(conns []models.Connection) ([]byte, error) {
	var buf bytes.Buffer
	for i := range conns {
		b, err := json.Marshal(conns[i])
		if err != nil {
			return nil, err
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// ParseRemoveLog decodes a remove log. Each non-empty line holds comma
// separated fields: every field that is not a timestamp is a connection id,
// the first timestamp is the memento of the removal and any later timestamps
// track the fragments the connection was moved to.
func ParseRemoveLog(data []byte) ([]models.RemoveRecord, error) {
	var records []models.RemoveRecord

	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var rec models.RemoveRecord
		for _, field := range strings.Split(line, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			if t, ok := parseTimestampField(field); ok {
				if rec.Memento.IsZero() {
					rec.Memento = t
				} else {
					rec.Track = append(rec.Track, t)
				}
				continue
			}
			rec.IDs = append(rec.IDs, field)
		}

		if rec.Memento.IsZero() || len(rec.IDs) == 0 {
			return nil, fmt.Errorf("remove log line %d: expected ids and a memento, got %q", n+1, line)
		}
		records = append(records, rec)
	}
	return records, nil
}

// EncodeRemoveLog writes one "id,memento[,track...]" line per record.
func EncodeRemoveLog(records []models.RemoveRecord) []byte {
	var b strings.Builder
	for _, rec := range records {
		b.WriteString(strings.Join(rec.IDs, ","))
		b.WriteByte(',')
		b.WriteString(models.FormatISO(rec.Memento))
		for _, t := range rec.Track {
			b.WriteByte(',')
			b.WriteString(models.FormatISO(t))
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Connection ids are URIs, so anything containing "://" is never a timestamp.
func parseTimestampField(field string) (time.Time, bool) {
	if strings.Contains(field, "://") || len(field) < len("2006-01-02T15:04:05") {
		return time.Time{}, false
	}
	t, err := models.ParseTime(field)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
