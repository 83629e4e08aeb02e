package storage

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lc-server/pkg/lc/models"
)

// Directory names under the storage root.
const (
	StaticDirName   = "linked_pages"
	RealTimeDirName = "real_time"
	FeedDirName     = "feed_history"

	// LatestFileName is rewritten by the converter after every real-time update.
	LatestFileName = "latest.json"
)

// File extensions used by the converter.
const (
	StaticFragmentExt = ".jsonld.gz"
	InProgressExt     = ".jsonld"
	RealTimeExt       = ".jsonld"
	RealTimeGzipExt   = ".jsonld.gz"
	RemoveExt         = ".remove"
	RemoveGzipExt     = ".remove.gz"
	FeedFragmentExt   = ".json.gz"
)

// Layout resolves paths inside a storage tree.
type Layout struct {
	Root string
}

// NewLayout creates a Layout rooted at root
func NewLayout(root string) Layout {
	return Layout{Root: root}
}

// StaticDir is the directory holding every static version of an agency.
func (l Layout) StaticDir(agency string) string {
	return filepath.Join(l.Root, StaticDirName, agency)
}

// VersionDir is the directory of one static version.
func (l Layout) VersionDir(agency, version string) string {
	return filepath.Join(l.StaticDir(agency), version)
}

// StaticFragment is the path of the static fragment starting at ms.
func (l Layout) StaticFragment(agency, version string, ms int64) string {
	return filepath.Join(l.VersionDir(agency, version), models.FormatISO(models.FromMillis(ms))+StaticFragmentExt)
}

// RealTimeDir is the directory holding real-time fragments and remove logs.
func (l Layout) RealTimeDir(agency string) string {
	return filepath.Join(l.Root, RealTimeDirName, agency)
}

// RealTimeFragment returns the existing real-time fragment for the span
// starting at ms, preferring the uncompressed file still being written.
func (l Layout) RealTimeFragment(agency string, ms int64) (string, bool) {
	base := filepath.Join(l.RealTimeDir(agency), models.FormatISO(models.FromMillis(ms)))
	return firstExisting(base+RealTimeExt, base+RealTimeGzipExt)
}

// RemoveLog returns the existing remove log for the span starting at ms.
func (l Layout) RemoveLog(agency string, ms int64) (string, bool) {
	base := filepath.Join(l.RealTimeDir(agency), models.FormatISO(models.FromMillis(ms)))
	return firstExisting(base+RemoveExt, base+RemoveGzipExt)
}

// LatestRealTime is the latest.json sentinel next to the real-time fragments.
func (l Layout) LatestRealTime(agency string) string {
	return filepath.Join(l.RealTimeDir(agency), LatestFileName)
}

// FeedDir is the directory holding one sub directory per real-time update.
func (l Layout) FeedDir(agency string) string {
	return filepath.Join(l.Root, FeedDirName, agency)
}

// FeedBatchDir is the directory of a single real-time update batch.
func (l Layout) FeedBatchDir(agency, batch string) string {
	return filepath.Join(l.FeedDir(agency), batch)
}

// FeedFragment is the path of a feed fragment inside a batch.
func (l Layout) FeedFragment(agency, batch string, ms int64) string {
	return filepath.Join(l.FeedBatchDir(agency, batch), models.FormatISO(models.FromMillis(ms))+FeedFragmentExt)
}

// LatestFeed is the latest.json sentinel of the feed history.
func (l Layout) LatestFeed(agency string) string {
	return filepath.Join(l.FeedDir(agency), LatestFileName)
}

// ListDir returns the sorted entry names of dir, skipping latest.json and
// hidden files. A missing directory is reported as empty.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if name == LatestFileName || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ListSubdirs is ListDir restricted to directories.
func ListSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func firstExisting(paths ...string) (string, bool) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}
