package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Dataset is one agency served by this process.
type Dataset struct {
	CompanyName string `yaml:"companyName" validate:"required,excludesall=/\\"`
	// RealTimeData is nil for agencies without a real-time pipeline
	RealTimeData *RealTimeData `yaml:"realTimeData" validate:"omitempty"`
	Window       Window        `yaml:"window"`
	Feed         Feed          `yaml:"feed"`
}

type RealTimeData struct {
	// FragmentTimeSpan is the span of one real-time file in seconds
	FragmentTimeSpan int           `yaml:"fragmentTimeSpan" validate:"gte=0"`
	UpdateInterval   time.Duration `yaml:"updateInterval" validate:"gte=0"`
}

type Window struct {
	Fragments       int           `yaml:"fragments" validate:"gte=0"`
	RebuildInterval time.Duration `yaml:"rebuildInterval" validate:"gte=0"`
}

type Feed struct {
	Enabled  bool `yaml:"enabled"`
	Capacity int  `yaml:"capacity" validate:"gte=0"`
}

type datasetsFile struct {
	Datasets []Dataset `yaml:"datasets" validate:"required,min=1,unique=CompanyName,dive"`
}

// FragmentSpan returns the real-time file span as a duration
func (r *RealTimeData) FragmentSpan() time.Duration {
	return time.Duration(r.FragmentTimeSpan) * time.Second
}

// LoadDatasets reads, defaults and validates a datasets file
func LoadDatasets(path string) ([]Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading datasets file: %w", err)
	}
	return ParseDatasets(data)
}

// ParseDatasets decodes datasets YAML
func ParseDatasets(data []byte) ([]Dataset, error) {
	var f datasetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing datasets file: %w", err)
	}

	v := validator.New()
	if err := v.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid datasets file: %w", err)
	}

	for i := range f.Datasets {
		f.Datasets[i].applyDefaults()
	}
	return f.Datasets, nil
}

func (d *Dataset) applyDefaults() {
	if rt := d.RealTimeData; rt != nil {
		if rt.FragmentTimeSpan == 0 {
			rt.FragmentTimeSpan = 600
		}
		if rt.UpdateInterval == 0 {
			rt.UpdateInterval = 30 * time.Second
		}
	}
	if d.Window.Fragments == 0 {
		d.Window.Fragments = 100
	}
	if d.Window.RebuildInterval == 0 {
		d.Window.RebuildInterval = 10 * time.Minute
	}
	if d.Feed.Capacity == 0 {
		d.Feed.Capacity = 10
	}
}
