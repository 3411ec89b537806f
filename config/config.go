// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads the daemon's YAML configuration and coerces it
// through a schema so typos and type mismatches fail at startup, not
// at first use.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/yaml.v3"
)

// Scheduler tunes the placement pipeline.
type Scheduler struct {
	// Policy is "deterministic" or "stochastic".
	Policy string

	// HeadroomFactor scales requested size in the capacity filter.
	HeadroomFactor float64

	// Multipliers adjusts weigher influence by name.
	Multipliers map[string]float64
}

// Locks tunes the mutual exclusion service.
type Locks struct {
	LeaseDuration time.Duration
	AcquireDelay  time.Duration
}

// Config is the daemon configuration.
type Config struct {
	// Host is this worker's identity; required.
	Host string

	// Cluster optionally groups this worker with interchangeable
	// peers.
	Cluster string

	// AvailabilityZone tags locally published capability reports.
	AvailabilityZone string

	// DataDir holds the database; empty means in-memory.
	DataDir string

	// LoggingConfig is a loggo specification, e.g.
	// "<root>=INFO;basalt.state=DEBUG".
	LoggingConfig string

	LivenessThreshold time.Duration
	ReportInterval    time.Duration
	SnapshotMaxAge    time.Duration

	// MaxConcurrent bounds in-flight lifecycle operations.
	MaxConcurrent int

	Scheduler Scheduler
	Locks     Locks
}

// Default returns the configuration used where the file is silent.
func Default() Config {
	return Config{
		LoggingConfig:     "<root>=INFO",
		LivenessThreshold: time.Minute,
		ReportInterval:    30 * time.Second,
		SnapshotMaxAge:    time.Second,
		MaxConcurrent:     4,
		Scheduler: Scheduler{
			Policy:         "deterministic",
			HeadroomFactor: 1.0,
		},
		Locks: Locks{
			LeaseDuration: time.Minute,
			AcquireDelay:  250 * time.Millisecond,
		},
	}
}

var configChecker = schema.FieldMap(schema.Fields{
	"host":               schema.NonEmptyString("host"),
	"cluster":            schema.String(),
	"availability-zone":  schema.String(),
	"data-dir":           schema.String(),
	"logging-config":     schema.String(),
	"liveness-threshold": schema.TimeDurationString(),
	"report-interval":    schema.TimeDurationString(),
	"snapshot-max-age":   schema.TimeDurationString(),
	"max-concurrent":     schema.ForceInt(),
	"scheduler": schema.FieldMap(schema.Fields{
		"policy":          schema.OneOf(schema.Const("deterministic"), schema.Const("stochastic")),
		"headroom-factor": schema.Any(),
		"multipliers":     schema.StringMap(schema.Any()),
	}, schema.Defaults{
		"policy":          schema.Omit,
		"headroom-factor": schema.Omit,
		"multipliers":     schema.Omit,
	}),
	"locks": schema.FieldMap(schema.Fields{
		"lease-duration": schema.TimeDurationString(),
		"acquire-delay":  schema.TimeDurationString(),
	}, schema.Defaults{
		"lease-duration": schema.Omit,
		"acquire-delay":  schema.Omit,
	}),
}, schema.Defaults{
	"cluster":            schema.Omit,
	"availability-zone":  schema.Omit,
	"data-dir":           schema.Omit,
	"logging-config":     schema.Omit,
	"liveness-threshold": schema.Omit,
	"report-interval":    schema.Omit,
	"snapshot-max-age":   schema.Omit,
	"max-concurrent":     schema.Omit,
	"scheduler":          schema.Omit,
	"locks":              schema.Omit,
})

// Read loads, coerces and validates the file at path.
func Read(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotatef(err, "reading config %q", path)
	}
	cfg, err := Parse(data)
	return cfg, errors.Annotatef(err, "config %q", path)
}

// Parse coerces raw YAML into a validated Config.
func Parse(data []byte) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Annotate(err, "parsing config")
	}
	coerced, err := configChecker.Coerce(raw, nil)
	if err != nil {
		return Config{}, errors.Annotate(err, "validating config")
	}
	m := coerced.(map[string]any)

	cfg := Default()
	cfg.Host = m["host"].(string)
	if v, ok := m["cluster"]; ok {
		cfg.Cluster = v.(string)
	}
	if v, ok := m["availability-zone"]; ok {
		cfg.AvailabilityZone = v.(string)
	}
	if v, ok := m["data-dir"]; ok {
		cfg.DataDir = v.(string)
	}
	if v, ok := m["logging-config"]; ok {
		cfg.LoggingConfig = v.(string)
	}
	if err := readDuration(m, "liveness-threshold", &cfg.LivenessThreshold); err != nil {
		return Config{}, errors.Trace(err)
	}
	if err := readDuration(m, "report-interval", &cfg.ReportInterval); err != nil {
		return Config{}, errors.Trace(err)
	}
	if err := readDuration(m, "snapshot-max-age", &cfg.SnapshotMaxAge); err != nil {
		return Config{}, errors.Trace(err)
	}
	if v, ok := m["max-concurrent"]; ok {
		cfg.MaxConcurrent = int(v.(int64))
	}
	if v, ok := m["scheduler"]; ok {
		sm := v.(map[string]any)
		if p, ok := sm["policy"]; ok {
			cfg.Scheduler.Policy = p.(string)
		}
		if h, ok := sm["headroom-factor"]; ok {
			f, err := toFloat(h)
			if err != nil {
				return Config{}, errors.Annotate(err, "headroom-factor")
			}
			cfg.Scheduler.HeadroomFactor = f
		}
		if mm, ok := sm["multipliers"]; ok {
			cfg.Scheduler.Multipliers = map[string]float64{}
			for k, val := range mm.(map[string]any) {
				f, err := toFloat(val)
				if err != nil {
					return Config{}, errors.Annotatef(err, "multiplier %q", k)
				}
				cfg.Scheduler.Multipliers[k] = f
			}
		}
	}
	if v, ok := m["locks"]; ok {
		lm := v.(map[string]any)
		if err := readDuration(lm, "lease-duration", &cfg.Locks.LeaseDuration); err != nil {
			return Config{}, errors.Trace(err)
		}
		if err := readDuration(lm, "acquire-delay", &cfg.Locks.AcquireDelay); err != nil {
			return Config{}, errors.Trace(err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

func readDuration(m map[string]any, key string, out *time.Duration) error {
	v, ok := m[key]
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v.(string))
	if err != nil {
		return errors.NotValidf("%s %q", key, v)
	}
	*out = d
	return nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, errors.NotValidf("number %v", v)
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.NotValidf("config without host")
	}
	switch c.Scheduler.Policy {
	case "deterministic", "stochastic":
	default:
		return errors.NotValidf("scheduler policy %q", c.Scheduler.Policy)
	}
	if c.Scheduler.HeadroomFactor < 0 {
		return errors.NotValidf("negative headroom factor")
	}
	if c.MaxConcurrent < 1 {
		return errors.NotValidf("max-concurrent %d", c.MaxConcurrent)
	}
	return nil
}
