package config

import (
	"time"

	"github.com/dd0wney/cluso-ha/pkg/validation"
)

// Defaults.
const (
	DefaultHeartbeatInterval     = time.Second
	DefaultHeartbeatTimeout      = 500 * time.Millisecond
	DefaultMissedHeartbeats      = 3
	DefaultHealthGracePeriod     = 10 * time.Second
	DefaultSyncPollInterval      = time.Second
	DefaultReconcileInterval     = time.Second
	DefaultFailoverTimeout       = 2 * time.Minute
	DefaultProbeInterval         = 5 * time.Second
	DefaultProbeFailureThreshold = 2
	DefaultProbePort             = 59999
	DefaultMaxSendQueue          = 1 << 20 // bytes of unsent log
	DefaultMaxRedoQueue          = 4 << 20 // bytes of unapplied log
	DefaultMaxAsyncLag           = 30 * time.Second
	DefaultAPIListen             = ":8480"
	DefaultTokenTTL              = 12 * time.Hour
	DefaultAuditBuffer           = 1000
	DefaultArchiveInterval       = time.Hour
)

// Default returns a config with every timing and threshold set.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	t := &c.Timings
	t.HeartbeatInterval = validation.DefaultOrDuration(t.HeartbeatInterval, DefaultHeartbeatInterval)
	t.HeartbeatTimeout = validation.DefaultOrDuration(t.HeartbeatTimeout, DefaultHeartbeatTimeout)
	t.MissedHeartbeats = validation.DefaultOrInt(t.MissedHeartbeats, DefaultMissedHeartbeats)
	t.HealthGracePeriod = validation.DefaultOrDuration(t.HealthGracePeriod, DefaultHealthGracePeriod)
	t.SyncPollInterval = validation.DefaultOrDuration(t.SyncPollInterval, DefaultSyncPollInterval)
	t.ReconcileInterval = validation.DefaultOrDuration(t.ReconcileInterval, DefaultReconcileInterval)
	t.FailoverTimeout = validation.DefaultOrDuration(t.FailoverTimeout, DefaultFailoverTimeout)
	t.ProbeInterval = validation.DefaultOrDuration(t.ProbeInterval, DefaultProbeInterval)
	t.ProbeFailureThreshold = validation.DefaultOrInt(t.ProbeFailureThreshold, DefaultProbeFailureThreshold)

	th := &c.Thresholds
	th.MaxSendQueue = validation.DefaultOrInt64(th.MaxSendQueue, DefaultMaxSendQueue)
	th.MaxRedoQueue = validation.DefaultOrInt64(th.MaxRedoQueue, DefaultMaxRedoQueue)
	th.MaxAsyncLag = validation.DefaultOrDuration(th.MaxAsyncLag, DefaultMaxAsyncLag)

	c.Engine.Kind = validation.DefaultOr(c.Engine.Kind, EngineSimulated)
	c.API.Listen = validation.DefaultOr(c.API.Listen, DefaultAPIListen)
	c.API.TokenTTL = validation.DefaultOrDuration(c.API.TokenTTL, DefaultTokenTTL)
	c.Audit.BufferSize = validation.DefaultOrInt(c.Audit.BufferSize, DefaultAuditBuffer)
	c.Audit.Archive.Interval = validation.DefaultOrDuration(c.Audit.Archive.Interval, DefaultArchiveInterval)
	c.Logging.Level = validation.DefaultOr(c.Logging.Level, "info")

	for i := range c.Groups {
		g := &c.Groups[i]
		for j := range g.Replicas {
			r := &g.Replicas[j]
			r.SyncMode = validation.DefaultOr(r.SyncMode, "SYNCHRONOUS")
			r.FailoverMode = validation.DefaultOr(r.FailoverMode, "AUTOMATIC")
		}
		if g.Endpoint != nil {
			g.Endpoint.ProbePort = validation.DefaultOrInt(g.Endpoint.ProbePort, DefaultProbePort)
		}
	}
}
