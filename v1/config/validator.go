package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "sync.reconnect_interval_ms")
	Value   any
	Message string
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidBuses returns the broadcast backends
func ValidBuses() []string {
	return []string{"memory", "redis", "nats", "kafka", "mesh", "none"}
}

// ValidLeaseStores returns the lease table backends
func ValidLeaseStores() []string {
	return []string{"memory", "redis"}
}

// ValidCaches returns the durable cache backends
func ValidCaches() []string {
	return []string{"memory", "redis", "sqlite"}
}

// ValidAuditModes returns the drift auditor modes
func ValidAuditModes() []string {
	return []string{"noop", "alert", "autoheal"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateSync()...)
	errors = append(errors, c.validateLock()...)
	errors = append(errors, c.validateBackend()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateAudit()...)
	return errors
}

func positive(field string, v int) []ValidationError {
	if v <= 0 {
		return []ValidationError{{Field: field, Value: v, Message: "must be positive"}}
	}
	return nil
}

func oneOf(field, v string, valid []string) []ValidationError {
	if !slices.Contains(valid, v) {
		return []ValidationError{{
			Field:   field,
			Value:   v,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(valid, ", ")),
		}}
	}
	return nil
}

func (c *Config) validateSync() []ValidationError {
	var errors []ValidationError
	s := c.Sync
	if s.Enabled {
		u, err := url.Parse(s.ChannelURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "sync.channel_url",
				Value:   s.ChannelURL,
				Message: "must be a ws:// or wss:// URL",
			})
		}
	}
	errors = append(errors, positive("sync.reconnect_interval_ms", s.ReconnectIntervalMs)...)
	errors = append(errors, positive("sync.heartbeat_interval_ms", s.HeartbeatIntervalMs)...)
	errors = append(errors, positive("sync.poll_interval_ms", s.PollIntervalMs)...)
	if s.MaxReconnectAttempts < 0 {
		errors = append(errors, ValidationError{
			Field:   "sync.max_reconnect_attempts",
			Value:   s.MaxReconnectAttempts,
			Message: "must be non-negative",
		})
	}
	if s.GracePeriodMs < s.HeartbeatIntervalMs {
		errors = append(errors, ValidationError{
			Field:   "sync.grace_period_ms",
			Value:   s.GracePeriodMs,
			Message: "must not be shorter than sync.heartbeat_interval_ms",
		})
	}
	return errors
}

func (c *Config) validateLock() []ValidationError {
	errors := positive("lock.ttl_ms", c.Lock.TTLMs)
	if strings.TrimSpace(c.Lock.ProjectPath) == "" {
		errors = append(errors, ValidationError{Field: "lock.project_path", Value: c.Lock.ProjectPath, Message: "must not be empty"})
	}
	return errors
}

func (c *Config) validateBackend() []ValidationError {
	var errors []ValidationError
	b := c.Backend
	errors = append(errors, oneOf("backend.bus", b.Bus, ValidBuses())...)
	errors = append(errors, oneOf("backend.leases", b.Leases, ValidLeaseStores())...)
	errors = append(errors, oneOf("backend.cache", b.Cache, ValidCaches())...)

	if (b.Bus == "redis" || b.Leases == "redis" || b.Cache == "redis") && c.Redis.Addr == "" {
		errors = append(errors, ValidationError{Field: "redis.addr", Value: c.Redis.Addr, Message: "required by a redis backend"})
	}
	if b.Bus == "mesh" && (c.Mesh.Port <= 0 || c.Mesh.Port > 65535) {
		errors = append(errors, ValidationError{Field: "mesh.port", Value: c.Mesh.Port, Message: "must be a valid UDP port"})
	}
	if b.Bus == "nats" && c.NATS.URL == "" {
		errors = append(errors, ValidationError{Field: "nats.url", Value: c.NATS.URL, Message: "required by the nats bus"})
	}
	if b.Bus == "kafka" && len(c.Kafka.Brokers) == 0 {
		errors = append(errors, ValidationError{Field: "kafka.brokers", Value: c.Kafka.Brokers, Message: "required by the kafka bus"})
	}
	if b.Cache == "sqlite" && c.SQLite.Path == "" {
		errors = append(errors, ValidationError{Field: "sqlite.path", Value: c.SQLite.Path, Message: "required by the sqlite cache"})
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	if c.Logging.Level == "" {
		return nil
	}
	return oneOf("logging.level", strings.ToLower(c.Logging.Level), ValidLogLevels())
}

func (c *Config) validateAudit() []ValidationError {
	errors := oneOf("audit.mode", c.Audit.Mode, ValidAuditModes())
	if c.Audit.Mode != "noop" {
		errors = append(errors, positive("audit.interval_ms", c.Audit.IntervalMs)...)
	}
	return errors
}
