package tenantdb

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxConnections is the pool size used when none is configured.
	DefaultMaxConnections = 8
	// SingleGatewayMaxConnections sizes the pool for one globally-routed gateway.
	SingleGatewayMaxConnections = 64
	// MultipleGatewaysMaxConnections sizes the pool for one instance of a scaled-out fleet.
	MultipleGatewaysMaxConnections = 8
)

// RecyclingMethod selects the pre-use validation applied to an idle
// connection before it is handed to a caller.
type RecyclingMethod int

const (
	// RecyclingVerified pings the backend before reuse.
	RecyclingVerified RecyclingMethod = iota
	// RecyclingFast trusts the broken flag and skips the ping.
	RecyclingFast
	// RecyclingCustom defers to the predicate set with WithRecycleCheck.
	RecyclingCustom
)

// String returns the string representation of the recycling method
func (m RecyclingMethod) String() string {
	switch m {
	case RecyclingVerified:
		return "verified"
	case RecyclingFast:
		return "fast"
	case RecyclingCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m RecyclingMethod) MarshalText() ([]byte, error) {
	if m < RecyclingVerified || m > RecyclingCustom {
		return nil, fmt.Errorf("unknown recycling method %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *RecyclingMethod) UnmarshalText(text []byte) error {
	method, err := ParseRecyclingMethod(string(text))
	if err != nil {
		return err
	}
	*m = method
	return nil
}

// ParseRecyclingMethod parses "verified", "fast" or "custom".
func ParseRecyclingMethod(s string) (RecyclingMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "verified":
		return RecyclingVerified, nil
	case "fast":
		return RecyclingFast, nil
	case "custom":
		return RecyclingCustom, nil
	default:
		return 0, NewValidationError("pool config", "recycling_method", fmt.Sprintf("unknown value %q", s), nil)
	}
}

// PoolConfig holds the sizing and timeout policy of a Pool. A nil timeout
// means the phase is unbounded; a zero timeout is a real bound, so a zero
// WaitTimeout fails immediately when the pool is at capacity.
//
// PoolConfig is a value type. The With* methods return modified copies and
// New keeps its own copy, so a config cannot change under a running pool.
type PoolConfig struct {
	MaxConnections  *int            `json:"max_connections,omitempty" yaml:"max_connections,omitempty"`
	CreateTimeout   *time.Duration  `json:"create_timeout,omitempty" yaml:"create_timeout,omitempty"`
	WaitTimeout     *time.Duration  `json:"wait_timeout,omitempty" yaml:"wait_timeout,omitempty"`
	RecycleTimeout  *time.Duration  `json:"recycle_timeout,omitempty" yaml:"recycle_timeout,omitempty"`
	RecyclingMethod RecyclingMethod `json:"recycling_method" yaml:"recycling_method"`
}

// DefaultPoolConfig returns the multiple-gateways profile.
func DefaultPoolConfig() PoolConfig {
	return MultipleGatewaysConfig()
}

// SingleGatewayConfig returns a profile for a single gateway instance that
// owns the whole backend connection budget.
func SingleGatewayConfig() PoolConfig {
	return PoolConfig{}.WithMaxConnections(SingleGatewayMaxConnections)
}

// MultipleGatewaysConfig returns a profile for one of many gateway instances
// sharing the backend connection budget.
func MultipleGatewaysConfig() PoolConfig {
	return PoolConfig{}.WithMaxConnections(MultipleGatewaysMaxConnections)
}

// WithMaxConnections returns a copy with the maximum pool size set.
func (c PoolConfig) WithMaxConnections(n int) PoolConfig {
	c.MaxConnections = &n
	return c
}

// WithCreateTimeout returns a copy with the connection creation budget set.
func (c PoolConfig) WithCreateTimeout(d time.Duration) PoolConfig {
	c.CreateTimeout = &d
	return c
}

// WithWaitTimeout returns a copy with the slot wait budget set.
func (c PoolConfig) WithWaitTimeout(d time.Duration) PoolConfig {
	c.WaitTimeout = &d
	return c
}

// WithRecycleTimeout returns a copy with the recycle budget set.
func (c PoolConfig) WithRecycleTimeout(d time.Duration) PoolConfig {
	c.RecycleTimeout = &d
	return c
}

// WithRecyclingMethod returns a copy with the recycling method set.
func (c PoolConfig) WithRecyclingMethod(m RecyclingMethod) PoolConfig {
	c.RecyclingMethod = m
	return c
}

// MaxSize returns the configured maximum, or DefaultMaxConnections when unset.
func (c PoolConfig) MaxSize() int {
	if c.MaxConnections == nil {
		return DefaultMaxConnections
	}
	return *c.MaxConnections
}

// Validate checks the config for values New would reject.
func (c PoolConfig) Validate() error {
	if c.MaxConnections != nil && *c.MaxConnections < 1 {
		return NewValidationError("pool config", "max_connections", "must be at least 1", nil)
	}
	if c.MaxSize() > int(^uint32(0)>>1) {
		return NewValidationError("pool config", "max_connections", "too large", nil)
	}

	timeouts := []struct {
		field string
		value *time.Duration
	}{
		{"create_timeout", c.CreateTimeout},
		{"wait_timeout", c.WaitTimeout},
		{"recycle_timeout", c.RecycleTimeout},
	}
	for _, t := range timeouts {
		if t.value != nil && *t.value < 0 {
			return NewValidationError("pool config", t.field, "must not be negative", nil)
		}
	}

	if c.RecyclingMethod < RecyclingVerified || c.RecyclingMethod > RecyclingCustom {
		return NewValidationError("pool config", "recycling_method", fmt.Sprintf("unknown value %d", int(c.RecyclingMethod)), nil)
	}
	return nil
}

// clone returns a deep copy so the pool never aliases caller-owned pointers.
func (c PoolConfig) clone() PoolConfig {
	out := PoolConfig{RecyclingMethod: c.RecyclingMethod}
	n := c.MaxSize()
	out.MaxConnections = &n
	out.CreateTimeout = cloneDuration(c.CreateTimeout)
	out.WaitTimeout = cloneDuration(c.WaitTimeout)
	out.RecycleTimeout = cloneDuration(c.RecycleTimeout)
	return out
}

func cloneDuration(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// poolConfigYAML mirrors PoolConfig with string durations.
type poolConfigYAML struct {
	MaxConnections  *int    `yaml:"max_connections"`
	CreateTimeout   *string `yaml:"create_timeout"`
	WaitTimeout     *string `yaml:"wait_timeout"`
	RecycleTimeout  *string `yaml:"recycle_timeout"`
	RecyclingMethod string  `yaml:"recycling_method"`
}

// ParsePoolConfig decodes a YAML document into a PoolConfig. Durations use
// Go syntax ("250ms", "5s"). Missing fields keep their zero value; the result
// is validated before it is returned.
//
// Example:
//
//	max_connections: 16
//	wait_timeout: 2s
//	recycling_method: fast
func ParsePoolConfig(data []byte) (PoolConfig, error) {
	var raw poolConfigYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return PoolConfig{}, NewValidationError("pool config", "document", "malformed yaml", err)
	}

	cfg := PoolConfig{MaxConnections: raw.MaxConnections}
	durations := []struct {
		field string
		raw   *string
		dst   **time.Duration
	}{
		{"create_timeout", raw.CreateTimeout, &cfg.CreateTimeout},
		{"wait_timeout", raw.WaitTimeout, &cfg.WaitTimeout},
		{"recycle_timeout", raw.RecycleTimeout, &cfg.RecycleTimeout},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		v, err := time.ParseDuration(*d.raw)
		if err != nil {
			return PoolConfig{}, NewValidationError("pool config", d.field, "invalid duration", err)
		}
		*d.dst = &v
	}

	method, err := ParseRecyclingMethod(raw.RecyclingMethod)
	if err != nil {
		return PoolConfig{}, err
	}
	cfg.RecyclingMethod = method

	if err := cfg.Validate(); err != nil {
		return PoolConfig{}, err
	}
	return cfg, nil
}

// getEnvWithDefault returns the value of the environment variable or a default value
func getEnvWithDefault(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

// getEnvIntWithDefault returns the value of the environment variable as an int or a default value
func getEnvIntWithDefault(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

// GetDSN returns a PostgreSQL connection string built from environment variables.
// New uses it when called with an empty address.
//
// Environment variables used:
//   - POSTGRES_HOST (default: "localhost")
//   - POSTGRES_PORT (default: 5432)
//   - POSTGRES_USER (default: "postgres")
//   - POSTGRES_PASSWORD (default: "")
//   - POSTGRES_DB (default: "postgres")
//   - POSTGRES_SSLMODE (default: "disable")
func GetDSN() string {
	host := getEnvWithDefault("POSTGRES_HOST", "localhost")
	port := getEnvIntWithDefault("POSTGRES_PORT", 5432)
	user := getEnvWithDefault("POSTGRES_USER", "postgres")
	password := getEnvWithDefault("POSTGRES_PASSWORD", "")
	dbname := getEnvWithDefault("POSTGRES_DB", "postgres")
	sslmode := getEnvWithDefault("POSTGRES_SSLMODE", "disable")

	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + dbname,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	return dsn.String()
}
