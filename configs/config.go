package configs

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/magiconair/properties"
	"github.com/tidwall/gjson"
)

// Config is the proposer's static configuration, loaded from a .properties
// file with an optional JSON overlay, passed explicitly instead of read
// from package-level globals.
type Config struct {
	Tenant   string
	Timeline string

	SafekeepersList            []string
	SafekeeperReconnectTimeout time.Duration
	SafekeeperConnectionTimeout time.Duration

	WalSegmentSize  uint64
	SyncSafekeepers bool

	SystemID   uint64
	PgTimeline uint32

	StatusListenAddr string
	StateDir         string
}

// Load reads path as a .properties file and, if overridesPath exists, applies
// a JSON overlay on top via gjson.
func Load(path string, overridesPath string) (Config, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return Config{}, fmt.Errorf("configs: load %s: %w", path, err)
	}

	c := Config{
		SafekeeperReconnectTimeout:  time.Duration(p.GetInt64("safekeeper_reconnect_timeout_ms", 1000)) * time.Millisecond,
		SafekeeperConnectionTimeout: time.Duration(p.GetInt64("safekeeper_connection_timeout_ms", 10000)) * time.Millisecond,
		WalSegmentSize:              uint64(p.GetInt64("wal_segment_size", 16<<20)),
		SyncSafekeepers:             p.GetBool("sync_safekeepers", false),
		SystemID:                    uint64(p.GetInt64("system_id", 0)),
		PgTimeline:                  uint32(p.GetInt("pg_timeline", 1)),
		Tenant:                      p.GetString("tenant", ""),
		Timeline:                    p.GetString("timeline", ""),
		StatusListenAddr:            p.GetString("status_listen_addr", "127.0.0.1:7676"),
		StateDir:                    p.GetString("state_dir", "./state"),
	}
	if list := p.GetString("safekeepers_list", ""); list != "" {
		c.SafekeepersList = strings.Split(list, ",")
	}

	if overridesPath != "" {
		if b, err := os.ReadFile(overridesPath); err == nil {
			applyJSONOverrides(&c, b)
		}
	}

	return c, c.Validate()
}

func applyJSONOverrides(c *Config, b []byte) {
	r := gjson.ParseBytes(b)
	if v := r.Get("tenant"); v.Exists() {
		c.Tenant = v.String()
	}
	if v := r.Get("timeline"); v.Exists() {
		c.Timeline = v.String()
	}
	if v := r.Get("safekeepers_list"); v.Exists() {
		var list []string
		for _, e := range v.Array() {
			list = append(list, e.String())
		}
		if len(list) > 0 {
			c.SafekeepersList = list
		}
	}
	if v := r.Get("safekeeper_reconnect_timeout_ms"); v.Exists() {
		c.SafekeeperReconnectTimeout = time.Duration(v.Int()) * time.Millisecond
	}
	if v := r.Get("safekeeper_connection_timeout_ms"); v.Exists() {
		c.SafekeeperConnectionTimeout = time.Duration(v.Int()) * time.Millisecond
	}
	if v := r.Get("wal_segment_size"); v.Exists() {
		c.WalSegmentSize = uint64(v.Int())
	}
	if v := r.Get("sync_safekeepers"); v.Exists() {
		c.SyncSafekeepers = v.Bool()
	}
	if v := r.Get("system_id"); v.Exists() {
		c.SystemID = uint64(v.Int())
	}
	if v := r.Get("pg_timeline"); v.Exists() {
		c.PgTimeline = uint32(v.Int())
	}
	if v := r.Get("status_listen_addr"); v.Exists() {
		c.StatusListenAddr = v.String()
	}
	if v := r.Get("state_dir"); v.Exists() {
		c.StateDir = v.String()
	}
}

// Validate enforces the configuration-error class of spec.md §7.4: these
// fail fast at construction, before the event loop ever starts.
func (c Config) Validate() error {
	if len(c.SafekeepersList) == 0 {
		return fmt.Errorf("configs: safekeepers_list must name at least one acceptor")
	}
	if len(c.SafekeepersList) > 32 {
		return fmt.Errorf("configs: safekeepers_list names %d acceptors, max 32", len(c.SafekeepersList))
	}
	if len(c.Tenant) != 32 {
		return fmt.Errorf("configs: tenant must be a 32-hex-digit UUID, got %q", c.Tenant)
	}
	if len(c.Timeline) != 32 {
		return fmt.Errorf("configs: timeline must be a 32-hex-digit UUID, got %q", c.Timeline)
	}
	if c.WalSegmentSize == 0 {
		return fmt.Errorf("configs: wal_segment_size must be nonzero")
	}
	return nil
}

// Quorum returns floor(N/2)+1 for the configured acceptor count.
func (c Config) Quorum() int {
	n := len(c.SafekeepersList)
	return n/2 + 1
}
