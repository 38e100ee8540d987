package ticketd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/ticketd/internal/election"
	"pkt.systems/ticketd/internal/engine"
)

const (
	// DefaultObtentionTimeout bounds how long a lock request may wait
	// before the agent answers LOCKFAILED.
	DefaultObtentionTimeout = engine.DefaultObtentionTimeout
	// DefaultHoldDuration is the lease granted when the client does not
	// ask for one; the lock auto-releases when it lapses.
	DefaultHoldDuration = engine.DefaultHoldDuration
	// DefaultRetryInterval spaces LOCKENTERING rebroadcasts to peers
	// that have not acknowledged yet.
	DefaultRetryInterval = engine.DefaultRetryInterval
	// DefaultMaxAttempts caps LOCKENTERING rebroadcasts before the
	// request fails.
	DefaultMaxAttempts = engine.DefaultMaxAttempts
	// DefaultMetricsListen is the Prometheus scrape endpoint; empty
	// disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultSysdiagInterval is how often host memory/load diagnostics
	// are logged; zero disables the sampler.
	DefaultSysdiagInterval = time.Duration(0)
	// DefaultShutdownTimeout caps how long the CLI waits for a clean
	// shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// MemberConfig declares one cluster member: its node id and its leader
// election priority (1 strongest, 15 weakest, 0 never a candidate).
type MemberConfig struct {
	ID       string `yaml:"id" json:"id"`
	Priority int    `yaml:"priority" json:"priority"`
}

// MembersFile is the YAML document the members file holds.
type MembersFile struct {
	Members []MemberConfig `yaml:"members" json:"members"`
}

// Config drives a Server. The zero value is not runnable: it needs at
// least a member list (inline or via MembersFile).
type Config struct {
	// Members is the cluster roster. Quorum is computed against
	// len(Members), including members that are down.
	Members []MemberConfig `yaml:"members" json:"members"`
	// MembersFile, when set, is a YAML roster loaded at startup and
	// watched for changes; edits adjust the expected member count of
	// running agents without a restart.
	MembersFile string `yaml:"members_file" json:"members_file"`
	// Nodes restricts which members this server actually hosts. Empty
	// means all of them.
	Nodes []string `yaml:"nodes" json:"nodes"`

	ObtentionTimeout time.Duration `yaml:"obtention_timeout" json:"obtention_timeout"`
	HoldDuration     time.Duration `yaml:"hold_duration" json:"hold_duration"`
	RetryInterval    time.Duration `yaml:"retry_interval" json:"retry_interval"`
	MaxAttempts      int           `yaml:"max_attempts" json:"max_attempts"`

	MetricsListen          string        `yaml:"metrics_listen" json:"metrics_listen"`
	PprofListen            string        `yaml:"pprof_listen" json:"pprof_listen"`
	OTLPEndpoint           string        `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	EnableProfilingMetrics bool          `yaml:"profiling_metrics" json:"profiling_metrics"`
	SysdiagInterval        time.Duration `yaml:"sysdiag_interval" json:"sysdiag_interval"`
}

func (c *Config) applyDefaults() {
	if c.ObtentionTimeout <= 0 {
		c.ObtentionTimeout = DefaultObtentionTimeout
	}
	if c.HoldDuration <= 0 {
		c.HoldDuration = DefaultHoldDuration
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

// Validate checks the roster after defaults and file loading applied.
func (c *Config) Validate() error {
	if len(c.Members) == 0 {
		return fmt.Errorf("config: no cluster members configured")
	}
	seen := make(map[string]struct{}, len(c.Members))
	for _, m := range c.Members {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			return fmt.Errorf("config: member with empty id")
		}
		if id != m.ID {
			return fmt.Errorf("config: member id %q has surrounding whitespace", m.ID)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("config: duplicate member id %q", id)
		}
		seen[id] = struct{}{}
		if m.Priority < election.PriorityOff || m.Priority > election.PriorityMax {
			return fmt.Errorf("config: member %q priority %d out of range [%d, %d]",
				id, m.Priority, election.PriorityOff, election.PriorityMax)
		}
	}
	for _, n := range c.Nodes {
		if _, ok := seen[n]; !ok {
			return fmt.Errorf("config: hosted node %q is not in the member list", n)
		}
	}
	return nil
}

// LoadMembersFile parses a YAML roster.
func LoadMembersFile(path string) ([]MemberConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read members file: %w", err)
	}
	return ParseMembers(raw)
}

// ParseMembers decodes a YAML roster document. It accepts either a
// top-level `members:` list or a bare list of members.
func ParseMembers(raw []byte) ([]MemberConfig, error) {
	var file MembersFile
	if err := yaml.Unmarshal(raw, &file); err != nil || len(file.Members) == 0 {
		var bare []MemberConfig
		if bareErr := yaml.Unmarshal(raw, &bare); bareErr == nil && len(bare) > 0 {
			return normalizeMembers(bare)
		}
		if err != nil {
			return nil, fmt.Errorf("config: parse members: %w", err)
		}
		return nil, fmt.Errorf("config: members file declares no members")
	}
	return normalizeMembers(file.Members)
}

func normalizeMembers(members []MemberConfig) ([]MemberConfig, error) {
	out := make([]MemberConfig, len(members))
	copy(out, members)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	cfg := Config{Members: out}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// engineMembers converts the roster to the engine's representation.
func engineMembers(members []MemberConfig) []engine.Member {
	out := make([]engine.Member, 0, len(members))
	for _, m := range members {
		out = append(out, engine.Member{ID: m.ID, Priority: m.Priority})
	}
	return out
}

// hostedNodes resolves which members this server runs.
func (c *Config) hostedNodes() []string {
	if len(c.Nodes) > 0 {
		return c.Nodes
	}
	out := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		out = append(out, m.ID)
	}
	return out
}
