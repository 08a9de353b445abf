package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Orchestration settings tuned by operators at runtime. Reading an unset
// key returns the default and persists it, so the settings file always
// shows the effective values.
const (
	KeyTimeout            = "timeout"
	KeyMaxRenewCount      = "max_renew_count"
	KeyMaxInstanceCount   = "max_instance_count"
	KeyPortRangeStart     = "port_range_start"
	KeyPortRangeEnd       = "port_range_end"
	KeySubnetCIDR         = "subnet_cidr"
	KeyFrpAPIURL          = "frp_api_url"
	KeyFrpAPIIP           = "frp_api_ip"
	KeyFrpAPIPort         = "frp_api_port"
	KeyFrpConfigTemplate  = "frp_config_template"
	KeyFrpDomainSuffix    = "frp_http_domain_suffix"
	KeyDockerNodes        = "docker_nodes"
	KeyDockerDNS          = "docker_dns"
	KeyAutoConnectNetwork = "auto_connect_network"
)

var settingDefaults = map[string]string{
	KeyTimeout:            "3600",
	KeyMaxRenewCount:      "5",
	KeyMaxInstanceCount:   "100",
	KeyPortRangeStart:     "10000",
	KeyPortRangeEnd:       "10100",
	KeySubnetCIDR:         "10.32.0.0/16",
	KeyFrpAPIURL:          "",
	KeyFrpAPIIP:           "frpc",
	KeyFrpAPIPort:         "7400",
	KeyFrpConfigTemplate:  "",
	KeyFrpDomainSuffix:    "localhost",
	KeyDockerNodes:        "",
	KeyDockerDNS:          "",
	KeyAutoConnectNetwork: "frp-containers",
}

// Settings is the persisted key/value store shared by the orchestration
// components.
type Settings struct {
	path   string
	mu     sync.Mutex
	values map[string]string
}

func OpenSettings(path string) (*Settings, error) {
	s := &Settings{path: path, values: map[string]string{}}
	if _, err := os.Stat(path); err == nil {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read settings file: %w", err)
		}
		if len(b) > 0 {
			if err := json.Unmarshal(b, &s.values); err != nil {
				return nil, fmt.Errorf("parse settings file: %w", err)
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat settings file: %w", err)
	}
	return s, nil
}

// Get returns the stored value for key, falling back to (and persisting)
// the registered default.
func (s *Settings) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	def := settingDefaults[key]
	s.values[key] = def
	if err := s.persistLocked(); err != nil {
		// the default is still served; the write retries on the next Set
		delete(s.values, key)
	}
	return def
}

func (s *Settings) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.persistLocked()
}

func (s *Settings) Int(key string) int {
	n, err := strconv.Atoi(s.Get(key))
	if err != nil {
		n, _ = strconv.Atoi(settingDefaults[key])
	}
	return n
}

func (s *Settings) Seconds(key string) time.Duration {
	return time.Duration(s.Int(key)) * time.Second
}

func (s *Settings) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	b, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write temp settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
