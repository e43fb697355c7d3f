// Package config holds the scheduler's single immutable Context (spec.md
// §9, "Global singletons"): portal URL, bearer token, domain, every loop's
// period, and the thresholds/limits that are not task-specific. Built once
// at startup from YAML and passed by pointer; there are no package-level
// mutable statics.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Context is the scheduler's immutable runtime configuration.
type Context struct {
	// Identity / external endpoints.
	Domain           string `yaml:"domain"`
	PortalURL        string `yaml:"portal_url"`
	PortalToken      string `yaml:"portal_token"`
	RegistryNodesURL string `yaml:"registry_nodes_url"`
	RegistryGatewaysURL string `yaml:"registry_gateways_url"`
	RegistryToken    string `yaml:"registry_token"`
	ReportToken      string `yaml:"report_token"` // bearer token required on POST /report

	// HTTP server.
	ListenAddr string `yaml:"listen_addr"`
	// PublicURL is this scheduler's own externally-reachable base URL,
	// handed to workers as report_callback on registration (spec.md §4.3,
	// §6). Falls back to ListenAddr if unset (fine for single-host setups,
	// wrong behind any NAT/LB — operators should set it explicitly).
	PublicURL string `yaml:"public_url"`

	// Storage.
	DataDir string `yaml:"data_dir"` // bbolt database directory

	// Loop periods (spec.md §5).
	ScannerInterval            time.Duration `yaml:"scanner_interval"`
	VerificationGeneratorInterval time.Duration `yaml:"verification_generator_interval"`
	RegularGeneratorInterval   time.Duration `yaml:"regular_generator_interval"`
	DeliveryInterval           time.Duration `yaml:"delivery_interval"`
	WorkerHealthInterval       time.Duration `yaml:"worker_health_interval"`

	// Plan lifecycle.
	VerificationWindow time.Duration `yaml:"verification_window"`

	// Task generation (spec.md §4.2).
	GenerationGrace time.Duration `yaml:"generation_grace"`

	// Result cache (spec.md §4.6).
	CacheSize int `yaml:"cache_size"` // K, default 3

	// Worker matching (spec.md §4.3).
	BestWorkersCount int `yaml:"best_workers_count"` // N, default 3

	// Delivery backpressure (spec.md §5).
	DeliveryMaxBatchBytes  int `yaml:"delivery_max_batch_bytes"`  // default 1 MiB
	DeliveryMaxInFlight    int `yaml:"delivery_max_in_flight"`    // per-worker, default 4

	// Worker health (spec.md §4.9).
	WorkerSilenceThreshold time.Duration `yaml:"worker_silence_threshold"`
	WorkerPingTimeout      time.Duration `yaml:"worker_ping_timeout"`

	// Portal reporter (spec.md §4.8).
	PortalMaxRetries int `yaml:"portal_max_retries"`

	// Result ingestion (spec.md §4.5).
	MaxReportBodyBytes int64 `yaml:"max_report_body_bytes"` // default 1 MiB

	// Task configuration directory (spec.md §6).
	TaskConfigDir string `yaml:"task_config_dir"`
}

// Default returns a Context populated with the defaults named throughout
// spec.md.
func Default() *Context {
	return &Context{
		ListenAddr:                     ":8080",
		DataDir:                        "data",
		ScannerInterval:                30 * time.Second,
		VerificationGeneratorInterval:  2 * time.Second,
		RegularGeneratorInterval:       30 * time.Second,
		DeliveryInterval:               500 * time.Millisecond,
		WorkerHealthInterval:           30 * time.Second,
		VerificationWindow:             10 * time.Minute,
		GenerationGrace:                1 * time.Second,
		CacheSize:                      3,
		BestWorkersCount:               3,
		DeliveryMaxBatchBytes:          1 << 20,
		DeliveryMaxInFlight:            4,
		WorkerSilenceThreshold:         60 * time.Second,
		WorkerPingTimeout:              4 * time.Second,
		PortalMaxRetries:               5,
		MaxReportBodyBytes:             1 << 20,
		TaskConfigDir:                  "config/tasks",
	}
}

// Load reads a YAML file at path, overlaying it onto Default().
func Load(path string) (*Context, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Save serializes cfg to path as YAML, in the form Load reads back.
func Save(cfg *Context, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
