// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when CONFIG_PATH is unset. It may be absent.
const DefaultPath = "config.yaml"

// Backend names accepted in the provider strategy lists.
const (
	BackendRules      = "rules"
	BackendVirusTotal = "virustotal"
	BackendURLScan    = "urlscan"
	BackendMistral    = "mistral"
)

// AnalysisConfig tunes the workflow controller.
type AnalysisConfig struct {
	BranchTimeout   time.Duration
	MaxLinks        int
	LinkConcurrency int
	// AttachmentConcurrency caps concurrent attachment scans per email.
	AttachmentConcurrency int
	Strict                bool
	// Workers is the number of emails assessed concurrently by the service.
	Workers int
}

// VirusTotalConfig configures the VirusTotal backend.
type VirusTotalConfig struct {
	APIKey             string
	BaseURL            string
	MaliciousThreshold int
	PollInterval       time.Duration
	PollTimeout        time.Duration
}

// URLScanConfig configures the urlscan.io backend.
type URLScanConfig struct {
	APIKey       string
	BaseURL      string
	Visibility   string
	PollDelay    time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// MistralConfig configures the LLM backend.
type MistralConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// ProvidersConfig selects and configures the signal provider strategies.
type ProvidersConfig struct {
	LinkBackends       []string
	AttachmentBackends []string
	LanguageBackend    string

	VirusTotal VirusTotalConfig
	URLScan    URLScanConfig
	Mistral    MistralConfig
}

// MailboxConfig configures the IMAP poller. It is disabled when Host is empty.
type MailboxConfig struct {
	Host         string
	Port         int
	Username     string
	Password     string
	Folder       string
	TLS          bool
	MarkSeen     bool
	PollInterval time.Duration
}

// Enabled reports whether an IMAP mailbox is configured.
func (m MailboxConfig) Enabled() bool { return m.Host != "" }

// Addr returns host:port.
func (m MailboxConfig) Addr() string { return fmt.Sprintf("%s:%d", m.Host, m.Port) }

// Config holds all configuration for the guardian service.
type Config struct {
	Analysis  AnalysisConfig
	Providers ProvidersConfig
	Mailbox   MailboxConfig

	// Redis
	RedisURL     string
	EmailsQueue  string
	ReportsQueue string
	DedupTTL     time.Duration

	// Report storage
	DatabaseURL  string
	SQLitePath   string
	KafkaBrokers []string
	KafkaTopic   string

	// HTTP API
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling. Durations are
// strings such as "90s".
type rawConfig struct {
	Analysis struct {
		BranchTimeout         string `yaml:"branch_timeout"`
		MaxLinks              int    `yaml:"max_links"`
		LinkConcurrency       int    `yaml:"link_concurrency"`
		AttachmentConcurrency int    `yaml:"attachment_concurrency"`
		Strict                bool   `yaml:"strict"`
		Workers               int    `yaml:"workers"`
	} `yaml:"analysis"`
	Providers struct {
		LinkBackends       []string `yaml:"link_backends"`
		AttachmentBackends []string `yaml:"attachment_backends"`
		LanguageBackend    string   `yaml:"language_backend"`
		VirusTotal         struct {
			APIKey             string `yaml:"api_key"`
			BaseURL            string `yaml:"base_url"`
			MaliciousThreshold int    `yaml:"malicious_threshold"`
			PollInterval       string `yaml:"poll_interval"`
			PollTimeout        string `yaml:"poll_timeout"`
		} `yaml:"virustotal"`
		URLScan struct {
			APIKey       string `yaml:"api_key"`
			BaseURL      string `yaml:"base_url"`
			Visibility   string `yaml:"visibility"`
			PollDelay    string `yaml:"poll_delay"`
			PollInterval string `yaml:"poll_interval"`
			PollTimeout  string `yaml:"poll_timeout"`
		} `yaml:"urlscan"`
		Mistral struct {
			APIKey  string `yaml:"api_key"`
			BaseURL string `yaml:"base_url"`
			Model   string `yaml:"model"`
			Timeout string `yaml:"timeout"`
		} `yaml:"mistral"`
	} `yaml:"providers"`
	Mailbox struct {
		Host         string `yaml:"host"`
		Port         int    `yaml:"port"`
		Username     string `yaml:"username"`
		Password     string `yaml:"password"`
		Folder       string `yaml:"folder"`
		TLS          *bool  `yaml:"tls"`
		MarkSeen     bool   `yaml:"mark_seen"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"mailbox"`
	Redis struct {
		URL      string `yaml:"url"`
		DedupTTL string `yaml:"dedup_ttl"`
		Queues   struct {
			Emails  string `yaml:"emails"`
			Reports string `yaml:"reports"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Database struct {
		URL    string `yaml:"url"`
		SQLite string `yaml:"sqlite"`
	} `yaml:"database"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
}

// Load reads configuration from CONFIG_PATH (default config.yaml) after
// loading a .env file if one is present. The default file may be absent,
// in which case defaults and environment variables apply; a CONFIG_PATH
// that cannot be read is an error.
func Load() (*Config, error) {
	path, explicit := os.LookupEnv("CONFIG_PATH")
	if !explicit || path == "" {
		path, explicit = DefaultPath, false
	}
	return load(path, explicit)
}

// LoadFile reads configuration from path, which must exist.
func LoadFile(path string) (*Config, error) {
	return load(path, true)
}

func load(path string, required bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var raw rawConfig
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case required || !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	return build(&raw)
}

func build(raw *rawConfig) (*Config, error) {
	var d durations

	p := raw.Providers
	cfg := &Config{
		Analysis: AnalysisConfig{
			BranchTimeout:         d.parse("analysis.branch_timeout", firstNonEmpty(os.Getenv("BRANCH_TIMEOUT"), raw.Analysis.BranchTimeout), 2*time.Minute),
			MaxLinks:              firstPositive(envOrDefaultInt("MAX_LINKS", 0), raw.Analysis.MaxLinks, 20),
			LinkConcurrency:       firstPositive(raw.Analysis.LinkConcurrency, 4),
			AttachmentConcurrency: firstPositive(raw.Analysis.AttachmentConcurrency, 2),
			Strict:                raw.Analysis.Strict || envOrDefault("STRICT_INVARIANTS", "") == "true",
			Workers:               firstPositive(envOrDefaultInt("WORKERS", 0), raw.Analysis.Workers, 4),
		},
		Providers: ProvidersConfig{
			LinkBackends:       normaliseBackends(p.LinkBackends, BackendRules),
			AttachmentBackends: normaliseBackends(p.AttachmentBackends, BackendRules),
			LanguageBackend:    strings.ToLower(firstNonEmpty(p.LanguageBackend, BackendRules)),
			VirusTotal: VirusTotalConfig{
				APIKey:             firstNonEmpty(p.VirusTotal.APIKey, os.Getenv("VIRUSTOTAL_API_KEY")),
				BaseURL:            p.VirusTotal.BaseURL,
				MaliciousThreshold: firstPositive(p.VirusTotal.MaliciousThreshold, 3),
				PollInterval:       d.parse("providers.virustotal.poll_interval", p.VirusTotal.PollInterval, 5*time.Second),
				PollTimeout:        d.parse("providers.virustotal.poll_timeout", p.VirusTotal.PollTimeout, 60*time.Second),
			},
			URLScan: URLScanConfig{
				APIKey:       firstNonEmpty(p.URLScan.APIKey, os.Getenv("URLSCAN_API_KEY")),
				BaseURL:      p.URLScan.BaseURL,
				Visibility:   firstNonEmpty(p.URLScan.Visibility, "unlisted"),
				PollDelay:    d.parse("providers.urlscan.poll_delay", p.URLScan.PollDelay, 10*time.Second),
				PollInterval: d.parse("providers.urlscan.poll_interval", p.URLScan.PollInterval, 2*time.Second),
				PollTimeout:  d.parse("providers.urlscan.poll_timeout", p.URLScan.PollTimeout, 60*time.Second),
			},
			Mistral: MistralConfig{
				APIKey:  firstNonEmpty(p.Mistral.APIKey, os.Getenv("MISTRAL_API_KEY")),
				BaseURL: p.Mistral.BaseURL,
				Model:   firstNonEmpty(p.Mistral.Model, "mistral-medium"),
				Timeout: d.parse("providers.mistral.timeout", p.Mistral.Timeout, 60*time.Second),
			},
		},
		Mailbox: MailboxConfig{
			Host:         firstNonEmpty(raw.Mailbox.Host, os.Getenv("IMAP_HOST")),
			Port:         firstPositive(raw.Mailbox.Port, envOrDefaultInt("IMAP_PORT", 0)),
			Username:     firstNonEmpty(raw.Mailbox.Username, os.Getenv("IMAP_USERNAME")),
			Password:     firstNonEmpty(raw.Mailbox.Password, os.Getenv("IMAP_PASSWORD")),
			Folder:       firstNonEmpty(raw.Mailbox.Folder, "INBOX"),
			TLS:          raw.Mailbox.TLS == nil || *raw.Mailbox.TLS,
			MarkSeen:     raw.Mailbox.MarkSeen,
			PollInterval: d.parse("mailbox.poll_interval", firstNonEmpty(os.Getenv("POLL_INTERVAL"), raw.Mailbox.PollInterval), 60*time.Second),
		},
		RedisURL:     firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		EmailsQueue:  firstNonEmpty(raw.Redis.Queues.Emails, envOrDefault("EMAILS_QUEUE", "emails")),
		ReportsQueue: firstNonEmpty(raw.Redis.Queues.Reports, envOrDefault("REPORTS_QUEUE", "reports")),
		DedupTTL:     d.parse("redis.dedup_ttl", raw.Redis.DedupTTL, 24*time.Hour),
		DatabaseURL:  firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		SQLitePath:   firstNonEmpty(raw.Database.SQLite, os.Getenv("SQLITE_PATH")),
		KafkaBrokers: raw.Kafka.Brokers,
		KafkaTopic:   firstNonEmpty(raw.Kafka.Topic, envOrDefault("KAFKA_TOPIC", "guardian.reports")),
		Port:         envOrDefaultInt("PORT", 8080),
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" && len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = splitList(v)
	}
	if cfg.Mailbox.Port == 0 {
		cfg.Mailbox.Port = 993
		if !cfg.Mailbox.TLS {
			cfg.Mailbox.Port = 143
		}
	}

	if d.err != nil {
		return nil, d.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	known := map[string]bool{BackendRules: true, BackendVirusTotal: true, BackendURLScan: true, BackendMistral: true}
	for _, b := range c.Providers.LinkBackends {
		if !known[b] {
			return fmt.Errorf("providers.link_backends: unknown backend %q", b)
		}
	}
	for _, b := range c.Providers.AttachmentBackends {
		if b != BackendRules && b != BackendVirusTotal {
			return fmt.Errorf("providers.attachment_backends: unsupported backend %q", b)
		}
	}
	if b := c.Providers.LanguageBackend; b != BackendRules && b != BackendMistral {
		return fmt.Errorf("providers.language_backend: unsupported backend %q", b)
	}
	if c.Mailbox.Enabled() && (c.Mailbox.Username == "" || c.Mailbox.Password == "") {
		return fmt.Errorf("mailbox %s configured without credentials", c.Mailbox.Host)
	}
	return nil
}

// durations collects the first duration parse error.
type durations struct {
	err error
}

func (d *durations) parse(field, value string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	v, err := time.ParseDuration(value)
	if err != nil || v <= 0 {
		if d.err == nil {
			d.err = fmt.Errorf("%s: invalid duration %q", field, value)
		}
		return fallback
	}
	return v
}

func normaliseBackends(list []string, fallback string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, b := range list {
		b = strings.ToLower(strings.TrimSpace(b))
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	if len(out) == 0 {
		return []string{fallback}
	}
	return out
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
