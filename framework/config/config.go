/*
Crispmx - outbound SMTP delivery engine.
Copyright © 2024-2026 Crispmx contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config defines the daemon configuration file format and the
// Endpoint address syntax used throughout the delivery engine.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts the time.ParseDuration string forms ("30s", "2m") in
// YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %q", s)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	// Hostname sent in EHLO. Expected to resolve back to this machine for
	// most receivers to accept mail.
	Hostname string `yaml:"hostname"`

	Queue    QueueConfig   `yaml:"queue"`
	Routes   []Route       `yaml:"routes"`
	Limits   LimitsConfig  `yaml:"limits"`
	TLS      TLSConfig     `yaml:"tls"`
	MTASTS   MTASTSConfig  `yaml:"mta_sts"`
	DANE     DANEConfig    `yaml:"dane"`
	DNS      DNSConfig     `yaml:"dns"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Logging  LoggingConfig `yaml:"logging"`
	Debug    DebugConfig   `yaml:"debug"`
}

type QueueConfig struct {
	SpoolDir     string   `yaml:"spool_dir"`
	RetryInitial Duration `yaml:"retry_initial"`
	RetryScale   float64  `yaml:"retry_scale"`
	MaxTries     int      `yaml:"max_tries"`
}

// Route forces deliveries for matching recipient domains through a fixed
// next hop instead of the domain's MX records.
type Route struct {
	// Recipient domain pattern: exact name, "*.name" or "*".
	Domain string `yaml:"domain"`

	Host        string `yaml:"host"`
	Port        string `yaml:"port"`
	ImplicitTLS bool   `yaml:"implicit_tls"`
	LMTP        bool   `yaml:"lmtp"`

	// SASL credentials presented to the relay, empty means no AUTH.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	AllowInvalidCerts bool `yaml:"allow_invalid_certs"`
}

type LimitsConfig struct {
	// Parallel per-domain delivery goroutines.
	Concurrency int `yaml:"concurrency"`

	PerDomain RateConfig `yaml:"per_domain"`
	PerSender RateConfig `yaml:"per_sender"`

	// GlobalRate throttles connection attempts across all destinations.
	// Unlike the per-domain and per-sender windows it blocks instead of
	// rescheduling, Limit is the burst size refilled every Period.
	GlobalRate RateConfig `yaml:"global_rate"`

	MaxMX         int `yaml:"max_mx"`
	MaxMultihomed int `yaml:"max_multihomed"`
}

// RateConfig is a fixed-window counter: at most Limit events per Period.
// Zero Limit disables the limit.
type RateConfig struct {
	Limit  int      `yaml:"limit"`
	Period Duration `yaml:"period"`
}

type TLSConfig struct {
	// Never deliver without a STARTTLS-protected session.
	Require bool `yaml:"require"`

	// Skip X.509 verification of MX certificates. DANE verification still
	// applies where TLSA records exist.
	AllowInvalidCerts bool `yaml:"allow_invalid_certs"`
}

type MTASTSConfig struct {
	// "optional" (RFC 8461 behavior), "strict" (fetch failures defer
	// delivery) or "off".
	Mode     string `yaml:"mode"`
	CacheDir string `yaml:"cache_dir"`
}

type DANEConfig struct {
	Enable bool `yaml:"enable"`
}

type DNSConfig struct {
	// Overrides the system resolver, "host:port".
	Server string `yaml:"server"`

	// "ipv4_only", "ipv6_only", "ipv4_then_ipv6" or "ipv6_then_ipv4".
	IPStrategy string `yaml:"ip_strategy"`
}

type MetricsConfig struct {
	// "host:port" for the Prometheus /metrics endpoint, empty disables it.
	Listen string `yaml:"listen"`
}

type TimeoutConfig struct {
	Connect    Duration `yaml:"connect"`
	Command    Duration `yaml:"command"`
	Submission Duration `yaml:"submission"`
}

type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// DebugConfig carries test-only runtime switches. They are honored by the
// regular code paths, no special build is needed.
type DebugConfig struct {
	// Port used for MX connections instead of 25.
	SMTPPort string `yaml:"smtp_port"`

	// Permit deliveries to hosts that resolve to loopback addresses.
	AllowLoopback bool `yaml:"allow_loopback"`
}

func DefaultConfig() *Config {
	return &Config{
		Hostname: "localhost.localdomain",
		Queue: QueueConfig{
			SpoolDir:     "/var/spool/crispmx",
			RetryInitial: Duration(15 * time.Minute),
			RetryScale:   1.25,
			MaxTries:     20,
		},
		Limits: LimitsConfig{
			Concurrency:   16,
			MaxMX:         5,
			MaxMultihomed: 10,
		},
		MTASTS: MTASTSConfig{
			Mode:     "optional",
			CacheDir: "/var/lib/crispmx/mtasts",
		},
		DANE: DANEConfig{
			Enable: true,
		},
		DNS: DNSConfig{
			IPStrategy: "ipv4_then_ipv6",
		},
		Timeouts: TimeoutConfig{
			Connect:    Duration(5 * time.Minute),
			Command:    Duration(5 * time.Minute),
			Submission: Duration(12 * time.Minute),
		},
	}
}
