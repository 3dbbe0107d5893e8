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

package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration at configPath, applying defaults for
// everything the file leaves unset. An empty path returns the defaults.
func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func Validate(config *Config) error {
	if config.Hostname == "" {
		return fmt.Errorf("hostname cannot be empty")
	}

	if config.Queue.MaxTries <= 0 {
		return fmt.Errorf("queue max_tries must be positive: %d", config.Queue.MaxTries)
	}
	if config.Queue.RetryScale < 1 {
		return fmt.Errorf("queue retry_scale must be >= 1: %v", config.Queue.RetryScale)
	}

	if config.Limits.Concurrency <= 0 {
		return fmt.Errorf("limits concurrency must be positive: %d", config.Limits.Concurrency)
	}
	if config.Limits.MaxMX <= 0 {
		return fmt.Errorf("limits max_mx must be positive: %d", config.Limits.MaxMX)
	}
	if config.Limits.MaxMultihomed <= 0 {
		return fmt.Errorf("limits max_multihomed must be positive: %d", config.Limits.MaxMultihomed)
	}
	if config.Limits.GlobalRate.Limit > 0 && config.Limits.GlobalRate.Period.Std() <= 0 {
		return fmt.Errorf("limits global_rate period must be positive when a limit is set")
	}

	switch config.MTASTS.Mode {
	case "optional", "strict", "off":
	default:
		return fmt.Errorf("invalid mta_sts mode: %s", config.MTASTS.Mode)
	}

	switch config.DNS.IPStrategy {
	case "ipv4_only", "ipv6_only", "ipv4_then_ipv6", "ipv6_then_ipv4":
	default:
		return fmt.Errorf("invalid dns ip_strategy: %s", config.DNS.IPStrategy)
	}

	for i, route := range config.Routes {
		if route.Domain == "" {
			return fmt.Errorf("routes[%d]: domain cannot be empty", i)
		}
		if route.Host == "" {
			return fmt.Errorf("routes[%d]: host cannot be empty", i)
		}
		if route.Port != "" {
			if _, err := strconv.ParseUint(route.Port, 10, 16); err != nil {
				return fmt.Errorf("routes[%d]: invalid port: %s", i, route.Port)
			}
		}
		if (route.Username == "") != (route.Password == "") {
			return fmt.Errorf("routes[%d]: username and password must be set together", i)
		}
	}

	if config.Debug.SMTPPort != "" {
		if _, err := strconv.ParseUint(config.Debug.SMTPPort, 10, 16); err != nil {
			return fmt.Errorf("invalid debug smtp_port: %s", config.Debug.SMTPPort)
		}
	}

	return nil
}
