// Package config loads the ssdpd daemon configuration from HCL.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Advertise is one service to publish, labeled by its service type.
//
//	advertise "urn:schemas-upnp-org:service:Printer:1" {
//	  headers = { LOCATION = "http://${env.HOSTNAME}/desc.xml" }
//	}
type Advertise struct {
	Type    string            `hcl:"type,label"`
	Headers map[string]string `hcl:"headers,optional"`
}

// Config is the ssdpd daemon configuration.
type Config struct {
	Group          string   `hcl:"group,optional"`
	Interfaces     []string `hcl:"interfaces,optional"`
	TTL            int      `hcl:"ttl,optional"`
	Loopback       bool     `hcl:"loopback,optional"`
	UUID           string   `hcl:"uuid,optional"`
	NotifyInterval string   `hcl:"notify_interval,optional"`
	SearchInterval string   `hcl:"search_interval,optional"`
	SearchMX       int      `hcl:"search_mx,optional"`
	LogLevel       string   `hcl:"log_level,optional"`
	MetricsAddr    string   `hcl:"metrics_addr,optional"`

	Advertise []Advertise `hcl:"advertise,block"`
	Browse    []string    `hcl:"browse,optional"`
}

// Default returns the configuration an empty file yields.
func Default() *Config {
	return &Config{
		Group:    "239.255.255.250:1900",
		TTL:      2,
		LogLevel: "info",
	}
}

// Load reads and parses an HCL config file. A missing file is not an
// error; the defaults come back instead, so ssdpd runs unconfigured.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, path)
}

// Parse decodes HCL bytes into a Config. Environment variables are
// available to expressions as env.NAME.
func Parse(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse config: %s", diags.Error())
	}

	cfg := Default()
	if diags := gohcl.DecodeBody(file.Body, evalContext(), cfg); diags.HasErrors() {
		return nil, fmt.Errorf("decode config: %s", diags.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values beyond what decoding enforces.
func (c *Config) Validate() error {
	if c.Group == "" {
		return fmt.Errorf("group must not be empty")
	}
	if c.TTL < 1 || c.TTL > 255 {
		return fmt.Errorf("ttl %d out of range 1-255", c.TTL)
	}
	if _, err := c.durationField("notify_interval", c.NotifyInterval); err != nil {
		return err
	}
	if _, err := c.durationField("search_interval", c.SearchInterval); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Advertise))
	for _, adv := range c.Advertise {
		if adv.Type == "" {
			return fmt.Errorf("advertise block needs a service type label")
		}
		if seen[adv.Type] {
			return fmt.Errorf("advertise %q declared twice", adv.Type)
		}
		seen[adv.Type] = true
	}
	return nil
}

// NotifyIntervalDuration returns the parsed notify interval, zero when
// unset. Validate has already rejected malformed values.
func (c *Config) NotifyIntervalDuration() time.Duration {
	d, _ := c.durationField("notify_interval", c.NotifyInterval)
	return d
}

// SearchIntervalDuration returns the parsed search interval, zero when
// unset.
func (c *Config) SearchIntervalDuration() time.Duration {
	d, _ := c.durationField("search_interval", c.SearchInterval)
	return d
}

func (c *Config) durationField(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, d)
	}
	return d, nil
}

// evalContext exposes the process environment to HCL expressions.
func evalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(env),
		},
	}
}
