package netstack

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

///////////////////////////////////////////////////////////////////////////////
// Addresses
///////////////////////////////////////////////////////////////////////////////

// IPv4 is an IPv4 address in network byte order.
type IPv4 [4]byte

func (ip IPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// IsBroadcast reports whether ip is the limited broadcast address.
func (ip IPv4) IsBroadcast() bool {
	return ip == IPv4{255, 255, 255, 255}
}

// IsZero reports whether ip is the unspecified address.
func (ip IPv4) IsZero() bool {
	return ip == IPv4{}
}

// ParseIPv4 parses a dotted-quad address such as "10.0.2.15".
func ParseIPv4(s string) (IPv4, error) {
	var ip IPv4
	var idx int

	for i := 0; i < 4; i++ {
		if idx >= len(s) {
			return IPv4{}, fmt.Errorf("parse %q: truncated address", s)
		}

		start := idx
		val := 0
		for idx < len(s) && s[idx] >= '0' && s[idx] <= '9' {
			val = val*10 + int(s[idx]-'0')
			if val > 255 {
				return IPv4{}, fmt.Errorf("parse %q: octet out of range", s)
			}
			idx++
		}
		if idx == start {
			return IPv4{}, fmt.Errorf("parse %q: expected digit at offset %d", s, idx)
		}
		ip[i] = byte(val)

		if i < 3 {
			if idx >= len(s) || s[idx] != '.' {
				return IPv4{}, fmt.Errorf("parse %q: expected '.' at offset %d", s, idx)
			}
			idx++
		}
	}
	if idx != len(s) {
		return IPv4{}, fmt.Errorf("parse %q: trailing characters", s)
	}

	return ip, nil
}

// MarshalYAML encodes the address as a dotted quad.
func (ip IPv4) MarshalYAML() (any, error) {
	return ip.String(), nil
}

// UnmarshalYAML decodes a dotted quad.
func (ip *IPv4) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseIPv4(s)
	if err != nil {
		return err
	}
	*ip = parsed
	return nil
}

// sameSubnet reports whether a and b fall in the same subnet under mask.
func sameSubnet(a, b, mask IPv4) bool {
	for i := range a {
		if a[i]&mask[i] != b[i]&mask[i] {
			return false
		}
	}
	return true
}

///////////////////////////////////////////////////////////////////////////////
// Configuration
///////////////////////////////////////////////////////////////////////////////

// Config holds the addressing and timing parameters of a Stack.
type Config struct {
	// LocalIP is the address the stack answers for.
	LocalIP IPv4 `yaml:"local_ip"`
	// Gateway receives traffic destined outside the local subnet.
	Gateway IPv4 `yaml:"gateway"`
	// DNSServer is the resolver used by Resolve.
	DNSServer IPv4 `yaml:"dns_server"`
	// Netmask defines the local subnet.
	Netmask IPv4 `yaml:"netmask"`

	// MTU bounds the IPv4 packets the stack emits.
	MTU int `yaml:"mtu"`

	// PollInterval is how often blocking operations drive Poll while
	// waiting for a response.
	PollInterval time.Duration `yaml:"poll_interval"`
	// ARPTimeout bounds a blocking next-hop resolution.
	ARPTimeout time.Duration `yaml:"arp_timeout"`
	// DNSTimeout bounds Resolve.
	DNSTimeout time.Duration `yaml:"dns_timeout"`
	// ConnectTimeout bounds the Connect handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// CloseTimeout bounds the graceful part of CloseSocket.
	CloseTimeout time.Duration `yaml:"close_timeout"`
	// AcceptWait bounds how long Accept waits for a pending handshake
	// to finish before giving up on that socket.
	AcceptWait time.Duration `yaml:"accept_wait"`
}

// DefaultConfig returns the QEMU user-mode addressing defaults.
func DefaultConfig() Config {
	return Config{
		LocalIP:   IPv4{10, 0, 2, 15},
		Gateway:   IPv4{10, 0, 2, 2},
		DNSServer: IPv4{10, 0, 2, 3},
		Netmask:   IPv4{255, 255, 255, 0},

		MTU: 1500,

		PollInterval:   10 * time.Millisecond,
		ARPTimeout:     1 * time.Second,
		DNSTimeout:     5 * time.Second,
		ConnectTimeout: 10 * time.Second,
		CloseTimeout:   5 * time.Second,
		AcceptWait:     1 * time.Second,
	}
}

// LoadConfig reads a YAML config file and applies environment overrides on
// top of it. Missing file fields keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	for _, ov := range []struct {
		key string
		dst *IPv4
	}{
		{"NETSTACK_LOCAL_IP", &c.LocalIP},
		{"NETSTACK_GATEWAY", &c.Gateway},
		{"NETSTACK_DNS_SERVER", &c.DNSServer},
		{"NETSTACK_NETMASK", &c.Netmask},
	} {
		if v := os.Getenv(ov.key); v != "" {
			ip, err := ParseIPv4(v)
			if err != nil {
				return fmt.Errorf("%s: %w", ov.key, err)
			}
			*ov.dst = ip
		}
	}

	c.MTU = getEnvInt("NETSTACK_MTU", c.MTU)
	c.PollInterval = getEnvDuration("NETSTACK_POLL_INTERVAL", c.PollInterval)
	c.ARPTimeout = getEnvDuration("NETSTACK_ARP_TIMEOUT", c.ARPTimeout)
	c.DNSTimeout = getEnvDuration("NETSTACK_DNS_TIMEOUT", c.DNSTimeout)
	c.ConnectTimeout = getEnvDuration("NETSTACK_CONNECT_TIMEOUT", c.ConnectTimeout)
	c.CloseTimeout = getEnvDuration("NETSTACK_CLOSE_TIMEOUT", c.CloseTimeout)

	return nil
}

func (c *Config) validate() error {
	if c.LocalIP.IsZero() {
		return fmt.Errorf("config: local_ip is required")
	}
	if c.MTU < 68 || c.MTU > 65535 {
		return fmt.Errorf("config: mtu %d out of range", c.MTU)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	return nil
}

// getEnvInt returns an environment variable as int or a default value.
func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns an environment variable as duration or a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
