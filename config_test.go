package netstack

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseIPv4(t *testing.T) {
	valid := map[string]IPv4{
		"10.0.2.15":       {10, 0, 2, 15},
		"0.0.0.0":         {},
		"255.255.255.255": {255, 255, 255, 255},
		"192.168.1.1":     {192, 168, 1, 1},
	}
	for s, want := range valid {
		got, err := ParseIPv4(s)
		if err != nil {
			t.Errorf("ParseIPv4(%q): %v", s, err)
			continue
		}
		if got != want {
			t.Errorf("ParseIPv4(%q) = %v, want %v", s, got, want)
		}
		if got.String() != s {
			t.Errorf("String() = %q, want %q", got.String(), s)
		}
	}

	invalid := []string{
		"", "10.0.2", "10.0.2.15.1", "256.0.0.1", "10..2.15",
		"10.0.2.15 ", "a.b.c.d", "10,0,2,15", "-1.0.0.0",
	}
	for _, s := range invalid {
		if _, err := ParseIPv4(s); err == nil {
			t.Errorf("ParseIPv4(%q) accepted", s)
		}
	}
}

func TestSameSubnet(t *testing.T) {
	mask := IPv4{255, 255, 255, 0}

	if !sameSubnet(IPv4{10, 0, 2, 15}, IPv4{10, 0, 2, 2}, mask) {
		t.Errorf("same /24 reported different")
	}
	if sameSubnet(IPv4{10, 0, 2, 15}, IPv4{10, 0, 3, 2}, mask) {
		t.Errorf("different /24 reported same")
	}
	if !sameSubnet(IPv4{10, 0, 2, 15}, IPv4{10, 0, 3, 2}, IPv4{255, 255, 0, 0}) {
		t.Errorf("same /16 reported different")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LocalIP != (IPv4{10, 0, 2, 15}) {
		t.Errorf("local ip %s", cfg.LocalIP.String())
	}
	if cfg.Gateway != (IPv4{10, 0, 2, 2}) {
		t.Errorf("gateway %s", cfg.Gateway.String())
	}
	if cfg.DNSServer != (IPv4{10, 0, 2, 3}) {
		t.Errorf("dns server %s", cfg.DNSServer.String())
	}
	if cfg.MTU != 1500 {
		t.Errorf("mtu %d", cfg.MTU)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.yaml")
	body := `local_ip: 192.168.7.10
gateway: 192.168.7.1
mtu: 9000
dns_timeout: 2s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LocalIP != (IPv4{192, 168, 7, 10}) {
		t.Errorf("local ip %s", cfg.LocalIP.String())
	}
	if cfg.MTU != 9000 {
		t.Errorf("mtu %d", cfg.MTU)
	}
	if cfg.DNSTimeout != 2*time.Second {
		t.Errorf("dns timeout %s", cfg.DNSTimeout)
	}

	// Fields missing from the file keep their defaults.
	if cfg.DNSServer != (IPv4{10, 0, 2, 3}) {
		t.Errorf("dns server %s", cfg.DNSServer.String())
	}
	if cfg.PollInterval != 10*time.Millisecond {
		t.Errorf("poll interval %s", cfg.PollInterval)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("NETSTACK_LOCAL_IP", "172.16.0.5")
	t.Setenv("NETSTACK_MTU", "1400")
	t.Setenv("NETSTACK_CONNECT_TIMEOUT", "3s")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LocalIP != (IPv4{172, 16, 0, 5}) {
		t.Errorf("local ip %s", cfg.LocalIP.String())
	}
	if cfg.MTU != 1400 {
		t.Errorf("mtu %d", cfg.MTU)
	}
	if cfg.ConnectTimeout != 3*time.Second {
		t.Errorf("connect timeout %s", cfg.ConnectTimeout)
	}
}

func TestLoadConfigEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.yaml")
	if err := os.WriteFile(path, []byte("mtu: 9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NETSTACK_MTU", "1280")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MTU != 1280 {
		t.Errorf("mtu %d, want env override", cfg.MTU)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("NETSTACK_LOCAL_IP", "not-an-address")
	if _, err := LoadConfig(""); err == nil {
		t.Errorf("bad env address accepted")
	}
	t.Setenv("NETSTACK_LOCAL_IP", "")

	path := filepath.Join(t.TempDir(), "net.yaml")
	if err := os.WriteFile(path, []byte("mtu: 40\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("mtu below minimum accepted")
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("missing file accepted")
	}
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalIP = IPv4{10, 1, 2, 3}

	path := filepath.Join(t.TempDir(), "net.yaml")
	if err := os.WriteFile(path, []byte("local_ip: 10.1.2.3\nnetmask: 255.255.0.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.LocalIP != cfg.LocalIP {
		t.Errorf("local ip %s", loaded.LocalIP.String())
	}
	if loaded.Netmask != (IPv4{255, 255, 0, 0}) {
		t.Errorf("netmask %s", loaded.Netmask.String())
	}
}
