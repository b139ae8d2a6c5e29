package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pcp-agent.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
brokers:
  - wss://broker.example.com:8142/pcp
client_type: agent
ca_path: /tmp/ca.pem
cert_path: /tmp/cert.pem
key_path: /tmp/key.pem
data_dir: `+t.TempDir()+`
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Protocol != "v1" {
		t.Errorf("Protocol = %q, want v1", cfg.Protocol)
	}
	if cfg.WSConnectionTimeout != 5000*time.Millisecond {
		t.Errorf("WSConnectionTimeout = %v, want 5s", cfg.WSConnectionTimeout)
	}
	if cfg.MonitorCheckInterval != 15*time.Second {
		t.Errorf("MonitorCheckInterval = %v, want 15s", cfg.MonitorCheckInterval)
	}
}

func TestLoadRejectsMissingBrokers(t *testing.T) {
	path := writeConfigFile(t, `
client_type: agent
ca_path: /tmp/ca.pem
cert_path: /tmp/cert.pem
key_path: /tmp/key.pem
data_dir: `+t.TempDir()+`
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing brokers")
	}
}

func TestLoadRejectsBadProtocol(t *testing.T) {
	path := writeConfigFile(t, `
brokers:
  - wss://broker.example.com:8142/pcp
client_type: agent
protocol: v3
ca_path: /tmp/ca.pem
cert_path: /tmp/cert.pem
key_path: /tmp/key.pem
data_dir: `+t.TempDir()+`
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestValidateRejectsTightMonitorInterval(t *testing.T) {
	cfg := &Config{
		Brokers:              []string{"wss://broker.example.com:8142/pcp"},
		ClientType:           "agent",
		Protocol:             "v1",
		CAPath:               "/tmp/ca.pem",
		CertPath:             "/tmp/cert.pem",
		KeyPath:              "/tmp/key.pem",
		WSPongTimeout:        5 * time.Second,
		MonitorCheckInterval: 1 * time.Millisecond,
		DataDir:              t.TempDir(),
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for too-tight monitor interval")
	}

	// A 1s check_interval against a 5s pong timeout must also be rejected;
	// this is the boundary a seconds/millis scaling bug would pass.
	cfg.MonitorCheckInterval = 1 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for a 1s check_interval against a 5s pong timeout")
	}
}

func TestTimeoutsMapping(t *testing.T) {
	cfg := &Config{
		WSConnectionTimeout:     1 * time.Second,
		WSPongTimeout:           2 * time.Second,
		PongTimeoutsBeforeRetry: 3,
		AssociationTimeout:      4 * time.Second,
		AssociationRequestTTL:   5 * time.Second,
	}
	to := cfg.Timeouts()
	if to.WSConnectionTimeout != cfg.WSConnectionTimeout || to.PongTimeoutsBeforeRetry != 3 {
		t.Errorf("Timeouts() mapping mismatch: %+v", to)
	}
}
