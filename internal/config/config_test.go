package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "kmpsock.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
metrics:
  listen: 127.0.0.1:9090
instances:
  - transport: udp
    relay: true
    local_port: 10253
    remote_address: fd00::1
    remote_port: 10253
    receive_rate: 100
  - transport: quic
    remote_address: 192.0.2.7
    remote_port: 4444
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log config = %+v", cfg.Log)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9090" {
		t.Errorf("metrics listen = %q", cfg.Metrics.Listen)
	}
	if len(cfg.Instances) != 2 {
		t.Fatalf("instances = %d, want 2", len(cfg.Instances))
	}

	inst := cfg.Instances[0]
	if !inst.Relay || inst.LocalPort != 10253 || inst.ReceiveRate != 100 {
		t.Errorf("instance 0 = %+v", inst)
	}

	ep, err := inst.RemoteEndpoint()
	if err != nil {
		t.Fatalf("RemoteEndpoint failed: %v", err)
	}
	if ep.String() != "[fd00::1]:10253" {
		t.Errorf("remote endpoint = %s", ep)
	}

	if cfg.Instances[1].TransportKind() != TransportQUIC {
		t.Errorf("instance 1 transport = %q", cfg.Instances[1].TransportKind())
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
instances:
  - remote_address: 10.0.0.1
    remote_port: 1000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("defaults not applied: %+v", cfg.Log)
	}
	if cfg.Instances[0].TransportKind() != TransportUDP {
		t.Errorf("default transport = %q", cfg.Instances[0].TransportKind())
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no instances",
			content: "log:\n  level: info\n",
			wantErr: "no instances",
		},
		{
			name: "bad transport",
			content: `
instances:
  - transport: tcp
    remote_address: 10.0.0.1
    remote_port: 1000
`,
			wantErr: "unknown transport",
		},
		{
			name: "missing remote port",
			content: `
instances:
  - remote_address: 10.0.0.1
`,
			wantErr: "remote_port",
		},
		{
			name: "bad remote address",
			content: `
instances:
  - remote_address: not-an-ip
    remote_port: 1000
`,
			wantErr: "remote_address",
		},
		{
			name: "negative rate",
			content: `
instances:
  - remote_address: 10.0.0.1
    remote_port: 1000
    receive_rate: -5
`,
			wantErr: "receive_rate",
		},
		{
			name: "bad log level",
			content: `
log:
  level: loud
instances:
  - remote_address: 10.0.0.1
    remote_port: 1000
`,
			wantErr: "log level",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load should have failed")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load of missing file should fail")
	}
}
