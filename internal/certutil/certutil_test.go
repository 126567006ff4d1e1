package certutil

import (
	"crypto/tls"
	"testing"
	"time"
)

func TestGenerateEphemeral(t *testing.T) {
	cert, err := GenerateEphemeral("kmpsock")
	if err != nil {
		t.Fatalf("GenerateEphemeral failed: %v", err)
	}

	if cert.Leaf == nil {
		t.Fatal("certificate leaf not populated")
	}
	if cert.Leaf.Subject.CommonName != "kmpsock" {
		t.Errorf("common name = %q, want kmpsock", cert.Leaf.Subject.CommonName)
	}
	if err := cert.Leaf.VerifyHostname("localhost"); err != nil {
		t.Errorf("localhost not covered: %v", err)
	}
	if err := cert.Leaf.VerifyHostname("127.0.0.1"); err != nil {
		t.Errorf("127.0.0.1 not covered: %v", err)
	}

	now := time.Now()
	if now.Before(cert.Leaf.NotBefore) || now.After(cert.Leaf.NotAfter) {
		t.Errorf("certificate not currently valid: %v - %v", cert.Leaf.NotBefore, cert.Leaf.NotAfter)
	}
}

func TestGenerateEphemeral_Distinct(t *testing.T) {
	a, err := GenerateEphemeral("kmpsock")
	if err != nil {
		t.Fatalf("GenerateEphemeral failed: %v", err)
	}
	b, err := GenerateEphemeral("kmpsock")
	if err != nil {
		t.Fatalf("GenerateEphemeral failed: %v", err)
	}

	if a.Leaf.SerialNumber.Cmp(b.Leaf.SerialNumber) == 0 {
		t.Error("two ephemeral certificates share a serial number")
	}
}

func TestConfigs(t *testing.T) {
	cert, err := GenerateEphemeral("kmpsock")
	if err != nil {
		t.Fatalf("GenerateEphemeral failed: %v", err)
	}

	server := ServerConfig(cert, "kmpsock/1")
	if len(server.Certificates) != 1 {
		t.Error("server config missing certificate")
	}
	if server.MinVersion != tls.VersionTLS13 {
		t.Error("server config allows pre-1.3 TLS")
	}
	if len(server.NextProtos) != 1 || server.NextProtos[0] != "kmpsock/1" {
		t.Errorf("server ALPN = %v", server.NextProtos)
	}

	client := ClientConfig("kmpsock/1")
	if !client.InsecureSkipVerify {
		t.Error("client config must accept self-signed peers")
	}
	if len(client.NextProtos) != 1 || client.NextProtos[0] != "kmpsock/1" {
		t.Errorf("client ALPN = %v", client.NextProtos)
	}
}
