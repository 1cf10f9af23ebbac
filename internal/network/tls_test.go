package network

import (
	"bytes"
	"crypto/x509"
	"testing"
)

func TestDevCertDeterministic(t *testing.T) {
	_, a, err := devTLSCert()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	_, b, err := devTLSCert()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("dev cert differs between calls")
	}
}

func TestClientTrustsDevCert(t *testing.T) {
	client, err := clientTLSConfig()
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	_, der, err := devTLSCert()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     client.RootCAs,
		DNSName:   client.ServerName,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	server, err := serverTLSConfig()
	if err != nil {
		t.Fatalf("server config: %v", err)
	}
	if len(server.NextProtos) != 1 || server.NextProtos[0] != client.NextProtos[0] {
		t.Fatalf("alpn mismatch %v vs %v", server.NextProtos, client.NextProtos)
	}
}
