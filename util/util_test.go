package util

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetNameAndVersion(t *testing.T) {
	result := GetNameAndVersion()
	if !strings.HasPrefix(result, "rox / ") {
		t.Errorf("Expected 'rox / <version>', got '%s'", result)
	}
	if GetVersion() == "" {
		t.Error("Expected a non-empty version")
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent("rox.example")
	if !strings.HasPrefix(ua, "rox/") || !strings.Contains(ua, "https://rox.example/") {
		t.Errorf("Unexpected user agent: %s", ua)
	}
}

func TestGeneratePemKeypair(t *testing.T) {
	pair, err := GeneratePemKeypair(2048)
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}

	block, _ := pem.Decode([]byte(pair.Private))
	if block == nil || block.Type != "PRIVATE KEY" {
		t.Fatalf("Expected PKCS#8 PRIVATE KEY block, got %+v", block)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		t.Fatalf("Failed to parse private key: %v", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		t.Fatal("Expected RSA private key")
	}
	if priv.N.BitLen() != 2048 {
		t.Errorf("Expected 2048 bit key, got %d", priv.N.BitLen())
	}

	block, _ = pem.Decode([]byte(pair.Public))
	if block == nil || block.Type != "PUBLIC KEY" {
		t.Fatalf("Expected PKIX PUBLIC KEY block, got %+v", block)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		t.Fatalf("Failed to parse public key: %v", err)
	}
	if !priv.PublicKey.Equal(pub) {
		t.Error("Public key does not match private key")
	}
}

func TestGeneratePemKeypairRejectsSmallKeys(t *testing.T) {
	if _, err := GeneratePemKeypair(1024); err == nil {
		t.Error("Expected error for 1024 bit key")
	}
}

func TestMarkdownLinksToHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain text escaped",
			input:    "<b>hi</b>",
			expected: "&lt;b&gt;hi&lt;/b&gt;",
		},
		{
			name:     "single link",
			input:    "see [docs](https://rox.example/docs)",
			expected: `see <a href="https://rox.example/docs" rel="nofollow noopener noreferrer" target="_blank">docs</a>`,
		},
		{
			name:     "text around link",
			input:    "a [b](https://c.example) d",
			expected: `a <a href="https://c.example" rel="nofollow noopener noreferrer" target="_blank">b</a> d`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MarkdownLinksToHTML(tt.input); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestTextToHTML(t *testing.T) {
	got := TextToHTML("first line\nsecond\n\nnext <p>")
	expected := "<p>first line<br>second</p><p>next &lt;p&gt;</p>"
	if got != expected {
		t.Errorf("Expected '%s', got '%s'", expected, got)
	}
}

func TestResolveFilePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got := ResolveFilePath(":memory:"); got != ":memory:" {
		t.Errorf("Expected ':memory:', got '%s'", got)
	}

	abs := filepath.Join(home, "abs.db")
	if got := ResolveFilePath(abs); got != abs {
		t.Errorf("Expected absolute path unchanged, got '%s'", got)
	}

	got := ResolveFilePath("rox-test-missing.db")
	expected := filepath.Join(home, AppConfigDir, "rox-test-missing.db")
	if got != expected {
		t.Errorf("Expected '%s', got '%s'", expected, got)
	}
	if _, err := os.Stat(filepath.Join(home, AppConfigDir)); err != nil {
		t.Errorf("Expected config dir to be created: %v", err)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", &buf)
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Info message should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("Expected warn message in output: %s", out)
	}
}
