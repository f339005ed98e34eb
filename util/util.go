package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/pem"
	"fmt"
	"html"
	"regexp"
	"strings"
)

//go:embed version.txt
var embeddedVersion string

// MinKeyBits is the smallest RSA key accepted for actor keys.
const MinKeyBits = 2048

var markdownLink = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)

type RsaKeyPair struct {
	Private string
	Public  string
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

// UserAgent is sent on every outbound federation request.
func UserAgent(domain string) string {
	return fmt.Sprintf("%s/%s (+https://%s/)", Name, GetVersion(), domain)
}

// GeneratePemKeypair creates an RSA key pair encoded as PKCS#8 private and
// PKIX public PEM, the encodings other servers expect in actor documents.
func GeneratePemKeypair(bits int) (*RsaKeyPair, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("rsa key size %d below minimum %d", bits, MinKeyBits)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}, nil
}

// MarkdownLinksToHTML converts Markdown links [text](url) to HTML <a> tags
// and escapes everything else.
func MarkdownLinksToHTML(text string) string {
	var b strings.Builder
	last := 0
	for _, m := range markdownLink.FindAllStringSubmatchIndex(text, -1) {
		b.WriteString(html.EscapeString(text[last:m[0]]))
		linkText := html.EscapeString(text[m[2]:m[3]])
		linkURL := html.EscapeString(text[m[4]:m[5]])
		fmt.Fprintf(&b, `<a href="%s" rel="nofollow noopener noreferrer" target="_blank">%s</a>`, linkURL, linkText)
		last = m[1]
	}
	b.WriteString(html.EscapeString(text[last:]))
	return b.String()
}

// TextToHTML renders plain note text as the HTML content field of a Note.
func TextToHTML(text string) string {
	paragraphs := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	var b strings.Builder
	for _, p := range paragraphs {
		if p == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(MarkdownLinksToHTML(p), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}
