package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

const (
	headerRequestTarget = "(request-target)"
	headerDate          = "date"
	headerDigest        = "digest"
	headerHost          = "host"
)

var (
	signedHeadersWithBody    = []string{headerRequestTarget, headerHost, headerDate, headerDigest}
	signedHeadersWithoutBody = []string{headerRequestTarget, headerHost, headerDate}
)

// Sign adds Date, Host, Digest (when body is non-nil) and Signature headers
// to req. body must be the exact bytes that will be sent.
// keyId format: "https://example.com/users/alice#main-key"
func Sign(req *http.Request, keyId string, key *rsa.PrivateKey, body []byte) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)

	headers := signedHeadersWithoutBody
	if body != nil {
		headers = signedHeadersWithBody
		// the signer computes the digest itself and refuses an existing one
		req.Header.Del("Digest")
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}
	if err := signer.SignRequest(key, keyId, req, body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// SignatureParams are the parsed fields of a Signature header.
type SignatureParams struct {
	KeyId     string
	Algorithm string
	Headers   []string
	Signature string
}

// Signs reports whether header is part of the signed header list.
func (p *SignatureParams) Signs(header string) bool {
	return slices.Contains(p.Headers, strings.ToLower(header))
}

// ParseSignatureHeader parses `keyId="...",algorithm="...",headers="...",signature="..."`.
func ParseSignatureHeader(value string) (*SignatureParams, error) {
	fields := make(map[string]string)
	rest := strings.TrimSpace(value)
	for rest != "" {
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("invalid signature parameter near %q", rest)
		}
		name := strings.ToLower(strings.TrimSpace(rest[:eq]))
		rest = strings.TrimSpace(rest[eq+1:])

		var val string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated value for %s", name)
			}
			val = rest[1 : end+1]
			rest = rest[end+2:]
		} else {
			end := strings.IndexByte(rest, ',')
			if end < 0 {
				end = len(rest)
			}
			val = strings.TrimSpace(rest[:end])
			rest = rest[end:]
		}
		fields[name] = val

		rest = strings.TrimPrefix(strings.TrimSpace(rest), ",")
		rest = strings.TrimSpace(rest)
	}

	p := &SignatureParams{
		KeyId:     fields["keyid"],
		Algorithm: fields["algorithm"],
		Signature: fields["signature"],
	}
	if p.KeyId == "" {
		return nil, fmt.Errorf("signature has no keyId")
	}
	if p.Signature == "" {
		return nil, fmt.Errorf("signature has no signature value")
	}

	headers, ok := fields["headers"]
	if !ok {
		// draft-cavage default
		headers = headerDate
	}
	p.Headers = strings.Fields(strings.ToLower(headers))
	return p, nil
}

// normalizeAlgorithm maps a declared signature algorithm to the one used for
// verification. "hs2019" does not name a hash, the key decides, and every
// key we accept is RSA, so it verifies as RSA-SHA256 like "rsa-sha256".
func normalizeAlgorithm(name string) (httpsig.Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "rsa-sha256", "hs2019":
		return httpsig.RSA_SHA256, nil
	default:
		return "", fmt.Errorf("unsupported signature algorithm %q", name)
	}
}

// SignatureVerifier checks inbound signed requests.
type SignatureVerifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
}

func (v *SignatureVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Check validates everything about a signed request except the signature
// bytes: header syntax, algorithm, the signed header set, presence of every
// declared header, date freshness and the body digest. It returns the
// parsed parameters so the caller can look up the key.
func (v *SignatureVerifier) Check(r *http.Request, body []byte) (*SignatureParams, error) {
	raw := r.Header.Get("Signature")
	if raw == "" {
		return nil, authError("missing Signature header")
	}
	params, err := ParseSignatureHeader(raw)
	if err != nil {
		return nil, authError("%v", err)
	}
	if _, err := normalizeAlgorithm(params.Algorithm); err != nil {
		return nil, authError("%v", err)
	}

	if !params.Signs(headerRequestTarget) {
		return nil, authError("(request-target) is not signed")
	}
	if !params.Signs(headerDate) {
		return nil, authError("date is not signed")
	}
	if len(body) > 0 && !params.Signs(headerDigest) {
		return nil, authError("digest is not signed")
	}

	// net/http moves Host out of the header map
	if params.Signs(headerHost) && r.Header.Get("Host") == "" && r.Host != "" {
		r.Header.Set("Host", r.Host)
	}
	for _, h := range params.Headers {
		if strings.HasPrefix(h, "(") {
			continue
		}
		if len(r.Header.Values(h)) == 0 {
			return nil, authError("signed header %q is missing", h)
		}
	}

	date, err := http.ParseTime(r.Header.Get("Date"))
	if err != nil {
		return nil, authError("invalid Date header: %v", err)
	}
	if v.MaxSkew > 0 {
		skew := v.now().Sub(date)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.MaxSkew {
			return nil, authError("date %s outside allowed window", date.Format(time.RFC3339))
		}
	}

	if params.Signs(headerDigest) || r.Header.Get("Digest") != "" {
		if err := verifyDigest(r.Header.Get("Digest"), body); err != nil {
			return nil, authError("%v", err)
		}
	}
	return params, nil
}

// VerifyWithKey runs the cryptographic check of the Signature header
// against pub. Call Check first.
func (v *SignatureVerifier) VerifyWithKey(r *http.Request, pub *rsa.PublicKey) error {
	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return authError("failed to create verifier: %v", err)
	}
	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return authError("signature verification failed: %v", err)
	}
	return nil
}

// Verify checks r and returns the keyId it was signed with. resolve maps
// the keyId to the public key published by its owner.
func (v *SignatureVerifier) Verify(r *http.Request, body []byte, resolve func(keyId string) (*rsa.PublicKey, error)) (string, error) {
	params, err := v.Check(r, body)
	if err != nil {
		return "", err
	}
	pub, err := resolve(params.KeyId)
	if err != nil {
		return "", authError("resolve key %s: %v", params.KeyId, err)
	}
	if err := v.VerifyWithKey(r, pub); err != nil {
		return "", err
	}
	return params.KeyId, nil
}

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

func verifyDigest(header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("missing Digest header")
	}
	sum := sha256.Sum256(body)
	for _, part := range strings.Split(header, ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(algo, "SHA-256") {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return fmt.Errorf("invalid digest encoding: %w", err)
		}
		if subtle.ConstantTimeCompare(got, sum[:]) != 1 {
			return fmt.Errorf("digest mismatch")
		}
		return nil
	}
	return fmt.Errorf("no SHA-256 digest in %q", header)
}

// ParsePrivateKey converts a PKCS#8 or PKCS#1 PEM string to *rsa.PrivateKey.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA private key")
		}
		return rsaKey, nil
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return privateKey, nil
}

// ParsePublicKey converts a PKIX or PKCS#1 PEM string to *rsa.PublicKey.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if pubKey, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPubKey, ok := pubKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA public key")
		}
		return rsaPubKey, nil
	}

	rsaPubKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return rsaPubKey, nil
}
