package oss

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	Algorithm       = "OSS4-HMAC-SHA256"
	Region          = "ap-southeast-1"
	Service         = "oss"
	RequestSuffix   = "aliyun_v4_request"
	UnsignedPayload = "UNSIGNED-PAYLOAD"
	DateTimeFormat  = "20060102T150405Z"
	dateFormat      = "20060102"
	acceleratedHost = "oss-accelerate.aliyuncs.com"
)

// signedHeaders is the fixed header subset covered by the signature, sorted.
var signedHeaders = []string{
	"content-md5",
	"content-type",
	"x-oss-content-sha256",
	"x-oss-date",
	"x-oss-security-token",
	"x-oss-user-agent",
}

// Signer computes OSS4-HMAC-SHA256 authorization values.
type Signer struct {
	cred Credential
}

// NewSigner validates cred and returns a signer for it.
func NewSigner(cred Credential) (*Signer, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	return &Signer{cred: cred}, nil
}

// Authorization returns the header value for one request. at must match the
// x-oss-date header of the request.
func (s *Signer) Authorization(method, rawURL string, header http.Header, at time.Time) string {
	at = at.UTC()
	scope := Scope(at)
	sts := StringToSign(at, CanonicalRequest(method, rawURL, header))
	sig := hex.EncodeToString(hmacSHA256(SigningKey(s.cred.AccessKeySecret, at), sts))
	return Algorithm + " Credential=" + s.cred.AccessKeyID + "/" + scope + ",Signature=" + sig
}

// Scope is <yyyymmdd>/<region>/<service>/<suffix>.
func Scope(at time.Time) string {
	return at.UTC().Format(dateFormat) + "/" + Region + "/" + Service + "/" + RequestSuffix
}

// StringToSign hashes the canonical request under the algorithm header.
func StringToSign(at time.Time, canonicalRequest string) string {
	sum := sha256.Sum256([]byte(canonicalRequest))
	return Algorithm + "\n" + at.UTC().Format(DateTimeFormat) + "\n" + Scope(at) + "\n" + hex.EncodeToString(sum[:])
}

// SigningKey chains HMAC-SHA256 over date, region, service and suffix.
func SigningKey(secret string, at time.Time) []byte {
	k := hmacSHA256([]byte("aliyun_v4"+secret), at.UTC().Format(dateFormat))
	k = hmacSHA256(k, Region)
	k = hmacSHA256(k, Service)
	return hmacSHA256(k, RequestSuffix)
}

// CanonicalRequest builds the exact byte sequence the store verifies.
func CanonicalRequest(method, rawURL string, header http.Header) string {
	host, path, query := splitRawURL(rawURL)
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(CanonicalURI(host, path))
	b.WriteByte('\n')
	b.WriteString(CanonicalQuery(query))
	b.WriteByte('\n')
	b.WriteString(CanonicalHeaders(header))
	b.WriteString("\n\n")
	b.WriteString(UnsignedPayload)
	return b.String()
}

// CanonicalURI prefixes the bucket for accelerated-endpoint hosts.
func CanonicalURI(host, path string) string {
	if strings.Contains(host, acceleratedHost) && strings.Contains(host, ".") {
		bucket := host[:strings.IndexByte(host, '.')]
		if path == "" {
			return "/" + bucket + "/"
		}
		return "/" + bucket + path
	}
	if path == "" {
		return "/"
	}
	return path
}

// CanonicalQuery sorts parameters; "k=" and "k" both become "k".
func CanonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if k, v, ok := strings.Cut(p, "="); ok && v == "" {
			out = append(out, k)
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return strings.Join(out, "&")
}

// CanonicalHeaders renders the present members of the signed subset as
// "name:value\n" lines.
func CanonicalHeaders(header http.Header) string {
	var b strings.Builder
	first := true
	for _, name := range signedHeaders {
		v, ok := lookupHeader(header, name)
		if !ok {
			continue
		}
		if !first {
			b.WriteByte('\n')
		}
		first = false
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(v)
	}
	b.WriteByte('\n')
	return b.String()
}

func lookupHeader(header http.Header, name string) (string, bool) {
	for k, vs := range header {
		if strings.EqualFold(k, name) {
			if len(vs) == 0 {
				return "", true
			}
			return vs[0], true
		}
	}
	return "", false
}

// splitRawURL extracts host, escaped path and raw query without re-encoding.
func splitRawURL(rawURL string) (host, path, query string) {
	rest := rawURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		query = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		host, path = rest[:i], rest[i:]
	} else {
		host = rest
	}
	return host, path, query
}

func hmacSHA256(key []byte, msg string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(msg))
	return m.Sum(nil)
}
