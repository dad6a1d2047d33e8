package oss

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// PartSize is the fixed multipart chunk size.
const PartSize = 5 << 20

// MultipartUploader drives initiate / upload part / complete with
// OSS4-HMAC-SHA256 signed requests.
type MultipartUploader struct {
	HTTPClient *http.Client
	// BaseURL replaces https://<bucket>.<endpoint> when set.
	BaseURL string
	Now     func() time.Time
	// PartSize overrides the default chunk size (tests only).
	PartSize int
}

// Name identifies the strategy in logs and metrics.
func (u *MultipartUploader) Name() string { return "multipart" }

// Part is one uploaded chunk in the completion manifest.
type Part struct {
	Number int
	ETag   string
}

// Upload sends obj in PartSize chunks. A failed part aborts the attempt.
func (u *MultipartUploader) Upload(ctx context.Context, obj Object, cred Credential) (Result, error) {
	signer, err := NewSigner(cred)
	if err != nil {
		return Result{}, err
	}
	now := time.Now
	if u.Now != nil {
		now = u.Now
	}
	partSize := u.PartSize
	if partSize <= 0 {
		partSize = PartSize
	}
	at := now().UTC()
	objectURL := baseURL(u.BaseURL, cred) + "/" + EscapePath(cred.TargetPath)
	client := httpClient(u.HTTPClient)

	send := func(method, rawURL string, body []byte, contentType, contentMD5 string, okStatus ...int) (*http.Response, error) {
		var rd io.Reader = http.NoBody
		if len(body) > 0 {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
		if err != nil {
			return nil, err
		}
		setBrowserHeaders(req.Header)
		if contentMD5 != "" {
			req.Header.Set("Content-MD5", contentMD5)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-oss-content-sha256", UnsignedPayload)
		req.Header.Set("x-oss-date", at.Format(DateTimeFormat))
		req.Header.Set("x-oss-security-token", cred.SecurityToken)
		req.Header.Set("x-oss-user-agent", ossUserAgent)
		req.Header.Set("Authorization", signer.Authorization(method, rawURL, req.Header, at))

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		for _, s := range okStatus {
			if resp.StatusCode == s {
				return resp, nil
			}
		}
		defer resp.Body.Close()
		return nil, statusError(strings.ToLower(method)+" "+stripQueryValues(rawURL), resp)
	}

	resp, err := send(http.MethodPost, objectURL+"?uploads=", nil, obj.ContentType, "", http.StatusOK)
	if err != nil {
		return Result{}, fmt.Errorf("initiate multipart upload: %w", err)
	}
	uploadID, err := parseUploadID(resp.Body)
	resp.Body.Close()
	if err != nil {
		return Result{}, err
	}

	var parts []Part
	for off, n := 0, 1; off < len(obj.Data); off, n = off+partSize, n+1 {
		end := off + partSize
		if end > len(obj.Data) {
			end = len(obj.Data)
		}
		partURL := objectURL + "?partNumber=" + strconv.Itoa(n) + "&uploadId=" + uploadID
		resp, err := send(http.MethodPut, partURL, obj.Data[off:end], obj.ContentType, "", http.StatusOK, http.StatusCreated)
		if err != nil {
			return Result{}, fmt.Errorf("upload part %d: %w", n, err)
		}
		etag := strings.Trim(resp.Header.Get("ETag"), `"`)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		parts = append(parts, Part{Number: n, ETag: etag})
	}

	manifest := CompleteManifest(parts)
	sum := md5.Sum([]byte(manifest))
	resp, err = send(http.MethodPost, objectURL+"?uploadId="+uploadID, []byte(manifest), "application/xml",
		base64.StdEncoding.EncodeToString(sum[:]), http.StatusOK, http.StatusCreated)
	if err != nil {
		return Result{}, fmt.Errorf("complete multipart upload: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return Result{
		URL:       cred.ObjectURL(),
		RequestID: resp.Header.Get("x-oss-request-id"),
		UploadID:  uploadID,
		Parts:     len(parts),
		Strategy:  u.Name(),
	}, nil
}

func parseUploadID(r io.Reader) (string, error) {
	var out struct {
		UploadID string `xml:"UploadId"`
	}
	if err := xml.NewDecoder(io.LimitReader(r, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode initiate response: %w", err)
	}
	if strings.TrimSpace(out.UploadID) == "" {
		return "", errors.New("initiate response carries no UploadId")
	}
	return strings.TrimSpace(out.UploadID), nil
}

// CompleteManifest renders the completion body byte for byte as the web
// client does.
func CompleteManifest(parts []Part) string {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<CompleteMultipartUpload>\n")
	for _, p := range parts {
		fmt.Fprintf(&b, "<Part>\n<PartNumber>%d</PartNumber>\n<ETag>\"%s\"</ETag>\n</Part>\n", p.Number, p.ETag)
	}
	b.WriteString("</CompleteMultipartUpload>")
	return b.String()
}

// EscapePath percent-encodes every byte outside [A-Za-z0-9_.~-] except '/'.
func EscapePath(p string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '_', c == '.', c == '-', c == '~', c == '/':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// stripQueryValues keeps upload ids out of error messages.
func stripQueryValues(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
