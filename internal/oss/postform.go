package oss

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"
)

const (
	policyLifetime   = 10 * time.Minute
	policyTimeFormat = "2006-01-02T15:04:05.000Z"
	// MaxPostFormBytes is the content-length-range ceiling written into the policy.
	MaxPostFormBytes = 10 << 20
)

// PostFormUploader sends the whole blob as one policy-signed form POST.
type PostFormUploader struct {
	HTTPClient *http.Client
	// BaseURL replaces https://<bucket>.<endpoint> when set.
	BaseURL string
	Now     func() time.Time
}

// Name identifies the strategy in logs and metrics.
func (u *PostFormUploader) Name() string { return "post_form" }

// Policy builds the base64 policy document and its HMAC-SHA1 signature.
func Policy(cred Credential, contentType string, now time.Time) (policy, signature string, err error) {
	doc := map[string]any{
		"expiration": now.UTC().Add(policyLifetime).Format(policyTimeFormat),
		"conditions": []any{
			map[string]string{"bucket": cred.BucketName()},
			map[string]string{"key": cred.TargetPath},
			map[string]string{"x-oss-security-token": cred.SecurityToken},
			[]any{"eq", "$Content-Type", contentType},
			[]any{"content-length-range", 0, MaxPostFormBytes},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", "", err
	}
	policy = base64.StdEncoding.EncodeToString(raw)
	mac := hmac.New(sha1.New, []byte(cred.AccessKeySecret))
	mac.Write([]byte(policy))
	return policy, base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Upload posts obj to the bucket root. Any 2xx is success.
func (u *PostFormUploader) Upload(ctx context.Context, obj Object, cred Credential) (Result, error) {
	if err := cred.Validate(); err != nil {
		return Result{}, err
	}
	now := time.Now
	if u.Now != nil {
		now = u.Now
	}
	policy, signature, err := Policy(cred, obj.ContentType, now())
	if err != nil {
		return Result{}, fmt.Errorf("build policy: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	// Field order matters to the store: every field must precede the file.
	fields := [][2]string{
		{"key", cred.TargetPath},
		{"policy", policy},
		{"OSSAccessKeyId", cred.AccessKeyID},
		{"signature", signature},
		{"x-oss-security-token", cred.SecurityToken},
		{"Content-Type", obj.ContentType},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return Result{}, err
		}
	}
	part, err := w.CreatePart(fileHeader(obj))
	if err != nil {
		return Result{}, err
	}
	if _, err := part.Write(obj.Data); err != nil {
		return Result{}, err
	}
	if err := w.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(u.BaseURL, cred)+"/", &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := httpClient(u.HTTPClient).Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("post form upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, statusError("post form upload", resp)
	}
	return Result{
		URL:       cred.ObjectURL(),
		ETag:      resp.Header.Get("ETag"),
		RequestID: resp.Header.Get("x-oss-request-id"),
		Strategy:  u.Name(),
	}, nil
}

func fileHeader(obj Object) textproto.MIMEHeader {
	name := obj.Filename
	if name == "" {
		name = "uploaded_file"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(name)))
	ct := obj.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	return h
}

func escapeQuotes(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '"' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
