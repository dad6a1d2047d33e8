// Package oss uploads blobs to the vendor object store with short-lived STS
// credentials, either as one signed POST form or as a signed multipart upload.
package oss

import (
	"fmt"
	"strings"
	"time"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
)

const (
	DefaultBucket   = "qwen-webui-prod"
	DefaultEndpoint = "oss-accelerate.aliyuncs.com"
)

// Credential is one STS grant. It is never persisted and its secret parts are
// redacted from every string form.
type Credential struct {
	AccessKeyID     string
	AccessKeySecret string
	SecurityToken   string
	Bucket          string
	Endpoint        string
	TargetPath      string
	// PresignedURL is the read URL handed out with the grant, if any.
	PresignedURL string
	FileID       string
	Expiry       time.Time
}

// BucketName returns the bucket, defaulting to DefaultBucket.
func (c Credential) BucketName() string {
	if c.Bucket == "" {
		return DefaultBucket
	}
	return c.Bucket
}

// EndpointHost returns the endpoint, defaulting to DefaultEndpoint.
func (c Credential) EndpointHost() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// Validate reports missing fields as a signing precondition error.
func (c Credential) Validate() error {
	var missing []string
	if c.AccessKeyID == "" {
		missing = append(missing, "access_key_id")
	}
	if c.AccessKeySecret == "" {
		missing = append(missing, "access_key_secret")
	}
	if c.SecurityToken == "" {
		missing = append(missing, "security_token")
	}
	if c.TargetPath == "" {
		missing = append(missing, "file_path")
	}
	if len(missing) > 0 {
		return apierr.SigningPrecondition(missing)
	}
	return nil
}

// Expired reports whether the credential carries an expiry that has passed.
// A zero Expiry never expires.
func (c Credential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// ObjectURL is the unsigned bucket URL for the target path.
func (c Credential) ObjectURL() string {
	return fmt.Sprintf("https://%s.%s/%s", c.BucketName(), c.EndpointHost(), strings.TrimPrefix(c.TargetPath, "/"))
}

// String never includes the secret or the security token.
func (c Credential) String() string {
	return fmt.Sprintf("oss.Credential{AccessKeyID:%s, Bucket:%s, Endpoint:%s, TargetPath:%s, Expiry:%s}",
		redact(c.AccessKeyID), c.BucketName(), c.EndpointHost(), c.TargetPath, c.Expiry.Format(time.RFC3339))
}

// GoString keeps %#v from dumping the secret.
func (c Credential) GoString() string {
	return c.String()
}

func redact(s string) string {
	if len(s) <= 4 {
		return "***"
	}
	return s[:4] + "***"
}
