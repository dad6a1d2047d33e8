package qwen

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
	"github.com/wwwzhouhui/qwen3-reverse/internal/oss"
)

// STSGrant is the upstream upload authorization. Raw is the untouched
// response for passthrough; Credential carries the parsed signing material.
type STSGrant struct {
	Raw        json.RawMessage
	Credential oss.Credential
}

// STSToken requests a one-off upload grant for a file.
func (c *Client) STSToken(ctx context.Context, filename string, size int64, fileType string) (STSGrant, error) {
	payload := map[string]any{"filename": filename, "filesize": size, "filetype": fileType}
	body, header, err := c.doRaw(ctx, http.MethodPost, "/api/v2/files/getstsToken", payload)
	if err != nil {
		return STSGrant{}, err
	}
	if mt, _, _ := mime.ParseMediaType(header.Get("Content-Type")); mt != "application/json" {
		return STSGrant{}, apierr.New(apierr.KindUpstreamTransport, "upload grant response is not JSON")
	}
	if !gjson.ValidBytes(body) {
		return STSGrant{}, apierr.New(apierr.KindUpstreamTransport, "upload grant response is not valid JSON")
	}
	if !gjson.GetBytes(body, "success").Bool() {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = "unknown error"
		}
		return STSGrant{}, apierr.New(apierr.KindUpstreamTransport, "upload grant refused: "+msg)
	}
	return STSGrant{Raw: json.RawMessage(body), Credential: ParseCredential(gjson.GetBytes(body, "data"))}, nil
}

// ParseCredential maps the grant's data object. Missing fields are left empty
// for oss.Credential.Validate to report.
func ParseCredential(data gjson.Result) oss.Credential {
	cred := oss.Credential{
		AccessKeyID:     data.Get("access_key_id").String(),
		AccessKeySecret: data.Get("access_key_secret").String(),
		SecurityToken:   data.Get("security_token").String(),
		Bucket:          data.Get("bucketname").String(),
		Endpoint:        data.Get("endpoint").String(),
		TargetPath:      data.Get("file_path").String(),
		PresignedURL:    data.Get("file_url").String(),
		FileID:          data.Get("file_id").String(),
	}
	if exp := data.Get("expiration"); exp.Exists() {
		switch exp.Type {
		case gjson.Number:
			cred.Expiry = time.Unix(exp.Int(), 0)
		default:
			if t, err := time.Parse(time.RFC3339, exp.String()); err == nil {
				cred.Expiry = t
			}
		}
	}
	return cred
}
