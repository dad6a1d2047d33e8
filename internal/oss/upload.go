package oss

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Object is the blob being uploaded.
type Object struct {
	Data        []byte
	Filename    string
	ContentType string
	// Video selects the multipart path regardless of size.
	Video bool
}

// Result describes a completed upload.
type Result struct {
	// URL is the self-constructed bucket URL; the coordinator may replace it
	// with the credential's pre-signed URL.
	URL       string
	ETag      string
	RequestID string
	UploadID  string
	Parts     int
	Strategy  string
}

// StatusError reports a non-success response from the store. Only the HTTP
// status and the store's error code are kept; error bodies can echo the
// string-to-sign and key id.
type StatusError struct {
	Op     string
	Status int
	Code   string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: HTTP %d (%s)", e.Op, e.Status, e.Code)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Op, e.Status)
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var oe struct {
		Code string `xml:"Code"`
	}
	_ = xml.Unmarshal(body, &oe)
	return &StatusError{Op: op, Status: resp.StatusCode, Code: strings.TrimSpace(oe.Code)}
}

// baseURL returns the scheme://host root used for object requests.
func baseURL(override string, cred Credential) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	return "https://" + cred.BucketName() + "." + cred.EndpointHost()
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}

const (
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"
	ossUserAgent     = "aliyun-sdk-js/6.23.0 Chrome 132.0.0.0 on Windows 10 64-bit"
	webOrigin        = "https://chat.qwen.ai"
)

func setBrowserHeaders(h http.Header) {
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9")
	h.Set("Origin", webOrigin)
	h.Set("Referer", webOrigin+"/")
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "cross-site")
	h.Set("User-Agent", browserUserAgent)
	h.Set("Sec-Ch-Ua", `"Not A(Brand";v="8", "Chromium";v="132", "Google Chrome";v="132"`)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"Windows"`)
}
