package qwen

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
	"github.com/wwwzhouhui/qwen3-reverse/internal/testutil"
)

func TestParseCookies(t *testing.T) {
	cs := ParseCookies("cna=abc; token=tok-1; junk; foo=bar=baz; aui=u")
	if cs.Token() != "tok-1" {
		t.Fatalf("token = %q", cs.Token())
	}
	if v, _ := cs.Get("foo"); v != "bar=baz" {
		t.Fatalf("value with '=' = %q", v)
	}
	if got := cs.Essential().Header(); got != "cna=abc; token=tok-1; aui=u" {
		t.Fatalf("essential header = %q", got)
	}
	if missing := cs.MissingCritical(); len(missing) != 1 || missing[0] != "cnaui" {
		t.Fatalf("missing critical = %v", missing)
	}
	if strings.Contains(cs.String(), "tok-1") {
		t.Fatalf("String leaks values: %s", cs)
	}
}

func TestNewCredentialsFallsBackToCookieToken(t *testing.T) {
	if c := NewCredentials("", "token=from-cookie"); c.Token != "from-cookie" {
		t.Fatalf("token = %q", c.Token)
	}
	if c := NewCredentials("explicit", "token=from-cookie"); c.Token != "explicit" {
		t.Fatalf("token = %q", c.Token)
	}
	if p := (Credentials{Token: "abcdefghijklmnop"}).TokenPrefix(); p != "abcdefghij..." {
		t.Fatalf("prefix = %q", p)
	}
}

func TestResolver(t *testing.T) {
	r := NewResolver(map[string]string{"claude-*": "qwen3-coder-plus"}, "")
	live := map[string]bool{"qwen3-max": true, "qwen3-coder-plus": true, "qwq-32b": true}
	available := func(id string) bool { return live[id] }

	cases := map[string]string{
		"qwen3":           "qwen3-max",
		"qwen3-max":       "qwen3-max",
		"claude-sonnet-4": "qwen3-coder-plus",
		"gpt-4":           DefaultModel, // mapped target not live
		"unknown":         DefaultModel,
	}
	for in, want := range cases {
		if got := r.Resolve(in, available); got != want {
			t.Fatalf("Resolve(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	content := "default_model: qwen3-max\naliases:\n  - name: gpt-4o\n    target: qwen3-vl-plus\n  - name: \"*-mini\"\n    target: qwen-turbo-2025-02-11\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := LoadResolver(path, "ignored")
	if err != nil {
		t.Fatalf("LoadResolver: %v", err)
	}
	if r.Fallback() != "qwen3-max" {
		t.Fatalf("fallback = %q", r.Fallback())
	}
	if got, _ := r.Lookup("gpt-4o"); got != "qwen3-vl-plus" {
		t.Fatalf("gpt-4o -> %q", got)
	}
	if got, _ := r.Lookup("o4-MINI"); got != "qwen-turbo-2025-02-11" {
		t.Fatalf("pattern -> %q", got)
	}
	if got, _ := r.Lookup("qwq"); got != "qwq-32b" {
		t.Fatalf("defaults lost: %q", got)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(bad, []byte("aliases:\n  - name: x\n"), 0o600)
	if _, err := LoadResolver(bad, ""); err == nil {
		t.Fatalf("expected error for alias without target")
	}
}

func TestParseEvent(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    Event
	}{
		{"think", `{"choices":[{"delta":{"phase":"think","status":"typing","content":"A"}}]}`,
			Event{Kind: EventThink, Delta: "A"}},
		{"answer", `{"choices":[{"delta":{"phase":"answer","content":"C"}}]}`,
			Event{Kind: EventAnswer, Delta: "C"}},
		{"compat", `{"choices":[{"delta":{"content":"x"}}]}`,
			Event{Kind: EventAnswer, Delta: "x"}},
		{"null phase empty", `{"choices":[{"delta":{"phase":null,"content":""}}]}`,
			Event{Kind: EventUnknown}},
		{"finished default", `{"choices":[{"delta":{"phase":"answer","status":"finished","content":""}}]}`,
			Event{Kind: EventAnswer, Finished: true, FinishReason: "stop"}},
		{"finished reason", `{"choices":[{"delta":{"phase":"answer","status":"finished","finish_reason":"length"}}]}`,
			Event{Kind: EventAnswer, Finished: true, FinishReason: "length"}},
		{"created", `{"response.created":{"chat_id":"c","response_id":"r-1"}}`,
			Event{Kind: EventUnknown, ResponseID: "r-1"}},
		{"other phase", `{"choices":[{"delta":{"phase":"image_gen","content":"u"}}]}`,
			Event{Kind: EventUnknown, Delta: "u"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseEvent([]byte(tc.payload))
			if err != nil {
				t.Fatalf("ParseEvent: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}

	ev, err := ParseEvent([]byte(`{"choices":[{"delta":{"phase":"answer","content":""}}],"usage":{"input_tokens":3,"output_tokens":5,"total_tokens":8}}`))
	if err != nil || ev.Usage == nil || *ev.Usage != (Usage{3, 5, 8}) {
		t.Fatalf("usage not parsed: %+v %v", ev, err)
	}

	for _, bad := range []string{"{not json", "", "[1,2]", `"str"`} {
		if _, err := ParseEvent([]byte(bad)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("ParseEvent(%q) err = %v", bad, err)
		}
	}
}

// fakeUpstream serves the subset of the web API the client uses.
type fakeUpstream struct {
	mu          sync.Mutex
	authCalls   atomic.Int32
	authBody    string
	lastPayload []byte
	lastHeader  http.Header
	lastQuery   string
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.lastHeader = r.Header.Clone()
	f.lastQuery = r.URL.RawQuery
	if len(body) > 0 {
		f.lastPayload = body
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/api/v1/auths/":
		f.authCalls.Add(1)
		time.Sleep(20 * time.Millisecond)
		io.WriteString(w, f.authBody)
	case r.URL.Path == "/api/models":
		io.WriteString(w, `{"data":[{"id":"qwen3-max","name":"Qwen3-Max","owned_by":"qwen","info":{"id":"qwen3-max","created_at":1700}},{"id":"qwen3-vl-plus","owned_by":"qwen","info":{"id":"qwen3-vl-plus","created_at":1800}}]}`)
	case r.URL.Path == "/api/v2/users/user/settings":
		io.WriteString(w, `{"data":{"model_config":{"qwen3-max":{"thinking_budget":4096}}}}`)
	case r.URL.Path == "/api/v2/chats/new":
		io.WriteString(w, `{"success":true,"data":{"id":"chat-new"}}`)
	case r.Method == http.MethodDelete:
		io.WriteString(w, `{"success":true}`)
	case r.URL.Path == "/api/v2/chat/completions":
		testutil.WriteSSE(w, `{"response.created":{"response_id":"r1"}}`, `[DONE]`)
	case r.URL.Path == "/api/v2/files/getstsToken":
		io.WriteString(w, `{"success":true,"data":{"access_key_id":"STS.k","access_key_secret":"s","security_token":"t","file_path":"u/f_a.png","file_url":"https://signed","file_id":"f","bucketname":"b","expiration":"2030-01-01T00:00:00Z"}}`)
	case r.URL.Path == "/api/v2/chats/" && r.URL.Query().Get("page") == "1":
		io.WriteString(w, `{"success":true,"data":[{"id":"c1","title":"t","created_at":1,"updated_at":2,"chat_type":"t2t"}]}`)
	case r.URL.Path == "/api/v2/chats/":
		io.WriteString(w, `{"success":true,"data":[]}`)
	case r.URL.Path == "/api/v2/chats/c1":
		io.WriteString(w, `{"success":true,"data":{"currentId":"r9","chat":{"messages":[{"role":"user","content":"q"},{"role":"assistant","content":"old","content_list":[{"content":"first"},{"content":"last"}]}]}}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, f *fakeUpstream) *Client {
	c, _ := newTestClientWithServer(t, f)
	return c
}

func newTestClientWithServer(t *testing.T, f *fakeUpstream) (*Client, *testutil.Upstream) {
	t.Helper()
	srv := testutil.NewUpstream(t, f)
	c, err := New(Config{
		BaseURL:     srv.URL,
		Credentials: NewCredentials("", "token=tok-abcdefghijk; cnaui=1; aui=2; other=x"),
		HTTPClient:  srv.Client(),
		Now:         func() time.Time { return time.UnixMilli(1700000000000) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestRefreshBootstrapsAccount(t *testing.T) {
	f := &fakeUpstream{authBody: `{"id":"user-1","name":"me"}`}
	c := newTestClient(t, f)

	if _, err := c.RequireAccount(); !apierr.Is(err, apierr.KindAuthentication) {
		t.Fatalf("expected authentication error before bootstrap, got %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Refresh(context.Background()); err != nil {
				t.Errorf("Refresh: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := f.authCalls.Load(); n < 1 || n > 5 {
		t.Fatalf("unexpected auth calls %d", n)
	}

	acct, err := c.RequireAccount()
	if err != nil {
		t.Fatalf("RequireAccount: %v", err)
	}
	if acct.UserID != "user-1" || len(acct.Models) != 2 || acct.Models[0].CreatedAt != 1700 {
		t.Fatalf("unexpected account %+v", acct)
	}
	if b, ok := acct.ThinkingBudget("qwen3-max"); !ok || b != 4096 {
		t.Fatalf("thinking budget = %d %v", b, ok)
	}
	if _, ok := acct.ThinkingBudget("qwen3-vl-plus"); ok {
		t.Fatalf("unexpected budget for model without config")
	}
	if got := c.ResolveModel("qwen3-vl"); got != "qwen3-vl-plus" {
		t.Fatalf("ResolveModel = %q", got)
	}

	h := f.lastHeader
	if h.Get("Authorization") != "Bearer tok-abcdefghijk" || h.Get("Source") != "web" || h.Get("Bx-V") != "2.5.31" {
		t.Fatalf("unexpected headers %v", h)
	}
	if h.Get("Cookie") != "token=tok-abcdefghijk; cnaui=1; aui=2" {
		t.Fatalf("cookie header = %q", h.Get("Cookie"))
	}
}

func TestRefreshRejectsLoginPage(t *testing.T) {
	f := &fakeUpstream{authBody: "<!DOCTYPE html><html></html>"}
	c := newTestClient(t, f)
	_, err := c.Refresh(context.Background())
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if c.Account().Valid() {
		t.Fatalf("account must stay empty")
	}
	c.SwapCredentials(NewCredentials("", "aui=1"))
	_, err = c.RequireAccount()
	if err == nil || !strings.Contains(err.Error(), "cnaui, token") {
		t.Fatalf("expected missing cookie names in error, got %v", err)
	}
}

func TestCompletionPayload(t *testing.T) {
	f := &fakeUpstream{}
	c := newTestClient(t, f)
	budget := 1024
	body, err := c.Completion(context.Background(), CompletionRequest{
		ChatID: "chat-1", ParentID: "resp-0", Model: "qwen3-max", Content: "hi",
		ThinkingEnabled: true, ThinkingBudget: &budget,
	})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	frames := testutil.ReadSSE(t, body)
	body.Close()
	if len(frames) != 2 || frames[1] != "[DONE]" {
		t.Fatalf("unexpected frames %v", frames)
	}
	if f.lastQuery != "chat_id=chat-1" || f.lastHeader.Get("X-Accel-Buffering") != "no" {
		t.Fatalf("unexpected request %q %v", f.lastQuery, f.lastHeader)
	}
	p := gjson.ParseBytes(f.lastPayload)
	checks := map[string]string{
		"stream":               "true",
		"incremental_output":   "true",
		"chat_mode":            "normal",
		"parent_id":            "resp-0",
		"messages.0.parentId":  "resp-0",
		"messages.0.parent_id": "resp-0",
		"messages.0.content":   "hi",
		"messages.0.chat_type": "t2t",
		"messages.0.feature_config.output_schema":   "phase",
		"messages.0.feature_config.thinking_budget": "1024",
		"messages.0.extra.meta.subChatType":         "t2t",
		"timestamp":                                 "1700000000000",
	}
	for path, want := range checks {
		if got := p.Get(path).String(); got != want {
			t.Fatalf("%s = %q, want %q", path, got, want)
		}
	}
	if !p.Get("messages.0.files").IsArray() || len(p.Get("messages.0.childrenIds").Array()) != 1 {
		t.Fatalf("files/childrenIds malformed: %s", f.lastPayload)
	}
}

func TestCompletionPayloadOmitsBudget(t *testing.T) {
	raw, err := json.Marshal(CompletionRequest{ChatID: "c", Model: "m", ThinkingEnabled: false, ThinkingBudget: new(int)}.Payload(1))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	p := gjson.ParseBytes(raw)
	if p.Get("messages.0.feature_config.thinking_budget").Exists() {
		t.Fatalf("budget sent with thinking disabled: %s", raw)
	}
	if p.Get("parent_id").Type != gjson.Null || p.Get("messages.0.parentId").Type != gjson.Null {
		t.Fatalf("empty parent must be null: %s", raw)
	}
	if p.Get("messages.0.feature_config.thinking_enabled").Bool() {
		t.Fatalf("thinking flag wrong: %s", raw)
	}
}

func TestChatLifecycleAndHistory(t *testing.T) {
	f := &fakeUpstream{}
	c, srv := newTestClientWithServer(t, f)
	ctx := context.Background()

	id, err := c.CreateChat(ctx, "qwen3-max", "title")
	if err != nil || id != "chat-new" {
		t.Fatalf("CreateChat = %q %v", id, err)
	}
	ok, err := c.DeleteChat(ctx, "chat-new")
	if err != nil || !ok {
		t.Fatalf("DeleteChat = %v %v", ok, err)
	}

	page, err := c.ListChats(ctx, 1)
	if err != nil || len(page) != 1 || page[0].ID != "c1" || page[0].UpdatedAt != 2 {
		t.Fatalf("ListChats = %+v %v", page, err)
	}
	empty, err := c.ListChats(ctx, 2)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty page, got %+v %v", empty, err)
	}
	detail, err := c.GetChat(ctx, "c1")
	if err != nil || detail.CurrentID != "r9" || detail.LastAssistant != "last" {
		t.Fatalf("GetChat = %+v %v", detail, err)
	}

	want := []string{
		"POST /api/v2/chats/new",
		"DELETE /api/v2/chats/chat-new",
		"GET /api/v2/chats/",
		"GET /api/v2/chats/",
		"GET /api/v2/chats/c1",
	}
	if got := srv.Calls(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("calls = %v", got)
	}
}

func TestSTSToken(t *testing.T) {
	f := &fakeUpstream{}
	c := newTestClient(t, f)
	grant, err := c.STSToken(context.Background(), "a.png", 12, "image")
	if err != nil {
		t.Fatalf("STSToken: %v", err)
	}
	cred := grant.Credential
	if cred.AccessKeyID != "STS.k" || cred.TargetPath != "u/f_a.png" || cred.PresignedURL != "https://signed" ||
		cred.Bucket != "b" || cred.EndpointHost() != "oss-accelerate.aliyuncs.com" || cred.FileID != "f" {
		t.Fatalf("unexpected credential %s", cred)
	}
	if cred.Expiry.Year() != 2030 {
		t.Fatalf("expiry not parsed: %v", cred.Expiry)
	}
	if gjson.GetBytes(grant.Raw, "data.file_id").String() != "f" {
		t.Fatalf("raw grant not preserved")
	}
	p := gjson.ParseBytes(f.lastPayload)
	if p.Get("filename").String() != "a.png" || p.Get("filesize").Int() != 12 || p.Get("filetype").String() != "image" {
		t.Fatalf("unexpected sts payload %s", f.lastPayload)
	}
}
