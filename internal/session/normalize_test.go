package session

import (
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "plain", in: "hello", want: "hello"},
		{name: "whitespace", in: "  hello \n\n\t world  ", want: "hello world"},
		{name: "entities", in: "a &lt;b&gt; &amp; c", want: "a <b> & c"},
		{name: "nbsp entity", in: "a&nbsp;b", want: "a b"},
		{name: "emphasis", in: "**bold** _it_ `code` ~~gone~~", want: "bold it code gone"},
		{name: "emoji", in: "done ✨🌟😀🚀", want: "done"},
		{name: "marker between spaces", in: "a * b", want: "a b"},
		{name: "entity exposed by marker removal", in: "&a*mp;", want: "&"},
		{name: "deeply nested entity", in: "&" + strings.Repeat("amp;", 40) + "lt;", want: "<"},
		{name: "cjk", in: "你好，  世界", want: "你好， 世界"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Normalize(tc.in); got != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	alphabet := []rune("ab &;*_`~ \n\tltgamp#0x✨🌟😀<>")
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.StringOf(rapid.SampledFrom(alphabet)).Draw(rt, "text")
		once := Normalize(s)
		if twice := Normalize(once); twice != once {
			rt.Fatalf("not idempotent: %q -> %q -> %q", s, once, twice)
		}
	})
}

func TestNormalizeIdempotentArbitrary(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.String().Draw(rt, "text")
		once := Normalize(s)
		if twice := Normalize(once); twice != once {
			rt.Fatalf("not idempotent: %q -> %q -> %q", s, once, twice)
		}
	})
}

func TestStripToolUse(t *testing.T) {
	in := "before<tool_use>\n{\"name\":\"x\"}\n</tool_use>middle<tool_use>y</tool_use>after"
	if got := StripToolUse(in); got != "beforemiddleafter" {
		t.Fatalf("StripToolUse = %q", got)
	}
}

func TestNewRecordNormalizes(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := NewRecord("chat-1", "resp-1", "title", "", "**Hello** <tool_use>call</tool_use> world ✨", now)
	if rec.NormalizedText != "Hello world" {
		t.Fatalf("unexpected normalized text %q", rec.NormalizedText)
	}
	if rec.ThreadKind != ThreadKindText {
		t.Fatalf("expected default kind, got %q", rec.ThreadKind)
	}
	if rec.CreatedAt != now.Unix() || rec.UpdatedAt != now.Unix() {
		t.Fatalf("unexpected timestamps %d/%d", rec.CreatedAt, rec.UpdatedAt)
	}
}

func TestFingerprintStable(t *testing.T) {
	if Fingerprint("hello") != Fingerprint("hello") {
		t.Fatalf("fingerprint not stable")
	}
	if Fingerprint("hello") == Fingerprint("hello ") {
		t.Fatalf("fingerprint collision on different input")
	}
	if len(Fingerprint("x")) != 64 {
		t.Fatalf("expected hex sha256")
	}
}
