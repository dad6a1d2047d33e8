package qwen

import "strings"

// Credentials is the bearer token and cookie set used for every upstream call.
// Values are immutable; refresh replaces the whole value.
type Credentials struct {
	Token   string
	Cookies CookieSet
}

// NewCredentials falls back to the token cookie when token is empty.
func NewCredentials(token, cookieHeader string) Credentials {
	cookies := ParseCookies(cookieHeader)
	token = strings.TrimSpace(token)
	if token == "" {
		token = cookies.Token()
	}
	return Credentials{Token: token, Cookies: cookies}
}

// TokenPrefix is safe to log.
func (c Credentials) TokenPrefix() string {
	if len(c.Token) <= 10 {
		return strings.Repeat("*", len(c.Token))
	}
	return c.Token[:10] + "..."
}
