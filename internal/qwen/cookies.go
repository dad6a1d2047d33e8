package qwen

import "strings"

// EssentialCookies are the only cookies forwarded upstream.
var EssentialCookies = []string{
	"cnaui", "aui", "sca", "xlly_s", "_gcl_au", "cna",
	"token", "_bl_uid", "x-ap",
	"acw_tc", "atpsida", "tfstk", "ssxmod_itna",
}

// CriticalCookies must all be present for the account to work.
var CriticalCookies = []string{"cnaui", "aui", "token"}

type cookie struct {
	name, value string
}

// CookieSet is a parsed browser cookie header, order preserved.
type CookieSet struct {
	items []cookie
}

// ParseCookies reads "k=v; k2=v2". Items without '=' are ignored; a repeated
// name keeps the last value.
func ParseCookies(raw string) CookieSet {
	var cs CookieSet
	for _, item := range strings.Split(raw, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok {
			continue
		}
		cs.set(k, v)
	}
	return cs
}

func (c *CookieSet) set(name, value string) {
	for i := range c.items {
		if c.items[i].name == name {
			c.items[i].value = value
			return
		}
	}
	c.items = append(c.items, cookie{name, value})
}

// Get returns the value of name.
func (c CookieSet) Get(name string) (string, bool) {
	for _, it := range c.items {
		if it.name == name {
			return it.value, true
		}
	}
	return "", false
}

// Len is the number of parsed cookies.
func (c CookieSet) Len() int { return len(c.items) }

// Token is the value of the token cookie.
func (c CookieSet) Token() string {
	v, _ := c.Get("token")
	return v
}

// Essential keeps only EssentialCookies.
func (c CookieSet) Essential() CookieSet {
	var out CookieSet
	for _, it := range c.items {
		for _, name := range EssentialCookies {
			if it.name == name {
				out.items = append(out.items, it)
				break
			}
		}
	}
	return out
}

// Header renders the set as a Cookie header value.
func (c CookieSet) Header() string {
	parts := make([]string, 0, len(c.items))
	for _, it := range c.items {
		parts = append(parts, it.name+"="+it.value)
	}
	return strings.Join(parts, "; ")
}

// MissingCritical lists the critical cookie names that are absent.
func (c CookieSet) MissingCritical() []string {
	var missing []string
	for _, name := range CriticalCookies {
		if _, ok := c.Get(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// String never includes cookie values.
func (c CookieSet) String() string {
	names := make([]string, 0, len(c.items))
	for _, it := range c.items {
		names = append(names, it.name)
	}
	return "cookies[" + strings.Join(names, ",") + "]"
}
