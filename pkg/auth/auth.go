// Package auth resolves the session token and builds the request headers the
// resource API expects. The token is never fetched interactively; callers
// supply it via flag, environment, or an exported cookie file.
package auth

import (
	"fmt"
	"net/http"
	"os"
	"strings"
)

const (
	// SiteURL is the public web catalog root.
	SiteURL = "https://maplestoryworlds.nexon.com"
	// APIBaseURL is the detail/search API root.
	APIBaseURL = "https://mverse-api.nexon.com"
	// TokenEnv is the environment variable holding the session token.
	TokenEnv = "MSW_IFWT"
	// tokenCookie is the session cookie name the site issues at login.
	tokenCookie = "_ifwt"
)

// TokenInstructions explains how to obtain a session token manually. Printed
// when an authenticated operation runs without one.
const TokenInstructions = `How to get your session token:
  1. Log in at https://maplestoryworlds.nexon.com in any browser.
  2. Open Developer Tools (F12), then Application/Storage, Cookies.
  3. Copy the value of the cookie named _ifwt.
  Or: Network tab, any request to mverse-api.nexon.com, header x-mverse-ifwt.`

// Credentials carries the resolved session state for a run.
type Credentials struct {
	// Token is the session token sent as x-mverse-ifwt.
	Token string
	// CookieHeader is an optional raw Cookie header value, typically loaded
	// from an exported cookie file.
	CookieHeader string
}

// Empty reports whether no credential material was resolved.
func (c Credentials) Empty() bool {
	return c.Token == "" && c.CookieHeader == ""
}

// Resolve builds credentials with precedence: explicit flag token, then the
// MSW_IFWT environment variable, then a token embedded in the cookie file.
// The cookie header itself is kept and sent alongside the token when present.
func Resolve(flagToken, cookieFile string) (Credentials, error) {
	c := Credentials{Token: strings.TrimSpace(flagToken)}

	if cookieFile != "" {
		header, err := LoadCookieFile(cookieFile)
		if err != nil {
			return Credentials{}, err
		}
		c.CookieHeader = header
	}

	if c.Token == "" {
		c.Token = strings.TrimSpace(os.Getenv(TokenEnv))
	}
	if c.Token == "" {
		c.Token = tokenFromCookieHeader(c.CookieHeader)
	}
	return c, nil
}

// LoadCookieFile reads a cookie file and returns a Cookie header value.
// Three shapes are accepted: a raw "Cookie: ..." line copied from devtools,
// Netscape cookies.txt (tab separated, name and value in fields 6 and 7),
// and plain "name=value" lines.
func LoadCookieFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read cookie file: %w", err)
	}

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if s := strings.TrimSpace(line); s != "" {
			lines = append(lines, s)
		}
	}
	if len(lines) == 0 {
		return "", nil
	}
	// Prefix match is case-insensitive but the values keep their casing.
	if strings.HasPrefix(strings.ToLower(lines[0]), "cookie:") {
		return strings.TrimSpace(lines[0][len("cookie:"):]), nil
	}

	var cookies []string
	for _, line := range lines {
		if strings.Contains(line, "\t") {
			parts := strings.Split(line, "\t")
			if len(parts) >= 7 {
				cookies = append(cookies, parts[5]+"="+parts[6])
			}
			continue
		}
		if strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line != "" {
			cookies = append(cookies, line)
		}
	}
	return strings.Join(cookies, "; "), nil
}

// Apply sets the standard request headers on h, including the session token
// and cookie header when present.
func (c Credentials) Apply(h http.Header) {
	h.Set("Accept", "application/json")
	h.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	h.Set("Origin", SiteURL)
	h.Set("Referer", SiteURL+"/")
	h.Set("x-mverse-language", "en")
	h.Set("x-mverse-countrycode", "US")
	if c.Token != "" {
		h.Set("x-mverse-ifwt", c.Token)
		if !strings.Contains(c.CookieHeader, tokenCookie+"=") {
			cookie := tokenCookie + "=" + c.Token
			if c.CookieHeader != "" {
				cookie = c.CookieHeader + "; " + cookie
			}
			h.Set("Cookie", cookie)
			return
		}
	}
	if c.CookieHeader != "" {
		h.Set("Cookie", c.CookieHeader)
	}
}

func tokenFromCookieHeader(header string) string {
	for _, part := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && name == tokenCookie {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// DetailURL returns the detail endpoint for one resource.
func DetailURL(ruid string) string {
	return APIBaseURL + "/resource/v1/search/" + ruid
}
