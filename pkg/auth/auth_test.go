package auth

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolve_Precedence(t *testing.T) {
	cookieFile := writeFile(t, "cookies.txt", "_ifwt=from-file; other=1")

	tests := []struct {
		name       string
		flag       string
		env        string
		cookieFile string
		wantToken  string
	}{
		{name: "flag wins", flag: "from-flag", env: "from-env", cookieFile: cookieFile, wantToken: "from-flag"},
		{name: "env over cookie file", env: "from-env", cookieFile: cookieFile, wantToken: "from-env"},
		{name: "cookie file last", cookieFile: cookieFile, wantToken: "from-file"},
		{name: "nothing", wantToken: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(TokenEnv, tt.env)
			c, err := Resolve(tt.flag, tt.cookieFile)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if c.Token != tt.wantToken {
				t.Errorf("Token = %q, want %q", c.Token, tt.wantToken)
			}
		})
	}
}

func TestResolve_MissingCookieFile(t *testing.T) {
	t.Setenv(TokenEnv, "")
	if _, err := Resolve("", filepath.Join(t.TempDir(), "nope.txt")); err == nil {
		t.Error("Resolve() with missing cookie file succeeded, want error")
	}
}

func TestLoadCookieFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "raw header line",
			content: "Cookie: _ifwt=abc; lang=en\n",
			want:    "_ifwt=abc; lang=en",
		},
		{
			name: "netscape format",
			content: "# Netscape HTTP Cookie File\n" +
				".nexon.com\tTRUE\t/\tTRUE\t0\t_ifwt\tabc\n" +
				".nexon.com\tTRUE\t/\tFALSE\t0\tlang\ten\n",
			want: "_ifwt=abc; lang=en",
		},
		{
			name:    "plain pairs",
			content: "_ifwt=abc\nlang=en\n",
			want:    "_ifwt=abc; lang=en",
		},
		{
			name:    "empty file",
			content: "",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "cookies.txt", tt.content)
			got, err := LoadCookieFile(path)
			if err != nil {
				t.Fatalf("LoadCookieFile() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("LoadCookieFile() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCredentials_Apply(t *testing.T) {
	t.Run("token only", func(t *testing.T) {
		h := make(http.Header)
		Credentials{Token: "tok"}.Apply(h)
		if h.Get("x-mverse-ifwt") != "tok" {
			t.Errorf("x-mverse-ifwt = %q", h.Get("x-mverse-ifwt"))
		}
		if h.Get("Cookie") != "_ifwt=tok" {
			t.Errorf("Cookie = %q", h.Get("Cookie"))
		}
		if h.Get("Origin") != SiteURL {
			t.Errorf("Origin = %q", h.Get("Origin"))
		}
	})

	t.Run("cookie header already carries the token", func(t *testing.T) {
		h := make(http.Header)
		Credentials{Token: "tok", CookieHeader: "_ifwt=tok; lang=en"}.Apply(h)
		if h.Get("Cookie") != "_ifwt=tok; lang=en" {
			t.Errorf("Cookie = %q", h.Get("Cookie"))
		}
	})

	t.Run("anonymous", func(t *testing.T) {
		h := make(http.Header)
		Credentials{}.Apply(h)
		if h.Get("x-mverse-ifwt") != "" || h.Get("Cookie") != "" {
			t.Errorf("anonymous request carries credentials: %v", h)
		}
		if h.Get("User-Agent") == "" {
			t.Error("User-Agent not set")
		}
	})
}

func TestDetailURL(t *testing.T) {
	want := APIBaseURL + "/resource/v1/search/abc123"
	if got := DetailURL("abc123"); got != want {
		t.Errorf("DetailURL() = %q, want %q", got, want)
	}
}
