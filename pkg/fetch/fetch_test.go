package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mswtools/msw-harvester/pkg/auth"
	"github.com/mswtools/msw-harvester/pkg/ratelimit"
)

func fastConfig() Config {
	return Config{
		Timeout:        5 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		RateLimitFloor: 2 * time.Millisecond,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   ErrorClass
	}{
		{name: "network", err: context.DeadlineExceeded, want: ErrorClassNetwork},
		{name: "throttled", status: 429, want: ErrorClassRateLimit},
		{name: "not found", status: 404, want: ErrorClassClient},
		{name: "bad gateway", status: 502, want: ErrorClassServer},
		{name: "unavailable", status: 503, want: ErrorClassServer},
		{name: "ok", status: 200, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.status, tt.err); got != tt.want {
				t.Errorf("Classify(%d, %v) = %q, want %q", tt.status, tt.err, got, tt.want)
			}
		})
	}
}

func TestGet_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-mverse-ifwt") != "tok" {
			t.Errorf("missing session header")
		}
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := New(fastConfig(), nil, auth.Credentials{Token: "tok"})
	res, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !res.OK() || string(res.Body) != "hello" {
		t.Errorf("Get() = %d %q", res.StatusCode, res.Body)
	}
}

func TestGet_ClientErrorReturnsBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("<html>empty page</html>"))
	}))
	defer srv.Close()

	c := New(fastConfig(), nil, auth.Credentials{})
	res, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if res.StatusCode != http.StatusNotFound || string(res.Body) != "<html>empty page</html>" {
		t.Errorf("Get() = %d %q", res.StatusCode, res.Body)
	}
	if calls.Load() != 1 {
		t.Errorf("client error was retried %d times", calls.Load())
	}
}

func TestGet_RetriesThrottling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := New(fastConfig(), nil, auth.Credentials{})
	res, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !res.OK() {
		t.Errorf("status = %d after retries", res.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("server saw %d calls, want 3", calls.Load())
	}
}

func TestGet_ExhaustedRetriesReturnLastBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("down"))
	}))
	defer srv.Close()

	c := New(fastConfig(), nil, auth.Credentials{})
	res, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if res.StatusCode != http.StatusServiceUnavailable || string(res.Body) != "down" {
		t.Errorf("Get() = %d %q", res.StatusCode, res.Body)
	}
}

func TestGet_NetworkErrorAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	c := New(fastConfig(), nil, auth.Credentials{})
	if _, err := c.Get(context.Background(), srv.URL); err == nil {
		t.Error("Get() against closed server succeeded")
	}
}

func TestGet_RespectsPacerCancellation(t *testing.T) {
	p := ratelimit.NewPacer(time.Minute)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	c := New(fastConfig(), p, auth.Credentials{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Get(ctx, "http://127.0.0.1:0/"); err == nil {
		t.Error("Get() with blocked pacer and expired context succeeded")
	}
}

func TestListingURL(t *testing.T) {
	got := ListingURL(3, 0, 5)
	want := auth.SiteURL + "/en/resource/?page=3&category=0&subCategory=5&type=text&keyword"
	if got != want {
		t.Errorf("ListingURL() = %q, want %q", got, want)
	}

	catchAll := ListingURL(1, 25, -1)
	if catchAll != auth.SiteURL+"/en/resource/?page=1&category=25&subCategory=-1&type=text&keyword" {
		t.Errorf("catch-all ListingURL() = %q", catchAll)
	}
}

func TestSearchURL(t *testing.T) {
	got := SearchURL(1, 1, 0, 5)
	want := auth.APIBaseURL + "/resource/v1/search?page=1&count=1&category=0&subCategory=5"
	if got != want {
		t.Errorf("SearchURL() = %q, want %q", got, want)
	}
}
