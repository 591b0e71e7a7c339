// Package testutil provides the mock catalog site used by unit and
// integration tests: listing pages under /en/resource/ and the resource API
// under /resource/v1/search.
package testutil

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// segKey identifies one (category, subcategory) segment of the mock catalog.
type segKey struct {
	Category    int
	Subcategory int
}

type pageKey struct {
	segKey
	Page int
}

// Detail is the mock resource API payload for one ruid.
type Detail struct {
	Date   string
	Path   string
	Tags   []string
	Code   int // envelope code; 0 is success
	Status int // HTTP status; 0 means 200
}

// MockCatalog is a configurable in-process stand-in for the catalog site.
// Segments have a last page and per-page item counts; individual pages can
// be scripted to fail with an HTTP status or to render empty a number of
// times, which is how tests inject probe noise.
type MockCatalog struct {
	server *httptest.Server

	mu            sync.Mutex
	pageSize      int
	lastPage      map[segKey]int
	lastPageItems map[segKey]int
	pageItems     map[pageKey][]string // explicit ruid override
	emptyServes   map[pageKey]int      // render empty N times
	failServes    map[pageKey]int      // fail with failStatus N times
	failStatus    map[pageKey]int
	details       map[string]Detail

	// RequestCount counts every request the server saw.
	RequestCount int
	// LastRequestHeader holds the headers of the most recent request.
	LastRequestHeader http.Header
}

// NewMockCatalog creates a mock catalog whose full pages carry pageSize
// items.
func NewMockCatalog(pageSize int) *MockCatalog {
	m := &MockCatalog{
		pageSize:      pageSize,
		lastPage:      make(map[segKey]int),
		lastPageItems: make(map[segKey]int),
		pageItems:     make(map[pageKey][]string),
		emptyServes:   make(map[pageKey]int),
		failServes:    make(map[pageKey]int),
		failStatus:    make(map[pageKey]int),
		details:       make(map[string]Detail),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the mock server URL.
func (m *MockCatalog) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockCatalog) Close() {
	m.server.Close()
}

// SetSegment defines a segment: pages 1..lastPage-1 are full, lastPage
// carries lastPageItems.
func (m *MockCatalog) SetSegment(category, subcategory, lastPage, lastPageItems int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := segKey{Category: category, Subcategory: subcategory}
	m.lastPage[k] = lastPage
	m.lastPageItems[k] = lastPageItems
}

// SetPageItems overrides the ruids served on one page.
func (m *MockCatalog) SetPageItems(category, subcategory, page int, ruids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageItems[pageKey{segKey{category, subcategory}, page}] = ruids
}

// DropPage makes a page render empty (valid HTML, no items) for the next
// n requests.
func (m *MockCatalog) DropPage(category, subcategory, page, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emptyServes[pageKey{segKey{category, subcategory}, page}] = n
}

// FailPage makes a page answer with the given HTTP status for the next n
// requests.
func (m *MockCatalog) FailPage(category, subcategory, page, n, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pageKey{segKey{category, subcategory}, page}
	m.failServes[k] = n
	m.failStatus[k] = status
}

// SetDetail scripts the resource API response for one ruid.
func (m *MockCatalog) SetDetail(ruid string, d Detail) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.details[strings.ToLower(ruid)] = d
}

// RUID returns the deterministic identifier of item i on a page.
func RUID(category, subcategory, page, i int) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d:%d:%d:%d", category, subcategory, page, i)))
	return hex.EncodeToString(sum[:])
}

func (m *MockCatalog) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.LastRequestHeader = r.Header.Clone()
	m.mu.Unlock()

	switch {
	case r.URL.Path == "/en/resource/":
		m.handleListing(w, r)
	case strings.HasPrefix(r.URL.Path, "/resource/v1/search/"):
		m.handleDetail(w, r)
	case r.URL.Path == "/resource/v1/search":
		m.handleSearch(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (m *MockCatalog) pageRUIDs(k pageKey) []string {
	if override, ok := m.pageItems[k]; ok {
		return override
	}
	last, ok := m.lastPage[k.segKey]
	if !ok || k.Page < 1 || k.Page > last {
		return nil
	}
	n := m.pageSize
	if k.Page == last {
		n = m.lastPageItems[k.segKey]
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, RUID(k.Category, k.Subcategory, k.Page, i))
	}
	return out
}

func (m *MockCatalog) handleListing(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := intParam(q, "page", 1)
	category := intParam(q, "category", 0)
	subcategory := intParam(q, "subCategory", -1)
	k := pageKey{segKey{category, subcategory}, page}

	m.mu.Lock()
	if m.failServes[k] > 0 {
		m.failServes[k]--
		status := m.failStatus[k]
		m.mu.Unlock()
		w.WriteHeader(status)
		return
	}
	empty := false
	if m.emptyServes[k] > 0 {
		m.emptyServes[k]--
		empty = true
	}
	var ruids []string
	if !empty {
		ruids = m.pageRUIDs(k)
	}
	m.mu.Unlock()

	var b strings.Builder
	b.WriteString(`<html><body><div class="wrap list_resource on">`)
	for _, ruid := range ruids {
		fmt.Fprintf(&b, `<img src="https://mod-resource-search-images.dn.nexoncdn.co.kr/maplestory_world/%s.png">`, ruid)
	}
	b.WriteString(`</div></body></html>`)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(b.String()))
}

func (m *MockCatalog) handleDetail(w http.ResponseWriter, r *http.Request) {
	ruid := strings.ToLower(strings.TrimPrefix(r.URL.Path, "/resource/v1/search/"))

	m.mu.Lock()
	d, ok := m.details[ruid]
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		// Unknown ruid: success envelope with no matches, like the live API.
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": map[string]any{"matches": []any{}}})
		return
	}
	if d.Status != 0 && d.Status != http.StatusOK {
		w.WriteHeader(d.Status)
		return
	}
	if d.Code != 0 {
		json.NewEncoder(w).Encode(map[string]any{"code": d.Code, "message": "scripted failure"})
		return
	}
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	json.NewEncoder(w).Encode(map[string]any{
		"code": 0,
		"data": map[string]any{
			"matches": []map[string]any{{
				"guid":  ruid,
				"mtime": d.Date,
				"path":  d.Path,
				"tags":  tags,
			}},
		},
	})
}

func (m *MockCatalog) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := intParam(q, "category", 0)
	subcategory := intParam(q, "subCategory", -1)
	k := segKey{category, subcategory}

	m.mu.Lock()
	last := m.lastPage[k]
	lastItems := m.lastPageItems[k]
	pageSize := m.pageSize
	m.mu.Unlock()

	total := 0
	if last > 0 {
		total = (last-1)*pageSize + lastItems
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"code": 0,
		"data": map[string]any{"totalMatchCount": total, "matches": []any{}},
	})
}

func intParam(q url.Values, name string, def int) int {
	if v := q.Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// RewriteTransport redirects every request to the mock server regardless of
// the host the code under test targeted.
type RewriteTransport struct {
	Server *MockCatalog
}

// RoundTrip implements http.RoundTripper.
func (t *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u, err := url.Parse(t.Server.URL())
	if err != nil {
		return nil, err
	}
	req.URL.Scheme = u.Scheme
	req.URL.Host = u.Host
	return http.DefaultTransport.RoundTrip(req)
}

// NewClientTransport returns an http.Client wired to the mock catalog.
func NewClientTransport(m *MockCatalog) *http.Client {
	return &http.Client{Transport: &RewriteTransport{Server: m}}
}
