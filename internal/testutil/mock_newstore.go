// Package testutil provides a mock NewStore tenant API for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Test credentials accepted by the mock token endpoint.
const (
	ClientID     = "test-client"
	ClientSecret = "test-secret"
)

// MockResponse defines a canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Store is a fulfillment node fixture.
type Store struct {
	ID     string `json:"store_id"`
	Label  string `json:"label"`
	Locale string `json:"locale"`
}

// Shop is a catalog fixture with its locales.
type Shop struct {
	ID      string
	Locales []string
}

// Product is a catalog entry fixture.
type Product struct {
	ID    string `json:"product_id"`
	Title string `json:"title"`
}

// Catalog is the data the mock tenant serves.
type Catalog struct {
	Stores []Store
	Shops  []Shop

	// Products keyed by "<shop>/<locale>".
	Products map[string][]Product

	// ATP keyed by "<product>/<store>". Missing pairs report 0.
	ATP map[string]int

	// StorePageSize splits the store list into cursor pages.
	StorePageSize int
}

// DefaultCatalog returns a small tenant: two stores over two pages, one
// shop with two locales and three products.
func DefaultCatalog() Catalog {
	return Catalog{
		Stores: []Store{
			{ID: "ST1", Label: "Berlin", Locale: "de-DE"},
			{ID: "ST2", Label: "New York", Locale: "en-US"},
		},
		Shops: []Shop{
			{ID: "storefront-catalog", Locales: []string{"de-DE", "en-US"}},
		},
		Products: map[string][]Product{
			"storefront-catalog/de-DE": {{ID: "P1", Title: "Hose"}, {ID: "P2", Title: "Hemd"}},
			"storefront-catalog/en-US": {{ID: "P3", Title: "Jacket"}},
		},
		ATP: map[string]int{
			"P1/ST1": 4,
			"P2/ST2": 1,
		},
		StorePageSize: 1,
	}
}

// MockNewStore is a configurable mock of one tenant's API and its token
// endpoint.
type MockNewStore struct {
	server *httptest.Server

	mu       sync.Mutex
	catalog  Catalog
	handlers map[string]http.HandlerFunc
	failures map[string][]MockResponse
	token    string
	tokens   int
	requests []string

	// TokenTTL is the expires_in reported by the token endpoint.
	TokenTTL time.Duration
}

// NewMockNewStore starts a mock serving DefaultCatalog.
func NewMockNewStore() *MockNewStore {
	m := &MockNewStore{
		catalog:  DefaultCatalog(),
		handlers: make(map[string]http.HandlerFunc),
		failures: make(map[string][]MockResponse),
		TokenTTL: time.Hour,
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the API base URL.
func (m *MockNewStore) URL() string {
	return m.server.URL
}

// TokenURL returns the token endpoint URL.
func (m *MockNewStore) TokenURL() string {
	return m.server.URL + "/token"
}

// Close shuts down the mock server.
func (m *MockNewStore) Close() {
	m.server.Close()
}

// SetCatalog replaces the served data.
func (m *MockNewStore) SetCatalog(c Catalog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog = c
}

// SetHandler overrides the handler for an exact path.
func (m *MockNewStore) SetHandler(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

// Fail queues resp for the next times requests to path, ahead of every
// other handling including authentication.
func (m *MockNewStore) Fail(path string, resp MockResponse, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < times; i++ {
		m.failures[path] = append(m.failures[path], resp)
	}
}

// RevokeTokens invalidates every issued access token.
func (m *MockNewStore) RevokeTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
}

// Requests returns "METHOD path?query" of every API request in order.
func (m *MockNewStore) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// GetRequestCount returns the number of API requests, token requests
// excluded.
func (m *MockNewStore) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// GetTokenCount returns the number of tokens issued.
func (m *MockNewStore) GetTokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens
}

// Reset clears counters and queued failures.
func (m *MockNewStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.tokens = 0
	m.failures = make(map[string][]MockResponse)
}

func (m *MockNewStore) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/token" {
		m.issueToken(w, r)
		return
	}

	m.mu.Lock()
	line := r.Method + " " + r.URL.Path
	if r.URL.RawQuery != "" {
		line += "?" + r.URL.RawQuery
	}
	m.requests = append(m.requests, line)

	var injected *MockResponse
	if queue := m.failures[r.URL.Path]; len(queue) > 0 {
		injected = &queue[0]
		m.failures[r.URL.Path] = queue[1:]
	}
	valid := m.token != "" && r.Header.Get("Authorization") == "Bearer "+m.token
	handler := m.handlers[r.URL.Path]
	catalog := m.catalog
	m.mu.Unlock()

	if injected != nil {
		writeResponse(w, *injected)
		return
	}
	if !valid {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}
	if handler != nil {
		handler(w, r)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v0/d/stores":
		serveStores(w, r, catalog)
	case r.Method == http.MethodGet && r.URL.Path == "/v0/c/shops":
		serveShops(w, catalog)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/shops/") && strings.HasSuffix(r.URL.Path, "/products"):
		serveProducts(w, r, catalog)
	case r.Method == http.MethodPost && r.URL.Path == "/v0/availabilities":
		serveAvailabilities(w, r, catalog)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (m *MockNewStore) issueToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" ||
		r.PostForm.Get("client_id") != ClientID ||
		r.PostForm.Get("client_secret") != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	m.mu.Lock()
	m.tokens++
	m.token = fmt.Sprintf("token-%d", m.tokens)
	token := m.token
	ttl := m.TokenTTL
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(ttl.Seconds()),
	})
}

func serveStores(w http.ResponseWriter, r *http.Request, c Catalog) {
	size := c.StorePageSize
	if size <= 0 {
		size = len(c.Stores)
	}
	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid page"})
			return
		}
		page = n
	}

	start := min((page-1)*size, len(c.Stores))
	end := min(start+size, len(c.Stores))
	var next any
	if end < len(c.Stores) {
		next = page + 1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stores":    c.Stores[start:end],
		"next_page": next,
	})
}

func serveShops(w http.ResponseWriter, c Catalog) {
	shops := make([]map[string]any, 0, len(c.Shops))
	for _, s := range c.Shops {
		locales := make([]map[string]string, len(s.Locales))
		for i, l := range s.Locales {
			locales[i] = map[string]string{"locale": l}
		}
		shops = append(shops, map[string]any{"id": s.ID, "locales": locales})
	}
	writeJSON(w, http.StatusOK, map[string]any{"shops": shops})
}

func serveProducts(w http.ResponseWriter, r *http.Request, c Catalog) {
	shop := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/shops/"), "/products")
	q := r.URL.Query()
	offset, err1 := strconv.Atoi(q.Get("offset"))
	count, err2 := strconv.Atoi(q.Get("count"))
	if err1 != nil || err2 != nil || offset < 0 || count <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "offset and count are required"})
		return
	}

	all := c.Products[shop+"/"+q.Get("locale")]
	start := min(offset, len(all))
	end := min(start+count, len(all))
	page := all[start:end]
	if page == nil {
		page = []Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"elements": page,
		"pagination": map[string]int{
			"offset": offset,
			"count":  len(page),
			"total":  len(all),
		},
	})
}

func serveAvailabilities(w http.ResponseWriter, r *http.Request, c Catalog) {
	var req struct {
		ATPKeys []struct {
			ProductID         string `json:"product_id"`
			FulfillmentNodeID string `json:"fulfillment_node_id"`
		} `json:"atp_keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ATPKeys) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "atp_keys required"})
		return
	}

	items := make([]map[string]any, 0, len(req.ATPKeys))
	for _, k := range req.ATPKeys {
		items = append(items, map[string]any{
			"product_id":          k.ProductID,
			"fulfillment_node_id": k.FulfillmentNodeID,
			"atp":                 c.ATP[k.ProductID+"/"+k.FulfillmentNodeID],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewRateLimitResponse creates a 429 response with a Retry-After header.
func NewRateLimitResponse(retryAfter time.Duration) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":"too many requests"}`,
		Headers: map[string]string{
			"Retry-After":  strconv.Itoa(int(retryAfter.Seconds())),
			"Content-Type": "application/json",
		},
	}
}

// NewServerErrorResponse creates a 500 response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":"internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewNotFoundResponse creates a 404 response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error":"not found"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
