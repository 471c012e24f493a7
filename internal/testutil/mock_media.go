// Package testutil provides testing utilities for the media compressor.
package testutil

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Test account credentials accepted by MockMediaService.
const (
	CloudName = "demo"
	APIKey    = "test-key"
	APISecret = "test-secret"
)

type mockImage struct {
	data []byte
	// reported overrides len(data) in list responses when > 0
	reported int64
}

// MockMediaService is an in-memory media service speaking the list, delivery
// and upload endpoints used by the store client.
type MockMediaService struct {
	server *httptest.Server

	mu     sync.RWMutex
	order  []string
	images map[string]*mockImage

	// Failure injection
	listStatus  int
	fetchStatus map[string]int
	uploadFail  map[string]int

	// Quota headers
	quotaLimit     int
	quotaRemaining int
	quotaReset     string

	// Tracking
	ListCount   int
	FetchCount  int
	UploadCount int
	Cursors     []string
}

// NewMockMediaService creates and starts a mock media service.
func NewMockMediaService() *MockMediaService {
	m := &MockMediaService{
		images:         make(map[string]*mockImage),
		fetchStatus:    make(map[string]int),
		uploadFail:     make(map[string]int),
		quotaLimit:     500,
		quotaRemaining: 500,
		quotaReset:     "3600",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1_1/"+CloudName+"/resources/image", m.handleList)
	mux.HandleFunc("/v1_1/"+CloudName+"/image/upload", m.handleUpload)
	mux.HandleFunc("/media/", m.handleFetch)
	m.server = httptest.NewServer(mux)

	return m
}

// URL returns the mock server URL.
func (m *MockMediaService) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockMediaService) Close() {
	m.server.Close()
}

// AddImage stores an image. Its reported size is len(data).
func (m *MockMediaService) AddImage(id string, data []byte) {
	m.AddImageWithSize(id, data, 0)
}

// AddImageWithSize stores an image whose list entry reports size bytes.
func (m *MockMediaService) AddImageWithSize(id string, data []byte, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[id]; !ok {
		m.order = append(m.order, id)
	}
	m.images[id] = &mockImage{data: data, reported: size}
}

// RemoveImage deletes the image bytes but keeps it in listings, as happens
// when an asset is deleted between a list call and its download.
func (m *MockMediaService) RemoveImage(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if img, ok := m.images[id]; ok {
		img.data = nil
	}
}

// Image returns the current bytes of id.
func (m *MockMediaService) Image(id string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if img, ok := m.images[id]; ok {
		return img.data
	}
	return nil
}

// SetListStatus makes every list call answer with status (0 restores 200).
func (m *MockMediaService) SetListStatus(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listStatus = status
}

// SetFetchStatus makes downloads of id answer with status.
func (m *MockMediaService) SetFetchStatus(id string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchStatus[id] = status
}

// FailUploads makes the next n uploads of id answer 500.
func (m *MockMediaService) FailUploads(id string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadFail[id] = n
}

// SetQuota sets the quota headers returned on list responses.
func (m *MockMediaService) SetQuota(limit, remaining int, reset string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotaLimit = limit
	m.quotaRemaining = remaining
	m.quotaReset = reset
}

// GetListCount returns the number of list requests received.
func (m *MockMediaService) GetListCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ListCount
}

// GetUploadCount returns the number of successful uploads.
func (m *MockMediaService) GetUploadCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.UploadCount
}

// GetCursors returns the cursors of all list requests, in order.
func (m *MockMediaService) GetCursors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.Cursors...)
}

// MediaURL returns the delivery URL of id.
func (m *MockMediaService) MediaURL(id string) string {
	return m.server.URL + "/media/" + id
}

func (m *MockMediaService) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if key, secret, ok := r.BasicAuth(); !ok || key != APIKey || secret != APISecret {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	m.mu.Lock()
	m.ListCount++
	cursor := r.URL.Query().Get("next_cursor")
	m.Cursors = append(m.Cursors, cursor)
	if m.quotaRemaining > 0 {
		m.quotaRemaining--
	}
	w.Header().Set("X-FeatureRateLimit-Limit", strconv.Itoa(m.quotaLimit))
	w.Header().Set("X-FeatureRateLimit-Remaining", strconv.Itoa(m.quotaRemaining))
	w.Header().Set("X-FeatureRateLimit-Reset", m.quotaReset)
	status := m.listStatus
	m.mu.Unlock()

	if status != 0 {
		writeError(w, status, http.StatusText(status))
		return
	}

	maxResults, err := strconv.Atoi(r.URL.Query().Get("max_results"))
	if err != nil || maxResults <= 0 {
		maxResults = 10
	}

	offset := 0
	if cursor != "" {
		offset, err = strconv.Atoi(strings.TrimPrefix(cursor, "cursor-"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid next_cursor")
			return
		}
	}

	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	end := offset + maxResults
	if end > len(ids) {
		end = len(ids)
	}
	resources := make([]map[string]any, 0, end-offset)
	for _, id := range ids[offset:end] {
		img := m.images[id]
		size := img.reported
		if size == 0 {
			size = int64(len(img.data))
		}
		resources = append(resources, map[string]any{
			"public_id":  id,
			"format":     "jpg",
			"bytes":      size,
			"url":        m.server.URL + "/media/" + id,
			"secure_url": m.server.URL + "/media/" + id,
		})
	}
	m.mu.RUnlock()

	resp := map[string]any{"resources": resources}
	if end < len(ids) {
		resp["next_cursor"] = fmt.Sprintf("cursor-%d", end)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (m *MockMediaService) handleFetch(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/media/")

	m.mu.Lock()
	m.FetchCount++
	status := m.fetchStatus[id]
	img, ok := m.images[id]
	m.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok || img.data == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(img.data)
}

func (m *MockMediaService) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart body")
		return
	}

	if r.FormValue("api_key") != APIKey {
		writeError(w, http.StatusUnauthorized, "Invalid api_key")
		return
	}

	signed := url.Values{}
	for k, v := range r.MultipartForm.Value {
		if k == "api_key" || k == "signature" || k == "file" {
			continue
		}
		signed[k] = v
	}
	if r.FormValue("signature") != signature(signed, APISecret) {
		writeError(w, http.StatusUnauthorized, "Invalid Signature")
		return
	}

	id := r.FormValue("public_id")
	if r.FormValue("overwrite") != "true" {
		writeError(w, http.StatusBadRequest, "overwrite must be true")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unreadable file")
		return
	}

	m.mu.Lock()
	if n := m.uploadFail[id]; n > 0 {
		m.uploadFail[id] = n - 1
		m.mu.Unlock()
		writeError(w, http.StatusInternalServerError, "General Error")
		return
	}
	if _, exists := m.images[id]; !exists {
		m.order = append(m.order, id)
	}
	m.images[id] = &mockImage{data: data}
	m.UploadCount++
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"public_id": id,
		"bytes":     len(data),
		"format":    "jpg",
	})
}

func signature(params url.Values, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params.Get(k))
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "&") + secret))
	return hex.EncodeToString(sum[:])
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": message},
	})
}
