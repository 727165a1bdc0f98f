// Package cftest provides an in-memory fake of the Cloudflare v4 endpoints
// used by tokfresh, for tests.
package cftest

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Route names, used for failure injection and call assertions.
const (
	RouteVerify          = "verify"
	RouteAccounts        = "accounts"
	RouteListNamespaces  = "list-namespaces"
	RouteCreateNamespace = "create-namespace"
	RoutePutValue        = "put-value"
	RouteUploadScript    = "upload-script"
	RouteSchedules       = "schedules"
	RouteSecrets         = "secrets"
)

// Upload is a captured Worker upload.
type Upload struct {
	Source   string
	Metadata map[string]any
}

// Server is a fake control plane. Fields are guarded by mu; use the accessor
// methods from tests.
type Server struct {
	*httptest.Server

	Token     string
	AccountID string

	mu         sync.Mutex
	calls      []string
	failures   map[string]int
	verifyFail bool
	noAccounts bool
	namespaces map[string]string // id -> title
	values     map[string]string // ns/key -> value
	uploads    map[string]Upload
	schedules  map[string][]string
	secrets    map[string]map[string]string
	failSecret string
	nextNS     int
}

// New starts a fake that accepts token and owns a single account.
func New(t testing.TB, token, accountID string) *Server {
	t.Helper()
	s := &Server{
		Token:      token,
		AccountID:  accountID,
		failures:   map[string]int{},
		namespaces: map[string]string{},
		values:     map[string]string{},
		uploads:    map[string]Upload{},
		schedules:  map[string][]string{},
		secrets:    map[string]map[string]string{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Fail makes route answer with status on every call.
func (s *Server) Fail(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = status
}

// FailSecret rejects writes of the named secret with 500.
func (s *Server) FailSecret(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSecret = name
}

// RejectToken makes /user/tokens/verify answer 200 with success=false and a
// disabled token status.
func (s *Server) RejectToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyFail = true
}

// NoAccounts makes the accounts listing empty.
func (s *Server) NoAccounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noAccounts = true
}

// SeedNamespace pre-creates a namespace.
func (s *Server) SeedNamespace(id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespaces[id] = title
}

// Calls returns route names in call order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CallCount counts calls of one route.
func (s *Server) CallCount(route string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == route {
			n++
		}
	}
	return n
}

func (s *Server) Namespaces() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.namespaces))
	for k, v := range s.namespaces {
		out[k] = v
	}
	return out
}

// Value returns the KV value stored under key in namespace ns.
func (s *Server) Value(ns, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[ns+"/"+key]
	return v, ok
}

func (s *Server) Upload(script string) (Upload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[script]
	return u, ok
}

func (s *Server) Schedules(script string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.schedules[script]...)
}

func (s *Server) Secrets(script string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for k, v := range s.secrets[script] {
		out[k] = v
	}
	return out
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	route, parts := s.route(r)
	if route == "" {
		writeEnvelope(w, http.StatusNotFound, false, nil, "route not found")
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, route)
	status, fail := s.failures[route]
	s.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+s.Token {
		writeEnvelope(w, http.StatusUnauthorized, false, nil, "Invalid API Token")
		return
	}
	if fail {
		writeEnvelope(w, status, false, nil, "injected failure: "+route)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch route {
	case RouteVerify:
		if s.verifyFail {
			writeEnvelope(w, http.StatusOK, false, map[string]string{"id": "tok-1", "status": "disabled"}, "token is not active")
			return
		}
		writeEnvelope(w, http.StatusOK, true, map[string]string{"id": "tok-1", "status": "active"}, "")
	case RouteAccounts:
		if s.noAccounts {
			writePage(w, []any{}, 1, 1, 1, 0)
			return
		}
		writePage(w, []map[string]string{{"id": s.AccountID, "name": "main"}}, 1, 1, 1, 1)
	case RouteListNamespaces:
		ids := make([]string, 0, len(s.namespaces))
		for id := range s.namespaces {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		page, perPage := pageParams(r)
		pages := (len(ids) + perPage - 1) / perPage
		if pages == 0 {
			pages = 1
		}
		out := []map[string]string{}
		for i := (page - 1) * perPage; i < len(ids) && i < page*perPage; i++ {
			out = append(out, map[string]string{"id": ids[i], "title": s.namespaces[ids[i]]})
		}
		writePage(w, out, page, perPage, pages, len(ids))
	case RouteCreateNamespace:
		var body struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Title == "" {
			writeEnvelope(w, http.StatusBadRequest, false, nil, "title required")
			return
		}
		for _, title := range s.namespaces {
			if title == body.Title {
				writeEnvelopeCode(w, http.StatusBadRequest, 10014, "a namespace with this account ID and title already exists")
				return
			}
		}
		s.nextNS++
		id := fmt.Sprintf("ns-%d", s.nextNS)
		s.namespaces[id] = body.Title
		writeEnvelope(w, http.StatusOK, true, map[string]string{"id": id, "title": body.Title}, "")
	case RoutePutValue:
		b, _ := io.ReadAll(r.Body)
		s.values[parts[0]+"/"+parts[1]] = string(b)
		writeEnvelope(w, http.StatusOK, true, nil, "")
	case RouteUploadScript:
		u, err := parseUpload(r)
		if err != nil {
			writeEnvelope(w, http.StatusBadRequest, false, nil, err.Error())
			return
		}
		s.uploads[parts[0]] = u
		writeEnvelope(w, http.StatusOK, true, map[string]string{"id": parts[0]}, "")
	case RouteSchedules:
		var body []struct {
			Cron string `json:"cron"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeEnvelope(w, http.StatusBadRequest, false, nil, "bad schedules")
			return
		}
		crons := make([]string, 0, len(body))
		for _, b := range body {
			crons = append(crons, b.Cron)
		}
		s.schedules[parts[0]] = crons
		writeEnvelope(w, http.StatusOK, true, map[string]any{"schedules": body}, "")
	case RouteSecrets:
		var body struct {
			Name string `json:"name"`
			Text string `json:"text"`
			Type string `json:"type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Type != "secret_text" {
			writeEnvelope(w, http.StatusBadRequest, false, nil, "bad secret")
			return
		}
		if body.Name == s.failSecret {
			writeEnvelope(w, http.StatusInternalServerError, false, nil, "secret store unavailable")
			return
		}
		if s.secrets[parts[0]] == nil {
			s.secrets[parts[0]] = map[string]string{}
		}
		s.secrets[parts[0]][body.Name] = body.Text
		writeEnvelope(w, http.StatusOK, true, map[string]string{"name": body.Name}, "")
	}
}

// route maps a request to a route name plus the path parameters that matter.
func (s *Server) route(r *http.Request) (string, []string) {
	p := strings.Trim(r.URL.Path, "/")
	seg := strings.Split(p, "/")
	switch {
	case p == "user/tokens/verify" && r.Method == http.MethodGet:
		return RouteVerify, nil
	case p == "accounts" && r.Method == http.MethodGet:
		return RouteAccounts, nil
	}
	if len(seg) < 3 || seg[0] != "accounts" || seg[1] != s.AccountID {
		return "", nil
	}
	rest := seg[2:]
	switch {
	case len(rest) == 3 && rest[0] == "storage" && rest[1] == "kv" && rest[2] == "namespaces":
		if r.Method == http.MethodGet {
			return RouteListNamespaces, nil
		}
		if r.Method == http.MethodPost {
			return RouteCreateNamespace, nil
		}
	case len(rest) == 6 && rest[0] == "storage" && rest[4] == "values" && r.Method == http.MethodPut:
		return RoutePutValue, []string{rest[3], rest[5]}
	case len(rest) == 3 && rest[0] == "workers" && rest[1] == "scripts" && r.Method == http.MethodPut:
		return RouteUploadScript, []string{rest[2]}
	case len(rest) == 4 && rest[0] == "workers" && rest[3] == "schedules" && r.Method == http.MethodPut:
		return RouteSchedules, []string{rest[2]}
	case len(rest) == 4 && rest[0] == "workers" && rest[3] == "secrets" && r.Method == http.MethodPut:
		return RouteSecrets, []string{rest[2]}
	}
	return "", nil
}

func parseUpload(r *http.Request) (Upload, error) {
	mt, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "multipart/form-data" {
		return Upload{}, fmt.Errorf("expected multipart/form-data")
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	var u Upload
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Upload{}, err
		}
		b, err := io.ReadAll(part)
		if err != nil {
			return Upload{}, err
		}
		switch part.FormName() {
		case "metadata":
			if err := json.Unmarshal(b, &u.Metadata); err != nil {
				return Upload{}, fmt.Errorf("bad metadata: %w", err)
			}
		default:
			u.Source = string(b)
		}
	}
	if u.Metadata == nil || u.Source == "" {
		return Upload{}, fmt.Errorf("metadata and module are required")
	}
	return u, nil
}

// pageParams reads page and per_page, defaulting to 1 and 20.
func pageParams(r *http.Request) (page, perPage int) {
	page, perPage = 1, 20
	if n, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && n > 0 {
		page = n
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("per_page")); err == nil && n > 0 {
		perPage = n
	}
	return page, perPage
}

func writePage(w http.ResponseWriter, result any, page, perPage, pages, total int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":  true,
		"errors":   []any{},
		"messages": []any{},
		"result":   result,
		"result_info": map[string]int{
			"page":        page,
			"per_page":    perPage,
			"total_pages": pages,
			"count":       min(perPage, max(total-(page-1)*perPage, 0)),
			"total_count": total,
		},
	})
}

func writeEnvelope(w http.ResponseWriter, status int, ok bool, result any, msg string) {
	writeBody(w, status, ok, result, 10000, msg)
}

func writeEnvelopeCode(w http.ResponseWriter, status, code int, msg string) {
	writeBody(w, status, false, nil, code, msg)
}

func writeBody(w http.ResponseWriter, status int, ok bool, result any, code int, msg string) {
	errs := []map[string]any{}
	if msg != "" {
		errs = append(errs, map[string]any{"code": code, "message": msg})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":  ok,
		"errors":   errs,
		"messages": []any{},
		"result":   result,
	})
}
