package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quill/api/internal/refresolve"
	"quill/api/internal/search"
	"quill/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// requestScope is the per-request tenant context. Upstream middleware is
// trusted to have verified the membership behind these headers.
type requestScope struct {
	OrganizationID string
	UserID         string
}

func scopeFrom(r *http.Request) requestScope {
	return requestScope{
		OrganizationID: strings.TrimSpace(r.Header.Get("X-Organization-ID")),
		UserID:         strings.TrimSpace(r.Header.Get("X-User-ID")),
	}
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	scope := scopeFrom(r)
	if scope.OrganizationID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "X-Organization-ID header is required", nil)
		return
	}
	if !requireID(w, "X-Organization-ID", scope.OrganizationID) {
		return
	}
	if scope.UserID != "" && !requireID(w, "X-User-ID", scope.UserID) {
		return
	}

	switch parts[1] {
	case "references":
		if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "resolve" {
			s.handleResolveReferences(w, r, scope)
			return
		}
	case "content":
		s.handleContent(w, r, scope, parts[2:])
		return
	case "workspace":
		if r.Method == http.MethodGet && len(parts) == 3 {
			s.handleWorkspace(w, r, scope, parts[2])
			return
		}
	case "sources":
		s.handleSources(w, r, scope, parts[2:])
		return
	case "search":
		if r.Method == http.MethodGet && len(parts) == 2 {
			s.handleSearch(w, r, scope)
			return
		}
	case "chat":
		s.handleChat(w, r, scope, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleResolveReferences(w http.ResponseWriter, r *http.Request, scope requestScope) {
	var body struct {
		Message          string `json:"message"`
		CurrentContentID string `json:"currentContentId"`
		IncludeSelf      bool   `json:"includeSelf"`
		Mode             string `json:"mode"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	mode, err := refresolve.ParseMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	result, err := s.service.ResolveReferences(r.Context(), ResolveInput{
		OrganizationID:   scope.OrganizationID,
		Message:          body.Message,
		CurrentContentID: body.CurrentContentID,
		IncludeSelf:      body.IncludeSelf,
		Mode:             mode,
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleContent(w http.ResponseWriter, r *http.Request, scope requestScope, parts []string) {
	if len(parts) > 0 && !requireID(w, "content id", parts[0]) {
		return
	}
	switch {
	case len(parts) == 0 && r.Method == http.MethodPost:
		var body CreateContentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.CreateContent(r.Context(), scope.OrganizationID, body)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
		return

	case len(parts) == 0 && r.Method == http.MethodGet:
		views, err := s.service.ListContents(r.Context(), scope.OrganizationID)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": views})
		return

	case len(parts) == 1 && r.Method == http.MethodGet:
		view, err := s.service.GetContentView(r.Context(), scope.OrganizationID, parts[0])
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return

	case len(parts) == 2 && parts[1] == "versions":
		s.handleVersions(w, r, scope, parts[0])
		return

	case len(parts) == 4 && parts[1] == "sections" && parts[3] == "patch" && r.Method == http.MethodPost:
		if !requireID(w, "section id", parts[2]) {
			return
		}
		var body PatchSectionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.PatchSection(r.Context(), scope.OrganizationID, scope.UserID, parts[0], parts[2], body)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
		return

	case len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodPost:
		var body ExportInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Export(r.Context(), scope.OrganizationID, parts[0], body)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"filename":  result.Filename,
			"mimeType":  result.MimeType,
			"size":      len(result.Data),
			"objectUrl": nilIfEmptyString(result.ObjectURL),
		})
		return

	case len(parts) == 2 && parts[1] == "history" && r.Method == http.MethodGet:
		limit, ok := intQuery(w, r, "limit", 20)
		if !ok {
			return
		}
		history, err := s.service.History(r.Context(), scope.OrganizationID, parts[0], limit)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": history})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, scope requestScope, contentID string) {
	switch r.Method {
	case http.MethodPost:
		var body CreateVersionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.CreateVersion(r.Context(), scope.OrganizationID, scope.UserID, contentID, body)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)

	case http.MethodGet:
		limit, ok := intQuery(w, r, "limit", 50)
		if !ok {
			return
		}
		views, err := s.service.ListVersions(r.Context(), scope.OrganizationID, contentID, limit)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": views})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleWorkspace(w http.ResponseWriter, r *http.Request, scope requestScope, contentID string) {
	if !requireID(w, "content id", contentID) {
		return
	}
	includeChat := r.URL.Query().Get("includeChat") == "1" || r.URL.Query().Get("includeChat") == "true"
	payload, err := s.service.GetWorkspace(r.Context(), scope.OrganizationID, scope.UserID, contentID, WorkspaceOptions{IncludeChat: includeChat})
	if err != nil {
		fail(w, err)
		return
	}
	// Already-marshaled bytes: write them verbatim so cache hits stay
	// byte-identical to fresh compiles.
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *HTTPServer) handleSources(w http.ResponseWriter, r *http.Request, scope requestScope, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodPost:
		var body CreateSourceInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.CreateSource(r.Context(), scope.OrganizationID, body)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
		return

	case len(parts) == 0 && r.Method == http.MethodGet:
		views, err := s.service.ListSources(r.Context(), scope.OrganizationID)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": views})
		return

	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodPut:
		if !requireID(w, "source id", parts[0]) {
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.UpdateSourceStatus(r.Context(), scope.OrganizationID, parts[0], body.Status)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, scope requestScope) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	limit, ok := intQuery(w, r, "limit", 20)
	if !ok {
		return
	}
	offset, ok := intQuery(w, r, "offset", 0)
	if !ok {
		return
	}

	resp, err := s.service.Search(search.Query{
		Text:           query,
		OrganizationID: scope.OrganizationID,
		FilterType:     search.ResultType(r.URL.Query().Get("type")),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Search failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request, scope requestScope, parts []string) {
	if len(parts) != 2 || parts[1] != "messages" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// The literal segment "general" addresses the content-less session.
	var contentID *string
	if parts[0] != "general" {
		if !requireID(w, "content id", parts[0]) {
			return
		}
		id := parts[0]
		contentID = &id
	}

	switch r.Method {
	case http.MethodPost:
		var body ChatMessageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.AppendChatMessage(r.Context(), scope.OrganizationID, contentID, body)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)

	case http.MethodGet:
		view, err := s.service.ListChat(r.Context(), scope.OrganizationID, contentID)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Organization-ID, X-User-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func intQuery(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return value, true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// requireID rejects identifiers that cannot be UUIDs before they reach the
// store, where they would otherwise fail the uuid cast with a driver error.
func requireID(w http.ResponseWriter, name, id string) bool {
	if util.IsUUID(id) {
		return true
	}
	writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be a UUID", nil)
	return false
}

func nilIfEmptyString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// fail maps a service error onto the wire error shape.
func fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
