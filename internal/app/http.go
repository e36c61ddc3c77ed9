package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"worksite/api/internal/auth"
	"worksite/api/internal/authpw"
	"worksite/api/internal/rbac"
	"worksite/api/internal/store"
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
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"storage": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["storage"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleAuthSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleAuthSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signout" {
		// Signing out tears down the instance-wide writer identity and
		// subscriptions, so it is gated like any other mutation.
		if s.service.AuthConfigured() {
			if _, ok := s.requireSession(w, r); !ok {
				return
			}
		}
		s.service.SignOut(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "email": nil})
			return
		}
		claims, err := s.service.SessionFromToken(token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "email": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"email":         claims.Email,
			"userId":        claims.Sub,
			"privileged":    claims.Privileged,
		})
		return
	}

	// Read routes. The board is open to read without a session; only
	// mutations and admin routes are gated.
	if r.Method == http.MethodGet && r.URL.Path == "/api/groups" {
		writeJSON(w, http.StatusOK, map[string]any{"groups": s.service.Groups(filterFromQuery(r))})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/stats" {
		writeJSON(w, http.StatusOK, s.service.GlobalStats(filterFromQuery(r)))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/curve" {
		writeJSON(w, http.StatusOK, map[string]any{"points": s.service.Curve(filterFromQuery(r))})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/export/pdf" {
		pdf, err := s.service.ExportPDF(r.Context(), filterFromQuery(r))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="worksite-report.pdf"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(pdf)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/export" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="worksite-activities.csv"`)
		w.WriteHeader(http.StatusOK)
		if err := s.service.ExportCSV(w, filterFromQuery(r)); err != nil {
			log.Printf("export csv: %v", err)
		}
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/records" {
		writeJSON(w, http.StatusOK, map[string]any{"records": s.service.DailyRecords()})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/events" {
		s.handleEvents(w, r)
		return
	}

	// Mutations require a session when auth is configured; in
	// local-only deployments the board is single user and open.
	if s.service.AuthConfigured() {
		var action rbac.Action
		switch {
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/progress"),
			r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/units"),
			r.Method == http.MethodPost && r.URL.Path == "/api/observation",
			r.Method == http.MethodPost && r.URL.Path == "/api/records",
			r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/records/"):
			action = rbac.ActionTrack
		case r.Method == http.MethodPost && r.URL.Path == "/api/activities/import",
			r.Method == http.MethodPost && r.URL.Path == "/api/activities",
			r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/api/activities/"),
			r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/activities/"):
			action = rbac.ActionImport
		}
		if action != "" {
			claims, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			if !rbac.Can(rbac.FromAccount(true, claims.Privileged), action) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
				return
			}
		}
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/activities/import" {
		s.handleImport(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/activities" {
		var in ActivityInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		a, err := s.service.CreateActivity(r.Context(), in)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, a)
		return
	}

	if (r.Method == http.MethodPut || r.Method == http.MethodDelete) && strings.HasPrefix(r.URL.Path, "/api/activities/") {
		key := strings.TrimPrefix(r.URL.Path, "/api/activities/")
		if r.Method == http.MethodDelete {
			if err := s.service.DeleteActivity(r.Context(), key); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		var in ActivityInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		a, err := s.service.EditActivity(r.Context(), key, in)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, a)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/records" {
		var rec store.DailyRecord
		if err := decodeBody(r, &rec); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		saved, err := s.service.SaveDailyRecord(r.Context(), rec)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, saved)
		return
	}

	if r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/records/") {
		id := strings.TrimPrefix(r.URL.Path, "/api/records/")
		if err := s.service.DeleteDailyRecord(r.Context(), id); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/progress" {
		var body struct {
			Key   string `json:"key"`
			Value int    `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rec, err := s.service.SetProgress(r.Context(), body.Key, body.Value)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	if r.Method == http.MethodPost && (r.URL.Path == "/api/progress/increment" || r.URL.Path == "/api/progress/decrement") {
		var body struct {
			Key  string `json:"key"`
			Step int    `json:"step"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Step <= 0 {
			body.Step = 1
		}
		delta := body.Step
		if strings.HasSuffix(r.URL.Path, "/decrement") {
			delta = -delta
		}
		rec, err := s.service.AdjustProgress(r.Context(), body.Key, delta)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/units" {
		var body struct {
			Key       string `json:"key"`
			Completed int    `json:"completed"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		uc, err := s.service.SetUnitCompleted(r.Context(), body.Key, body.Completed)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, uc)
		return
	}

	if r.Method == http.MethodPost && (r.URL.Path == "/api/units/increment" || r.URL.Path == "/api/units/decrement") {
		var body struct {
			Key  string `json:"key"`
			Step int    `json:"step"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Step <= 0 {
			body.Step = 1
		}
		delta := body.Step
		if strings.HasSuffix(r.URL.Path, "/decrement") {
			delta = -delta
		}
		uc, err := s.service.AdjustUnitCompleted(r.Context(), body.Key, delta)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, uc)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/observation" {
		var body struct {
			Key  string `json:"key"`
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateObservation(r.Context(), body.Key, body.Text); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Admin routes.
	if strings.HasPrefix(r.URL.Path, "/api/admin/") {
		s.handleAdmin(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if s.service.AuthConfigured() {
		claims, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if !rbac.Can(rbac.FromAccount(true, claims.Privileged), rbac.ActionAdmin) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims))
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/admin/pending":
		users, err := s.service.PendingUsers(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})

	case r.Method == http.MethodPost && r.URL.Path == "/api/admin/approve":
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		approvedBy := ""
		if claims, ok := r.Context().Value(claimsKey{}).(auth.Claims); ok {
			approvedBy = claims.Email
		}
		if err := s.service.ApproveUser(r.Context(), body.Email, approvedBy); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && r.URL.Path == "/api/admin/backup":
		name, err := s.service.Backup(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": name})

	case r.Method == http.MethodGet && r.URL.Path == "/api/admin/journal":
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		entries, err := s.service.JournalHistory(limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})

	case r.Method == http.MethodPost && r.URL.Path == "/api/admin/restore":
		var body struct {
			Hash string `json:"hash"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.RestoreFromJournal(r.Context(), body.Hash); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && r.URL.Path == "/api/admin/reset-progress":
		s.service.ResetAllProgress(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && r.URL.Path == "/api/admin/clear":
		if err := s.service.ClearAll(r.Context()); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleImport(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read body", nil)
		return
	}
	text := string(raw)
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
			return
		}
		text = body.Text
	}
	summary, err := s.service.Import(r.Context(), text)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleEvents streams change notifications as server-sent events, one
// event per changed identity key.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, cancel := s.service.Notifier().Subscribe()
	defer cancel()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case key, open := <-events:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", key)
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.SignUp(r.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
			return
		}
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"userId":   user.ID,
		"approved": user.Approved,
		"message":  "Account created. An administrator must approve it before sign-in.",
	})
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	token, user, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid email or password", nil)
			return
		}
		if errors.Is(err, authpw.ErrNotApproved) {
			writeError(w, http.StatusForbidden, "NOT_APPROVED", "Account awaiting approval", nil)
			return
		}
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"userId":     user.ID,
		"email":      user.Email,
		"privileged": user.Privileged,
	})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Claims{}, false
	}
	claims, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Claims{}, false
	}
	return claims, true
}

type claimsKey struct{}

func filterFromQuery(r *http.Request) Filter {
	q := r.URL.Query()
	view := q.Get("view")
	if view == "" {
		view = "schedule"
	}
	return Filter{
		Search:     q.Get("search"),
		ExternalID: q.Get("id"),
		Status:     q.Get("status"),
		Date:       q.Get("date"),
		View:       view,
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

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
