package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"worksite/api/internal/keying"
	"worksite/api/internal/store"
)

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthAndReady(t *testing.T) {
	server := NewHTTPServer(newTestService(t), "*")
	h := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ready 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestProgressEndpointRoundTrip(t *testing.T) {
	svc := newTestService(t)
	seedActivities(t, svc, store.Activity{ExternalID: "1", Name: "Bolt flange"})
	key := keying.Derive("1", "Bolt flange")
	h := NewHTTPServer(svc, "*").Handler()

	rr := postJSON(t, h, "/api/progress", `{"key":"`+key+`","value":55}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var rec store.ProgressRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if rec.Current != 55 {
		t.Fatalf("expected 55, got %d", rec.Current)
	}

	rr = postJSON(t, h, "/api/progress/increment", `{"key":"`+key+`","step":5}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if rec.Current != 60 {
		t.Fatalf("expected 60 after increment, got %d", rec.Current)
	}

	rr = postJSON(t, h, "/api/progress/decrement", `{"key":"`+key+`"}`)
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if rec.Current != 59 {
		t.Fatalf("expected default step 1 down to 59, got %d", rec.Current)
	}
}

func TestProgressEndpointUnknownKey(t *testing.T) {
	server := NewHTTPServer(newTestService(t), "*")

	rr := postJSON(t, server.Handler(), "/api/progress", `{"key":"nope","value":10}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND code, got %v", payload["code"])
	}
}

func TestUnitsEndpointRejectsManualActivity(t *testing.T) {
	svc := newTestService(t)
	seedActivities(t, svc, store.Activity{ExternalID: "2", Name: "Paint rail"})
	key := keying.Derive("2", "Paint rail")

	rr := postJSON(t, NewHTTPServer(svc, "*").Handler(), "/api/units", `{"key":"`+key+`","completed":2}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestImportEndpointAcceptsRawText(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPServer(svc, "*").Handler()

	text := "ID\tActivity Name\tStart\tFinish\t% Complete\n5\tSet foundation\t01/03/2026\t10/03/2026\t20%\n"
	req := httptest.NewRequest(http.MethodPost, "/api/activities/import", strings.NewReader(text))
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var summary ImportSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &summary); err != nil {
		t.Fatalf("parse summary: %v", err)
	}
	if summary.Imported != 1 {
		t.Fatalf("expected 1 imported, got %+v", summary)
	}
}

func TestImportEndpointNoHeaderIs422(t *testing.T) {
	svc := newTestService(t)
	rr := postJSON(t, NewHTTPServer(svc, "*").Handler(), "/api/activities/import", `{"text":"no header here"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestGroupsEndpointFilters(t *testing.T) {
	svc := newTestService(t)
	seedActivities(t, svc,
		store.Activity{ExternalID: "3", Name: "Area south", SummaryFlag: "yes"},
		store.Activity{ExternalID: "3", Name: "Lay cable"},
		store.Activity{ExternalID: "4", Name: "Other work"},
	)
	h := NewHTTPServer(svc, "*").Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/groups?id=3", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		Groups []GroupView `json:"groups"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if len(payload.Groups) != 1 || payload.Groups[0].ExternalID != "3" {
		t.Fatalf("expected one group for id 3, got %+v", payload.Groups)
	}
	if payload.Groups[0].Title != "Area south" {
		t.Fatalf("expected title from summary parent, got %q", payload.Groups[0].Title)
	}
}

func TestExportEndpointStreamsCSV(t *testing.T) {
	svc := newTestService(t)
	seedActivities(t, svc, store.Activity{ExternalID: "6", Name: "Torque bolts"})
	h := NewHTTPServer(svc, "*").Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/export", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("expected csv content type, got %q", ct)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "Torque bolts") {
		t.Fatalf("expected exported row, got %q", body)
	}
}

func TestAdminRoutesRequirePrivilege(t *testing.T) {
	svc, _ := newSharedTestService(t)
	ctx := context.Background()
	h := NewHTTPServer(svc, "*").Handler()

	// Unauthenticated admin call.
	rr := postJSON(t, h, "/api/admin/reset-progress", `{}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}

	// Non-admin account: approved by the admin but not privileged.
	if _, err := svc.SignUp(ctx, "worker@site.test", "pass-word-1"); err != nil {
		t.Fatalf("sign up worker: %v", err)
	}
	if _, err := svc.SignUp(ctx, "admin@site.test", "pass-word-2"); err != nil {
		t.Fatalf("sign up admin: %v", err)
	}
	if err := svc.ApproveUser(ctx, "worker@site.test", "admin@site.test"); err != nil {
		t.Fatalf("approve worker: %v", err)
	}
	workerToken, _, err := svc.SignIn(ctx, "worker@site.test", "pass-word-1")
	if err != nil {
		t.Fatalf("sign in worker: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/admin/reset-progress", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+workerToken)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unprivileged user, got %d body=%s", rr.Code, rr.Body.String())
	}

	adminToken, _, err := svc.SignIn(ctx, "admin@site.test", "pass-word-2")
	if err != nil {
		t.Fatalf("sign in admin: %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/api/admin/reset-progress", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSignInRejectsPendingAccount(t *testing.T) {
	svc, _ := newSharedTestService(t)
	h := NewHTTPServer(svc, "*").Handler()

	rr := postJSON(t, h, "/api/auth/signup", `{"email":"new@site.test","password":"pass-word-3"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = postJSON(t, h, "/api/auth/signin", `{"email":"new@site.test","password":"pass-word-3"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for pending account, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = postJSON(t, h, "/api/auth/signin", `{"email":"new@site.test","password":"wrong"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSessionEndpoint(t *testing.T) {
	svc, _ := newSharedTestService(t)
	ctx := context.Background()
	h := NewHTTPServer(svc, "*").Handler()

	if _, err := svc.SignUp(ctx, "admin@site.test", "pass-word-4"); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	token, _, err := svc.SignIn(ctx, "admin@site.test", "pass-word-4")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["authenticated"] != true || payload["email"] != "admin@site.test" {
		t.Fatalf("unexpected session payload: %v", payload)
	}
	if payload["privileged"] != true {
		t.Fatalf("expected admin to be privileged, got %v", payload)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["authenticated"] != false {
		t.Fatalf("expected unauthenticated without token, got %v", payload)
	}
}

func TestActivityRoutesLifecycle(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPServer(svc, "*").Handler()

	rr := postJSON(t, h, "/api/activities", `{"id":"300","name":"Fit handrail","startDate":"02/04/2026","endDate":"06/04/2026"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var created store.Activity
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("parse created activity: %v", err)
	}
	if created.IdentityKey != keying.Derive("300", "Fit handrail") {
		t.Fatalf("unexpected identity key %q", created.IdentityKey)
	}

	req := httptest.NewRequest(http.MethodPut, "/api/activities/"+created.IdentityKey,
		strings.NewReader(`{"id":"300","name":"Fit handrail east","startDate":"02/04/2026","endDate":"09/04/2026"}`))
	req.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on edit, got %d body=%s", rr.Code, rr.Body.String())
	}
	var edited store.Activity
	if err := json.Unmarshal(rr.Body.Bytes(), &edited); err != nil {
		t.Fatalf("parse edited activity: %v", err)
	}
	if edited.IdentityKey != created.IdentityKey || edited.Name != "Fit handrail east" {
		t.Fatalf("unexpected edit result %+v", edited)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/activities/"+created.IdentityKey, nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d body=%s", rr.Code, rr.Body.String())
	}
	req = httptest.NewRequest(http.MethodDelete, "/api/activities/"+created.IdentityKey, nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = postJSON(t, h, "/api/activities", `{"id":"301","name":"Missing dates"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without dates, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestActivityRoutesGatedWhenAuthConfigured(t *testing.T) {
	svc, _ := newSharedTestService(t)
	h := NewHTTPServer(svc, "*").Handler()

	rr := postJSON(t, h, "/api/activities", `{"id":"302","name":"Guarded add","startDate":"01/05/2026","endDate":"02/05/2026"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d body=%s", rr.Code, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/activities/somekey", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on delete without session, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSignOutRequiresSession(t *testing.T) {
	svc, _ := newSharedTestService(t)
	ctx := context.Background()
	h := NewHTTPServer(svc, "*").Handler()

	rr := postJSON(t, h, "/api/auth/signout", `{}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d body=%s", rr.Code, rr.Body.String())
	}

	if _, err := svc.SignUp(ctx, "admin@site.test", "pass-word-5"); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	token, _, err := svc.SignIn(ctx, "admin@site.test", "pass-word-5")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/signout", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with session, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRecordsEndpointRoundTrip(t *testing.T) {
	svc := newTestService(t)
	h := NewHTTPServer(svc, "*").Handler()

	rr := postJSON(t, h, "/api/records", `{"activity":"Confined space entry","shift":"T","days":{"12":{"planned":40,"actual":20}}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var saved store.DailyRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &saved); err != nil {
		t.Fatalf("parse saved record: %v", err)
	}
	if saved.ID == "" || saved.Days[12].ActualPct != 20 {
		t.Fatalf("unexpected saved record %+v", saved)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/records", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var payload struct {
		Records []store.DailyRecord `json:"records"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse records list: %v", err)
	}
	if len(payload.Records) != 1 || payload.Records[0].Activity != "Confined space entry" {
		t.Fatalf("unexpected records list %+v", payload.Records)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/records/"+saved.ID, nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = postJSON(t, h, "/api/records", `{"activity":"   "}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for blank activity, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestMutationsGatedWhenAuthConfigured(t *testing.T) {
	svc, _ := newSharedTestService(t)
	seedActivities(t, svc, store.Activity{ExternalID: "9", Name: "Guarded work"})
	key := keying.Derive("9", "Guarded work")
	h := NewHTTPServer(svc, "*").Handler()

	rr := postJSON(t, h, "/api/progress", `{"key":"`+key+`","value":10}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d body=%s", rr.Code, rr.Body.String())
	}

	// Reads stay open.
	req := httptest.NewRequest(http.MethodGet, "/api/groups", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected open read, got %d", rec.Code)
	}
}
