package proxy

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gembridge/gembridge/pkg/logstore"
	"github.com/gembridge/gembridge/pkg/session"
)

func TestAdminStatus(t *testing.T) {
	_, ts := newTestServer(t, false, &fakeBackend{})
	resp, err := http.Get(ts.URL + "/api/admin/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var out struct {
		SessionStatus string `json:"session_status"`
		HasCookies    bool   `json:"has_cookies"`
		DefaultModel  string `json:"default_model"`
	}
	decodeJSON(t, resp, &out)
	if out.HasCookies {
		t.Fatal("reports cookies without any configured")
	}
	if out.DefaultModel != "gemini-3.0-flash" {
		t.Fatalf("default model = %q", out.DefaultModel)
	}
}

func TestAdminImportCookiesReconnects(t *testing.T) {
	srv, ts := newTestServer(t, false, &fakeBackend{text: "ok"})

	curl := `curl 'https://gemini.google.com/app' -H 'cookie: __Secure-1PSID=imported-psid; __Secure-1PSIDTS=imported-ts'`
	resp := postJSON(t, ts.URL+"/api/admin/cookies/import", map[string]string{"curl": curl})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		SessionStatus string `json:"session_status"`
		HasCookies    bool   `json:"has_cookies"`
	}
	decodeJSON(t, resp, &out)
	if !out.HasCookies {
		t.Fatal("cookies not stored")
	}
	if out.SessionStatus != string(session.StatusConnected) {
		t.Fatalf("session status = %q", out.SessionStatus)
	}
	cfg := srv.store.Snapshot()
	if cfg.Cookies.Secure1PSID != "imported-psid" || cfg.Cookies.Secure1PSIDTS != "imported-ts" {
		t.Fatalf("stored cookies = %+v", cfg.Cookies)
	}
	if cfg.Cookies.ExtractedAt == "" {
		t.Fatal("extracted_at not recorded")
	}
}

func TestAdminImportCookiesRejectsGarbage(t *testing.T) {
	_, ts := newTestServer(t, false, &fakeBackend{})
	resp := postJSON(t, ts.URL+"/api/admin/cookies/import", map[string]string{"curl": "no cookies here"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAdminConfigMasksSecrets(t *testing.T) {
	_, ts := newTestServer(t, true, &fakeBackend{})
	resp, err := http.Get(ts.URL + "/api/admin/config")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var out struct {
		Cookies struct {
			Secure1PSID string `json:"secure_1psid"`
		} `json:"cookies"`
	}
	decodeJSON(t, resp, &out)
	if out.Cookies.Secure1PSID == "psid" {
		t.Fatal("cookie value leaked unmasked")
	}
	if out.Cookies.Secure1PSID == "" {
		t.Fatal("masked cookie should still indicate presence")
	}
}

func TestAdminSetModelResolvesAliases(t *testing.T) {
	srv, ts := newTestServer(t, true, &fakeBackend{})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/admin/model", strings.NewReader(`{"model":"gemini-pro"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	var out struct {
		DefaultModel string `json:"default_model"`
	}
	decodeJSON(t, resp, &out)
	if out.DefaultModel != "gemini-3.0-pro" {
		t.Fatalf("default model = %q", out.DefaultModel)
	}
	if got := srv.store.Snapshot().DefaultModel; got != "gemini-3.0-pro" {
		t.Fatalf("persisted model = %q", got)
	}
}

func TestAdminLogsListAndClear(t *testing.T) {
	srv, ts := newTestServer(t, false, &fakeBackend{})
	srv.logs.Add("error", "backend exploded", time.Time{})
	srv.logs.Add("info", "quiet line", time.Time{})

	resp, err := http.Get(ts.URL + "/api/admin/logs?level=error")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var out struct {
		Logs []struct {
			Message string `json:"message"`
		} `json:"logs"`
	}
	decodeJSON(t, resp, &out)
	if len(out.Logs) != 1 || out.Logs[0].Message != "backend exploded" {
		t.Fatalf("logs = %+v", out.Logs)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/admin/logs", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if got := len(srv.logs.List(logstore.ListFilter{})); got != 0 {
		t.Fatalf("logs after clear = %d", got)
	}
}

func TestAdminConversations(t *testing.T) {
	backend := &fakeBackend{text: "x"}
	srv, ts := newTestServer(t, true, backend)

	resp := postJSON(t, ts.URL+"/gemini-chat", map[string]any{
		"message":         "hello",
		"conversation_id": "conv-admin",
	})
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/api/admin/conversations")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var out struct {
		Conversations []struct {
			ID    string `json:"id"`
			Turns int    `json:"turns"`
		} `json:"conversations"`
	}
	decodeJSON(t, resp, &out)
	if len(out.Conversations) != 1 || out.Conversations[0].ID != "conv-admin" || out.Conversations[0].Turns != 1 {
		t.Fatalf("conversations = %+v", out.Conversations)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/admin/conversations/conv-admin", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	delResp.Body.Close()
	if srv.convs.Len() != 0 {
		t.Fatal("conversation not deleted")
	}
}
