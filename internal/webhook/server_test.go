package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashworth-labs/conductor/internal/config"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestIssuesLabeledMatchesAndEmits(t *testing.T) {
	const secret = "topsecret"
	body := []byte(`{"action":"labeled","label":{"name":"auto-build"},"issue":{"number":7,"title":"t","body":"b"},"repository":{"full_name":"owner/repo"}}`)

	var got QueueItem
	matched := false
	srv := New(secret, []config.EventMapping{
		{Event: "issues.labeled", Label: "auto-build", Mode: "team"},
	}, func(item QueueItem) {
		got = item
		matched = true
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "issues")
	req.Header.Set("X-Hub-Signature-256", sign(secret, body))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !matched {
		t.Fatal("expected match")
	}
	if got.TriggerName != "webhook:issue-7" {
		t.Errorf("expected trigger name webhook:issue-7, got %s", got.TriggerName)
	}
	if got.Agent != "team-lead" {
		t.Errorf("expected default agent team-lead, got %s", got.Agent)
	}
	if got.Mode != "team" {
		t.Errorf("expected mode team, got %s", got.Mode)
	}
	if got.ProjectPath != "repo" {
		t.Errorf("expected unresolved project path repo, got %s", got.ProjectPath)
	}
}

func TestPullRequestOpenedMatches(t *testing.T) {
	const secret = "topsecret"
	body := []byte(`{"action":"opened","pull_request":{"number":12,"title":"t","body":"b"},"repository":{"full_name":"owner/repo"}}`)

	var got QueueItem
	srv := New(secret, []config.EventMapping{
		{Event: "pull_request.opened", Mode: "standalone"},
	}, func(item QueueItem) { got = item })

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", sign(secret, body))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.TriggerName != "webhook:pr-12" || got.Agent != "reviewer" {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestBadSignatureReturns401(t *testing.T) {
	srv := New("topsecret", nil, func(QueueItem) {})
	body := []byte(`{"action":"opened"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMissingEventHeaderReturns400(t *testing.T) {
	const secret = "topsecret"
	body := []byte(`{"action":"opened"}`)
	srv := New(secret, nil, func(QueueItem) {})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Hub-Signature-256", sign(secret, body))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	const secret = "topsecret"
	srv := New(secret, nil, func(QueueItem) {})

	req := httptest.NewRequest(http.MethodGet, "/other", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestResolverOverridesProjectPath(t *testing.T) {
	const secret = "topsecret"
	body := []byte(`{"action":"opened","pull_request":{"number":1},"repository":{"full_name":"owner/repo"}}`)

	var got QueueItem
	srv := New(secret, []config.EventMapping{{Event: "pull_request.opened", Mode: "standalone"}},
		func(item QueueItem) { got = item },
		WithResolver(func(name string) (string, bool) {
			if name == "repo" {
				return "/srv/repo", true
			}
			return "", false
		}),
	)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", sign(secret, body))
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	if got.ProjectPath != "/srv/repo" {
		t.Errorf("expected resolved project path, got %s", got.ProjectPath)
	}
}
