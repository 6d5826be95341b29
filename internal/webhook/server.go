// Package webhook implements the HMAC-verified GitHub webhook ingester from
// spec.md §4.4: an HTTP endpoint that validates X-Hub-Signature-256, maps
// GitHub events to QueueItem-shaped results via configured rules, and
// emits matches to a callback. It is a queue producer only (spec.md §3's
// ownership rule) — it never dequeues or executes work itself.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashworth-labs/conductor/internal/config"
)

const maxBodyBytes = 1 << 20 // 1 MiB, per SPEC_FULL.md §4.4

// QueueItem is the result handed to OnMatch — field-compatible with
// workqueue.Item but defined independently so this package has no
// dependency on the queue's persistence concerns.
type QueueItem struct {
	TriggerName string
	ProjectPath string
	Agent       string
	Task        string
	Mode        string
	EnqueuedAt  time.Time
}

// ResolveProject turns a repository short name into an absolute project
// path. If it returns ok=false, the short name is passed through as-is
// per spec.md §4.4's "Project resolution" rule.
type ResolveProject func(shortName string) (path string, ok bool)

// Server is the webhook HTTP handler.
type Server struct {
	secret  string
	events  []config.EventMapping
	resolve ResolveProject
	now     func() time.Time

	// OnMatch is invoked with the resolved QueueItem when a rule matches.
	OnMatch func(QueueItem)
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the server's notion of "now" for testing.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithResolver sets the project short-name resolver.
func WithResolver(resolve ResolveProject) Option {
	return func(s *Server) { s.resolve = resolve }
}

// New builds a webhook server verifying against secret and matching the
// given event rules in order.
func New(secret string, events []config.EventMapping, onMatch func(QueueItem), opts ...Option) *Server {
	s := &Server{
		secret:  secret,
		events:  events,
		OnMatch: onMatch,
		now:     time.Now,
		resolve: func(string) (string, bool) { return "", false },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP implements http.Handler for POST /webhook per spec.md §6.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/webhook" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body too large or unreadable"})
		return
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(sig, body) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	if event == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing X-GitHub-Event header"})
		return
	}

	var payload githubPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
		return
	}

	item, matched := s.match(event, payload)
	if matched && s.OnMatch != nil {
		s.OnMatch(item)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "matched": matched})
}

// verifySignature performs a constant-time comparison of the HMAC-SHA256
// of body against the sha256=<hex> header value.
func (s *Server) verifySignature(header string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)
	got := mac.Sum(nil)
	return hmac.Equal(got, want)
}

type githubPayload struct {
	Action string `json:"action"`
	Label  struct {
		Name string `json:"name"`
	} `json:"label"`
	Issue struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	} `json:"issue"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// match evaluates configured rules in order, first match wins, per
// spec.md §4.4's matching rules.
func (s *Server) match(headerEvent string, p githubPayload) (QueueItem, bool) {
	for _, mapping := range s.events {
		switch mapping.Event {
		case "issues.labeled":
			if headerEvent != "issues" || p.Action != "labeled" {
				continue
			}
			if mapping.Label != "" && p.Label.Name != mapping.Label {
				continue
			}
			return s.build(mapping, fmt.Sprintf("webhook:issue-%d", p.Issue.Number),
				"team-lead", fmt.Sprintf("%s\n\n%s", p.Issue.Title, p.Issue.Body), p.Repository.FullName), true

		case "pull_request.opened":
			if headerEvent != "pull_request" || p.Action != "opened" {
				continue
			}
			return s.build(mapping, fmt.Sprintf("webhook:pr-%d", p.PullRequest.Number),
				"reviewer", fmt.Sprintf("%s\n\n%s", p.PullRequest.Title, p.PullRequest.Body), p.Repository.FullName), true
		}
	}
	return QueueItem{}, false
}

func (s *Server) build(mapping config.EventMapping, triggerName, defaultAgent, defaultTask, repoFullName string) QueueItem {
	agent := mapping.Agent
	if agent == "" {
		agent = defaultAgent
	}
	task := mapping.Task
	if task == "" {
		task = defaultTask
	}

	project := lastSegment(repoFullName)
	if resolved, ok := s.resolve(project); ok {
		project = resolved
	}

	return QueueItem{
		TriggerName: triggerName,
		ProjectPath: project,
		Agent:       agent,
		Task:        task,
		Mode:        mapping.Mode,
		EnqueuedAt:  s.now(),
	}
}

// lastSegment returns the portion of "owner/repo" after the last slash.
func lastSegment(fullName string) string {
	idx := strings.LastIndex(fullName, "/")
	if idx == -1 {
		return fullName
	}
	return fullName[idx+1:]
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
