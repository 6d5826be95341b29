// Package ipcserver implements the control socket from spec.md §4.8: a
// Unix domain socket accepting newline-delimited JSON request/response
// pairs, one request per connection. Grounded in this repo's own
// internal/webhook server for the "decode request, dispatch, write JSON
// response" shape; no pack example ships a Unix-socket control plane, so
// the transport itself is net.Listen("unix", ...) plus bufio.Scanner —
// stdlib is the only reasonable choice for raw socket framing.
package ipcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/ashworth-labs/conductor/internal/pipelinestate"
	"github.com/ashworth-labs/conductor/internal/projects"
	"github.com/ashworth-labs/conductor/internal/workqueue"
)

// request is the decoded wire shape: {"command": "...", ...fields}.
type request struct {
	Command     string `json:"command"`
	Agent       string `json:"agent"`
	Project     string `json:"project"`
	Task        string `json:"task"`
	Mode        string `json:"mode"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	ItemID      string `json:"itemId"`
}

// response is {ok:true, data:any} or {ok:false, error:string} per spec.md
// §4.8/§6.
type response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// HeartbeatStatus is the subset of heartbeat state the "status" command
// reports. Defined here (rather than importing internal/heartbeat) so
// ipcserver has no dependency on the heartbeat package; the daemon
// assembly wires a closure that reads the real Heartbeat.
type HeartbeatStatus struct {
	Running   bool
	Busy      bool
	TickCount int64
}

// Deps are the collaborators the IPC server dispatches commands to. Every
// field is optional; a nil dependency makes its commands report a
// "not available" error instead of panicking, except WindowHours, whose
// absence makes budget-status report windowHours as 0.
type Deps struct {
	Registry  *projects.Registry
	Queue     *workqueue.Queue
	States    *pipelinestate.Store
	Status    func() HeartbeatStatus
	CanRun    func() (bool, error)
	Remaining func() (int, error)
	WindowHours func() int
	Enqueue   func(agent, project, task, mode string) (workqueue.Item, error)
	Shutdown  func()
}

// Server listens on a Unix domain socket and dispatches one request per
// connection.
type Server struct {
	socketPath string
	deps       Deps
	logger     *zap.Logger
	listener   net.Listener
}

// New builds a Server bound to socketPath (not yet listening).
func New(socketPath string, deps Deps, logger *zap.Logger) *Server {
	return &Server{socketPath: socketPath, deps: deps, logger: logger}
}

// Start removes any stale socket file and begins listening, per spec.md
// §4.8's "socket file is removed on start". It does not block; call Serve
// to accept connections.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	s.listener = listener
	return nil
}

// Serve accepts connections until ctx is done or the listener closes.
// Each connection is handled on its own goroutine: one request, one
// response, then the connection closes, per spec.md §4.8.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener and removes the socket file, per spec.md
// §4.8's "socket file is removed on ... stop".
func (s *Server) Stop() error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	if !scanner.Scan() {
		return
	}
	line := scanner.Bytes()

	resp := s.dispatch(line)
	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(response{OK: false, Error: "internal: failed to encode response"})
	}
	_, _ = conn.Write(append(out, '\n'))
}

// dispatch decodes and routes one request line, recovering from panics in
// command handlers so one bad handler never takes down the server, per
// spec.md §4.8's "handler exceptions are caught and surfaced the same
// way".
func (s *Server) dispatch(line []byte) (resp response) {
	defer func() {
		if r := recover(); r != nil {
			resp = response{OK: false, Error: fmt.Sprintf("handler panic: %v", r)}
		}
	}()

	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return response{OK: false, Error: "Invalid JSON"}
	}

	switch strings.ToLower(req.Command) {
	case "status":
		return s.handleStatus()
	case "run":
		return s.handleRun(req)
	case "projects-list":
		return s.handleProjectsList()
	case "projects-add":
		return s.handleProjectsAdd(req)
	case "projects-remove":
		return s.handleProjectsRemove(req)
	case "queue-list":
		return s.handleQueueList()
	case "queue-requeue":
		return s.handleQueueRequeue(req)
	case "sessions-list":
		return s.handleSessionsList()
	case "sessions-active":
		return s.handleSessionsActive()
	case "budget-status":
		return s.handleBudgetStatus()
	case "shutdown":
		return s.handleShutdown()
	default:
		return response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func errResp(err error) response { return response{OK: false, Error: err.Error()} }

func (s *Server) handleStatus() response {
	if s.deps.Status == nil {
		return response{OK: false, Error: "status not available"}
	}
	return response{OK: true, Data: s.deps.Status()}
}

func (s *Server) handleRun(req request) response {
	if s.deps.Enqueue == nil {
		return response{OK: false, Error: "run not available"}
	}
	if req.Agent == "" || req.Project == "" {
		return response{OK: false, Error: "run requires agent and project"}
	}
	mode := req.Mode
	if mode == "" {
		mode = "standalone"
	}
	item, err := s.deps.Enqueue(req.Agent, req.Project, req.Task, mode)
	if err != nil {
		return errResp(err)
	}
	return response{OK: true, Data: item}
}

func (s *Server) handleProjectsList() response {
	if s.deps.Registry == nil {
		return response{OK: false, Error: "projects registry not available"}
	}
	list, err := s.deps.Registry.List()
	if err != nil {
		return errResp(err)
	}
	return response{OK: true, Data: list}
}

func (s *Server) handleProjectsAdd(req request) response {
	if s.deps.Registry == nil {
		return response{OK: false, Error: "projects registry not available"}
	}
	if req.Path == "" {
		return response{OK: false, Error: "projects-add requires path"}
	}
	project, err := s.deps.Registry.Register(req.Path, req.Name)
	if err != nil {
		return errResp(err)
	}
	return response{OK: true, Data: project}
}

func (s *Server) handleProjectsRemove(req request) response {
	if s.deps.Registry == nil {
		return response{OK: false, Error: "projects registry not available"}
	}
	if req.Path == "" {
		return response{OK: false, Error: "projects-remove requires path"}
	}
	if err := s.deps.Registry.Unregister(req.Path); err != nil {
		return errResp(err)
	}
	return response{OK: true}
}

func (s *Server) handleQueueList() response {
	if s.deps.Queue == nil {
		return response{OK: false, Error: "queue not available"}
	}
	items, err := s.deps.Queue.List()
	if err != nil {
		return errResp(err)
	}
	return response{OK: true, Data: items}
}

func (s *Server) handleQueueRequeue(req request) response {
	if s.deps.Queue == nil {
		return response{OK: false, Error: "queue not available"}
	}
	if req.ItemID == "" {
		return response{OK: false, Error: "queue-requeue requires itemId"}
	}
	item, ok, err := s.deps.Queue.MoveToTail(req.ItemID)
	if err != nil {
		return errResp(err)
	}
	if !ok {
		return response{OK: false, Error: fmt.Sprintf("no queued item with id %q", req.ItemID)}
	}
	return response{OK: true, Data: item}
}

// sessionSummary is one project's pipeline-state, named for the IPC
// sessions-list/sessions-active response shape.
type sessionSummary struct {
	Project string                 `json:"project"`
	State   *pipelinestate.State   `json:"state"`
}

func (s *Server) handleSessionsList() response {
	if s.deps.Registry == nil || s.deps.States == nil {
		return response{OK: false, Error: "sessions not available"}
	}
	return s.sessions(false)
}

func (s *Server) handleSessionsActive() response {
	if s.deps.Registry == nil || s.deps.States == nil {
		return response{OK: false, Error: "sessions not available"}
	}
	return s.sessions(true)
}

func (s *Server) sessions(onlyRunning bool) response {
	list, err := s.deps.Registry.List()
	if err != nil {
		return errResp(err)
	}
	var out []sessionSummary
	for _, p := range list {
		state, ok, err := s.deps.States.Load(p.Path)
		if err != nil || !ok {
			continue
		}
		if onlyRunning && state.Status != pipelinestate.StatusRunning {
			continue
		}
		out = append(out, sessionSummary{Project: p.Path, State: state})
	}
	return response{OK: true, Data: out}
}

func (s *Server) handleBudgetStatus() response {
	if s.deps.CanRun == nil || s.deps.Remaining == nil {
		return response{OK: false, Error: "budget not available"}
	}
	remaining, err := s.deps.Remaining()
	if err != nil {
		return errResp(err)
	}
	canRun, err := s.deps.CanRun()
	if err != nil {
		return errResp(err)
	}
	windowHours := 0
	if s.deps.WindowHours != nil {
		windowHours = s.deps.WindowHours()
	}
	return response{OK: true, Data: map[string]interface{}{
		"remaining":   remaining,
		"canRun":      canRun,
		"windowHours": windowHours,
	}}
}

func (s *Server) handleShutdown() response {
	if s.deps.Shutdown == nil {
		return response{OK: false, Error: "shutdown not available"}
	}
	go s.deps.Shutdown()
	return response{OK: true}
}
