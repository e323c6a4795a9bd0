// Package adminsock is the sidecar's operator override channel: a Unix
// domain socket carrying newline-delimited JSON commands for direct
// operator intervention, distinct from the public HTTPS API (spec §6,
// SPEC_FULL.md's §4.7 DOMAIN STACK addendum). Grounded on the teacher's
// operator socket — same protocol shape, semaphore-bounded connection
// handling, and 0600 stale-socket cleanup — with the command set replaced
// entirely: status, clear-pressure, force-stepdown, and ledger-list in
// place of the teacher's PID reset/pin/unpin/status/list.
package adminsock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nllbsidecar/nllb-sidecar/internal/auditstore"
	"github.com/nllbsidecar/nllb-sidecar/internal/budget"
	"github.com/nllbsidecar/nllb-sidecar/internal/httpapi"
	"github.com/nllbsidecar/nllb-sidecar/internal/ledger"
	"github.com/nllbsidecar/nllb-sidecar/internal/resource"
	"github.com/nllbsidecar/nllb-sidecar/internal/stepdown"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Request is the JSON structure for admin socket commands.
type Request struct {
	Cmd    string `json:"cmd"` // status | clear-pressure | force-stepdown | ledger-list
	Reason string `json:"reason,omitempty"`
}

// Response is the JSON structure for admin socket command responses.
type Response struct {
	OK              bool                       `json:"ok"`
	Error           string                     `json:"error,omitempty"`
	Model           string                     `json:"model,omitempty"`
	Device          string                     `json:"device,omitempty"`
	ComputeType     string                     `json:"compute_type,omitempty"`
	PressureLevel   string                     `json:"pressure_level,omitempty"`
	PressureReason  string                     `json:"pressure_reason,omitempty"`
	StepdownActive  bool                       `json:"stepdown_active,omitempty"`
	KnownFailures   int                        `json:"known_failure_count,omitempty"`
	NewModel        string                     `json:"new_model,omitempty"`
	Failures        []ledger.Failure           `json:"failures,omitempty"`
	BenchmarkRuns    []auditstore.BenchmarkRunRecord    `json:"benchmark_runs,omitempty"`
	StepdownEvents   []auditstore.StepdownEventRecord   `json:"stepdown_events,omitempty"`
}

// Server is the admin Unix domain socket server.
type Server struct {
	socketPath string
	log        *zap.Logger
	sem        chan struct{}

	monitor      *resource.Monitor
	ledger       *ledger.Ledger
	active       *httpapi.ActiveModel
	stepper      *stepdown.Controller
	audit        *auditstore.DB // optional
	forceBucket  *budget.Bucket
}

// Config bundles Server's construction-time dependencies.
type Config struct {
	SocketPath  string
	Log         *zap.Logger
	Monitor     *resource.Monitor
	Ledger      *ledger.Ledger
	Active      *httpapi.ActiveModel
	Stepdown    *stepdown.Controller
	Audit       *auditstore.DB // nil disables ledger-list's audit sections
	ForceBucket *budget.Bucket
}

// NewServer creates an admin socket Server.
func NewServer(cfg Config) *Server {
	return &Server{
		socketPath:  cfg.SocketPath,
		log:         cfg.Log,
		sem:         make(chan struct{}, maxConcurrentConns),
		monitor:     cfg.Monitor,
		ledger:      cfg.Ledger,
		active:      cfg.Active,
		stepper:     cfg.Stepdown,
		audit:       cfg.Audit,
		forceBucket: cfg.ForceBucket,
	}
}

// ListenAndServe starts the admin socket server, removing any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("adminsock: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("adminsock: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("adminsock: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("adminsock: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("admin socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("adminsock: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("adminsock: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("adminsock: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "clear-pressure":
		return s.cmdClearPressure()
	case "force-stepdown":
		return s.cmdForceStepdown(ctx, req)
	case "ledger-list":
		return s.cmdLedgerList()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus() Response {
	resp := Response{OK: true, KnownFailures: len(s.ledger.All())}
	if h := s.active.Current(); h != nil {
		resp.Model, resp.Device, resp.ComputeType = h.ModelID, h.Device, h.ComputeType
	}
	lvl, reason, _ := s.monitor.PressureState()
	resp.PressureLevel = lvl.String()
	resp.PressureReason = reason
	stepActive, _, _ := s.monitor.StepdownInfo()
	resp.StepdownActive = stepActive
	return resp
}

func (s *Server) cmdClearPressure() Response {
	s.monitor.ClearPressure()
	s.log.Info("adminsock: pressure state cleared by operator")
	return Response{OK: true}
}

// cmdForceStepdown manually triggers a stepdown, rate-limited by
// forceBucket so a misbehaving operator script cannot burn through the
// whole stepdown chain in seconds.
func (s *Server) cmdForceStepdown(ctx context.Context, req Request) Response {
	current := s.active.Current()
	if current == nil {
		return Response{OK: false, Error: "no model currently active"}
	}
	if s.forceBucket != nil && !s.forceBucket.Consume() {
		return Response{OK: false, Error: "force-stepdown rate limit exceeded, wait for refill"}
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual operator request"
	}
	snap, _ := s.monitor.LastSnapshot()

	newModel, err := s.stepper.Stepdown(ctx, current, reason, snap)
	if err != nil {
		s.log.Error("adminsock: force-stepdown failed", zap.Error(err))
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Warn("adminsock: operator forced stepdown", zap.String("from", current.ModelID), zap.String("to", newModel))
	return Response{OK: true, NewModel: newModel}
}

// cmdLedgerList returns the spec-mandated failure ledger plus, when an
// audit store is configured, the supplementary operational history of
// completed benchmark runs and stepdown events.
func (s *Server) cmdLedgerList() Response {
	resp := Response{OK: true, Failures: s.ledger.All()}
	if s.audit == nil {
		return resp
	}
	if runs, err := s.audit.ListBenchmarkRuns(); err == nil {
		resp.BenchmarkRuns = runs
	} else {
		s.log.Warn("adminsock: failed to list benchmark runs", zap.Error(err))
	}
	if events, err := s.audit.ListStepdownEvents(); err == nil {
		resp.StepdownEvents = events
	} else {
		s.log.Warn("adminsock: failed to list stepdown events", zap.Error(err))
	}
	return resp
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
