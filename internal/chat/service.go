package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/gantryhq/gantry/internal/common/errors"
	"github.com/gantryhq/gantry/internal/common/logger"
	"github.com/gantryhq/gantry/internal/events"
	"github.com/gantryhq/gantry/internal/events/bus"
	v1 "github.com/gantryhq/gantry/pkg/api/v1"
	"github.com/gantryhq/gantry/pkg/claudecode"
)

// Config holds the chat agent invocation settings.
type Config struct {
	// Binary is the agent CLI executable, typically "claude".
	Binary string
	// MaxMessages caps each session's in-memory transcript.
	MaxMessages int
}

// Service owns chat sessions and the one-shot agent processes behind
// them. One message is in flight per session at a time; its parsed
// output is appended to the transcript and streamed to observers as
// chat frames.
type Service struct {
	store  *Store
	bus    bus.EventBus
	binary string
	logger *logger.Logger

	mu    sync.Mutex
	procs map[string]*os.Process
}

// NewService creates the chat service.
func NewService(cfg Config, eventBus bus.EventBus, log *logger.Logger) *Service {
	binary := cfg.Binary
	if binary == "" {
		binary = claudecode.BinaryName
	}
	return &Service{
		store:  NewStore(cfg.MaxMessages),
		bus:    eventBus,
		binary: binary,
		logger: log.WithComponent("chat"),
		procs:  make(map[string]*os.Process),
	}
}

// CreateSession opens a session rooted at workingDir, defaulting to the
// server's working directory.
func (s *Service) CreateSession(workingDir string) (*Session, error) {
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, apperrors.InternalError("failed to resolve working directory", err)
		}
		workingDir = wd
	}
	info, err := os.Stat(workingDir)
	if err != nil || !info.IsDir() {
		return nil, apperrors.ValidationError("working_dir", "not a directory")
	}

	session := s.store.Create(workingDir)
	s.logger.Info("chat session created",
		zap.String("session_id", session.ID),
		zap.String("working_dir", session.WorkingDir))
	return session, nil
}

// GetSession returns the session by id.
func (s *Service) GetSession(id string) (*Session, error) {
	session, ok := s.store.Get(id)
	if !ok {
		return nil, apperrors.NotFoundFor("chat session", id)
	}
	return session, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *Service) ListSessions() []*Session {
	return s.store.List()
}

// Messages returns the session transcript, newest entries last.
func (s *Service) Messages(id string, limit int) ([]*Message, error) {
	if _, ok := s.store.Get(id); !ok {
		return nil, apperrors.NotFoundFor("chat session", id)
	}
	return s.store.Messages(id, limit, time.Time{}), nil
}

// SendMessage starts one agent turn for the session. It returns once
// the turn is accepted; output reaches observers as chat frames and the
// transcript fills in as the agent streams.
func (s *Service) SendMessage(ctx context.Context, id, text string) error {
	claimed, found := s.store.StartProcessing(id)
	if !found {
		return apperrors.NotFoundFor("chat session", id)
	}
	if !claimed {
		return apperrors.StateConflict("a message is already being processed")
	}

	session, _ := s.store.Get(id)
	s.store.Append(id, RoleUser, text)
	go s.run(session, text)
	return nil
}

// Cancel terminates the session's running agent, if any. The turn that
// owned it finishes through the normal exit path.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	proc, ok := s.procs[id]
	if ok {
		delete(s.procs, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.logger.Info("cancelling chat turn", zap.String("session_id", id))
	_ = proc.Kill()
	return true
}

// DeleteSession cancels any running turn and removes the session with
// its transcript.
func (s *Service) DeleteSession(id string) error {
	s.Cancel(id)
	if !s.store.Delete(id) {
		return apperrors.NotFoundFor("chat session", id)
	}
	s.logger.Info("chat session deleted", zap.String("session_id", id))
	return nil
}

// Close kills every running agent process. Sessions stay in the store;
// their in-flight turns end through the usual exit path.
func (s *Service) Close() {
	s.mu.Lock()
	procs := make([]*os.Process, 0, len(s.procs))
	for id, proc := range s.procs {
		procs = append(procs, proc)
		delete(s.procs, id)
	}
	s.mu.Unlock()

	for _, proc := range procs {
		_ = proc.Kill()
	}
}

// run executes one agent turn. It owns the processing claim taken by
// SendMessage and releases it on every exit path.
func (s *Service) run(session *Session, text string) {
	log := s.logger.WithFields(zap.String("session_id", session.ID))
	defer s.store.EndProcessing(session.ID)

	cmd := exec.Command(s.binary, claudecode.Args(text, session.AgentSessionID)...)
	cmd.Dir = session.WorkingDir
	cmd.Env = claudecode.Env()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		log.Error("chat agent spawn failed", zap.Error(err))
		msg := fmt.Sprintf("agent spawn failed: %v", err)
		s.store.Append(session.ID, RoleError, msg)
		s.emit(session.ID, map[string]interface{}{
			"session_id": session.ID,
			"type":       v1.StreamEventChat,
			"level":      string(v1.LogLevelError),
			"message":    msg,
		})
		return
	}

	s.track(session.ID, cmd.Process)
	defer s.untrack(session.ID)
	log.Info("chat turn started", zap.Int("pid", cmd.Process.Pid))

	var result *claudecode.Event
	agentSessionID := session.AgentSessionID
	scanner := claudecode.NewLineScanner(stdout)
	for scanner.Scan() {
		for _, ev := range claudecode.ParseLine(scanner.Bytes()) {
			if ev.SessionID != "" {
				agentSessionID = ev.SessionID
			}
			if ev.Terminal() {
				evCopy := ev
				result = &evCopy
				continue
			}
			s.handleEvent(session.ID, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("chat stdout read error", zap.Error(err))
	}

	exitCode := exitCodeFromWait(cmd.Wait())
	if agentSessionID != "" {
		s.store.SetAgentSessionID(session.ID, agentSessionID)
	}

	resultText := ""
	if result != nil {
		resultText = result.Text
	}
	if exitCode != 0 && resultText == "" {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = fmt.Sprintf("agent exited with code %d", exitCode)
		}
		log.Warn("chat turn failed", zap.Int("exit_code", exitCode))
		s.store.Append(session.ID, RoleError, msg)
		s.emit(session.ID, map[string]interface{}{
			"session_id": session.ID,
			"type":       v1.StreamEventChat,
			"level":      string(v1.LogLevelError),
			"message":    msg,
		})
		return
	}

	data := map[string]interface{}{
		"session_id": session.ID,
		"type":       v1.StreamEventComplete,
	}
	if result != nil {
		if result.InputTokens != nil {
			data["input_tokens"] = *result.InputTokens
		}
		if result.OutputTokens != nil {
			data["output_tokens"] = *result.OutputTokens
		}
		if result.CostUSD != nil {
			data["cost_usd"] = *result.CostUSD
		}
	}
	s.emit(session.ID, data)
	log.Info("chat turn finished", zap.Int("exit_code", exitCode))
}

// handleEvent mirrors one parsed agent event into the transcript and
// onto the bus. Result events are not handled here; they become the
// complete frame after the process exits.
func (s *Service) handleEvent(sessionID string, ev claudecode.Event) {
	switch ev.Kind {
	case claudecode.EventSystem:
		s.store.Append(sessionID, RoleSystem, ev.Describe())
	case claudecode.EventAssistant:
		s.store.Append(sessionID, RoleAssistant, ev.Text)
	case claudecode.EventToolUse:
		s.store.Append(sessionID, RoleTool, ev.Summary)
	case claudecode.EventError:
		s.store.Append(sessionID, RoleError, ev.Message)
	default:
		// Unstructured output is kept as assistant text.
		s.store.Append(sessionID, RoleAssistant, ev.Text)
	}

	level := v1.LogLevelInfo
	if ev.Kind == claudecode.EventError {
		level = v1.LogLevelError
	}
	s.emit(sessionID, map[string]interface{}{
		"session_id": sessionID,
		"type":       v1.StreamEventChat,
		"level":      string(level),
		"message":    ev.Describe(),
		"raw":        ev.Raw,
	})
}

func (s *Service) emit(sessionID string, data map[string]interface{}) {
	err := s.bus.Publish(context.Background(),
		events.BuildChatOutputSubject(sessionID),
		bus.NewEvent(events.ChatOutput, "chat", data))
	if err != nil {
		s.logger.Warn("chat event publish failed", zap.Error(err))
	}
}

func (s *Service) track(id string, proc *os.Process) {
	s.mu.Lock()
	s.procs[id] = proc
	s.mu.Unlock()
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
}

// exitCodeFromWait extracts the exit code from a cmd.Wait error. A kill
// or signal shows up as a generic failure.
func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}
