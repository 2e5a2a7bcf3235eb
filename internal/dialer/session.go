// Package dialer drives one agent's calling session through their queue.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClareAI/astra-dialer-service/internal/config"
	"github.com/ClareAI/astra-dialer-service/internal/core/sideeffect"
	"github.com/ClareAI/astra-dialer-service/internal/domain"
	"github.com/ClareAI/astra-dialer-service/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the session's position in the call lifecycle
type State string

const (
	StateIdle           State = "idle"
	StateCalling        State = "calling"
	StateWaitingOutcome State = "waiting_outcome"
	StateAgentConnected State = "agent_connected"
)

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoActiveCall   = errors.New("no active call")
	ErrDeviceNotReady = errors.New("telephony device is not ready")
	ErrNoCallerID     = errors.New("no caller id selected")
	ErrNoLead         = errors.New("no lead selected")
	ErrNoValidNumber  = errors.New("lead has no valid phone number")
	ErrNotConnected   = errors.New("no connected call to record a result for")
	ErrQueueExhausted = errors.New("end of queue")
	ErrSessionClosed  = errors.New("session is closed")
)

// Call is one attempt to reach one lead
type Call struct {
	ID           string         `json:"callId"`
	ExecutionSid string         `json:"executionSid,omitempty"`
	Lead         domain.Lead    `json:"lead"`
	Number       string         `json:"number"`
	CallerID     string         `json:"callerId"`
	StartedAt    time.Time      `json:"startedAt"`
	Outcome      domain.Outcome `json:"outcome,omitempty"`
	Saved        bool           `json:"saved"`
}

// ResultForm is what the agent enters after talking to a lead
type ResultForm struct {
	Outcome         domain.Outcome
	Notes           string
	MeetingNotes    string
	MeetingDatetime string
}

// Snapshot is a consistent copy of the session for display
type Snapshot struct {
	State       State          `json:"state"`
	Agent       string         `json:"agent"`
	CallerID    string         `json:"callerId"`
	DeviceReady bool           `json:"deviceReady"`
	Status      string         `json:"status"`
	Lead        *domain.Lead   `json:"lead,omitempty"`
	Call        *Call          `json:"call,omitempty"`
	Position    int            `json:"position"`
	Total       int            `json:"total"`
	LastOutcome domain.Outcome `json:"lastOutcome,omitempty"`
}

// Config wires a Session. Device, Outcomes and Agent are required.
type Config struct {
	Agent            string
	CallerID         string
	AutoAdvanceDelay time.Duration

	Device       Device
	Outcomes     Subscriber
	Watcher      OutcomeWatcher
	Queue        QueueSource
	QueueUpdater QueueUpdater
	Results      ResultSink

	// OnChange receives a snapshot after every transition
	OnChange  func(Snapshot)
	AfterFunc AfterFunc
	NewCallID func() string
	Now       func() time.Time
}

// Session is one agent's dialer. At most one call is live at a time.
type Session struct {
	cfg Config

	mu             sync.Mutex
	state          State
	callerID       string
	deviceReady    bool
	status         string
	closed         bool
	leads          []domain.Lead
	index          int
	call           *Call
	lastOutcome    domain.Outcome
	pendingOutcome *domain.OutcomeEvent
	unsubscribe    func()
	stopWatch      context.CancelFunc
	advanceTimer   Timer
	advanceSeq     uint64
}

// NewSession creates an idle session. The device is not opened yet.
func NewSession(cfg Config) (*Session, error) {
	cfg.Agent = domain.AgentKey(cfg.Agent)
	if cfg.Agent == "" {
		return nil, fmt.Errorf("agent is required")
	}
	if cfg.Device == nil {
		return nil, fmt.Errorf("device is required")
	}
	if cfg.Outcomes == nil {
		return nil, fmt.Errorf("outcome subscriber is required")
	}
	if cfg.AutoAdvanceDelay <= 0 {
		cfg.AutoAdvanceDelay = config.DefaultAutoAdvanceDelay
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = realAfterFunc
	}
	if cfg.NewCallID == nil {
		cfg.NewCallID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Session{
		cfg:      cfg,
		state:    StateIdle,
		callerID: cfg.CallerID,
		status:   "device not opened",
	}, nil
}

// Open acquires the telephony device. A failure is reported in the status and
// leaves the session idle with dialing disabled until Open succeeds.
func (s *Session) Open(ctx context.Context) error {
	err := s.cfg.Device.Open(ctx, s.cfg.Agent)

	s.mu.Lock()
	if err != nil {
		s.deviceReady = false
		s.status = fmt.Sprintf("telephony unavailable: %v", err)
	} else {
		s.deviceReady = true
		s.status = "ready"
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err != nil {
		logger.Warn(ctx, "telephony device failed to open", zap.String("agent", s.cfg.Agent), zap.Error(err))
	}
	s.notify(snap)
	return err
}

// Close releases the device and drops any live call
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancelAdvanceLocked()
	s.detachLocked()
	s.state = StateIdle
	s.deviceReady = false
	s.status = "closed"
	s.mu.Unlock()

	return s.cfg.Device.Close()
}

// LoadQueue replaces the session's leads with the agent's current queue
func (s *Session) LoadQueue(ctx context.Context) (int, error) {
	if s.cfg.Queue == nil {
		return 0, fmt.Errorf("no queue source configured")
	}
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return 0, ErrCallInProgress
	}
	s.mu.Unlock()

	leads, err := s.cfg.Queue.Pull(ctx, s.cfg.Agent)
	if err != nil {
		return 0, fmt.Errorf("failed to load queue: %w", err)
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return 0, ErrCallInProgress
	}
	s.cancelAdvanceLocked()
	s.leads = leads
	s.index = 0
	s.call = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return len(leads), nil
}

// SetCallerID selects the outbound number
func (s *Session) SetCallerID(number string) error {
	normalized, ok := domain.NormalizePhone(number)
	if !ok {
		return domain.NewValidationError("callerId", "caller id must be a valid phone number")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrCallInProgress
	}
	s.callerID = normalized
	return nil
}

// Dial calls the current lead. It is rejected without any state change when a call
// is already live, the device is not ready, or the lead has no valid number.
func (s *Session) Dial(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return "", ErrCallInProgress
	}
	if !s.deviceReady {
		s.mu.Unlock()
		return "", ErrDeviceNotReady
	}
	if s.callerID == "" {
		s.mu.Unlock()
		return "", ErrNoCallerID
	}
	if s.index >= len(s.leads) {
		s.mu.Unlock()
		return "", ErrNoLead
	}
	lead := s.leads[s.index]
	number, ok := lead.DialNumber()
	if !ok {
		s.mu.Unlock()
		return "", ErrNoValidNumber
	}

	s.cancelAdvanceLocked()
	call := &Call{
		ID:        s.cfg.NewCallID(),
		Lead:      lead,
		Number:    number,
		CallerID:  s.callerID,
		StartedAt: s.cfg.Now(),
	}
	// subscribe before dialing so an early outcome cannot be missed
	unsubscribe, err := s.cfg.Outcomes.Subscribe(call.ID, s.handleOutcome)
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("failed to subscribe to outcomes: %w", err)
	}
	s.call = call
	s.unsubscribe = unsubscribe
	s.pendingOutcome = nil
	s.state = StateCalling
	s.status = "calling " + number
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	ctx = logger.WithFields(ctx, zap.String("agent", s.cfg.Agent), zap.String("call_id", call.ID))
	logger.Info(ctx, "dialing lead", zap.String("lead_id", lead.ID), zap.String("number", number))

	result, dialErr := s.cfg.Device.Dial(ctx, DialRequest{
		CallID:       call.ID,
		To:           number,
		From:         call.CallerID,
		Agent:        s.cfg.Agent,
		ActivityName: lead.ActivityName,
	})

	s.mu.Lock()
	if s.call != call {
		// hung up while the dial was in flight
		s.mu.Unlock()
		return call.ID, nil
	}
	if dialErr != nil {
		s.detachLocked()
		s.call = nil
		s.state = StateIdle
		s.status = fmt.Sprintf("dial failed: %v", dialErr)
		snap = s.snapshotLocked()
		s.mu.Unlock()
		s.notify(snap)
		logger.Warn(ctx, "dial failed", zap.Error(dialErr))
		return "", fmt.Errorf("dial failed: %w", dialErr)
	}
	connected := false
	if result != nil {
		call.ExecutionSid = result.ExecutionSid
		connected = result.Connected
	}
	if s.cfg.Watcher != nil {
		watchCtx, cancel := context.WithCancel(context.Background())
		s.stopWatch = cancel
		go s.cfg.Watcher.Watch(watchCtx, call.ID, call.ExecutionSid)
	}
	s.mu.Unlock()

	if connected {
		s.Connected(call.ID)
	}
	return call.ID, nil
}

// Connected reports that the telephony leg for callID is up
func (s *Session) Connected(callID string) {
	s.mu.Lock()
	if s.call == nil || s.call.ID != callID || s.state != StateCalling {
		s.mu.Unlock()
		return
	}
	s.state = StateWaitingOutcome
	s.status = "waiting for outcome"
	pending := s.pendingOutcome
	s.pendingOutcome = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	if pending != nil {
		s.handleOutcome(*pending)
	}
}

// handleOutcome is the bus handler for the live call. Events for any other call id,
// or arriving once the outcome is settled, change nothing.
func (s *Session) handleOutcome(evt domain.OutcomeEvent) {
	s.mu.Lock()
	if s.call == nil || evt.CallID != s.call.ID {
		s.mu.Unlock()
		logger.Base().Debug("ignoring outcome for another call", zap.String("call_id", evt.CallID))
		return
	}
	switch s.state {
	case StateCalling:
		held := evt
		s.pendingOutcome = &held
		s.mu.Unlock()
		return
	case StateWaitingOutcome:
	default:
		s.mu.Unlock()
		return
	}

	call := s.call
	outcome := classify(evt.Outcome)
	call.Outcome = outcome
	s.lastOutcome = outcome

	if outcome.IsHumanAnswered() {
		s.state = StateAgentConnected
		s.status = "lead answered, enter the result"
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.notify(snap)
		return
	}

	s.detachLocked()
	s.state = StateIdle
	s.status = "recorded " + string(outcome)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	s.persist(context.Background(), call, ResultForm{Outcome: outcome})

	s.mu.Lock()
	call.Saved = true
	if s.state == StateIdle && s.call == call && !s.closed {
		s.scheduleAdvanceLocked()
	}
	s.mu.Unlock()
}

// classify maps a delivered outcome onto the session's behaviour. Codes outside the
// vocabulary are treated as unreachable.
func classify(outcome domain.Outcome) domain.Outcome {
	return domain.FoldUnknown(outcome)
}

// SubmitResult persists the agent's result for the connected call
func (s *Session) SubmitResult(ctx context.Context, form ResultForm) error {
	if !form.Outcome.IsValid() {
		return domain.NewValidationError("outcome", fmt.Sprintf("invalid outcome %q", form.Outcome))
	}

	s.mu.Lock()
	if s.state != StateAgentConnected || s.call == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	call := s.call
	call.Outcome = form.Outcome
	s.mu.Unlock()

	s.persist(ctx, call, form)

	s.mu.Lock()
	call.Saved = true
	s.lastOutcome = form.Outcome
	s.status = "result saved"
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	return nil
}

// Hangup ends the live call from any non-idle state. The session does not advance.
func (s *Session) Hangup(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateIdle || s.call == nil {
		s.mu.Unlock()
		return ErrNoActiveCall
	}
	call := s.call
	previous := s.state
	s.cancelAdvanceLocked()
	s.detachLocked()
	s.pendingOutcome = nil
	s.state = StateIdle
	if previous != StateAgentConnected {
		s.call = nil
	}
	s.status = "call ended"
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	sideeffect.Run(ctx, "dialer.hangup", func(ctx context.Context) error {
		return s.cfg.Device.Hangup(ctx, call.ID, call.ExecutionSid)
	}, zap.String("call_id", call.ID))
	return nil
}

// SaveAndNext persists form for the last call when it has no saved result yet, then advances
func (s *Session) SaveAndNext(ctx context.Context, form *ResultForm) error {
	if form != nil && !form.Outcome.IsValid() {
		return domain.NewValidationError("outcome", fmt.Sprintf("invalid outcome %q", form.Outcome))
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrCallInProgress
	}
	call := s.call
	needsSave := form != nil && call != nil && !call.Saved
	s.mu.Unlock()

	if needsSave {
		s.persist(ctx, call, *form)
		s.mu.Lock()
		call.Outcome = form.Outcome
		call.Saved = true
		s.lastOutcome = form.Outcome
		s.mu.Unlock()
	}
	return s.Next()
}

// Next moves to the following lead. Only allowed while idle.
func (s *Session) Next() error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrCallInProgress
	}
	s.cancelAdvanceLocked()
	err := s.advanceLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return err
}

// Snapshot returns the current session view
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) persist(ctx context.Context, call *Call, form ResultForm) {
	ctx = logger.WithFields(ctx, zap.String("agent", s.cfg.Agent), zap.String("call_id", call.ID))
	update := domain.ResultUpdate{
		ActivityName:    call.Lead.ActivityName,
		Result:          form.Outcome,
		Notes:           form.Notes,
		Agent:           s.cfg.Agent,
		MeetingNotes:    form.MeetingNotes,
		MeetingDatetime: form.MeetingDatetime,
		CallID:          call.ID,
		LeadID:          call.Lead.ID,
	}

	if s.cfg.Results != nil {
		sideeffect.Run(ctx, "dialer.record_result", func(ctx context.Context) error {
			return s.cfg.Results.Record(ctx, update)
		}, zap.String("activity", update.ActivityName))
	}
	if s.cfg.QueueUpdater != nil && call.Lead.ID != "" {
		sideeffect.Run(ctx, "dialer.mark_done", func(ctx context.Context) error {
			return s.cfg.QueueUpdater.MarkDone(ctx, s.cfg.Agent, call.Lead.ID)
		}, zap.String("lead_id", call.Lead.ID))
	}

	s.mu.Lock()
	for i := range s.leads {
		if s.leads[i].ID == call.Lead.ID {
			s.leads[i].Status = domain.LeadStatusDone
		}
	}
	s.mu.Unlock()
}

func (s *Session) scheduleAdvanceLocked() {
	s.advanceSeq++
	seq := s.advanceSeq
	s.advanceTimer = s.cfg.AfterFunc(s.cfg.AutoAdvanceDelay, func() { s.autoAdvance(seq) })
}

func (s *Session) autoAdvance(seq uint64) {
	s.mu.Lock()
	if s.closed || seq != s.advanceSeq || s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.advanceTimer = nil
	_ = s.advanceLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

func (s *Session) cancelAdvanceLocked() {
	if s.advanceTimer != nil {
		s.advanceTimer.Stop()
		s.advanceTimer = nil
	}
	s.advanceSeq++
}

func (s *Session) advanceLocked() error {
	s.call = nil
	if s.index+1 >= len(s.leads) {
		s.index = len(s.leads)
		s.status = "end of queue"
		return ErrQueueExhausted
	}
	s.index++
	s.status = "ready"
	return nil
}

// detachLocked drops the outcome subscription and watcher of the live call
func (s *Session) detachLocked() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.stopWatch != nil {
		s.stopWatch()
		s.stopWatch = nil
	}
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:       s.state,
		Agent:       s.cfg.Agent,
		CallerID:    s.callerID,
		DeviceReady: s.deviceReady,
		Status:      s.status,
		Position:    s.index,
		Total:       len(s.leads),
		LastOutcome: s.lastOutcome,
	}
	if s.index < len(s.leads) {
		lead := s.leads[s.index]
		snap.Lead = &lead
	}
	if s.call != nil {
		call := *s.call
		snap.Call = &call
	}
	return snap
}

func (s *Session) notify(snap Snapshot) {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(snap)
	}
}
