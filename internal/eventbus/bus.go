// Package eventbus implements the Event Bus (C6): a WebSocket pub/sub
// fan-out for everything the Skill Engine, Persona Loader, and Scheduler
// emit, plus the channel-based confirmation rendezvous the Skill Engine
// blocks on for confirm-gated steps.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devflow/core/internal/errs"
	"github.com/devflow/core/internal/persona"
	"github.com/devflow/core/internal/skillengine"
)

const (
	defaultSendBuffer      = 64
	defaultHeartbeatPeriod = 30 * time.Second
	defaultConfirmTO       = 5 * time.Minute
)

// Topic narrows which events a subscriber receives.
type Topic string

const (
	TopicAll           Topic = "all"
	TopicSkills        Topic = "skills"
	TopicSteps         Topic = "steps"
	TopicConfirmations Topic = "confirmations"
	TopicStatus        Topic = "status"
)

// Envelope is the wire shape of every frame the bus publishes: type,
// RFC3339 timestamp, the owning execution id where one exists, and the
// event's data map. Topic is used for subscription filtering only and is
// not serialized.
type Envelope struct {
	Type        string `json:"type"`
	Timestamp   string `json:"timestamp"`
	ExecutionID string `json:"execution_id,omitempty"`
	Data        any    `json:"data"`

	Topic Topic `json:"-"`
}

// StatusFunc reports the number of currently running skill executions,
// included in heartbeat frames. Wired to the Skill Engine at startup.
type StatusFunc func() (activeExecutions int)

// Bus fans out envelopes to subscribers and brokers the confirmation
// rendezvous: one signal channel per confirmation id instead of ticker
// polling over shared state.
type Bus struct {
	logger          *slog.Logger
	sendBuffer      int
	heartbeatPeriod time.Duration

	mu   sync.RWMutex
	subs map[string]*subscriber

	pendingMu sync.Mutex
	pending   map[string]chan string

	statusMu sync.Mutex
	status   StatusFunc
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithSendBuffer overrides the per-subscriber send buffer size.
func WithSendBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.sendBuffer = n
		}
	}
}

// WithHeartbeatPeriod overrides the heartbeat interval.
func WithHeartbeatPeriod(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.heartbeatPeriod = d
		}
	}
}

// New creates an empty Bus. Call Run in a goroutine to start the
// heartbeat loop.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:          slog.Default().With("component", "eventbus"),
		sendBuffer:      defaultSendBuffer,
		heartbeatPeriod: defaultHeartbeatPeriod,
		subs:            make(map[string]*subscriber),
		pending:         make(map[string]chan string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetStatusFunc wires the active-execution counter reported in heartbeat
// frames. Safe to call after construction (the Skill Engine is built after
// the Bus).
func (b *Bus) SetStatusFunc(fn StatusFunc) {
	b.statusMu.Lock()
	b.status = fn
	b.statusMu.Unlock()
}

// Run drives the heartbeat loop until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publish(TopicStatus, "heartbeat", "", map[string]any{
				"server_status":     "ok",
				"active_executions": b.activeExecutions(),
				"connected_clients": b.subscriberCount(),
			})
		}
	}
}

func (b *Bus) activeExecutions() int {
	b.statusMu.Lock()
	fn := b.status
	b.statusMu.Unlock()
	if fn == nil {
		return 0
	}
	return fn()
}

func (b *Bus) subscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// register adds a subscriber and returns an unregister func.
func (b *Bus) register(s *subscriber) func() {
	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, s.id)
		b.mu.Unlock()
	}
}

// publish fans an envelope out to every subscriber whose filter matches
// topic. A subscriber whose send buffer is full is dropped and
// unregistered rather than allowed to stall the rest of the bus.
func (b *Bus) publish(topic Topic, eventType, executionID string, data any) {
	env := Envelope{
		Type:        eventType,
		Timestamp:   time.Now().Format(time.RFC3339),
		ExecutionID: executionID,
		Data:        data,
		Topic:       topic,
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(topic) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.send <- env:
		default:
			b.logger.Warn("dropping slow subscriber", "subscriber", s.id)
			s.drop()
		}
	}
}

// ---- skillengine.EventEmitter ----

func (b *Bus) EmitSkillStarted(executionID, skillName string, inputs map[string]any, steps []skillengine.StepDescriptor) {
	b.publish(TopicSkills, "skill_started", executionID, map[string]any{
		"skill_name": skillName, "inputs": inputs, "steps": steps,
	})
}

func (b *Bus) EmitStepStarted(executionID, stepID string, stepIndex int, stepType, toolName string, args map[string]any) {
	data := map[string]any{
		"step_id": stepID, "step_index": stepIndex, "step_type": stepType,
	}
	if toolName != "" {
		data["tool_name"] = toolName
	}
	if args != nil {
		data["args"] = args
	}
	b.publish(TopicSteps, "step_started", executionID, data)
}

func (b *Bus) EmitStepCompleted(executionID, stepID string, success bool, durationMs int64, result any) {
	data := map[string]any{
		"step_id": stepID, "success": success, "duration_ms": durationMs,
	}
	if result != nil {
		data["result"] = result
	}
	b.publish(TopicSteps, "step_completed", executionID, data)
}

func (b *Bus) EmitStepSkipped(executionID, stepID, reason string) {
	b.publish(TopicSteps, "step_skipped", executionID, map[string]any{
		"step_id": stepID, "reason": reason,
	})
}

func (b *Bus) EmitAutoHealTriggered(executionID, stepID, failureType, action string, retryCount, maxRetries int) {
	b.publish(TopicSteps, "auto_heal_triggered", executionID, map[string]any{
		"step_id": stepID, "failure_type": failureType,
		"action": action, "retry_count": retryCount, "max_retries": maxRetries,
	})
}

func (b *Bus) EmitSkillCompleted(executionID, skillName string, durationMs int64, outputs map[string]any, stepsCompleted, stepsSkipped int) {
	b.publish(TopicSkills, "skill_completed", executionID, map[string]any{
		"skill_name": skillName, "success": true, "duration_ms": durationMs,
		"outputs": outputs, "steps_completed": stepsCompleted,
		"steps_skipped": stepsSkipped, "steps_failed": 0,
	})
}

func (b *Bus) EmitSkillFailed(executionID, skillName, errMsg, failedStepID string, durationMs int64, partialOutputs map[string]any) {
	b.publish(TopicSkills, "skill_failed", executionID, map[string]any{
		"skill_name": skillName, "error": errMsg,
		"failed_step_id": failedStepID, "duration_ms": durationMs, "partial_outputs": partialOutputs,
	})
}

var _ skillengine.EventEmitter = (*Bus)(nil)

// ---- persona.EventEmitter ----

func (b *Bus) EmitToolsChanged(workspaceURI, personaName string, toolCount int) {
	b.logger.Info("tools changed", "workspace", workspaceURI, "persona", personaName, "tool_count", toolCount)
	b.publish(TopicStatus, "tools_changed", "", map[string]any{
		"persona": personaName, "tool_count": toolCount,
	})
}

var _ persona.EventEmitter = (*Bus)(nil)

// ---- skillengine.Confirmer ----

// AwaitConfirmation publishes a confirmation_required event and blocks on a
// per-confirmation-id channel until ResolveConfirmation delivers an answer,
// timeoutS elapses (returning def), or the bus default timeout elapses.
func (b *Bus) AwaitConfirmation(executionID, stepID, message string, options []skillengine.ConfirmOption, def string, timeoutS int) (string, error) {
	id := executionID + ":" + stepID
	ch := make(chan string, 1)

	b.pendingMu.Lock()
	b.pending[id] = ch
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	b.publish(TopicConfirmations, "confirmation_required", executionID, map[string]any{
		"confirmation_id": id, "step_id": stepID,
		"message": message, "options": options, "default": def, "timeout_seconds": timeoutS,
	})

	timeout := defaultConfirmTO
	if timeoutS > 0 {
		timeout = time.Duration(timeoutS) * time.Second
	}

	select {
	case answer := <-ch:
		return answer, nil
	case <-time.After(timeout):
		return def, nil
	}
}

// ResolveConfirmation delivers an answer to a pending AwaitConfirmation
// call. It is called from the WebSocket read loop when the user responds.
// Returns KindNotFound if the confirmation id is unknown or its wait has
// already ended (answered or timed out), and KindConflict if an answer is
// already queued for a wait that has not yet returned; the read loop drops
// both errors, so a stray answer frame is ignored.
func (b *Bus) ResolveConfirmation(confirmationID, answer string) error {
	b.pendingMu.Lock()
	ch, ok := b.pending[confirmationID]
	b.pendingMu.Unlock()
	if !ok {
		return errs.New(errs.KindNotFound, fmt.Sprintf("no pending confirmation %q", confirmationID))
	}
	select {
	case ch <- answer:
		return nil
	default:
		return errs.New(errs.KindConflict, fmt.Sprintf("confirmation %q already answered", confirmationID))
	}
}

var _ skillengine.Confirmer = (*Bus)(nil)

func newSubscriptionID() string { return uuid.NewString() }
