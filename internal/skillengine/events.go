package skillengine

// EventEmitter is the narrow slice of the Event Bus the Skill Engine needs.
// Depending on an interface (rather than the bus package) keeps the engine
// testable in isolation and avoids a C5->C6 import cycle.
type EventEmitter interface {
	EmitSkillStarted(executionID, skillName string, inputs map[string]any, steps []StepDescriptor)
	EmitStepStarted(executionID, stepID string, stepIndex int, stepType, toolName string, args map[string]any)
	EmitStepCompleted(executionID, stepID string, success bool, durationMs int64, result any)
	EmitStepSkipped(executionID, stepID, reason string)
	EmitAutoHealTriggered(executionID, stepID, failureType, action string, retryCount, maxRetries int)
	EmitSkillCompleted(executionID, skillName string, durationMs int64, outputs map[string]any, stepsCompleted, stepsSkipped int)
	EmitSkillFailed(executionID, skillName, errMsg, failedStepID string, durationMs int64, partialOutputs map[string]any)
}

// StepDescriptor summarizes a step for the skill_started event payload.
type StepDescriptor struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Tool string `json:"tool,omitempty"`
}

// Confirmer is the narrow slice of the Event Bus used for the confirmation
// rendezvous: one signal per confirmation id, no polling.
type Confirmer interface {
	AwaitConfirmation(executionID, stepID, message string, options []ConfirmOption, def string, timeoutS int) (string, error)
}

// noopEmitter discards every event; used when no bus is wired (e.g. tests).
type noopEmitter struct{}

func (noopEmitter) EmitSkillStarted(string, string, map[string]any, []StepDescriptor)          {}
func (noopEmitter) EmitStepStarted(string, string, int, string, string, map[string]any)        {}
func (noopEmitter) EmitStepCompleted(string, string, bool, int64, any)                         {}
func (noopEmitter) EmitStepSkipped(string, string, string)                                     {}
func (noopEmitter) EmitAutoHealTriggered(string, string, string, string, int, int)              {}
func (noopEmitter) EmitSkillCompleted(string, string, int64, map[string]any, int, int)          {}
func (noopEmitter) EmitSkillFailed(string, string, string, string, int64, map[string]any)       {}

type noopConfirmer struct{}

func (noopConfirmer) AwaitConfirmation(executionID, stepID, message string, options []ConfirmOption, def string, timeoutS int) (string, error) {
	return def, nil
}
