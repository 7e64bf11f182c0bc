// Package dispatcher implements the Step Dispatcher (C6): resolving a
// step's input references against prior step outputs and the task
// itself, attaching runtime-only file context, and routing execution
// by step kind to the plugin executor, an LLM agent worker, the
// checkpoint manager, or the branch evaluator (spec §4.6). Grounded on
// itsneelabh-gomind/orchestration/task_worker.go's dispatch-and-report
// loop shape.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxtopus/fluxos-sub009/checkpoint"
	"github.com/fluxtopus/fluxos-sub009/core"
	"github.com/fluxtopus/fluxos-sub009/domain"
	"github.com/fluxtopus/fluxos-sub009/eventbus"
	"github.com/fluxtopus/fluxos-sub009/plugin"
)

const (
	maxAttachedImages    = 5
	maxFileBytes         = 20 * 1024 * 1024
	defaultStepTimeout   = 300 * time.Second
	defaultCheckpointTTL = 24 * time.Hour // CHECKPOINT_DEFAULT_EXPIRY_SECONDS
)

var allowedImageMIMETypes = map[string]bool{
	"image/png": true, "image/jpeg": true, "image/gif": true, "image/webp": true,
}

// ResolvedFile is a runtime-only attachment: never persisted, it rides
// alongside the step for this dispatch only (spec §4.6).
type ResolvedFile struct {
	Name     string
	MimeType string
	Data     []byte
	IsImage  bool
}

// FileService resolves a task-level file reference to its bytes. The
// external file service itself is out of this module's scope; this is
// the seam the app wires a real implementation into.
type FileService interface {
	Resolve(ctx context.Context, ref domain.FileReference) (*ResolvedFile, error)
}

// AgentWorker runs an llm_agent step: spec is the step's AgentSpec,
// inputs are the already-reference-resolved input values, files are
// the runtime-only attachments classified by Dispatcher.
type AgentWorker interface {
	RunAgent(ctx context.Context, spec string, inputs map[string]interface{}, files []ResolvedFile) (map[string]interface{}, error)
}

// Dispatcher is the C6 implementation.
type Dispatcher struct {
	plugins     *plugin.Executor
	checkpoints *checkpoint.Manager
	agents      AgentWorker
	files       FileService
	bus         *eventbus.Bus
	logger      core.Logger
}

// New builds a Dispatcher. files may be nil if the task has no file
// references to resolve (file attachment is then a no-op).
func New(plugins *plugin.Executor, checkpoints *checkpoint.Manager, agents AgentWorker, files FileService, bus *eventbus.Bus, logger core.Logger) *Dispatcher {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Dispatcher{plugins: plugins, checkpoints: checkpoints, agents: agents, files: files, bus: bus, logger: logger}
}

// Dispatch runs one READY step to completion (or failure) and returns
// its output. It does not mutate task/step state itself — the caller
// (scheduler/orchestrator) owns persisting the resulting status.
func (d *Dispatcher) Dispatch(ctx context.Context, task *domain.Task, step *domain.Step) (map[string]interface{}, error) {
	timeout := defaultStepTimeout
	if step.TimeoutSeconds > 0 {
		timeout = time.Duration(step.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resolved, err := d.resolveReferences(task, step)
	if err != nil {
		return nil, core.NewError("dispatcher.Dispatch", core.KindInvalidInput, step.ID, err)
	}

	var output map[string]interface{}
	switch step.Kind {
	case domain.StepKindPlugin:
		allowed := task.EffectiveAllowedHosts(nil)
		output, err = d.plugins.Execute(ctx, task.ID, step.ID, step.PluginNamespace, resolved, allowed)
	case domain.StepKindLLMAgent:
		files := d.attachFiles(ctx, task)
		if d.agents == nil {
			return nil, core.NewErrorf("dispatcher.Dispatch", core.KindInternal, "no agent worker configured for step %q", step.ID)
		}
		output, err = d.agents.RunAgent(ctx, step.AgentSpec, resolved, files)
	case domain.StepKindCheckpoint:
		if step.Checkpoint == nil {
			err = core.NewErrorf("dispatcher.Dispatch", core.KindInvalidInput, "checkpoint step %q has no descriptor", step.ID)
			break
		}
		desc := *step.Checkpoint
		if len(desc.PreviewData) == 0 && len(resolved) > 0 {
			desc.PreviewData = resolved
		}
		var cp *domain.Checkpoint
		cp, err = d.checkpoints.CreateCheckpoint(ctx, task.ID, step.ID, desc, defaultCheckpointTTL)
		if err == nil {
			output = map[string]interface{}{"decision": string(cp.Decision)}
		}
	case domain.StepKindBranch:
		result := EvaluateBranch(step.BranchExpr, task, stepOutputsView(task), step.BranchDefault)
		output = map[string]interface{}{"result": result}
	default:
		err = core.NewErrorf("dispatcher.Dispatch", core.KindInvalidInput, "step %q has unhandled kind %q", step.ID, step.Kind)
	}

	if err != nil {
		d.publish(task.ID, domain.EventStepFailed, step.ID, map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	d.publish(task.ID, domain.EventStepCompleted, step.ID, map[string]interface{}{"output": output})
	return output, nil
}

// resolveReferences substitutes every {{steps.X.field}} / {{task.field}}
// reference in the step's inputs with its concrete value (spec §4.6
// step 1). A reference that cannot be resolved fails the step.
func (d *Dispatcher) resolveReferences(task *domain.Task, step *domain.Step) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(step.Inputs))
	for k, v := range step.Inputs {
		resolvedVal, err := d.resolveValue(task, step.ID, v)
		if err != nil {
			return nil, err
		}
		out[k] = resolvedVal
	}
	return out, nil
}

func (d *Dispatcher) resolveValue(task *domain.Task, stepID string, v interface{}) (interface{}, error) {
	inner, ok := domain.IsReference(v)
	if !ok {
		return v, nil
	}
	ref, err := domain.ParseReference(inner)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", stepID, err)
	}
	if ref.IsTask {
		val, ok := domain.ResolveTaskField(task, joinPath(ref.Path))
		if !ok {
			return nil, fmt.Errorf("step %q: unresolved reference %q", stepID, inner)
		}
		return val, nil
	}
	src := task.StepByID(ref.StepID)
	if src == nil || src.Output == nil {
		return nil, fmt.Errorf("step %q: unresolved reference %q (source step has no output)", stepID, inner)
	}
	val, ok := domain.ResolvePath(map[string]interface{}(src.Output), ref.Path)
	if !ok {
		return nil, fmt.Errorf("step %q: unresolved reference %q", stepID, inner)
	}
	return val, nil
}

func joinPath(path []string) string {
	if len(path) == 0 {
		return ""
	}
	return path[0]
}

// attachFiles resolves the task's file references against the external
// file service and classifies each as an image or text attachment,
// enforcing the per-step caps (spec §4.6 step 2). Resolution failures
// (a file deleted since planning) are skipped, not fatal.
func (d *Dispatcher) attachFiles(ctx context.Context, task *domain.Task) []ResolvedFile {
	if d.files == nil || len(task.Constraints.FileReferences) == 0 {
		return nil
	}
	var out []ResolvedFile
	imageCount := 0
	for _, ref := range task.Constraints.FileReferences {
		rf, err := d.files.Resolve(ctx, ref)
		if err != nil || rf == nil {
			d.logger.WarnContext(ctx, "skipping unresolvable file reference", map[string]interface{}{
				"task_id": task.ID, "file_id": ref.FileID, "error": fmt.Sprint(err),
			})
			continue
		}
		if int64(len(rf.Data)) > maxFileBytes {
			continue
		}
		rf.IsImage = allowedImageMIMETypes[rf.MimeType]
		if rf.IsImage {
			if imageCount >= maxAttachedImages {
				continue
			}
			imageCount++
		}
		out = append(out, *rf)
	}
	return out
}

func stepOutputsView(task *domain.Task) map[string]interface{} {
	m := make(map[string]interface{}, len(task.Steps))
	for _, s := range task.Steps {
		m[s.ID] = map[string]interface{}{
			"output": map[string]interface{}(s.Output),
			"status": string(s.Status),
		}
	}
	return m
}

func (d *Dispatcher) publish(taskID, eventType, stepID string, payload map[string]interface{}) {
	if d.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["step_id"] = stepID
	d.bus.Publish(domain.Event{
		Source: "dispatcher", SourceType: domain.SourceComponent, Type: eventType,
		Timestamp: time.Now(), Payload: payload, TaskID: taskID,
	})
}
