package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nativebpm/taskworker/internal/builder"
	"github.com/nativebpm/taskworker/internal/codec"
	"github.com/nativebpm/taskworker/internal/engine"
	"github.com/nativebpm/taskworker/internal/metrics"
	"github.com/nativebpm/taskworker/internal/pack"
	"github.com/nativebpm/taskworker/internal/registry"
)

// Report issues the lease's terminal report: exactly one of complete,
// failure, or bpmnError, selected by the result and the topic's failure
// policy. Artifacts are uploaded first; their failures are logged but never
// change the outcome. A lease the engine has already reclaimed ends the
// lifecycle quietly.
func (r *Runner) Report(ctx context.Context, entry registry.Entry, task engine.ExternalTask, result Result) error {
	log := r.logger.With("taskID", task.ID, "topic", task.TopicName)

	if result.Outcome == OutcomeLeaseLost {
		log.Info("Lease reclaimed by engine, no terminal report")
		metrics.Reports.WithLabelValues(metrics.ReportLeaseLost).Inc()
		return nil
	}

	r.uploadArtifacts(ctx, task, result.Artifacts, log)

	var err error
	var kind string

	switch {
	case result.Outcome == OutcomeSuccess:
		kind = metrics.ReportComplete
		err = r.complete(ctx, task, result.Outputs, nil, log)

	default:
		kind, err = r.reportFailure(ctx, entry.Spec.OnFailure, task, result, log)
	}

	if err != nil {
		if engine.IsLeaseLost(err) {
			log.Info("Lease already reclaimed at terminal report", "error", err)
			metrics.Reports.WithLabelValues(metrics.ReportLeaseLost).Inc()
			return nil
		}
		return fmt.Errorf("terminal report for task %s: %w", task.ID, err)
	}

	metrics.Reports.WithLabelValues(kind).Inc()
	log.Info("Terminal report issued", "kind", kind)
	return nil
}

// reportFailure maps a non-success result through the topic's failure policy
func (r *Runner) reportFailure(ctx context.Context, policy pack.FailurePolicy, task engine.ExternalTask, result Result, log *slog.Logger) (string, error) {
	switch policy {
	case pack.PolicyError:
		if result.ErrorCode == "" {
			// No BPMN error code to route on; fall back to a failure
			return metrics.ReportFailure, r.fail(ctx, task, result)
		}
		return metrics.ReportBpmnError, r.engine.RaiseBpmnError(ctx, task.ID, result.ErrorCode, result.ErrorMessage, r.encodeAll(result.Outputs))

	case pack.PolicyComplete:
		// The process flow continues; the model inspects the variables
		variables := make(map[string]codec.TypedValue, len(result.Outputs)+2)
		for name, tv := range result.Outputs {
			variables[name] = tv
		}
		if result.ErrorCode != "" {
			variables["errorCode"] = codec.StringValue(result.ErrorCode)
		}
		if result.ErrorMessage != "" {
			variables["errorMessage"] = codec.StringValue(result.ErrorMessage)
		}
		return metrics.ReportComplete, r.complete(ctx, task, variables, nil, log)

	default:
		return metrics.ReportFailure, r.fail(ctx, task, result)
	}
}

func (r *Runner) fail(ctx context.Context, task engine.ExternalTask, result Result) error {
	retries := r.cfg.DefaultRetries
	if task.Retries != nil {
		retries = *task.Retries
		if !result.RetriesUnchanged {
			retries--
		}
	}
	if retries < 0 {
		retries = 0
	}

	return r.engine.Fail(ctx, task.ID, result.ErrorMessage, result.ErrorDetails, retries, int(r.cfg.RetryTimeout.Milliseconds()))
}

// complete sends the completion report, diverting outputs too large to
// inline into per-variable uploads first.
func (r *Runner) complete(ctx context.Context, task engine.ExternalTask, variables map[string]codec.TypedValue, localVariables map[string]builder.Variable, log *slog.Logger) error {
	inline := make(map[string]builder.Variable, len(variables))

	for name, tv := range variables {
		wire := codec.Encode(tv)
		if codec.EncodedSize(wire) > r.cfg.InlineLimit && task.ProcessInstanceID != "" {
			if err := r.engine.SetVariable(ctx, task.ProcessInstanceID, name, wire); err != nil {
				log.Warn("Failed to upload large output", "variable", name, "error", err)
			}
			continue
		}
		inline[name] = wire
	}

	return r.engine.Complete(ctx, task.ID, inline, localVariables)
}

func (r *Runner) encodeAll(variables map[string]codec.TypedValue) map[string]builder.Variable {
	out := make(map[string]builder.Variable, len(variables))
	for name, tv := range variables {
		out[name] = codec.Encode(tv)
	}
	return out
}

// uploadArtifacts writes report artifacts as process variables ahead of the
// terminal report.
func (r *Runner) uploadArtifacts(ctx context.Context, task engine.ExternalTask, artifacts map[string]Artifact, log *slog.Logger) {
	if len(artifacts) == 0 || task.ProcessInstanceID == "" {
		return
	}

	for name, artifact := range artifacts {
		wire := codec.Encode(codec.BytesValue(artifact.Data))
		if err := r.engine.SetVariable(ctx, task.ProcessInstanceID, name, wire); err != nil {
			log.Warn("Failed to upload artifact", "artifact", name, "error", err)
		}
	}
}
