package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/loomwork/loom/internal/plan"
)

// pathsTouchedBy returns the file paths step's own arguments declare it will
// touch, per spec.md §4.9 step 2c ("for every path the step declares it will
// touch via its arguments"). write_file_tool/edit_file_tool always name a
// single "path"; execute_bash/execute_python_script carry no fixed path
// argument, so they opt in to checkpointing via an optional "paths" array
// argument — with none given, nothing is snapshotted for that step.
func pathsTouchedBy(step *plan.PlanStep) []string {
	if raw, ok := step.Arguments["path"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			return []string{s}
		}
	}
	raw, ok := step.Arguments["paths"]
	if !ok {
		return nil
	}
	var paths []string
	switch v := raw.(type) {
	case []string:
		paths = append(paths, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				paths = append(paths, s)
			}
		}
	}
	return paths
}

// createCheckpoint snapshots every path step declares, per spec.md §3.
func (e *Engine) createCheckpoint(planID string, step *plan.PlanStep) (Checkpoint, error) {
	ck := Checkpoint{
		ID:            uuid.NewString(),
		PlanID:        planID,
		StepID:        step.ID,
		CreatedAt:     time.Now(),
		FileSnapshots: make(map[string]FileSnapshot),
	}
	for _, path := range pathsTouchedBy(step) {
		existed, data, err := e.executor.Snapshot(path)
		if err != nil {
			return Checkpoint{}, err
		}
		ck.FileSnapshots[path] = FileSnapshot{Existed: existed, Data: data}
	}
	return ck, nil
}

// restoreCheckpoint reverses ck, per spec.md §4.9 "Rollback". Restore
// failures are collected rather than aborting, since spec.md's failure
// semantics say rollback failures are logged but never block the engine
// from returning.
func (e *Engine) restoreCheckpoint(ck Checkpoint) []error {
	var errs []error
	for path, snap := range ck.FileSnapshots {
		if err := e.executor.Restore(path, snap.Existed, snap.Data); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
