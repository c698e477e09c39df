// Package workflow implements the Workflow Engine of spec.md §4.9: linear,
// checkpointed, retried execution of a Plan's steps over the Tool Executor,
// with rollback on failure, pause/resume/cancel control operations, a
// progress-event callback, and save/load state persistence. Grounded on
// internal/multiagent/orchestrator.go's step-by-step task runner shape and
// internal/tools/exec/manager.go's bounded-retry dispatch.
package workflow

import (
	"encoding/base64"
	"time"

	"github.com/loomwork/loom/internal/plan"
)

// FileSnapshot is one file's pre-step bytes, captured by a Checkpoint.
// Existed is false when the file did not exist at checkpoint time, in which
// case Data is nil and rollback removes the file rather than restoring it.
type FileSnapshot struct {
	Existed bool
	Data    []byte
}

// Checkpoint is a snapshot of every file a mutating step is about to touch,
// per spec.md §3. Created before the step's first attempt and reused across
// retries; consulted in reverse order during rollback.
type Checkpoint struct {
	ID            string
	PlanID        string
	StepID        string
	CreatedAt     time.Time
	FileSnapshots map[string]FileSnapshot
}

// WorkflowState is a Plan's full execution state, per spec.md §3: the plan
// itself, its ordered checkpoints, the step currently running (if any), and
// the pause/cancel control flags.
type WorkflowState struct {
	Plan            *plan.Plan
	Checkpoints     []Checkpoint
	CurrentStepID   string
	Paused          bool
	CancelRequested bool
}

// PortableSnapshot is FileSnapshot's stable serialised form: Data travels as
// base64, per spec.md §6 ("file_snapshots: {path → base64}").
type PortableSnapshot struct {
	Existed bool   `json:"existed"`
	Data    string `json:"data,omitempty"`
}

// PortableCheckpoint is Checkpoint's stable serialised form.
type PortableCheckpoint struct {
	ID            string                      `json:"id"`
	StepID        string                      `json:"step_id"`
	CreatedAt     time.Time                   `json:"created_at"`
	FileSnapshots map[string]PortableSnapshot `json:"file_snapshots"`
}

// PortableState is WorkflowState's stable serialised form, per spec.md §6
// "Workflow state persistence" (a Plan's portable form plus checkpoints and
// the pause/cancel flags).
type PortableState struct {
	Plan            plan.Portable        `json:"plan"`
	Checkpoints     []PortableCheckpoint `json:"checkpoints"`
	Paused          bool                 `json:"paused"`
	CancelRequested bool                 `json:"cancel_requested"`
}

// ToPortable converts s to its stable serialised form.
func (s WorkflowState) ToPortable() PortableState {
	checkpoints := make([]PortableCheckpoint, 0, len(s.Checkpoints))
	for _, ck := range s.Checkpoints {
		snaps := make(map[string]PortableSnapshot, len(ck.FileSnapshots))
		for path, snap := range ck.FileSnapshots {
			pv := PortableSnapshot{Existed: snap.Existed}
			if snap.Existed {
				pv.Data = base64.StdEncoding.EncodeToString(snap.Data)
			}
			snaps[path] = pv
		}
		checkpoints = append(checkpoints, PortableCheckpoint{
			ID:            ck.ID,
			StepID:        ck.StepID,
			CreatedAt:     ck.CreatedAt,
			FileSnapshots: snaps,
		})
	}
	return PortableState{
		Plan:            s.Plan.ToPortable(),
		Checkpoints:     checkpoints,
		Paused:          s.Paused,
		CancelRequested: s.CancelRequested,
	}
}

// FromPortableState reconstructs a WorkflowState from its serialised form.
// Per spec.md §4.9 "State persistence", any step still marked running is
// reset to pending so it re-runs after a restart.
func FromPortableState(ps PortableState) WorkflowState {
	p := plan.FromPortable(ps.Plan)
	for _, step := range p.Steps {
		if step.Status == plan.StepRunning {
			step.Status = plan.StepPending
		}
	}

	checkpoints := make([]Checkpoint, 0, len(ps.Checkpoints))
	for _, pck := range ps.Checkpoints {
		snaps := make(map[string]FileSnapshot, len(pck.FileSnapshots))
		for path, pv := range pck.FileSnapshots {
			snap := FileSnapshot{Existed: pv.Existed}
			if pv.Existed {
				data, err := base64.StdEncoding.DecodeString(pv.Data)
				if err == nil {
					snap.Data = data
				}
			}
			snaps[path] = snap
		}
		checkpoints = append(checkpoints, Checkpoint{
			ID:            pck.ID,
			StepID:        pck.StepID,
			CreatedAt:     pck.CreatedAt,
			FileSnapshots: snaps,
		})
	}

	return WorkflowState{
		Plan:            p,
		Checkpoints:     checkpoints,
		Paused:          ps.Paused,
		CancelRequested: ps.CancelRequested,
	}
}
