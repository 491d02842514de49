// Package patterntrack composes the standalone pattern-tracking stage:
// a single TRACK_PATTERN action over pattern job payloads.
package patterntrack

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/awehrman/peas-sub008/action"
	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/pattern"
	"github.com/awehrman/peas-sub008/storage"
)

// Services are the stage-specific collaborators.
type Services struct {
	Repo storage.Repository
}

// Register adds the single-action pattern pipeline.
func Register(f action.Registry, svc Services) error {
	if err := action.ValidateRegistry(f); err != nil {
		return fmt.Errorf("register pattern actions: %w", err)
	}
	if svc.Repo == nil {
		return fmt.Errorf("register pattern actions: repository required")
	}
	if err := f.Register(action.NameTrackPattern, func() action.Action {
		return action.Wrap(&trackAction{svc: svc})
	}); err != nil {
		return fmt.Errorf("register pattern actions: %w", err)
	}
	return nil
}

// Validate checks the pattern job payload shape. Empty rule sets are
// valid: tracking treats them as a no-op.
func Validate(payload json.RawMessage) error {
	var data model.PatternJobData
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("pattern payload: %w", err)
	}
	if data.JobID == "" {
		return fmt.Errorf("pattern payload: jobId is required")
	}
	return nil
}

// Decode produces the typed input for the action.
func Decode(payload json.RawMessage) (any, error) {
	var data model.PatternJobData
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, err
	}
	return data, nil
}

type trackAction struct {
	svc Services
}

func (a *trackAction) Name() action.Name { return action.NameTrackPattern }

func (a *trackAction) ValidateInput(payload any) error {
	if _, ok := payload.(model.PatternJobData); !ok {
		return fmt.Errorf("expected pattern job data, got %T", payload)
	}
	return nil
}

func (a *trackAction) Execute(ctx context.Context, payload any, deps *action.Dependencies, _ *action.Context) (any, error) {
	data := payload.(model.PatternJobData)
	return pattern.Track(ctx, data, a.svc.Repo, deps.Logger), nil
}
