// Package remote defines the collaborator contract with the aggregate-data
// platform and provides an HTTP implementation for a DHIS2-style Web API.
package remote

import (
	"context"
	"errors"

	"github.com/hyperengineering/fieldkit/internal/types"
)

var (
	// ErrUnavailable indicates the platform could not be reached.
	ErrUnavailable = errors.New("remote platform unavailable")

	// ErrNotFound indicates the requested metadata does not exist upstream.
	ErrNotFound = errors.New("remote resource not found")

	// ErrEngineFailure indicates the rule engine failed to produce a result.
	ErrEngineFailure = errors.New("rule engine failure")

	// ErrEvaluationDepth indicates the rule engine exhausted its recursion
	// budget on a deeply nested expression.
	ErrEvaluationDepth = errors.New("rule evaluation depth exceeded")
)

// Importance is the rule importance reported by the engine.
type Importance string

const (
	ImportanceHigh   Importance = "HIGH"
	ImportanceMedium Importance = "MEDIUM"
	ImportanceLow    Importance = "LOW"
)

// Violation is one rule violated by an instance's values.
type Violation struct {
	RuleID         string
	Description    string
	Importance     Importance
	LeftSideValue  *float64
	RightSideValue *float64
	AffectedFields []types.FieldRef
}

// Evaluation is the raw engine result for one instance.
type Evaluation struct {
	RulesChecked int
	Violations   []Violation
}

// EvalOptions bounds a rule evaluation.
type EvalOptions struct {
	// MaxDepth caps expression nesting; 0 means the engine default.
	MaxDepth int
}

// UploadReport lists the per-field outcome of an upload. Fields appear in
// exactly one of Accepted or Rejected.
type UploadReport struct {
	Accepted []types.FieldKey
	Rejected map[types.FieldKey]string
}

// Client is the remote platform collaborator.
type Client interface {
	// FetchShape returns the field layout of a data set or program.
	FetchShape(ctx context.Context, programID string) (*types.FormShape, error)

	// FetchValues returns the server-side values of an instance.
	FetchValues(ctx context.Context, key types.InstanceKey) ([]types.CachedValue, error)

	// ListInstances returns the instances available upstream for the page
	// window of a program.
	ListInstances(ctx context.Context, programID string, page types.Page) ([]types.Instance, error)

	// StageValue writes a value into the client's local staging area.
	StageValue(ctx context.Context, key types.FieldKey, value, comment *string) error

	// StagedValue reads a staged value back; ok is false if nothing is staged.
	StagedValue(ctx context.Context, key types.FieldKey) (value *string, ok bool, err error)

	// Upload pushes the staged values of the given fields upstream.
	Upload(ctx context.Context, key types.InstanceKey, fields []types.FieldKey) (*UploadReport, error)

	// Evaluate runs the platform's validation rules for an instance against
	// its staged values.
	Evaluate(ctx context.Context, key types.InstanceKey, opts EvalOptions) (*Evaluation, error)

	// SetCompletion mirrors an instance's completion state upstream.
	SetCompletion(ctx context.Context, key types.InstanceKey, state types.CompletionState) error
}
