package types

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultCategoryOptionCombo is the combo id used by data elements without
// a disaggregation, and by instances without an attribute combination.
const DefaultCategoryOptionCombo = "HllvX50cXC0"

// ErrInvalidKey is returned when a key string cannot be parsed.
var ErrInvalidKey = errors.New("invalid key")

// InstanceKey identifies one fillable form instance. Identifiers are
// case-sensitive and the key is immutable once created.
type InstanceKey struct {
	ProgramID              string `json:"program_id"`
	Period                 string `json:"period"`
	OrgUnitID              string `json:"org_unit_id"`
	AttributeOptionComboID string `json:"attribute_option_combo_id"`
}

// String returns the canonical "program/period/orgUnit/aoc" form.
func (k InstanceKey) String() string {
	return k.ProgramID + "/" + k.Period + "/" + k.OrgUnitID + "/" + k.AttributeOptionComboID
}

// Validate reports whether every component of the key is set.
func (k InstanceKey) Validate() error {
	switch {
	case k.ProgramID == "":
		return fmt.Errorf("%w: program id is required", ErrInvalidKey)
	case k.Period == "":
		return fmt.Errorf("%w: period is required", ErrInvalidKey)
	case k.OrgUnitID == "":
		return fmt.Errorf("%w: org unit id is required", ErrInvalidKey)
	case k.AttributeOptionComboID == "":
		return fmt.Errorf("%w: attribute option combo id is required", ErrInvalidKey)
	}
	return nil
}

// Field returns the FieldKey for a cell inside this instance.
func (k InstanceKey) Field(dataElementID, categoryOptionComboID string) FieldKey {
	return FieldKey{
		Instance:              k,
		DataElementID:         dataElementID,
		CategoryOptionComboID: categoryOptionComboID,
	}
}

// ParseInstanceKey parses the canonical string form produced by String.
func ParseInstanceKey(s string) (InstanceKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return InstanceKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	k := InstanceKey{
		ProgramID:              parts[0],
		Period:                 parts[1],
		OrgUnitID:              parts[2],
		AttributeOptionComboID: parts[3],
	}
	if err := k.Validate(); err != nil {
		return InstanceKey{}, err
	}
	return k, nil
}

// FieldRef is the instance-relative part of a FieldKey.
type FieldRef struct {
	DataElementID         string `json:"data_element_id"`
	CategoryOptionComboID string `json:"category_option_combo_id"`
}

// String returns "dataElement.categoryOptionCombo", the notation used by
// rule expressions.
func (r FieldRef) String() string {
	return r.DataElementID + "." + r.CategoryOptionComboID
}

// FieldKey identifies one capturable cell.
type FieldKey struct {
	Instance              InstanceKey `json:"instance"`
	DataElementID         string      `json:"data_element_id"`
	CategoryOptionComboID string      `json:"category_option_combo_id"`
}

// Ref returns the instance-relative reference of the field.
func (k FieldKey) Ref() FieldRef {
	return FieldRef{DataElementID: k.DataElementID, CategoryOptionComboID: k.CategoryOptionComboID}
}

// String returns the instance key followed by the field reference.
func (k FieldKey) String() string {
	return k.Instance.String() + "#" + k.Ref().String()
}

// Validate reports whether every component of the key is set.
func (k FieldKey) Validate() error {
	if err := k.Instance.Validate(); err != nil {
		return err
	}
	if k.DataElementID == "" {
		return fmt.Errorf("%w: data element id is required", ErrInvalidKey)
	}
	if k.CategoryOptionComboID == "" {
		return fmt.Errorf("%w: category option combo id is required", ErrInvalidKey)
	}
	return nil
}

// Draft is a locally recorded edit not yet confirmed by the server.
// A nil Value with a non-nil Comment is a comment-only edit.
type Draft struct {
	Key          FieldKey `json:"key"`
	Value        *string  `json:"value,omitempty"`
	Comment      *string  `json:"comment,omitempty"`
	LastModified int64    `json:"last_modified"` // epoch millis
}

// CachedValue is the last value known to exist server-side.
type CachedValue struct {
	Key          FieldKey `json:"key"`
	Value        *string  `json:"value,omitempty"`
	Comment      *string  `json:"comment,omitempty"`
	LastModified int64    `json:"last_modified"`
	StoredBy     *string  `json:"stored_by,omitempty"`
}

// Provenance names the tier a resolved value came from.
type Provenance string

const (
	ProvenanceDraft Provenance = "draft"
	ProvenanceFresh Provenance = "fresh"
	ProvenanceCache Provenance = "cache"
	ProvenanceNone  Provenance = "none"
)

// ResolvedField is the rendering-ready value of one field.
type ResolvedField struct {
	Key          FieldKey   `json:"key"`
	Value        *string    `json:"value,omitempty"`
	Comment      *string    `json:"comment,omitempty"`
	Source       Provenance `json:"source"`
	NotSynced    bool       `json:"not_synced"`
	LastModified int64      `json:"last_modified,omitempty"`
	StoredBy     *string    `json:"stored_by,omitempty"`
}

// SyncState is the derived synchronization status of an instance.
type SyncState string

const (
	SyncStateNoLocalChanges SyncState = "NO_LOCAL_CHANGES"
	SyncStatePending        SyncState = "PENDING"
	SyncStateSyncing        SyncState = "SYNCING"
	SyncStateFailed         SyncState = "FAILED"
	// SyncStateUntracked is reported for instance kinds without draft tracking.
	SyncStateUntracked SyncState = "UNTRACKED"
)

// CompletionState is the completion/lock status of an instance.
type CompletionState string

const (
	CompletionOpen     CompletionState = "OPEN"
	CompletionComplete CompletionState = "COMPLETE"
	CompletionApproved CompletionState = "APPROVED"
	CompletionLocked   CompletionState = "LOCKED"
)

// Editable reports whether values may still be changed in this state.
func (s CompletionState) Editable() bool {
	return s != CompletionApproved && s != CompletionLocked
}

// CompletionRecord is the locally stored completion state of an instance.
type CompletionRecord struct {
	Instance  InstanceKey     `json:"instance"`
	State     CompletionState `json:"state"`
	UpdatedAt int64           `json:"updated_at"`
	Synced    bool            `json:"synced"`
}

// ValueType is the declared type of a data element.
type ValueType string

const (
	ValueTypeNumber          ValueType = "NUMBER"
	ValueTypeInteger         ValueType = "INTEGER"
	ValueTypeIntegerPositive ValueType = "INTEGER_POSITIVE"
	ValueTypeText            ValueType = "TEXT"
	ValueTypeLongText        ValueType = "LONG_TEXT"
	ValueTypeBoolean         ValueType = "BOOLEAN"
)

// ShapeElement is one data element of a form and its disaggregations.
type ShapeElement struct {
	DataElementID          string    `json:"data_element_id"`
	Name                   string    `json:"name,omitempty"`
	ValueType              ValueType `json:"value_type,omitempty"`
	CategoryOptionComboIDs []string  `json:"category_option_combo_ids"`
}

// FormShape is the static field layout of a data set or program.
type FormShape struct {
	ProgramID           string         `json:"program_id"`
	Kind                InstanceKind   `json:"kind"`
	Name                string         `json:"name,omitempty"`
	PeriodType          string         `json:"period_type,omitempty"`
	Elements            []ShapeElement `json:"elements"`
	ValidationRuleCount int            `json:"validation_rule_count"`
}

// Fields fans the shape out to every FieldRef it defines, in element order.
// Elements without explicit combos get the default combo.
func (s *FormShape) Fields() []FieldRef {
	refs := make([]FieldRef, 0, len(s.Elements))
	for _, el := range s.Elements {
		if len(el.CategoryOptionComboIDs) == 0 {
			refs = append(refs, FieldRef{DataElementID: el.DataElementID, CategoryOptionComboID: DefaultCategoryOptionCombo})
			continue
		}
		for _, coc := range el.CategoryOptionComboIDs {
			refs = append(refs, FieldRef{DataElementID: el.DataElementID, CategoryOptionComboID: coc})
		}
	}
	return refs
}

// Contains reports whether ref is part of the shape.
func (s *FormShape) Contains(ref FieldRef) bool {
	for _, f := range s.Fields() {
		if f == ref {
			return true
		}
	}
	return false
}

// Element returns the element definition for a data element id.
func (s *FormShape) Element(dataElementID string) (ShapeElement, bool) {
	for _, el := range s.Elements {
		if el.DataElementID == dataElementID {
			return el, true
		}
	}
	return ShapeElement{}, false
}

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// ValidationIssue is one rule violation or synthetic engine warning.
type ValidationIssue struct {
	RuleID         string     `json:"rule_id"`
	Description    string     `json:"description"`
	Severity       Severity   `json:"severity"`
	AffectedFields []FieldRef `json:"affected_fields,omitempty"`
}

// ValidationSummary is the outcome of evaluating an instance's rules.
type ValidationSummary struct {
	TotalRulesChecked int               `json:"total_rules_checked"`
	PassedRules       int               `json:"passed_rules"`
	ErrorCount        int               `json:"error_count"`
	WarningCount      int               `json:"warning_count"`
	CanComplete       bool              `json:"can_complete"`
	ExecutionTimeMs   int64             `json:"execution_time_ms"`
	Issues            []ValidationIssue `json:"issues"`
}

// Page is an explicit window over a paged listing.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Next returns the page that follows p.
func (p Page) Next() Page {
	return Page{Offset: p.Offset + p.Limit, Limit: p.Limit}
}

// SyncPhase names a step of a sync run.
type SyncPhase string

const (
	PhasePreparing  SyncPhase = "preparing"
	PhaseStaging    SyncPhase = "staging"
	PhaseUploading  SyncPhase = "uploading"
	PhaseRefreshing SyncPhase = "refreshing"
	PhaseCompletion SyncPhase = "completion"
)

// SyncProgress describes the sync run currently in flight.
type SyncProgress struct {
	RunID          string    `json:"run_id"`
	Phase          SyncPhase `json:"phase"`
	ItemsProcessed int       `json:"items_processed"`
	TotalItems     int       `json:"total_items"`
	Message        string    `json:"message,omitempty"`
}

// SyncRun is the persisted record of a finished sync attempt.
type SyncRun struct {
	ID         string `json:"id"`
	Scope      string `json:"scope"`
	Status     string `json:"status"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
	Uploaded   int    `json:"uploaded"`
	Failed     int    `json:"failed"`
	Message    string `json:"message,omitempty"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// EqualPtr compares two optional strings by value.
func EqualPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
