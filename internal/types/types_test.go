package types

import (
	"errors"
	"testing"
)

func testInstanceKey() InstanceKey {
	return InstanceKey{
		ProgramID:              "BfMAe6Itzgt",
		Period:                 "202610",
		OrgUnitID:              "DiszpKrYNg8",
		AttributeOptionComboID: DefaultCategoryOptionCombo,
	}
}

func TestInstanceKey_StringRoundTrip(t *testing.T) {
	key := testInstanceKey()

	parsed, err := ParseInstanceKey(key.String())
	if err != nil {
		t.Fatalf("ParseInstanceKey failed: %v", err)
	}
	if parsed != key {
		t.Errorf("got %+v, want %+v", parsed, key)
	}
}

func TestInstanceKey_CaseSensitive(t *testing.T) {
	a := testInstanceKey()
	b := a
	b.OrgUnitID = "diszpkrynG8"

	if a == b {
		t.Error("keys differing only in case must not be equal")
	}
}

func TestParseInstanceKey_Invalid(t *testing.T) {
	tests := []string{
		"",
		"a/b/c",
		"a/b/c/d/e",
		"a//c/d",
	}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			_, err := ParseInstanceKey(s)
			if !errors.Is(err, ErrInvalidKey) {
				t.Errorf("expected ErrInvalidKey, got %v", err)
			}
		})
	}
}

func TestFieldKey_Validate(t *testing.T) {
	key := testInstanceKey().Field("fbfJHSPpUQD", "")
	if err := key.Validate(); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for missing combo, got %v", err)
	}

	key.CategoryOptionComboID = "pq2XI5kz2BY"
	if err := key.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if key.Ref().String() != "fbfJHSPpUQD.pq2XI5kz2BY" {
		t.Errorf("unexpected ref string %q", key.Ref().String())
	}
}

func TestFormShape_FieldsFanOut(t *testing.T) {
	// Given: one element with two combos and one element without combos
	shape := FormShape{
		ProgramID: "BfMAe6Itzgt",
		Elements: []ShapeElement{
			{DataElementID: "de1", CategoryOptionComboIDs: []string{"male", "female"}},
			{DataElementID: "de2"},
		},
	}

	// When
	fields := shape.Fields()

	// Then: three fields, the second element on the default combo
	if len(fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(fields))
	}
	if fields[2] != (FieldRef{DataElementID: "de2", CategoryOptionComboID: DefaultCategoryOptionCombo}) {
		t.Errorf("unexpected default field %+v", fields[2])
	}
	if !shape.Contains(FieldRef{DataElementID: "de1", CategoryOptionComboID: "female"}) {
		t.Error("shape should contain de1.female")
	}
	if shape.Contains(FieldRef{DataElementID: "de1", CategoryOptionComboID: DefaultCategoryOptionCombo}) {
		t.Error("shape should not contain de1 on the default combo")
	}
}

func TestEqualPtr(t *testing.T) {
	tests := []struct {
		name string
		a, b *string
		want bool
	}{
		{"both nil", nil, nil, true},
		{"one nil", StringPtr("1"), nil, false},
		{"equal", StringPtr("1"), StringPtr("1"), true},
		{"empty vs nil", StringPtr(""), nil, false},
		{"different", StringPtr("1"), StringPtr("2"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EqualPtr(tt.a, tt.b); got != tt.want {
				t.Errorf("EqualPtr = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompletionState_Editable(t *testing.T) {
	editable := map[CompletionState]bool{
		CompletionOpen:     true,
		CompletionComplete: true,
		CompletionApproved: false,
		CompletionLocked:   false,
	}
	for state, want := range editable {
		if got := state.Editable(); got != want {
			t.Errorf("%s.Editable() = %v, want %v", state, got, want)
		}
	}
}

func TestInstance_KindSwitch(t *testing.T) {
	instances := []Instance{
		NewDataSetInstance(testInstanceKey(), "October"),
		TrackerInstance{InstanceHeader: InstanceHeader{ProgramID: "IpHINAT79UW"}, EnrollmentID: "en1"},
		EventInstance{InstanceHeader: InstanceHeader{ProgramID: "eBAyeGv0exc"}, EventID: "ev1"},
	}

	var kinds []InstanceKind
	for _, inst := range instances {
		switch v := inst.(type) {
		case DataSetInstance:
			if v.Key != testInstanceKey() {
				t.Errorf("unexpected key %+v", v.Key)
			}
		case TrackerInstance:
			if v.EnrollmentID != "en1" {
				t.Errorf("unexpected enrollment %q", v.EnrollmentID)
			}
		case EventInstance:
			if v.EventID != "ev1" {
				t.Errorf("unexpected event %q", v.EventID)
			}
		}
		kinds = append(kinds, inst.Kind())
	}

	want := []InstanceKind{KindDataSet, KindTracker, KindEvent}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kind %d: got %s, want %s", i, kinds[i], want[i])
		}
	}
	if instances[0].Header().OrgUnitID != "DiszpKrYNg8" {
		t.Error("dataset header should carry the org unit from the key")
	}
}

func TestPage_Next(t *testing.T) {
	p := Page{Offset: 0, Limit: 12}
	next := p.Next()
	if next.Offset != 12 || next.Limit != 12 {
		t.Errorf("unexpected next page %+v", next)
	}
}
