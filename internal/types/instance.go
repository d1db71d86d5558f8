package types

// InstanceKind distinguishes the variants of Instance.
type InstanceKind string

const (
	KindDataSet InstanceKind = "dataset"
	KindTracker InstanceKind = "tracker"
	KindEvent   InstanceKind = "event"
)

// InstanceHeader holds the fields shared by every instance variant.
type InstanceHeader struct {
	ProgramID string `json:"program_id"`
	OrgUnitID string `json:"org_unit_id"`
	Label     string `json:"label,omitempty"`
}

// Instance is a tagged union over DataSetInstance, TrackerInstance and
// EventInstance. Consumers switch on the concrete type.
type Instance interface {
	Header() InstanceHeader
	Kind() InstanceKind
	isInstance()
}

// DataSetInstance is an aggregate data entry form instance.
type DataSetInstance struct {
	InstanceHeader
	Key InstanceKey `json:"key"`
}

func (i DataSetInstance) Header() InstanceHeader { return i.InstanceHeader }
func (DataSetInstance) Kind() InstanceKind       { return KindDataSet }
func (DataSetInstance) isInstance()              {}

// TrackerInstance is an enrollment of a tracked entity in a program.
type TrackerInstance struct {
	InstanceHeader
	EnrollmentID    string `json:"enrollment_id"`
	TrackedEntityID string `json:"tracked_entity_id"`
}

func (i TrackerInstance) Header() InstanceHeader { return i.InstanceHeader }
func (TrackerInstance) Kind() InstanceKind       { return KindTracker }
func (TrackerInstance) isInstance()              {}

// EventInstance is a single event of an event program.
type EventInstance struct {
	InstanceHeader
	EventID        string `json:"event_id"`
	ProgramStageID string `json:"program_stage_id,omitempty"`
}

func (i EventInstance) Header() InstanceHeader { return i.InstanceHeader }
func (EventInstance) Kind() InstanceKind       { return KindEvent }
func (EventInstance) isInstance()              {}

// NewDataSetInstance builds a DataSetInstance with its header derived from key.
func NewDataSetInstance(key InstanceKey, label string) DataSetInstance {
	return DataSetInstance{
		InstanceHeader: InstanceHeader{
			ProgramID: key.ProgramID,
			OrgUnitID: key.OrgUnitID,
			Label:     label,
		},
		Key: key,
	}
}
