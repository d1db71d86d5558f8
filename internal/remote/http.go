package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/fieldkit/internal/types"
)

// HTTPClient talks to a DHIS2-style Web API. Values are staged in a local
// area and only leave the device on Upload; rules are evaluated locally
// against staged values.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time

	mu     sync.Mutex
	staged map[types.FieldKey]stagedValue
	rules  map[string][]Rule
}

type stagedValue struct {
	value   *string
	comment *string
}

// NewHTTPClient creates a client for the API at baseURL. token is sent as
// an "ApiToken" authorization header when non-empty.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
		staged:  make(map[types.FieldKey]stagedValue),
		rules:   make(map[string][]Rule),
	}
}

var _ Client = (*HTTPClient)(nil)

// --- wire types ---

type apiCategoryOptionCombo struct {
	ID string `json:"id"`
}

type apiDataElement struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName"`
	ValueType     string `json:"valueType"`
	CategoryCombo struct {
		CategoryOptionCombos []apiCategoryOptionCombo `json:"categoryOptionCombos"`
	} `json:"categoryCombo"`
}

type apiOrgUnit struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type apiDataSet struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName"`
	PeriodType      string `json:"periodType"`
	DataSetElements []struct {
		DataElement apiDataElement `json:"dataElement"`
	} `json:"dataSetElements"`
	OrganisationUnits []apiOrgUnit `json:"organisationUnits"`
}

type apiProgram struct {
	ID                string       `json:"id"`
	DisplayName       string       `json:"displayName"`
	ProgramType       string       `json:"programType"`
	OrganisationUnits []apiOrgUnit `json:"organisationUnits"`
	ProgramStages     []struct {
		ProgramStageDataElements []struct {
			DataElement apiDataElement `json:"dataElement"`
		} `json:"programStageDataElements"`
	} `json:"programStages"`
}

type apiDataValue struct {
	DataElement          string  `json:"dataElement"`
	Period               string  `json:"period,omitempty"`
	OrgUnit              string  `json:"orgUnit,omitempty"`
	CategoryOptionCombo  string  `json:"categoryOptionCombo"`
	AttributeOptionCombo string  `json:"attributeOptionCombo,omitempty"`
	Value                *string `json:"value,omitempty"`
	Comment              string  `json:"comment,omitempty"`
	StoredBy             string  `json:"storedBy,omitempty"`
	LastUpdated          string  `json:"lastUpdated,omitempty"`
}

type apiDataValueSet struct {
	DataSet              string         `json:"dataSet,omitempty"`
	Period               string         `json:"period,omitempty"`
	OrgUnit              string         `json:"orgUnit,omitempty"`
	AttributeOptionCombo string         `json:"attributeOptionCombo,omitempty"`
	DataValues           []apiDataValue `json:"dataValues"`
}

type apiConflict struct {
	Object  string            `json:"object"`
	Objects map[string]string `json:"objects"`
	Value   string            `json:"value"`
}

type apiImportSummary struct {
	Status      string        `json:"status"`
	Description string        `json:"description"`
	Conflicts   []apiConflict `json:"conflicts"`
	Response    *struct {
		Status      string        `json:"status"`
		Description string        `json:"description"`
		Conflicts   []apiConflict `json:"conflicts"`
	} `json:"response"`
}

type apiValidationRule struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"displayInstruction"`
	Importance  string `json:"importance"`
	Operator    string `json:"operator"`
	LeftSide    struct {
		Expression           string `json:"expression"`
		MissingValueStrategy string `json:"missingValueStrategy"`
	} `json:"leftSide"`
	RightSide struct {
		Expression           string `json:"expression"`
		MissingValueStrategy string `json:"missingValueStrategy"`
	} `json:"rightSide"`
}

// --- metadata ---

const dataSetFields = "id,displayName,periodType,organisationUnits[id,displayName]," +
	"dataSetElements[dataElement[id,displayName,valueType,categoryCombo[categoryOptionCombos[id]]]]"

const programFields = "id,displayName,programType,organisationUnits[id,displayName]," +
	"programStages[programStageDataElements[dataElement[id,displayName,valueType]]]"

// FetchShape returns the field layout of a data set, falling back to a
// tracker or event program with the same id.
func (c *HTTPClient) FetchShape(ctx context.Context, programID string) (*types.FormShape, error) {
	var ds apiDataSet
	err := c.getJSON(ctx, "/api/dataSets/"+url.PathEscape(programID), url.Values{"fields": {dataSetFields}}, &ds)
	if err == nil {
		shape := &types.FormShape{
			ProgramID:  ds.ID,
			Kind:       types.KindDataSet,
			Name:       ds.DisplayName,
			PeriodType: ds.PeriodType,
		}
		for _, dse := range ds.DataSetElements {
			shape.Elements = append(shape.Elements, toShapeElement(dse.DataElement))
		}
		rules, err := c.loadRules(ctx, programID)
		if err != nil {
			return nil, err
		}
		shape.ValidationRuleCount = len(rules)
		return shape, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	prog, err := c.fetchProgram(ctx, programID)
	if err != nil {
		return nil, err
	}
	shape := &types.FormShape{
		ProgramID: prog.ID,
		Kind:      programKind(prog.ProgramType),
		Name:      prog.DisplayName,
	}
	for _, stage := range prog.ProgramStages {
		for _, psde := range stage.ProgramStageDataElements {
			shape.Elements = append(shape.Elements, toShapeElement(psde.DataElement))
		}
	}
	return shape, nil
}

func (c *HTTPClient) fetchProgram(ctx context.Context, programID string) (*apiProgram, error) {
	var prog apiProgram
	if err := c.getJSON(ctx, "/api/programs/"+url.PathEscape(programID), url.Values{"fields": {programFields}}, &prog); err != nil {
		return nil, err
	}
	return &prog, nil
}

func programKind(programType string) types.InstanceKind {
	if programType == "WITH_REGISTRATION" {
		return types.KindTracker
	}
	return types.KindEvent
}

func toShapeElement(de apiDataElement) types.ShapeElement {
	el := types.ShapeElement{
		DataElementID: de.ID,
		Name:          de.DisplayName,
		ValueType:     types.ValueType(de.ValueType),
	}
	for _, coc := range de.CategoryCombo.CategoryOptionCombos {
		el.CategoryOptionComboIDs = append(el.CategoryOptionComboIDs, coc.ID)
	}
	sort.Strings(el.CategoryOptionComboIDs)
	return el
}

// loadRules fetches and memoizes the validation rules of a data set.
func (c *HTTPClient) loadRules(ctx context.Context, dataSetID string) ([]Rule, error) {
	c.mu.Lock()
	cached, ok := c.rules[dataSetID]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	var resp struct {
		ValidationRules []apiValidationRule `json:"validationRules"`
	}
	q := url.Values{
		"dataSet": {dataSetID},
		"paging":  {"false"},
		"fields":  {"id,displayName,displayInstruction,importance,operator,leftSide[expression,missingValueStrategy],rightSide[expression,missingValueStrategy]"},
	}
	if err := c.getJSON(ctx, "/api/validationRules", q, &resp); err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(resp.ValidationRules))
	for _, r := range resp.ValidationRules {
		rules = append(rules, Rule{
			ID:          r.ID,
			Name:        r.DisplayName,
			Description: r.Description,
			Importance:  Importance(r.Importance),
			Operator:    r.Operator,
			LeftSide:    Expression{Expression: r.LeftSide.Expression, MissingValueStrategy: r.LeftSide.MissingValueStrategy},
			RightSide:   Expression{Expression: r.RightSide.Expression, MissingValueStrategy: r.RightSide.MissingValueStrategy},
		})
	}

	c.mu.Lock()
	c.rules[dataSetID] = rules
	c.mu.Unlock()
	return rules, nil
}

// --- values ---

// FetchValues returns the server-side values of an instance.
func (c *HTTPClient) FetchValues(ctx context.Context, key types.InstanceKey) ([]types.CachedValue, error) {
	var set apiDataValueSet
	q := url.Values{
		"dataSet":              {key.ProgramID},
		"period":               {key.Period},
		"orgUnit":              {key.OrgUnitID},
		"attributeOptionCombo": {key.AttributeOptionComboID},
	}
	if err := c.getJSON(ctx, "/api/dataValueSets", q, &set); err != nil {
		return nil, err
	}

	values := make([]types.CachedValue, 0, len(set.DataValues))
	for _, dv := range set.DataValues {
		cv := types.CachedValue{
			Key:   key.Field(dv.DataElement, dv.CategoryOptionCombo),
			Value: dv.Value,
		}
		if dv.Comment != "" {
			cv.Comment = types.StringPtr(dv.Comment)
		}
		if dv.StoredBy != "" {
			cv.StoredBy = types.StringPtr(dv.StoredBy)
		}
		if t, err := parseAPITime(dv.LastUpdated); err == nil {
			cv.LastModified = t.UnixMilli()
		}
		values = append(values, cv)
	}
	return values, nil
}

func parseAPITime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

// ListInstances returns data set instances for the page's period window
// across the data set's org units, or enrollments/events for programs.
func (c *HTTPClient) ListInstances(ctx context.Context, programID string, page types.Page) ([]types.Instance, error) {
	var ds apiDataSet
	err := c.getJSON(ctx, "/api/dataSets/"+url.PathEscape(programID),
		url.Values{"fields": {"id,periodType,organisationUnits[id,displayName]"}}, &ds)
	if err == nil {
		periods, err := PeriodWindow(ds.PeriodType, c.now(), page.Offset, page.Limit)
		if err != nil {
			return nil, err
		}
		var out []types.Instance
		for _, pe := range periods {
			for _, ou := range ds.OrganisationUnits {
				key := types.InstanceKey{
					ProgramID:              programID,
					Period:                 pe,
					OrgUnitID:              ou.ID,
					AttributeOptionComboID: types.DefaultCategoryOptionCombo,
				}
				out = append(out, types.NewDataSetInstance(key, ou.DisplayName+" "+pe))
			}
		}
		return out, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	prog, err := c.fetchProgram(ctx, programID)
	if err != nil {
		return nil, err
	}
	return c.listProgramInstances(ctx, prog, page)
}

func (c *HTTPClient) listProgramInstances(ctx context.Context, prog *apiProgram, page types.Page) ([]types.Instance, error) {
	limit := page.Limit
	if limit <= 0 {
		return []types.Instance{}, nil
	}
	q := url.Values{
		"program":  {prog.ID},
		"page":     {strconv.Itoa(page.Offset/limit + 1)},
		"pageSize": {strconv.Itoa(limit)},
	}

	var out []types.Instance
	switch programKind(prog.ProgramType) {
	case types.KindTracker:
		var resp struct {
			Instances []struct {
				Enrollment    string `json:"enrollment"`
				TrackedEntity string `json:"trackedEntity"`
				OrgUnit       string `json:"orgUnit"`
			} `json:"instances"`
		}
		if err := c.getJSON(ctx, "/api/tracker/enrollments", q, &resp); err != nil {
			return nil, err
		}
		for _, e := range resp.Instances {
			out = append(out, types.TrackerInstance{
				InstanceHeader:  types.InstanceHeader{ProgramID: prog.ID, OrgUnitID: e.OrgUnit},
				EnrollmentID:    e.Enrollment,
				TrackedEntityID: e.TrackedEntity,
			})
		}
	default:
		var resp struct {
			Instances []struct {
				Event        string `json:"event"`
				OrgUnit      string `json:"orgUnit"`
				ProgramStage string `json:"programStage"`
			} `json:"instances"`
		}
		if err := c.getJSON(ctx, "/api/tracker/events", q, &resp); err != nil {
			return nil, err
		}
		for _, e := range resp.Instances {
			out = append(out, types.EventInstance{
				InstanceHeader: types.InstanceHeader{ProgramID: prog.ID, OrgUnitID: e.OrgUnit},
				EventID:        e.Event,
				ProgramStageID: e.ProgramStage,
			})
		}
	}
	return out, nil
}

// --- staging ---

// StageValue records a value in the local staging area.
func (c *HTTPClient) StageValue(ctx context.Context, key types.FieldKey, value, comment *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staged[key] = stagedValue{value: value, comment: comment}
	return nil
}

// StagedValue reads a value back from the staging area.
func (c *HTTPClient) StagedValue(ctx context.Context, key types.FieldKey) (*string, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sv, ok := c.staged[key]
	return sv.value, ok, nil
}

// Upload posts the staged values of fields as one data value set. A nil
// staged value is sent without a value so only the comment changes; an
// empty one deletes the server value. Fields named in import conflicts are
// rejected; the rest are accepted and leave the staging area.
func (c *HTTPClient) Upload(ctx context.Context, key types.InstanceKey, fields []types.FieldKey) (*UploadReport, error) {
	report := &UploadReport{Accepted: []types.FieldKey{}, Rejected: map[types.FieldKey]string{}}
	if len(fields) == 0 {
		return report, nil
	}

	set := apiDataValueSet{
		DataSet:              key.ProgramID,
		Period:               key.Period,
		OrgUnit:              key.OrgUnitID,
		AttributeOptionCombo: key.AttributeOptionComboID,
	}
	var toSend []types.FieldKey
	c.mu.Lock()
	for _, f := range fields {
		sv, ok := c.staged[f]
		if !ok {
			report.Rejected[f] = "value not staged"
			continue
		}
		set.DataValues = append(set.DataValues, apiDataValue{
			DataElement:         f.DataElementID,
			CategoryOptionCombo: f.CategoryOptionComboID,
			Value:               sv.value,
			Comment:             types.Deref(sv.comment),
		})
		toSend = append(toSend, f)
	}
	c.mu.Unlock()
	if len(toSend) == 0 {
		return report, nil
	}

	var summary apiImportSummary
	status, err := c.doJSON(ctx, http.MethodPost, "/api/dataValueSets",
		url.Values{"importStrategy": {"CREATE_AND_UPDATE"}}, set, &summary)
	// 409 carries an import summary describing the rejected values
	if err != nil && status != http.StatusConflict {
		return nil, err
	}

	importStatus, description, conflicts := summary.Status, summary.Description, summary.Conflicts
	if summary.Response != nil {
		importStatus, description, conflicts = summary.Response.Status, summary.Response.Description, summary.Response.Conflicts
	}

	for _, f := range toSend {
		if msg, rejected := conflictFor(f, conflicts); rejected {
			report.Rejected[f] = msg
			continue
		}
		if importStatus == "ERROR" {
			if description == "" {
				description = "import failed"
			}
			report.Rejected[f] = description
			continue
		}
		report.Accepted = append(report.Accepted, f)
	}

	c.mu.Lock()
	for _, f := range report.Accepted {
		delete(c.staged, f)
	}
	c.mu.Unlock()
	return report, nil
}

func conflictFor(f types.FieldKey, conflicts []apiConflict) (string, bool) {
	for _, cf := range conflicts {
		if de, ok := cf.Objects["dataElement"]; ok {
			if de != f.DataElementID {
				continue
			}
			if coc, ok := cf.Objects["categoryOptionCombo"]; ok && coc != f.CategoryOptionComboID {
				continue
			}
			return cf.Value, true
		}
		if cf.Object == f.DataElementID {
			return cf.Value, true
		}
	}
	return "", false
}

// Evaluate runs the data set's validation rules against the staged values.
func (c *HTTPClient) Evaluate(ctx context.Context, key types.InstanceKey, opts EvalOptions) (*Evaluation, error) {
	rules, err := c.loadRules(ctx, key.ProgramID)
	if err != nil {
		return nil, err
	}

	values := make(map[types.FieldRef]string)
	var fields []types.FieldRef
	c.mu.Lock()
	for k, sv := range c.staged {
		if k.Instance != key {
			continue
		}
		fields = append(fields, k.Ref())
		if sv.value != nil && *sv.value != "" {
			values[k.Ref()] = *sv.value
		}
	}
	c.mu.Unlock()

	return evaluateRules(rules, values, fields, opts.MaxDepth)
}

// SetCompletion mirrors the completion state: registrations for
// OPEN/COMPLETE, approvals for APPROVED and acceptances for LOCKED.
func (c *HTTPClient) SetCompletion(ctx context.Context, key types.InstanceKey, state types.CompletionState) error {
	switch state {
	case types.CompletionOpen, types.CompletionComplete:
		body := map[string]any{
			"completeDataSetRegistrations": []map[string]any{{
				"dataSet":              key.ProgramID,
				"period":               key.Period,
				"organisationUnit":     key.OrgUnitID,
				"attributeOptionCombo": key.AttributeOptionComboID,
				"completed":            state == types.CompletionComplete,
			}},
		}
		_, err := c.doJSON(ctx, http.MethodPost, "/api/completeDataSetRegistrations", nil, body, nil)
		return err
	case types.CompletionApproved, types.CompletionLocked:
		path := "/api/dataApprovals"
		if state == types.CompletionLocked {
			path = "/api/dataAcceptances"
		}
		q := url.Values{
			"ds":  {key.ProgramID},
			"pe":  {key.Period},
			"ou":  {key.OrgUnitID},
			"aoc": {key.AttributeOptionComboID},
		}
		_, err := c.doJSON(ctx, http.MethodPost, path, q, nil, nil)
		return err
	default:
		return fmt.Errorf("unknown completion state %q", state)
	}
}

// Ping checks that the API answers.
func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.doJSON(ctx, http.MethodGet, "/api/ping", nil, nil, nil)
	return err
}

// --- transport ---

func (c *HTTPClient) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	_, err := c.doJSON(ctx, http.MethodGet, path, q, nil, out)
	return err
}

// doJSON sends an authenticated request and decodes the response body into
// out. The status code is returned even when err is non-nil.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, q url.Values, body, out any) (int, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "ApiToken "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
	}

	if out != nil && len(data) > 0 {
		if jerr := json.Unmarshal(data, out); jerr != nil && resp.StatusCode < 300 {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, jerr)
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= 500:
		return resp.StatusCode, fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, resp.StatusCode)
	case resp.StatusCode >= 300:
		return resp.StatusCode, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp.StatusCode, nil
}
