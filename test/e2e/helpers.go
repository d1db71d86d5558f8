// Package e2e drives a complete fieldkit server, wired as the binary wires
// it, against a scripted aggregate data platform.
package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/fieldkit/internal/api"
	"github.com/hyperengineering/fieldkit/internal/completion"
	"github.com/hyperengineering/fieldkit/internal/network"
	"github.com/hyperengineering/fieldkit/internal/remote"
	"github.com/hyperengineering/fieldkit/internal/resolve"
	"github.com/hyperengineering/fieldkit/internal/staging"
	"github.com/hyperengineering/fieldkit/internal/store"
	fksync "github.com/hyperengineering/fieldkit/internal/sync"
	"github.com/hyperengineering/fieldkit/internal/validation"
	"github.com/hyperengineering/fieldkit/internal/worker"
	"github.com/hyperengineering/fieldkit/pkg/client"
)

const (
	testAPIKey   = "e2e-secret-key"
	defaultCombo = "HllvX50cXC0"
)

var clinic = client.InstanceKey{ProgramID: "ds1", Period: "202610", OrgUnitID: "ouA", AttributeOptionComboID: defaultCombo}

// --- Platform ---

type platformValue struct {
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

type valueSet struct {
	DataSet              string          `json:"dataSet"`
	Period               string          `json:"period"`
	OrgUnit              string          `json:"orgUnit"`
	AttributeOptionCombo string          `json:"attributeOptionCombo"`
	DataValues           []platformValue `json:"dataValues"`
}

// platform is an in-memory aggregate data server for one monthly data set
// with two data elements and one HIGH importance rule (deA <= 1000).
type platform struct {
	mu            sync.Mutex
	down          bool
	values        map[string]platformValue // de.coc for the clinic instance
	registrations map[string]bool
	uploads       int

	srv *httptest.Server
}

func newPlatform(t *testing.T) *platform {
	t.Helper()
	p := &platform{
		values:        make(map[string]platformValue),
		registrations: make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, "pong")
	})
	mux.HandleFunc("/api/dataSets/ds1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":          "ds1",
			"displayName": "Monthly clinic report",
			"periodType":  "Monthly",
			"organisationUnits": []any{
				map[string]any{"id": "ouA", "displayName": "Clinic A"},
			},
			"dataSetElements": []any{
				map[string]any{"dataElement": map[string]any{"id": "deA", "displayName": "Visits", "valueType": "INTEGER"}},
				map[string]any{"dataElement": map[string]any{"id": "deB", "displayName": "Remarks", "valueType": "TEXT"}},
			},
		})
	})
	mux.HandleFunc("/api/validationRules", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"validationRules": []any{
			map[string]any{
				"id": "r1", "displayName": "Visits are plausible", "importance": "HIGH",
				"operator":  "less_than_or_equal_to",
				"leftSide":  map[string]any{"expression": "#{deA}", "missingValueStrategy": "SKIP_IF_ANY_VALUE_MISSING"},
				"rightSide": map[string]any{"expression": "1000", "missingValueStrategy": "NEVER_SKIP"},
			},
		}})
	})
	mux.HandleFunc("/api/dataValueSets", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			set := valueSet{DataValues: []platformValue{}}
			if r.URL.Query().Get("orgUnit") == clinic.OrgUnitID && r.URL.Query().Get("period") == clinic.Period {
				for _, v := range p.values {
					set.DataValues = append(set.DataValues, v)
				}
			}
			writeJSON(w, http.StatusOK, set)
		case http.MethodPost:
			var set valueSet
			if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"status": "ERROR", "description": err.Error()})
				return
			}
			p.uploads++
			for _, v := range set.DataValues {
				id := v.DataElement + "." + v.CategoryOptionCombo
				switch {
				case v.Value == nil:
					// comment-only update
					if cur, ok := p.values[id]; ok {
						cur.Comment = v.Comment
						p.values[id] = cur
					}
					continue
				case *v.Value == "":
					delete(p.values, id)
					continue
				}
				v.StoredBy = "field-user"
				v.LastUpdated = time.Now().UTC().Format("2006-01-02T15:04:05.000")
				p.values[id] = v
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "SUCCESS"})
		}
	})
	mux.HandleFunc("/api/completeDataSetRegistrations", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Registrations []struct {
				OrganisationUnit string `json:"organisationUnit"`
				Completed        bool   `json:"completed"`
			} `json:"completeDataSetRegistrations"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		for _, reg := range body.Registrations {
			p.registrations[reg.OrganisationUnit] = reg.Completed
		}
		p.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"status": "SUCCESS"})
	})

	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		down := p.down
		p.mu.Unlock()
		if down {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *platform) setDown(down bool) {
	p.mu.Lock()
	p.down = down
	p.mu.Unlock()
}

func (p *platform) value(de string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[de+"."+defaultCombo]
	if !ok || v.Value == nil {
		return "", ok
	}
	return *v.Value, true
}

func (p *platform) comment(de string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[de+"."+defaultCombo].Comment
}

func (p *platform) uploadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploads
}

func (p *platform) completed(orgUnit string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registrations[orgUnit]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- Server ---

// device is one running fieldkit installation.
type device struct {
	api    *client.Client
	url    string
	store  *store.SQLiteStore
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// startDevice wires a fieldkit server against the platform, including the
// sync drain worker, and returns an API client for it.
func startDevice(t *testing.T, p *platform, drainInterval time.Duration) *device {
	t.Helper()

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fieldkit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	rc := remote.NewHTTPClient(p.srv.URL, "platform-token", 5*time.Second)
	monitor := network.NewProbeMonitor(rc, time.Second, nil)
	stager := staging.New(rc, 10*time.Millisecond, nil)
	manager := fksync.NewManager(db, rc, monitor, stager, fksync.Config{Concurrency: 2}, nil)
	resolver := resolve.New(db, rc, monitor, nil, resolve.WithStateReporter(manager))
	validator := validation.NewAdapter(resolver, stager, rc, validation.AdapterConfig{MaxDepth: 64}, nil)

	router := api.NewRouter(api.NewHandler(api.Services{
		Fields:     resolver,
		Sync:       manager,
		Validator:  validator,
		Completion: completion.New(db, nil),
		Monitor:    monitor,
	}, testAPIKey, "e2e"))
	srv := httptest.NewServer(router)

	ctx, cancel := context.WithCancel(context.Background())
	d := &device{store: db, cancel: cancel}
	drain := worker.NewSyncDrainWorker(manager, monitor, drainInterval)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		drain.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		d.wg.Wait()
		srv.Close()
		manager.Cancel()
		db.Close()
	})

	c, err := client.New(client.Config{BaseURL: srv.URL, APIKey: testAPIKey, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("client.New failed: %v", err)
	}
	readyCtx, readyCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readyCancel()
	if err := c.WaitReady(readyCtx); err != nil {
		t.Fatalf("server not ready: %v", err)
	}
	d.api = c
	d.url = srv.URL
	return d
}

func (d *device) baseURL() string { return d.url }

// eventually polls cond until it holds or the timeout passes.
func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func strPtr(s string) *string { return &s }

func fieldByElement(fields []client.Field, de string) client.Field {
	for _, f := range fields {
		if f.Key.DataElementID == de {
			return f
		}
	}
	return client.Field{}
}
