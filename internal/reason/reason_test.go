package reason

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"hearth/internal/metric"
	"hearth/internal/param"
)

func testCatalog(t *testing.T) *param.Catalog {
	t.Helper()
	c, err := param.NewCatalog([]param.Definition{
		{ID: param.HeatingCurveOffset, Min: -5, Max: 5, MaxStep: 2},
		{ID: param.CurveSlope, Min: 0.2, Max: 1.2, MaxStep: 0.1},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestValidate(t *testing.T) {
	catalog := testCatalog(t)
	valid := &Proposal{
		Action:         "adjust",
		Parameter:      param.HeatingCurveOffset,
		CurrentValue:   0,
		SuggestedValue: -1,
		Reasoning:      "lower overshoot",
		Confidence:     0.8,
	}

	tests := []struct {
		name    string
		mutate  func(*Proposal)
		wantErr bool
	}{
		{"valid adjust", func(*Proposal) {}, false},
		{"hold needs no parameter", func(p *Proposal) { p.Action = "hold"; p.Parameter = "" }, false},
		{"bad action", func(p *Proposal) { p.Action = "explode" }, true},
		{"confidence above one", func(p *Proposal) { p.Confidence = 1.5 }, true},
		{"negative confidence", func(p *Proposal) { p.Confidence = -0.1 }, true},
		{"unknown parameter", func(p *Proposal) { p.Parameter = "afterburner" }, true},
		{"missing parameter", func(p *Proposal) { p.Parameter = "" }, true},
		{"missing reasoning", func(p *Proposal) { p.Reasoning = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := *valid
			tt.mutate(&p)
			err := Validate(&p, catalog)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrSchema) {
				t.Errorf("err = %v, want ErrSchema", err)
			}
		})
	}
}

// fakeProvider returns a canned proposal or error.
type fakeProvider struct {
	name string
	prop *Proposal
	err  error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Propose(context.Context, Context) (*Proposal, error) {
	return f.prop, f.err
}

func TestChainFallsThrough(t *testing.T) {
	catalog := testCatalog(t)
	good := &Proposal{Action: "hold", Confidence: 0.6, Reasoning: "ok"}

	tests := []struct {
		name         string
		providers    []Provider
		wantProvider string
		wantErr      error
	}{
		{
			name: "first succeeds",
			providers: []Provider{
				&fakeProvider{name: "primary", prop: good},
				&fakeProvider{name: "backup", err: errors.New("unreachable")},
			},
			wantProvider: "primary",
		},
		{
			name: "transport failure falls through",
			providers: []Provider{
				&fakeProvider{name: "primary", err: errors.New("connection refused")},
				&fakeProvider{name: "backup", prop: good},
			},
			wantProvider: "backup",
		},
		{
			name: "schema violation falls through",
			providers: []Provider{
				&fakeProvider{name: "primary", prop: &Proposal{Action: "adjust", Confidence: 2.0}},
				&fakeProvider{name: "backup", prop: good},
			},
			wantProvider: "backup",
		},
		{
			name: "all fail",
			providers: []Provider{
				&fakeProvider{name: "primary", err: errors.New("down")},
				&fakeProvider{name: "backup", err: errors.New("also down")},
			},
			wantErr: ErrExhausted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := NewChain(catalog, tt.providers...)
			prop, provider, err := chain.Propose(context.Background(), Context{})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if provider != tt.wantProvider {
				t.Errorf("provider = %q, want %q", provider, tt.wantProvider)
			}
			if prop == nil {
				t.Error("nil proposal from successful chain")
			}
		})
	}
}

func TestRuleProviderNeverFails(t *testing.T) {
	catalog := testCatalog(t)
	state := &param.DeviceState{
		Values: map[string]float64{param.HeatingCurveOffset: 0, param.CurveSlope: 0.7},
	}

	tests := []struct {
		name       string
		rc         Context
		wantAction string
		wantParam  string
	}{
		{
			name:       "no metrics holds",
			rc:         Context{},
			wantAction: "hold",
		},
		{
			name: "low COP lowers the offset",
			rc: Context{
				Metrics:     &metric.Snapshot{COP: 2.4, DeltaT: 6.0},
				State:       state,
				Definitions: catalog.All(),
			},
			wantAction: "adjust",
			wantParam:  param.HeatingCurveOffset,
		},
		{
			name: "delta-T out of band nudges the slope",
			rc: Context{
				Metrics:     &metric.Snapshot{COP: 3.5, DeltaT: 9.0},
				State:       state,
				Definitions: catalog.All(),
			},
			wantAction: "adjust",
			wantParam:  param.CurveSlope,
		},
		{
			name: "healthy metrics hold",
			rc: Context{
				Metrics:     &metric.Snapshot{COP: 3.5, DeltaT: 6.0},
				State:       state,
				Definitions: catalog.All(),
			},
			wantAction: "hold",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prop, err := RuleProvider{}.Propose(context.Background(), tt.rc)
			if err != nil {
				t.Fatal(err)
			}
			if err := Validate(prop, catalog); err != nil {
				t.Fatalf("rule proposal fails its own schema: %v", err)
			}
			if prop.Action != tt.wantAction {
				t.Errorf("action = %q, want %q", prop.Action, tt.wantAction)
			}
			if tt.wantParam != "" && prop.Parameter != tt.wantParam {
				t.Errorf("parameter = %q, want %q", prop.Parameter, tt.wantParam)
			}
		})
	}
}

func TestHTTPProvider(t *testing.T) {
	reply := `{"action":"adjust","parameter":"heating_curve_offset","current_value":0,` +
		`"suggested_value":-1,"reasoning":"reduce overshoot","confidence":0.8,"expected_impact":0.05}`

	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr bool
	}{
		{
			name: "plain json reply",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/chat/completions" {
					t.Errorf("path = %q", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer secret" {
					t.Errorf("auth = %q", got)
				}
				fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, reply)
			},
		},
		{
			name: "fenced reply",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fenced := "```json\n" + reply + "\n```"
				fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, fenced)
			},
		},
		{
			name: "upstream error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
			},
			wantErr: true,
		},
		{
			name: "no choices",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, `{"choices":[]}`)
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			p, err := NewHTTPProvider("test", srv.URL, "test-model", "secret")
			if err != nil {
				t.Fatal(err)
			}
			prop, err := p.Propose(context.Background(), Context{})
			if tt.wantErr {
				if err == nil {
					t.Fatal("Propose succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if prop.Parameter != param.HeatingCurveOffset || prop.SuggestedValue != -1 {
				t.Errorf("unexpected proposal %+v", prop)
			}
		})
	}
}
