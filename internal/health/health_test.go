package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthz(t *testing.T) {
	rec, rep := probe(t, New(failing("sessions", false)), "/healthz")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rep.Status != StatusOK || rep.Checks != nil {
		t.Errorf("report = %+v, want ok without checks", rep)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantChecks: map[string]string{},
		},
		{
			name:       "all pass",
			checkers:   []Checker{passing("sessions", false), passing("providers.stt", true)},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantChecks: map[string]string{"sessions": StatusOK, "providers.stt": StatusOK},
		},
		{
			name:       "optional failure degrades",
			checkers:   []Checker{passing("sessions", false), failing("providers.tts", true)},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			wantChecks: map[string]string{"sessions": StatusOK, "providers.tts": StatusFail},
		},
		{
			name:       "required failure fails",
			checkers:   []Checker{failing("sessions", false), failing("providers.llm", true)},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"sessions": StatusFail, "providers.llm": StatusFail},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, rep := probe(t, New(tt.checkers...), "/readyz")
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if rep.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", rep.Status, tt.wantStatus)
			}
			if len(rep.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %+v, want %v", rep.Checks, tt.wantChecks)
			}
			for name, want := range tt.wantChecks {
				if got := rep.Checks[name].Status; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_ReportsCheckError(t *testing.T) {
	_, rep := probe(t, New(Checker{Name: "sessions", Check: func(context.Context) error {
		return errors.New("at capacity")
	}}), "/readyz")

	res := rep.Checks["sessions"]
	if res.Error != "at capacity" || res.Optional {
		t.Errorf("sessions result = %+v", res)
	}
}

func TestReadyz_Add(t *testing.T) {
	h := New(passing("sessions", false))
	h.Add(failing("providers.llm", true))

	_, rep := probe(t, h, "/readyz")
	if rep.Status != StatusDegraded || !rep.Checks["providers.llm"].Optional {
		t.Errorf("report = %+v, want degraded by providers.llm", rep)
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	h := New(Checker{Name: "sessions", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
}

func TestReadyz_Draining(t *testing.T) {
	ran := false
	h := New(Checker{Name: "sessions", Check: func(context.Context) error {
		ran = true
		return nil
	}})
	h.SetDraining(true)

	rec, rep := probe(t, h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable || rep.Status != StatusDraining {
		t.Errorf("draining probe = %d %q", rec.Code, rep.Status)
	}
	if ran {
		t.Error("checkers ran while draining")
	}

	h.SetDraining(false)
	if rec, _ := probe(t, h, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("code after draining = %d, want 200", rec.Code)
	}
}

func TestRegister_MethodRouting(t *testing.T) {
	mux := http.NewServeMux()
	New().Register(mux)

	for _, tc := range []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusOK},
		{http.MethodPost, "/readyz", http.StatusMethodNotAllowed},
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.path, rec.Code, tc.want)
		}
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

func passing(name string, optional bool) Checker {
	return Checker{Name: name, Optional: optional, Check: func(context.Context) error { return nil }}
}

func failing(name string, optional bool) Checker {
	return Checker{Name: name, Optional: optional, Check: func(context.Context) error { return errors.New("down") }}
}

func probe(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, Report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var rep Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec, rep
}
