package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEngineClassifiesExpectedSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"instances":[]}`))
	}))
	defer srv.Close()

	e := NewEngine(nil, nil)
	res := e.Run(context.Background(), Spec{Name: "instances", Target: srv.URL, Expect: ExpectSuccess, Timeout: 2 * time.Second})
	if res.Outcome != OutcomePass {
		t.Fatalf("expected pass, got %s (%s)", res.Outcome, res.Detail)
	}
	if res.Latency <= 0 {
		t.Fatalf("expected positive latency")
	}
}

func TestEngineAuthRejectionIsPass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	e := NewEngine(nil, nil)
	res := e.Run(context.Background(), Spec{Name: "instances", Target: srv.URL, Expect: ExpectAuthRequired})
	if res.Outcome != OutcomePass {
		t.Fatalf("expected pass for 401 against auth-required, got %s", res.Outcome)
	}
}

func TestEngineOpenEndpointIsWarnWhenAuthExpected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEngine(nil, nil)
	res := e.Run(context.Background(), Spec{Name: "admin", Target: srv.URL, Expect: ExpectAuthRequired})
	if res.Outcome != OutcomeWarn {
		t.Fatalf("expected warn for open endpoint, got %s", res.Outcome)
	}
}

func TestEngineServerErrorIsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewEngine(nil, nil)
	res := e.Run(context.Background(), Spec{Name: "instances", Target: srv.URL, Expect: ExpectSuccess})
	if res.Outcome != OutcomeFail {
		t.Fatalf("expected fail for 500, got %s", res.Outcome)
	}
}

func TestEngineCallErrorBecomesFailResult(t *testing.T) {
	e := NewEngine(nil, nil)
	res := e.Run(context.Background(), Spec{Name: "broken", Target: "http://127.0.0.1:1", Expect: ExpectSuccess, Timeout: 500 * time.Millisecond})
	if res.Outcome != OutcomeFail {
		t.Fatalf("expected fail, got %s", res.Outcome)
	}
	if res.Detail == "" {
		t.Fatalf("expected detail carrying the underlying cause")
	}
}

func TestEngineUnauthorizedAgainstSuccessIsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	e := NewEngine(nil, nil)
	res := e.Run(context.Background(), Spec{Name: "instances", Target: srv.URL, Expect: ExpectSuccess})
	if res.Outcome != OutcomeFail {
		t.Fatalf("expected fail for 403 against success, got %s", res.Outcome)
	}
}

func TestRunAllKeepsDeclarationOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEngine(nil, nil)
	specs := []Spec{
		{Name: "a", Target: srv.URL, Expect: ExpectSuccess},
		{Name: "b", Target: srv.URL, Expect: ExpectSuccess},
	}
	results := e.RunAll(context.Background(), specs)
	if len(results) != 2 || results[0].Spec.Name != "a" || results[1].Spec.Name != "b" {
		t.Fatalf("unexpected results order: %+v", results)
	}
}
