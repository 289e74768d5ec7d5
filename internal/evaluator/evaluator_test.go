package evaluator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"geoquest-engine/internal/app"
	"geoquest-engine/internal/config"
)

func completion(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
	return string(body)
}

type seenRequest struct {
	path string
	auth string
}

func newServer(t *testing.T, status int, body string) (*httptest.Server, *seenRequest) {
	t.Helper()
	seen := &seenRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.path = r.URL.Path
		seen.auth = r.Header.Get("Authorization")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func TestEvaluateCorrect(t *testing.T) {
	srv, seen := newServer(t, http.StatusOK, completion("```json\n{\"isFullyCorrect\": true, \"feedback\": \"Genau.\"}\n```"))
	client := New(config.Evaluator{BaseURL: srv.URL + "/", APIKey: "k", Model: "judge"})

	verdict, err := client.Evaluate(context.Background(), app.EvaluationRequest{Question: "q", Submitted: "a", CorrectAnswer: "a"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !verdict.IsFullyCorrect || verdict.Feedback != "Genau." {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
	if seen.path != "/chat/completions" || seen.auth != "Bearer k" {
		t.Fatalf("unexpected request %+v", seen)
	}
}

func TestEvaluateFieldVerdictsOverrideOverall(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, completion(`{"isFullyCorrect": true, "perFieldVerdicts": {"a": true}}`))
	client := New(config.Evaluator{BaseURL: srv.URL})

	verdict, err := client.Evaluate(context.Background(), app.EvaluationRequest{
		FieldSpecs: []app.FieldSpec{{Field: "a", Expected: "3"}, {Field: "b", Expected: "4"}},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.IsFullyCorrect {
		t.Fatalf("missing field verdict must fail the answer")
	}
}

func TestEvaluateFailures(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
	}{
		"server error":  {http.StatusBadGateway, "upstream down"},
		"not json":      {http.StatusOK, "<html>"},
		"no choices":    {http.StatusOK, `{"choices": []}`},
		"prose content": {http.StatusOK, completion("Die Antwort ist richtig.")},
		"missing flag":  {http.StatusOK, completion(`{"feedback": "ok"}`)},
		"api error":     {http.StatusOK, `{"error": {"message": "quota"}}`},
	}
	for name, tc := range cases {
		srv, _ := newServer(t, tc.status, tc.body)
		client := New(config.Evaluator{BaseURL: srv.URL})
		if _, err := client.Evaluate(context.Background(), app.EvaluationRequest{}); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEvaluateTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(completion(`{"isFullyCorrect": true}`)))
	}))
	defer srv.Close()
	client := New(config.Evaluator{BaseURL: srv.URL, Timeout: "20ms"})

	_, err := client.Evaluate(context.Background(), app.EvaluationRequest{})
	if err == nil || !strings.Contains(err.Error(), "Timeout") && !strings.Contains(err.Error(), "deadline") {
		t.Fatalf("expected timeout, got %v", err)
	}
}
