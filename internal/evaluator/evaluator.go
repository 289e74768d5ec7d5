// Package evaluator asks a chat-completions model whether a free-text answer is correct.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"geoquest-engine/internal/app"
	"geoquest-engine/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const systemPrompt = `Du bewertest Antworten von Lernenden auf Geometrieaufgaben.
Antworte ausschließlich mit einem JSON-Objekt der Form
{"isFullyCorrect": bool, "perFieldVerdicts": {"<feld>": bool}, "feedback": "<kurzer Hinweis>"}.
Eine Antwort ist nur dann vollständig korrekt, wenn sie inhaltlich mit der Musterlösung übereinstimmt.`

var tracer = otel.Tracer("geoquest-engine/evaluator")

var errMalformed = errors.New("malformed evaluator response")

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client implements app.Evaluator over HTTP.
type Client struct {
	cfg  config.Evaluator
	http *http.Client
}

func New(cfg config.Evaluator) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: config.TTLDuration(cfg.Timeout, 10*time.Second)},
	}
}

// Evaluate sends one judgement request. Transport failures, non-200 answers and replies that
// are not the expected JSON all return an error; the caller decides what a failure means.
func (c *Client) Evaluate(ctx context.Context, req app.EvaluationRequest) (app.Verdict, error) {
	ctx, span := tracer.Start(ctx, "evaluator.Evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("model", c.cfg.Model), attribute.Int("fields", len(req.FieldSpecs)))

	verdict, err := c.evaluate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return verdict, err
}

func (c *Client) evaluate(ctx context.Context, req app.EvaluationRequest) (app.Verdict, error) {
	userContent, err := json.Marshal(req)
	if err != nil {
		return app.Verdict{}, err
	}
	body, err := json.Marshal(chatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(userContent)},
		},
	})
	if err != nil {
		return app.Verdict{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return app.Verdict{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return app.Verdict{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return app.Verdict{}, fmt.Errorf("evaluator status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return app.Verdict{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if completion.Error != nil {
		return app.Verdict{}, fmt.Errorf("evaluator error: %s", completion.Error.Message)
	}
	if len(completion.Choices) == 0 {
		return app.Verdict{}, fmt.Errorf("%w: no choices", errMalformed)
	}
	return parseVerdict(completion.Choices[0].Message.Content, req.FieldSpecs)
}

// parseVerdict decodes the model's reply. Code fences are tolerated; anything else that is not
// a JSON object with isFullyCorrect is rejected.
func parseVerdict(content string, fields []app.FieldSpec) (app.Verdict, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var raw struct {
		IsFullyCorrect   *bool           `json:"isFullyCorrect"`
		PerFieldVerdicts map[string]bool `json:"perFieldVerdicts"`
		Feedback         string          `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return app.Verdict{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if raw.IsFullyCorrect == nil {
		return app.Verdict{}, fmt.Errorf("%w: missing isFullyCorrect", errMalformed)
	}

	verdict := app.Verdict{
		IsFullyCorrect:   *raw.IsFullyCorrect,
		PerFieldVerdicts: raw.PerFieldVerdicts,
		Feedback:         raw.Feedback,
	}
	// A field the model judged wrong or skipped cannot be part of a fully correct answer.
	for _, f := range fields {
		if ok, present := verdict.PerFieldVerdicts[f.Field]; !present || !ok {
			verdict.IsFullyCorrect = false
		}
	}
	return verdict, nil
}
