package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ReviewRequest is the out-of-band dispatch request an llm_review gate
// issues through the executor's provider adapter (spec §4.2/§9: "model as
// a synchronous nested dispatch from within gate evaluation").
type ReviewRequest struct {
	Provider  string
	Model     string
	Content   string
	Criteria  []string
	Prompt    string
}

// ReviewResponse is what the provider returns for a review dispatch.
type ReviewResponse struct {
	RawOutput string
	TokensIn  int
	TokensOut int
}

// ReviewDispatcher is implemented by the executor and injected into gate
// evaluation so llm_review can issue its own provider dispatch. Kept
// separate from the main provider-dispatch interface used for block
// execution so the gate package never depends on the executor package.
type ReviewDispatcher interface {
	DispatchReview(ctx context.Context, req ReviewRequest) (ReviewResponse, error)
}

// Verdict is one criterion's judged outcome from an llm_review response.
type Verdict struct {
	Criterion string `json:"criterion"`
	Passed    bool   `json:"passed"`
	Reasoning string `json:"reasoning"`
}

// EvalLLMReview dispatches a review request for d's configured port/
// criteria/provider and passes iff passed_count/criteria_count >=
// pass_threshold (spec §4.2).
func EvalLLMReview(ctx context.Context, d Def, inputs, outputs map[string]interface{}, dispatcher ReviewDispatcher) (Result, error) {
	portName := d.stringField("port", "")
	ports := Ports(inputs, outputs)
	v, ok := portValue(ports, portName)
	content := stringifyForMatch(v)
	if !ok || isEmptyValue(v) || strings.TrimSpace(content) == "" {
		return failCoded(d.Name, "empty_port", fmt.Sprintf("port %q is empty", portName)), nil
	}

	provider := d.stringField("provider", "")
	if provider == "" {
		return failCoded(d.Name, "provider_not_found", "no provider configured for llm_review"), nil
	}
	if dispatcher == nil {
		return failCoded(d.Name, "provider_not_found", "no review dispatcher available"), nil
	}

	var criteria []string
	if raw, ok := d.field("criteria"); ok {
		if list, ok := raw.([]interface{}); ok {
			for _, c := range list {
				if s, ok := c.(string); ok {
					criteria = append(criteria, s)
				}
			}
		}
	}
	passThreshold := d.floatField("pass_threshold", 1.0)

	prompt := buildReviewPrompt(content, criteria)
	resp, err := dispatcher.DispatchReview(ctx, ReviewRequest{
		Provider: provider,
		Model:    d.stringField("model", ""),
		Content:  content,
		Criteria: criteria,
		Prompt:   prompt,
	})
	if err != nil {
		return failCoded(d.Name, "dispatch_failed", fmt.Sprintf("review dispatch failed: %v", err)), nil
	}

	verdicts, err := parseVerdicts(resp.RawOutput)
	if err != nil {
		r := failCoded(d.Name, "invalid_review_output", fmt.Sprintf("could not parse review output: %v", err))
		r.Audit["raw_response"] = resp.RawOutput
		r.Audit["prompt"] = prompt
		return r, nil
	}

	passedCount := 0
	for _, v := range verdicts {
		if v.Passed {
			passedCount++
		}
	}
	criteriaCount := len(criteria)
	if criteriaCount == 0 {
		criteriaCount = len(verdicts)
	}
	var score float64
	if criteriaCount > 0 {
		score = float64(passedCount) / float64(criteriaCount)
	}

	audit := map[string]interface{}{
		"prompt":         prompt,
		"raw_response":   resp.RawOutput,
		"verdicts":       verdicts,
		"score":          score,
		"tokens_in":      resp.TokensIn,
		"tokens_out":     resp.TokensOut,
		"pass_threshold": passThreshold,
	}

	if score < passThreshold {
		return Result{Name: d.Name, Passed: false, Reason: fmt.Sprintf("review score %.2f below threshold %.2f", score, passThreshold), Audit: audit}, nil
	}
	return Result{Name: d.Name, Passed: true, Audit: audit}, nil
}

func failCoded(name, code, reason string) Result {
	r := fail(name, reason)
	r.Audit = map[string]interface{}{"code": code}
	return r
}

func buildReviewPrompt(content string, criteria []string) string {
	var sb strings.Builder
	sb.WriteString("Evaluate the following content against each criterion. ")
	sb.WriteString("Respond with a JSON array of {\"criterion\",\"passed\",\"reasoning\"} objects.\n\n")
	sb.WriteString("Content:\n")
	sb.WriteString(content)
	sb.WriteString("\n\nCriteria:\n")
	for _, c := range criteria {
		sb.WriteString("- ")
		sb.WriteString(c)
		sb.WriteString("\n")
	}
	return sb.String()
}

func parseVerdicts(raw string) ([]Verdict, error) {
	text := extractJSONArray(raw)
	var verdicts []Verdict
	if err := json.Unmarshal([]byte(text), &verdicts); err != nil {
		return nil, err
	}
	return verdicts, nil
}

// extractJSONArray pulls the first [...] span out of raw, tolerating a
// response wrapped in prose or a fenced code block. This is looser than the
// executor's AI-path output parsing, which accepts only strict JSON or JSON
// inside a fenced block.
func extractJSONArray(raw string) string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end == -1 || end < start {
		return raw
	}
	return raw[start : end+1]
}
