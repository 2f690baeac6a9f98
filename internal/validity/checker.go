package validity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/presagio-ai/presagio-backend/internal/ai"
)

// Package validity gates new questions before any answer is generated.
// Both strategies answer the same yes/no: is this an admissible
// prediction-market question?

type Checker interface {
	// Check returns false for questions that must be rejected.
	Check(ctx context.Context, question string) (bool, error)
}

// APIChecker delegates to the external endpoint returning {invalid}.
type APIChecker struct {
	BaseURL string
	HTTP    *http.Client
}

func NewAPIChecker(baseURL string) *APIChecker {
	return &APIChecker{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *APIChecker) Check(ctx context.Context, question string) (bool, error) {
	u := fmt.Sprintf("%s/question-invalid?question=%s", c.BaseURL, url.QueryEscape(question))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("validity: status %d", resp.StatusCode)
	}

	var out struct {
		Invalid bool `json:"invalid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return !out.Invalid, nil
}

const rubric = `You are evaluating whether a question is admissible on a prediction market.

Think step by step through these rules:
 - A question with no specific resolution date (for example "soon", "next month", "in the future") is invalid.
 - A question that would let someone profit from causing real-world violence or harm is invalid.
 - A purely evaluative or moral question with no verifiable outcome (for example "is X good?") is invalid.
 - Otherwise the question is valid.

After your reasoning, answer on the final line with exactly "decision: yes" if the question is valid or "decision: no" if it is invalid.`

// LLMChecker asks the model to reason under the fixed rubric and parses
// the trailing decision token.
type LLMChecker struct {
	Provider ai.Provider
}

func NewLLMChecker(p ai.Provider) *LLMChecker {
	return &LLMChecker{Provider: p}
}

func (c *LLMChecker) Check(ctx context.Context, question string) (bool, error) {
	out, err := c.Provider.Chat(ctx, []ai.Message{
		{Role: ai.RoleSystem, Content: rubric},
		{Role: ai.RoleUser, Content: question},
	})
	if err != nil {
		return false, err
	}
	// unparseable output rejects the question
	return parseDecision(out), nil
}

// parseDecision scans for the last "decision:" token. Anything other
// than an unambiguous yes reads as invalid.
func parseDecision(out string) bool {
	lower := strings.ToLower(out)
	idx := strings.LastIndex(lower, "decision:")
	if idx < 0 {
		return false
	}
	rest := strings.TrimSpace(lower[idx+len("decision:"):])
	word, _, _ := strings.Cut(rest, "\n")
	switch strings.TrimSpace(strings.Trim(word, ".!\"' ")) {
	case "yes":
		return true
	default:
		return false
	}
}
