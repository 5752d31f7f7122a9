package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kvoss/fleetline/internal/protocol"
)

// DecisionKind discriminates planner decisions.
type DecisionKind string

const (
	DecideDispatch DecisionKind = "dispatch"
	DecideEvaluate DecisionKind = "evaluate"
	DecideStop     DecisionKind = "stop"
)

// Decision is the planner's choice for the next workflow step.
type Decision struct {
	Kind         DecisionKind `json:"kind"`
	AgentName    string       `json:"agentName,omitempty"`
	Instructions string       `json:"instructions,omitempty"`
	Condition    string       `json:"condition,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// Planner is the external decision-making collaborator. The runner
// depends only on this interface, so a deterministic rule engine or a
// test double substitutes freely for the LLM-backed implementation.
type Planner interface {
	// Plan proposes the next step toward goal given prior step outputs
	// and the agents available to this run.
	Plan(ctx context.Context, goal string, prior map[string]string, agents []protocol.AgentCard) (Decision, error)
	// Evaluate resolves a branch condition against prior outputs,
	// returning the verdict and a textual rationale.
	Evaluate(ctx context.Context, condition string, prior map[string]string) (bool, string, error)
}

// LLMPlanner implements Planner against a chat-completion style HTTP
// endpoint.
type LLMPlanner struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	logger   *zap.Logger
}

// NewLLMPlanner creates a planner backed by a chat endpoint.
func NewLLMPlanner(endpoint, apiKey, model string, logger *zap.Logger) *LLMPlanner {
	return &LLMPlanner{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   logger,
	}
}

func formatPrior(prior map[string]string) string {
	if len(prior) == 0 {
		return "(no prior step outputs)"
	}
	keys := make([]string, 0, len(prior))
	for k := range prior {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "[%s]: %s\n", k, prior[k])
	}
	return sb.String()
}

// Plan asks the model for the next step as a JSON decision.
func (p *LLMPlanner) Plan(ctx context.Context, goal string, prior map[string]string, agents []protocol.AgentCard) (Decision, error) {
	var roster strings.Builder
	for _, a := range agents {
		fmt.Fprintf(&roster, "- %s: %s\n", a.Name, a.Description)
	}

	prompt := fmt.Sprintf(`You orchestrate a workflow toward this goal: %s

Available agents:
%s
Step outputs so far:
%s
Reply with JSON only:
{"kind":"dispatch","agentName":"...","instructions":"..."}
or {"kind":"evaluate","condition":"..."}
or {"kind":"stop","reason":"..."}`, goal, roster.String(), formatPrior(prior))

	content, err := p.chat(ctx, prompt)
	if err != nil {
		return Decision{}, fmt.Errorf("plan: %w", err)
	}

	var d Decision
	if err := json.Unmarshal([]byte(extractJSON(content)), &d); err != nil {
		// A planner that stops making sense stops the workflow rather
		// than dispatching garbage.
		p.logger.Warn("unparseable plan decision", zap.String("content", content))
		return Decision{Kind: DecideStop, Reason: "planner returned unparseable decision"}, nil
	}
	return d, nil
}

// Evaluate asks the model for a boolean verdict on the condition.
func (p *LLMPlanner) Evaluate(ctx context.Context, condition string, prior map[string]string) (bool, string, error) {
	prompt := fmt.Sprintf(`Evaluate this condition against the step outputs below.

Condition: %s

Step outputs:
%s
Reply with JSON only: {"result":true|false,"rationale":"..."}`, condition, formatPrior(prior))

	content, err := p.chat(ctx, prompt)
	if err != nil {
		return false, "", fmt.Errorf("evaluate: %w", err)
	}

	var v struct {
		Result    bool   `json:"result"`
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &v); err != nil {
		return false, "", fmt.Errorf("evaluate: unparseable verdict %q", content)
	}
	return v.Result, v.Rationale, nil
}

func (p *LLMPlanner) chat(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"max_tokens": 1024,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("planner API error %d: %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("planner returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// extractJSON strips prose and code fences around a JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
