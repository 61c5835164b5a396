// Package agents houses the five evaluation agents and the shared runtime
// that enforces their structured-output contracts. Every agent is a bounded
// LLM call: a system prompt under a role codename, a typed input rendered
// into the user prompt, and a typed output validated before any downstream
// consumer sees it. Invalid output is repaired via resubmission, then fatal.
package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/amarmakonis/assessment-engine/internal/llm"
)

// DefaultTemperature keeps agent output near-deterministic.
const DefaultTemperature = 0.1

// Spec declares one agent's contract. Role is a prompt-authoring codename
// with no runtime semantics.
type Spec struct {
	Name         string
	Role         string
	SystemPrompt string

	// Schema is the JSON silhouette embedded in repair prompts.
	Schema string

	Temperature float32
	MaxTokens   int
}

// Telemetry captures one agent execution for observability and accounting.
type Telemetry struct {
	Agent            string `json:"agent"`
	Model            string `json:"model"`
	LatencyMs        int64  `json:"latencyMs"`
	PromptTokens     int64  `json:"promptTokens"`
	CompletionTokens int64  `json:"completionTokens"`
	Repairs          int    `json:"repairs"`
	Succeeded        bool   `json:"succeeded"`
}

// Run executes one agent call: complete, parse, validate, and on failure
// repair by resubmitting with the validation error and schema silhouette
// embedded, up to llm.MaxRepairAttempts. Transport errors propagate as the
// gateway classified them; persistent invalid output wraps llm.ErrMalformed.
//
// The validate callback narrows structurally parsed output to the agent's
// business contract; logically inconsistent output is repaired the same way
// as unparseable output.
func Run[T any](
	ctx context.Context,
	client llm.Client,
	spec Spec,
	userPrompt string,
	validate func(*T) error,
) (*T, Telemetry, error) {
	tel := Telemetry{Agent: spec.Name}

	temperature := spec.Temperature
	if temperature == 0 {
		temperature = DefaultTemperature
	}

	prompt := userPrompt
	var lastContent string
	var lastErr error

	for attempt := 0; attempt <= llm.MaxRepairAttempts; attempt++ {
		if attempt > 0 {
			tel.Repairs++
			prompt = llm.RepairPrompt(spec.Schema, lastErr, lastContent, attempt)
		}

		resp, err := client.Complete(ctx, llm.Request{
			System:      spec.SystemPrompt,
			User:        prompt,
			Temperature: temperature,
			MaxTokens:   spec.MaxTokens,
		})
		if err != nil {
			return nil, tel, fmt.Errorf("agent %s: %w", spec.Name, err)
		}

		tel.Model = resp.Model
		tel.LatencyMs += resp.LatencyMs
		tel.PromptTokens += resp.PromptTokens
		tel.CompletionTokens += resp.CompletionTokens
		lastContent = resp.Content

		out, err := decode[T](resp, validate)
		if err != nil {
			lastErr = err
			continue
		}

		tel.Succeeded = true
		return out, tel, nil
	}

	return nil, tel, fmt.Errorf("agent %s: %w: %w", spec.Name, llm.ErrMalformed, lastErr)
}

func decode[T any](resp *llm.Response, validate func(*T) error) (*T, error) {
	if resp.Parsed == nil {
		return nil, fmt.Errorf("response is not a JSON object")
	}

	var out T
	if err := json.Unmarshal(resp.Parsed, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if validate != nil {
		if err := validate(&out); err != nil {
			return nil, err
		}
	}
	return &out, nil
}
