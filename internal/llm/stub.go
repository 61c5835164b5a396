package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedClient is a deterministic Client for tests: it replays a scripted
// sequence of outcomes and counts every call, letting idempotency and repair
// tests assert on exactly how many provider calls happened.
type ScriptedClient struct {
	mu       sync.Mutex
	outcomes []ScriptedOutcome

	// Calls is the total number of gateway invocations, both channels.
	Calls int

	// Requests records the user prompt of every call in order.
	Requests []string
}

// ScriptedOutcome is one canned gateway reply.
type ScriptedOutcome struct {
	Content string
	Err     error
}

// NewScriptedClient builds a client that replays outcomes in order. When the
// script is exhausted the last outcome repeats.
func NewScriptedClient(outcomes ...ScriptedOutcome) *ScriptedClient {
	return &ScriptedClient{outcomes: outcomes}
}

// JSONOutcome wraps a JSON payload as a successful scripted reply.
func JSONOutcome(content string) ScriptedOutcome {
	return ScriptedOutcome{Content: content}
}

// Complete implements Client.
func (s *ScriptedClient) Complete(_ context.Context, req Request) (*Response, error) {
	return s.next(req.User)
}

// VisionComplete implements Client.
func (s *ScriptedClient) VisionComplete(_ context.Context, req VisionRequest) (*Response, error) {
	return s.next(req.User)
}

func (s *ScriptedClient) next(user string) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.outcomes) == 0 {
		return nil, fmt.Errorf("scripted client has no outcomes")
	}

	idx := s.Calls
	if idx >= len(s.outcomes) {
		idx = len(s.outcomes) - 1
	}
	s.Calls++
	s.Requests = append(s.Requests, user)

	out := s.outcomes[idx]
	if out.Err != nil {
		return nil, out.Err
	}
	return &Response{
		Content:          out.Content,
		Parsed:           tryParseObject(out.Content),
		PromptTokens:     10,
		CompletionTokens: 20,
		TotalTokens:      30,
		Model:            "scripted",
		LatencyMs:        1,
	}, nil
}

// CallCount returns the number of gateway invocations so far.
func (s *ScriptedClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls
}
