package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Stub is a deterministic LLMClient substitute for tests: §8 of the
// requirements calls for the end-to-end scenarios to run against a
// deterministic stub rather than a live provider. Responses are queued
// per context_tag and consumed in order; TextFunc/JSONFunc allow a test
// to compute a response from the prompt instead of a fixed queue.
type Stub struct {
	mu        sync.Mutex
	textQueue map[string][]TextResult
	jsonQueue map[string][]any
	TextFunc  func(ctx context.Context, systemPrompt, userPrompt, contextTag string) (TextResult, error)
	JSONFunc  func(ctx context.Context, systemPrompt, userPrompt, contextTag string, target any) error
	Calls     []string
}

// NewStub creates an empty Stub ready to have responses queued with
// QueueText/QueueJSON.
func NewStub() *Stub {
	return &Stub{
		textQueue: make(map[string][]TextResult),
		jsonQueue: make(map[string][]any),
	}
}

func (s *Stub) QueueText(contextTag string, result TextResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.textQueue[contextTag] = append(s.textQueue[contextTag], result)
}

func (s *Stub) QueueJSON(contextTag string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jsonQueue[contextTag] = append(s.jsonQueue[contextTag], value)
}

func (s *Stub) GenerateText(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64, contextTag string) (TextResult, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, contextTag)
	s.mu.Unlock()

	if s.TextFunc != nil {
		return s.TextFunc(ctx, systemPrompt, userPrompt, contextTag)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.textQueue[contextTag]
	if len(queue) == 0 {
		return TextResult{}, fmt.Errorf("stub: no queued text response for %q", contextTag)
	}
	result := queue[0]
	s.textQueue[contextTag] = queue[1:]
	return result, nil
}

func (s *Stub) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, target any, contextTag string) (Usage, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, contextTag)
	s.mu.Unlock()

	if s.JSONFunc != nil {
		return Usage{}, s.JSONFunc(ctx, systemPrompt, userPrompt, contextTag, target)
	}

	s.mu.Lock()
	queue := s.jsonQueue[contextTag]
	if len(queue) == 0 {
		s.mu.Unlock()
		return Usage{}, fmt.Errorf("stub: no queued json response for %q", contextTag)
	}
	value := queue[0]
	s.jsonQueue[contextTag] = queue[1:]
	s.mu.Unlock()

	encoded, err := json.Marshal(value)
	if err != nil {
		return Usage{}, err
	}
	return Usage{}, json.Unmarshal(encoded, target)
}
