package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/jwebster45206/phase-engine/pkg/chat"
)

const (
	ProviderOpenAI = "openai"
	ProviderVenice = "venice"
	ProviderOllama = "ollama"

	DefaultTemperature = 0.7
)

var defaultBaseURLs = map[string]string{
	ProviderOpenAI: "https://api.openai.com/v1",
	ProviderVenice: "https://api.venice.ai/api/v1",
	ProviderOllama: "http://localhost:11434/v1",
}

// DefaultBaseURL returns the chat-completions base URL for a provider, or
// "" if the provider is unknown.
func DefaultBaseURL(provider string) string {
	return defaultBaseURLs[provider]
}

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	Provider     string
	BaseURL      string // overrides the provider default
	APIKey       string
	Model        string
	BackendModel string // used for Background requests; defaults to Model
	Timeout      time.Duration
}

// OpenAIService implements LLMService for any OpenAI-compatible chat
// completions API (OpenAI, Venice, Ollama).
type OpenAIService struct {
	client           *openai.Client
	modelName        string
	backendModelName string
	temperature      float32
	logger           *slog.Logger
}

var _ LLMService = (*OpenAIService)(nil)

func NewOpenAIService(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIService, error) {
	if cfg.Model == "" {
		return nil, errors.New("model name is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL(cfg.Provider)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("unknown llm provider %q and no base url", cfg.Provider)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = baseURL
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	backend := cfg.BackendModel
	if backend == "" {
		backend = cfg.Model
	}

	logger.Info("Initializing LLM client", "provider", cfg.Provider, "base_url", baseURL, "model", cfg.Model, "backend_model", backend)
	return &OpenAIService{
		client:           openai.NewClientWithConfig(clientCfg),
		modelName:        cfg.Model,
		backendModelName: backend,
		temperature:      DefaultTemperature,
		logger:           logger,
	}, nil
}

func (s *OpenAIService) request(req CompletionRequest, stream bool) openai.ChatCompletionRequest {
	model := s.modelName
	if req.Background {
		model = s.backendModelName
	}
	r := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toMessages(req.Turns),
		Tools:       toTools(req.Tools),
		Temperature: s.temperature,
		Stream:      stream,
	}
	if req.MaxTokens > 0 {
		r.MaxTokens = req.MaxTokens
	}
	if req.Background {
		r.Temperature = 0
	}
	return r
}

func (s *OpenAIService) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if len(req.Turns) == 0 {
		return nil, ErrEmptyConversation
	}
	resp, err := s.client.CreateChatCompletion(ctx, s.request(req, false))
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("llm returned no choices")
	}
	msg := resp.Choices[0].Message
	s.logger.Debug("Received completion", "finish_reason", resp.Choices[0].FinishReason, "tool_calls", len(msg.ToolCalls))
	return &Completion{
		Text:            msg.Content,
		ToolInvocations: fromToolCalls(msg.ToolCalls),
	}, nil
}

func (s *OpenAIService) CompleteStream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	if len(req.Turns) == 0 {
		return nil, ErrEmptyConversation
	}
	stream, err := s.client.CreateChatCompletionStream(ctx, s.request(req, true))
	if err != nil {
		return nil, classify(err)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(c StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		calls := newCallAccumulator()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(StreamChunk{Done: true, ToolInvocations: calls.invocations()})
				return
			}
			if err != nil {
				send(StreamChunk{Error: classify(err)})
				return
			}
			for _, choice := range resp.Choices {
				calls.add(choice.Delta.ToolCalls)
				if choice.Delta.Content != "" {
					if !send(StreamChunk{Content: choice.Delta.Content}) {
						return
					}
				}
			}
		}
	}()
	return ch, nil
}

// callAccumulator joins streamed tool call deltas by index.
type callAccumulator struct {
	calls map[int]*chat.ToolInvocation
	args  map[int]*strings.Builder
}

func newCallAccumulator() *callAccumulator {
	return &callAccumulator{
		calls: make(map[int]*chat.ToolInvocation),
		args:  make(map[int]*strings.Builder),
	}
}

func (a *callAccumulator) add(deltas []openai.ToolCall) {
	for i, d := range deltas {
		idx := i
		if d.Index != nil {
			idx = *d.Index
		}
		inv, ok := a.calls[idx]
		if !ok {
			inv = &chat.ToolInvocation{}
			a.calls[idx] = inv
			a.args[idx] = &strings.Builder{}
		}
		if d.ID != "" {
			inv.ID = d.ID
		}
		if d.Function.Name != "" {
			inv.Name = d.Function.Name
		}
		a.args[idx].WriteString(d.Function.Arguments)
	}
}

func (a *callAccumulator) invocations() []chat.ToolInvocation {
	if len(a.calls) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	out := make([]chat.ToolInvocation, 0, len(idxs))
	for _, i := range idxs {
		inv := *a.calls[i]
		inv.Arguments = rawArguments(a.args[i].String())
		out = append(out, inv)
	}
	return out
}

func rawArguments(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(s)
}

func toMessages(turns []chat.Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		msg := openai.ChatCompletionMessage{Content: t.Content}
		switch t.Role {
		case chat.RoleSystem:
			msg.Role = openai.ChatMessageRoleSystem
		case chat.RoleUser:
			msg.Role = openai.ChatMessageRoleUser
		case chat.RoleAssistant:
			msg.Role = openai.ChatMessageRoleAssistant
			for _, inv := range t.ToolInvocations {
				args := string(inv.Arguments)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   inv.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      inv.Name,
						Arguments: args,
					},
				})
			}
		case chat.RoleTool:
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = t.ToolCallRef
		}
		out = append(out, msg)
	}
	return out
}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

func toTools(defs []chat.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if len(params) == 0 {
			params = emptySchema
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func fromToolCalls(calls []openai.ToolCall) []chat.ToolInvocation {
	if len(calls) == 0 {
		return nil
	}
	out := make([]chat.ToolInvocation, 0, len(calls))
	for _, c := range calls {
		out = append(out, chat.ToolInvocation{
			ID:        c.ID,
			Name:      c.Function.Name,
			Arguments: rawArguments(c.Function.Arguments),
		})
	}
	return out
}

// classify maps provider rejections of tool sequencing to ErrToolSequence.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusBadRequest && isToolSequenceMessage(apiErr.Message) {
		return fmt.Errorf("%w: %s", ErrToolSequence, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusBadRequest && isToolSequenceMessage(string(reqErr.Body)) {
		return fmt.Errorf("%w: %s", ErrToolSequence, string(reqErr.Body))
	}
	return fmt.Errorf("llm request failed: %w", err)
}

func isToolSequenceMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "tool_call_id") ||
		strings.Contains(m, "tool_calls") ||
		strings.Contains(m, "role 'tool'") ||
		strings.Contains(m, "tool result")
}
