// Package executor runs an agent against a single user message.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"agent-mail-gateway/internal/config"
	"agent-mail-gateway/internal/model"
)

// Request is one agent invocation.
type Request struct {
	AgentID        string
	Message        string
	OrganizationID string
	UserID         string
}

// Result is what the agent produced.
type Result struct {
	MessageID    string
	Text         string
	FinishReason string
}

// Executor invokes an agent.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// AgentLookup resolves the agent record an invocation runs as.
type AgentLookup interface {
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
}

// ErrNoCompletion is returned when the model answers with no choices.
var ErrNoCompletion = errors.New("model returned no completion")

// OpenAIExecutor answers with one chat completion using the agent's system
// prompt against an OpenAI-compatible endpoint.
type OpenAIExecutor struct {
	client        *openai.Client
	agents        AgentLookup
	model         string
	defaultPrompt string
}

// NewOpenAIExecutor creates an executor from configuration.
func NewOpenAIExecutor(cfg config.ExecutorConfig, agents AgentLookup) *OpenAIExecutor {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = openai.GPT4oMini
	}
	return &OpenAIExecutor{
		client:        openai.NewClientWithConfig(clientCfg),
		agents:        agents,
		model:         modelName,
		defaultPrompt: cfg.DefaultSystemPrompt,
	}
}

func (e *OpenAIExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	agent, err := e.agents.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s not found", req.AgentID)
	}

	prompt := strings.TrimSpace(agent.SystemPrompt)
	if prompt == "" {
		prompt = e.defaultPrompt
	}

	messages := []openai.ChatCompletionMessage{}
	if prompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: prompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Message,
	})

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: messages,
		User:     req.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s completion failed: %w", req.AgentID, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoCompletion
	}

	choice := resp.Choices[0]
	logrus.WithFields(logrus.Fields{
		"agent_id":      req.AgentID,
		"model":         resp.Model,
		"finish_reason": choice.FinishReason,
		"total_tokens":  resp.Usage.TotalTokens,
	}).Info("Agent completion finished")

	return &Result{
		MessageID:    resp.ID,
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
	}, nil
}
