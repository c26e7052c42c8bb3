package service

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

	"nexusvoice-server/internal/config"
)

// ChatModel 上游大模型
type ChatModel interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)
}

// ChatMessage 发给大模型的单条消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest 补全请求
type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// CompletionResult 补全结果
type CompletionResult struct {
	Content          string
	FinishReason     string
	PromptTokens     int64
	CompletionTokens int64
}

// AIService 调用 OpenAI 兼容的 /chat/completions 接口
type AIService struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewAIService 创建 AIService 实例
func NewAIService(cfg *config.Config) *AIService {
	timeout := cfg.AI.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AIService{
		baseURL: strings.TrimRight(cfg.AI.BaseURL, "/"),
		apiKey:  cfg.AI.APIKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// openAIResponse OpenAI 兼容接口的响应结构
type openAIResponse struct {
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete 发送补全请求
// 所有上游错误都包装为 ErrAIUnavailable
func (s *AIService) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("%w: AI API Key 未配置", ErrAIUnavailable)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAIUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取响应失败: %v", ErrAIUnavailable, err)
	}

	var result openAIResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: status %d", ErrAIUnavailable, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: 解析响应失败: %v", ErrAIUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		if result.Error != nil && result.Error.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrAIUnavailable, result.Error.Message)
		}
		return nil, fmt.Errorf("%w: status %d", ErrAIUnavailable, resp.StatusCode)
	}

	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrAIUnavailable, errors.New("响应中没有 choices"))
	}

	choice := result.Choices[0]
	return &CompletionResult{
		Content:          strings.TrimSpace(choice.Message.Content),
		FinishReason:     choice.FinishReason,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
	}, nil
}
