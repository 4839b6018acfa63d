package filter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dealradar/internal/config"
)

// AIClient 调用 OpenAI 兼容的 chat completions 接口做相关性判断。
type AIClient struct {
	cfg    *config.AIConfig
	client *http.Client
	logger *slog.Logger
}

// NewAIClient 创建 AI 客户端。
func NewAIClient(cfg *config.AIConfig, logger *slog.Logger) *AIClient {
	return &AIClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Configured 返回是否具备调用条件（API key 已配置）。
func (c *AIClient) Configured() bool {
	return c != nil && c.cfg != nil && c.cfg.APIKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// RelevantIndices 让模型从标题列表中挑出与搜索词真正相关的条目。
//
// 返回的下标基于传入的 titles 切片。模型输出按宽松规则解析：
// 逗号分隔，允许空格与越界值（越界值被丢弃），"none" 或空输出
// 表示没有相关条目。任何传输或解析失败都返回错误，由调用方回退。
func (c *AIClient) RelevantIndices(ctx context.Context, query string, titles []string) ([]int, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("ai client not configured")
	}
	if len(titles) == 0 {
		return []int{}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "A user is hunting for second-hand deals matching the search %q.\n", query)
	sb.WriteString("Below is a numbered list of listing titles. Reply with ONLY the numbers of the listings that are genuinely the product the user wants (not accessories, spare parts or unrelated items), separated by commas. Reply \"none\" if nothing matches.\n\n")
	for i, title := range titles {
		fmt.Fprintf(&sb, "%d. %s\n", i, title)
	}

	reqBody := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "user", Content: sb.String()},
		},
		Temperature: c.cfg.TemperatureValue(),
		MaxTokens:   c.cfg.MaxTokens,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("ai marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ai build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("ai read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("ai parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("ai api error: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ai unexpected status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("ai empty choices")
	}

	return parseIndices(parsed.Choices[0].Message.Content, len(titles)), nil
}

// parseIndices 宽松解析模型输出的下标列表，丢弃无法解析或越界的片段。
func parseIndices(content string, n int) []int {
	content = strings.TrimSpace(content)
	indices := make([]int, 0)
	if content == "" || strings.EqualFold(content, "none") {
		return indices
	}

	seen := make(map[int]bool)
	for _, part := range strings.Split(content, ",") {
		part = strings.TrimSpace(strings.Trim(strings.TrimSpace(part), "."))
		if part == "" {
			continue
		}
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		indices = append(indices, idx)
	}
	return indices
}
