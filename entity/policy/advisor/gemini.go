package advisor

import (
	"context"
	"fmt"
	"os"

	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
	"google.golang.org/genai"
)

// Gemini 基于Gemini API的顾问客户端
type Gemini struct {
	client *genai.Client
	model  string
	gen    *genai.GenerateContentConfig
}

// NewGemini 创建Gemini顾问客户端
// 功能：从环境变量读取API Key，按配置设置温度与最大输出token数
func NewGemini(ctx context.Context, c config.LLM) (*Gemini, error) {
	key := os.Getenv(c.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("advisor: environment variable %s is empty", c.APIKeyEnv)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("advisor: create gemini client: %w", err)
	}
	log.Infof("gemini advisor ready, model %s", c.Model)
	return &Gemini{
		client: client,
		model:  c.Model,
		gen: &genai.GenerateContentConfig{
			Temperature:     genai.Ptr(c.Temperature),
			MaxOutputTokens: c.MaxOutputTokens,
		},
	}, nil
}

// Query 调用模型生成回复
func (g *Gemini) Query(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), g.gen)
	if err != nil {
		return "", Classify(err)
	}
	text := resp.Text()
	if text == "" {
		return "", &Error{Kind: KindMalformed, Err: ErrEmptyResponse}
	}
	return text, nil
}
