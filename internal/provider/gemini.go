package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"studyplan/internal/config"
)

// GeminiClient generates plans through Google's Gemini API.
type GeminiClient struct {
	name   string
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini client; the API key is required.
func NewGeminiClient(ctx context.Context, cfg config.ProviderConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPOptions.Timeout = &cfg.Timeout
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	name := cfg.Name
	if name == "" {
		name = "gemini"
	}
	return &GeminiClient{name: name, client: client, model: model}, nil
}

func (g *GeminiClient) Name() string { return g.name }

func (g *GeminiClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	genCfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), genCfg)
	if err != nil {
		return nil, g.classify(err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return nil, malformed(g.name, fmt.Errorf("empty candidate"))
	}

	out := &Response{Text: text, Model: model}
	if resp.UsageMetadata != nil {
		out.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

// classify maps genai API errors onto the shared error codes.
func (g *GeminiClient) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		// RESOURCE_EXHAUSTED covers both per-minute limits and daily quota
		body := apiErr.Status + " " + apiErr.Message
		return &Error{Provider: g.name, Code: ClassifyStatus(apiErr.Code, body), Status: apiErr.Code, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &Error{Provider: g.name, Code: ClassifyStatus(apiErrPtr.Code, apiErrPtr.Message), Status: apiErrPtr.Code, Err: err}
	}
	return transportError(g.name, err)
}
