package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"studyplan/internal/config"
)

// DifyClient Dify 应用：workflow 模式走 /workflows/run，其余走 /chat-messages
type DifyClient struct {
	name              string
	BaseURL           string
	APIKey            string
	Client            *http.Client
	AppType           string
	WorkflowSystemKey string
	WorkflowQueryKey  string
	WorkflowOutputKey string
}

func NewDifyClient(cfg config.ProviderConfig) *DifyClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	systemKey := cfg.WorkflowSystemKey
	if systemKey == "" {
		systemKey = "system"
	}
	queryKey := cfg.WorkflowQueryKey
	if queryKey == "" {
		queryKey = "query"
	}
	name := cfg.Name
	if name == "" {
		name = "dify"
	}
	return &DifyClient{
		name:              name,
		BaseURL:           strings.TrimSuffix(cfg.BaseURL, "/"),
		APIKey:            cfg.APIKey,
		AppType:           cfg.AppType,
		WorkflowSystemKey: systemKey,
		WorkflowQueryKey:  queryKey,
		WorkflowOutputKey: cfg.WorkflowOutputKey,
		Client:            &http.Client{Timeout: timeout},
	}
}

func (c *DifyClient) Name() string { return c.name }

type difyChatRequest struct {
	Inputs       map[string]interface{} `json:"inputs"`
	Query        string                 `json:"query"`
	ResponseMode string                 `json:"response_mode"`
	User         string                 `json:"user"`
}

type difyChatResponse struct {
	MessageID string `json:"message_id"`
	Answer    string `json:"answer"`
	Metadata  struct {
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	} `json:"metadata"`
}

type difyWorkflowRequest struct {
	Inputs       map[string]interface{} `json:"inputs"`
	ResponseMode string                 `json:"response_mode"`
	User         string                 `json:"user"`
}

type difyWorkflowResponse struct {
	TaskID string `json:"task_id"`
	Data   struct {
		ID          string                 `json:"id"`
		Outputs     map[string]interface{} `json:"outputs"`
		Status      string                 `json:"status"`
		Error       string                 `json:"error"`
		TotalTokens int                    `json:"total_tokens"`
	} `json:"data"`
}

func (c *DifyClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	user := req.User
	if user == "" {
		user = "studyplan"
	}
	if c.AppType == "workflow" {
		return c.workflowRun(ctx, req, user)
	}
	return c.chat(ctx, req, user)
}

// chat 使用 chat-messages 端点（chat 模式应用），系统提示拼在 query 前面
func (c *DifyClient) chat(ctx context.Context, req *Request, user string) (*Response, error) {
	query := req.Prompt
	if req.System != "" {
		query = req.System + "\n\n" + req.Prompt
	}
	body := difyChatRequest{
		Inputs:       map[string]interface{}{},
		Query:        query,
		ResponseMode: "blocking",
		User:         user,
	}

	var out difyChatResponse
	if err := c.post(ctx, "/chat-messages", body, &out); err != nil {
		return nil, err
	}
	return &Response{Text: out.Answer, TotalTokens: out.Metadata.Usage.TotalTokens}, nil
}

func (c *DifyClient) workflowRun(ctx context.Context, req *Request, user string) (*Response, error) {
	body := difyWorkflowRequest{
		Inputs: map[string]interface{}{
			c.WorkflowSystemKey: req.System,
			c.WorkflowQueryKey:  req.Prompt,
		},
		ResponseMode: "blocking",
		User:         user,
	}

	var out difyWorkflowResponse
	if err := c.post(ctx, "/workflows/run", body, &out); err != nil {
		return nil, err
	}
	if out.Data.Status != "" && out.Data.Status != "succeeded" {
		return nil, &Error{
			Provider: c.name,
			Code:     CodeTransient,
			Err:      fmt.Errorf("workflow %s: %s", out.Data.Status, out.Data.Error),
		}
	}
	return &Response{
		Text:        extractWorkflowAnswer(out.Data.Outputs, c.WorkflowOutputKey),
		TotalTokens: out.Data.TotalTokens,
	}, nil
}

func (c *DifyClient) post(ctx context.Context, path string, payload, out interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return &Error{Provider: c.name, Code: CodeInvalidRequest, Err: fmt.Errorf("序列化请求失败: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return &Error{Provider: c.name, Code: CodeInvalidRequest, Err: fmt.Errorf("创建请求失败: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return transportError(c.name, fmt.Errorf("请求失败: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(c.name, fmt.Errorf("读取响应失败: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		// dify 错误体带 message 字段，优先取它
		var errResp struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			return statusError(c.name, resp.StatusCode, []byte(errResp.Code+": "+errResp.Message))
		}
		return statusError(c.name, resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return malformed(c.name, fmt.Errorf("解析响应失败: %w", err))
	}
	return nil
}

// extractWorkflowAnswer 优先取配置的输出键，其次常见键名，最后整体序列化
func extractWorkflowAnswer(outputs map[string]interface{}, outputKey string) string {
	if outputs == nil {
		return ""
	}

	if outputKey != "" {
		if v, ok := outputs[outputKey]; ok {
			return stringify(v)
		}
	}

	for _, k := range []string{"answer", "text", "output", "result"} {
		if v, ok := outputs[k]; ok {
			return stringify(v)
		}
	}

	b, _ := json.Marshal(outputs)
	return string(b)
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}
