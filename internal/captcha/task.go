package captcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/af-corp/operator-gateway/internal/types"
)

// TaskClient talks to task-based solving services (2captcha, anti-captcha):
// create a task, then poll for its result.
type TaskClient struct {
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	timeout      time.Duration
	client       *http.Client
}

func NewTaskClient(baseURL, apiKey string, pollInterval, timeout time.Duration, client *http.Client) *TaskClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &TaskClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		pollInterval: pollInterval,
		timeout:      timeout,
		client:       client,
	}
}

type createTaskRequest struct {
	ClientKey string `json:"clientKey"`
	Task      any    `json:"task"`
}

type imageTask struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

type hcaptchaTask struct {
	Type       string `json:"type"`
	WebsiteURL string `json:"websiteURL"`
	WebsiteKey string `json:"websiteKey"`
}

type createTaskResponse struct {
	ErrorID   int    `json:"errorId"`
	ErrorCode string `json:"errorCode"`
	TaskID    int64  `json:"taskId"`
}

type getResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    int64  `json:"taskId"`
}

type getResultResponse struct {
	ErrorID   int    `json:"errorId"`
	ErrorCode string `json:"errorCode"`
	Status    string `json:"status"`
	Solution  struct {
		Text             string `json:"text"`
		Token            string `json:"token"`
		GRecaptchaResult string `json:"gRecaptchaResponse"`
	} `json:"solution"`
}

func (c *TaskClient) Solve(ctx context.Context, ch Challenge) (string, error) {
	task, err := c.task(ch)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var created createTaskResponse
	if err := c.post(ctx, "/createTask", createTaskRequest{ClientKey: c.apiKey, Task: task}, &created); err != nil {
		return "", err
	}
	if created.ErrorID != 0 {
		return "", types.NewError(types.KindCaptcha, "captcha task rejected: "+created.ErrorCode)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", types.WrapError(types.KindCaptcha, "captcha not solved in time", ctx.Err())
		case <-ticker.C:
		}

		var res getResultResponse
		if err := c.post(ctx, "/getTaskResult", getResultRequest{ClientKey: c.apiKey, TaskID: created.TaskID}, &res); err != nil {
			if ctx.Err() != nil {
				return "", types.WrapError(types.KindCaptcha, "captcha not solved in time", ctx.Err())
			}
			continue
		}
		if res.ErrorID != 0 {
			return "", types.NewError(types.KindCaptcha, "captcha solving failed: "+res.ErrorCode)
		}
		if res.Status != "ready" {
			continue
		}
		for _, code := range []string{res.Solution.Text, res.Solution.Token, res.Solution.GRecaptchaResult} {
			if code != "" {
				return code, nil
			}
		}
		return "", types.NewError(types.KindCaptcha, "captcha service returned an empty solution")
	}
}

func (c *TaskClient) task(ch Challenge) (any, error) {
	switch ch.Kind {
	case KindImage, "":
		if len(ch.Image) == 0 {
			return nil, types.NewError(types.KindCaptcha, "captcha image is empty")
		}
		return imageTask{Type: "ImageToTextTask", Body: base64.StdEncoding.EncodeToString(ch.Image)}, nil
	case KindHCaptcha:
		if ch.SiteKey == "" {
			return nil, types.NewError(types.KindCaptcha, "hcaptcha site key missing")
		}
		return hcaptchaTask{Type: "HCaptchaTaskProxyless", WebsiteURL: ch.PageURL, WebsiteKey: ch.SiteKey}, nil
	default:
		return nil, types.NewError(types.KindCaptcha, fmt.Sprintf("unsupported challenge kind %q", ch.Kind))
	}
}

func (c *TaskClient) post(ctx context.Context, path string, body, dest any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal captcha request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return types.WrapError(types.KindCaptcha, "captcha service unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.WrapError(types.KindCaptcha, "read captcha response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return types.NewError(types.KindCaptcha, fmt.Sprintf("captcha service returned status %d", resp.StatusCode))
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return types.WrapError(types.KindCaptcha, "decode captcha response", err)
	}
	return nil
}
