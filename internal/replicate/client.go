package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/digkill/TGAvatarBot/internal/provider"
)

type Client struct {
	token        string
	baseURL      string
	httpClient   *http.Client
	log          *slog.Logger
	pollInterval time.Duration
}

type Prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	Logs   string          `json:"logs"`
}

type Training struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Logs   string `json:"logs"`
	Error  any    `json:"error"`
	Output struct {
		Version string `json:"version"`
		Weights string `json:"weights"`
	} `json:"output"`
}

func NewClient(token, baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:          log,
		pollInterval: 2 * time.Second,
	}
}

// Predict runs a prediction and waits for its output. The API holds the request open for up to a
// minute; slower predictions are polled until terminal or ctx is done.
func (c *Client) Predict(ctx context.Context, version string, input map[string]any) ([]string, error) {
	payload := map[string]any{
		"version": version,
		"input":   input,
	}
	var pred Prediction
	if err := c.do(ctx, http.MethodPost, "/v1/predictions", payload, map[string]string{"Prefer": "wait=60"}, &pred); err != nil {
		return nil, fmt.Errorf("create prediction: %w", err)
	}
	if c.log != nil {
		c.log.Info("replicate prediction created", "prediction_id", pred.ID, "status", pred.Status)
	}

	for attempt := 0; ; attempt++ {
		switch pred.Status {
		case "succeeded":
			urls, err := parseOutput(pred.Output)
			if err != nil {
				return nil, err
			}
			return urls, nil
		case "failed", "canceled":
			return nil, &provider.Error{Message: fmt.Sprintf("prediction %s: %s", pred.Status, errorText(pred.Error))}
		case "starting", "processing", "":
		default:
			return nil, fmt.Errorf("unknown prediction status: %s", pred.Status)
		}

		if c.log != nil && attempt%10 == 0 {
			c.log.Debug("replicate prediction waiting", "prediction_id", pred.ID, "attempt", attempt+1)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
		if err := c.do(ctx, http.MethodGet, "/v1/predictions/"+pred.ID, nil, nil, &pred); err != nil {
			return nil, fmt.Errorf("get prediction: %w", err)
		}
	}
}

// CreateTraining starts fine-tuning model:version into destination.
func (c *Client) CreateTraining(ctx context.Context, model, version, destination string, input map[string]any) (*Training, error) {
	payload := map[string]any{
		"destination": destination,
		"input":       input,
	}
	path := fmt.Sprintf("/v1/models/%s/versions/%s/trainings", model, version)
	var tr Training
	if err := c.do(ctx, http.MethodPost, path, payload, nil, &tr); err != nil {
		return nil, fmt.Errorf("create training: %w", err)
	}
	if tr.ID == "" {
		return nil, fmt.Errorf("empty training id in response")
	}
	if c.log != nil {
		c.log.Info("replicate training created", "training_id", tr.ID)
	}
	return &tr, nil
}

func (c *Client) GetTraining(ctx context.Context, id string) (*Training, error) {
	var tr Training
	if err := c.do(ctx, http.MethodGet, "/v1/trainings/"+id, nil, nil, &tr); err != nil {
		return nil, fmt.Errorf("get training: %w", err)
	}
	return &tr, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, headers map[string]string, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("replicate request failed", "status", resp.StatusCode, "path", path, "body", truncateBody(rawBody))
		}
		return &provider.Error{StatusCode: resp.StatusCode, Message: apiErrorDetail(rawBody)}
	}

	if err := json.Unmarshal(rawBody, out); err != nil {
		return fmt.Errorf("decode response: %w (body=%s)", err, truncateBody(rawBody))
	}
	return nil
}

func parseOutput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("no output from model")
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return nil, fmt.Errorf("no output from model")
		}
		return list, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}, nil
	}
	return nil, fmt.Errorf("unexpected output format: %s", truncateBody(raw))
}

func apiErrorDetail(body []byte) string {
	var parsed struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && (parsed.Detail != "" || parsed.Title != "") {
		if parsed.Detail == "" {
			return parsed.Title
		}
		return parsed.Detail
	}
	return truncateBody(body)
}

func errorText(v any) string {
	switch e := v.(type) {
	case nil:
		return "unknown error"
	case string:
		return e
	default:
		raw, _ := json.Marshal(e)
		return string(raw)
	}
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
