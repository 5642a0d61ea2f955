// Package tracking talks to the MLflow tracking server that the training
// pipeline logs to.
package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/gate"
)

// StageProduction is the registry stage the gate promotes into.
const StageProduction = "Production"

// ModelVersion is one entry of a registered model.
type ModelVersion struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	CurrentStage string `json:"current_stage"`
	RunID        string `json:"run_id"`
}

// Client is a thin MLflow REST client. Run metrics are cached: a finished
// run's metrics never change, so repeated gate checks against the same run
// don't have to hit the server again.
type Client struct {
	baseURL  string
	client   *http.Client
	runCache *lru.Cache[string, gate.MetricSet]
}

// NewClient creates a client for the given tracking URI, e.g.
// "http://10.0.0.12:5000".
func NewClient(baseURL string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("tracking URI required")
	}
	cache, err := lru.New[string, gate.MetricSet](128)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		runCache: cache,
	}, nil
}

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tracking server unhealthy: %s", resp.Status)
	}
	return nil
}

// WaitReady polls the health endpoint until the server answers or the
// context expires. The tracking server runs on an EC2 instance that is
// stopped between pipeline runs, so the first call after a cold start can
// take minutes.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := c.Health(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("tracking server not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// LatestVersion returns the newest version of the model in the given stage,
// or nil when the stage is empty.
func (c *Client) LatestVersion(ctx context.Context, model, stage string) (*ModelVersion, error) {
	payload := map[string]interface{}{
		"name":   model,
		"stages": []string{stage},
	}
	var response struct {
		ModelVersions []ModelVersion `json:"model_versions"`
	}
	if err := c.post(ctx, "/api/2.0/mlflow/registered-models/get-latest-versions", payload, &response); err != nil {
		return nil, err
	}
	if len(response.ModelVersions) == 0 {
		return nil, nil
	}
	return &response.ModelVersions[0], nil
}

// RunMetrics returns the final metrics of a run.
func (c *Client) RunMetrics(ctx context.Context, runID string) (gate.MetricSet, error) {
	if cached, ok := c.runCache.Get(runID); ok {
		return cached.Clone(), nil
	}

	query := url.Values{"run_id": {runID}}
	var response struct {
		Run struct {
			Data struct {
				Metrics []struct {
					Key   string  `json:"key"`
					Value float64 `json:"value"`
				} `json:"metrics"`
			} `json:"data"`
		} `json:"run"`
	}
	if err := c.get(ctx, "/api/2.0/mlflow/runs/get?"+query.Encode(), &response); err != nil {
		return nil, err
	}

	metrics := make(gate.MetricSet, len(response.Run.Data.Metrics))
	for _, m := range response.Run.Data.Metrics {
		metrics[m.Key] = m.Value
	}
	c.runCache.Add(runID, metrics.Clone())
	return metrics, nil
}

// TransitionStage moves a model version to a new stage in the remote
// registry, archiving whatever held the stage before.
func (c *Client) TransitionStage(ctx context.Context, model, version, stage string) error {
	payload := map[string]interface{}{
		"name":                      model,
		"version":                   version,
		"stage":                     stage,
		"archive_existing_versions": true,
	}
	return c.post(ctx, "/api/2.0/mlflow/model-versions/transition-stage", payload, nil)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mlflow %s: %s: %s", req.URL.Path, resp.Status, truncate(data, 200))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("mlflow %s: decode response: %w", req.URL.Path, err)
	}
	return nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
