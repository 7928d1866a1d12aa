package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

// DeploymentClient submits deployment runs to the orchestration API and
// waits for them to reach a terminal state. The remote flow finalizes task
// state itself; callers only observe.
type DeploymentClient struct {
	baseURL string
	token   string
	version string
	logger  hclog.Logger

	// PollTimeout bounds how long Run waits for a terminal state.
	PollTimeout time.Duration

	HTTPClient *retryablehttp.Client
}

// NewDeploymentClient builds a client against the configured API base URL.
// The token is sent as a bearer credential on every request.
func NewDeploymentClient(baseURL, token, version string, logger hclog.Logger) *DeploymentClient {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &DeploymentClient{
		baseURL:     baseURL,
		token:       token,
		version:     version,
		logger:      logger.Named("deployments"),
		PollTimeout: 2 * time.Hour,
		HTTPClient: &retryablehttp.Client{
			HTTPClient: &http.Client{
				Timeout: time.Duration(20 * time.Second),
			},
			RetryWaitMin: 2 * time.Second,
			RetryWaitMax: 10 * time.Second,
			RetryMax:     5,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.DefaultBackoff,
			Logger:       logger,
		},
	}
}

type deploymentRun struct {
	ID    string             `json:"id"`
	State deploymentRunState `json:"state"`
}

type deploymentRunState struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func (st deploymentRunState) terminal() bool {
	switch st.Type {
	case "COMPLETED", "FAILED", "CRASHED", "CANCELLED":
		return true
	}
	return false
}

// Run submits one deployment run and polls until it terminates. Non-success
// terminal states are errors.
func (c *DeploymentClient) Run(ctx context.Context, name string, params map[string]interface{}, jobVars map[string]string) error {
	body := map[string]interface{}{
		"parameters": params,
	}
	if len(jobVars) > 0 {
		body["job_variables"] = jobVars
	}
	run := deploymentRun{}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/deployments/%s/runs", c.baseURL, name), body, &run); err != nil {
		return errors.Wrapf(err, "submitting deployment %s", name)
	}
	if run.ID == "" {
		return errors.Errorf("deployment %s: API returned no run id", name)
	}
	c.logger.Debug("deployment run submitted", "deployment", name, "run", run.ID)
	return c.wait(ctx, name, run.ID)
}

func (c *DeploymentClient) wait(ctx context.Context, name, runID string) error {
	poll := func() error {
		run := deploymentRun{}
		if err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/runs/%s", c.baseURL, runID), nil, &run); err != nil {
			return backoff.Permanent(err)
		}
		if !run.State.terminal() {
			return errors.Errorf("run %s still %s", runID, run.State.Type)
		}
		if run.State.Type != "COMPLETED" {
			return backoff.Permanent(errors.Errorf("deployment %s run %s ended %s: %s",
				name, runID, run.State.Type, run.State.Message))
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = c.PollTimeout
	return backoff.Retry(poll, backoff.WithContext(bo, ctx))
}

func (c *DeploymentClient) do(ctx context.Context, method, url string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(b)
	}
	req, err := retryablehttp.NewRequest(method, url, payload)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "kapten/"+c.version)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return errors.Errorf("%s %s: %s", method, url, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
