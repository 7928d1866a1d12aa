package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

var (
	runtimeIDOnce sync.Once
	runtimeID     string
)

// RuntimeID identifies the compute environment a run executes in: the ECS
// task ARN when the v4 metadata endpoint is reachable, otherwise a
// local-<hostname>-<nonce> value. Computed once per process.
func RuntimeID(ctx context.Context, metadataURI string, logger hclog.Logger) string {
	runtimeIDOnce.Do(func() {
		runtimeID = computeRuntimeID(ctx, metadataURI, logger)
	})
	return runtimeID
}

func computeRuntimeID(ctx context.Context, metadataURI string, logger hclog.Logger) string {
	if metadataURI != "" {
		arn, err := fetchTaskARN(ctx, metadataURI, logger)
		if err == nil && arn != "" {
			return arn
		}
		if err != nil {
			logger.Warn("cannot read ECS task metadata", "error", err)
		}
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("local-%s-%s", host, uuid.NewString()[:8])
}

func fetchTaskARN(ctx context.Context, metadataURI string, logger hclog.Logger) (string, error) {
	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = 2 * time.Second
	client.RetryMax = 2
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = logger

	req, err := retryablehttp.NewRequest(http.MethodGet, strings.TrimSuffix(metadataURI, "/")+"/task", nil)
	if err != nil {
		return "", err
	}
	req = req.WithContext(ctx)
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("metadata endpoint returned %s", resp.Status)
	}
	var meta struct {
		TaskARN string `json:"TaskARN"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", err
	}
	return meta.TaskARN, nil
}
