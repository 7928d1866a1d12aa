package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
)

func TestComputeRuntimeIDFromECSMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"TaskARN": "arn:aws:ecs:us-east-1:123:task/pipelines/abc123"}`)
	}))
	defer srv.Close()

	id := computeRuntimeID(context.Background(), srv.URL, hclog.NewNullLogger())
	assert.Equal(t, "arn:aws:ecs:us-east-1:123:task/pipelines/abc123", id)
}

func TestComputeRuntimeIDFallsBackWhenMetadataUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no metadata here", http.StatusNotFound)
	}))
	defer srv.Close()

	id := computeRuntimeID(context.Background(), srv.URL, hclog.NewNullLogger())
	assert.True(t, strings.HasPrefix(id, "local-"), "got %q", id)
}

func TestComputeRuntimeIDWithoutMetadataURI(t *testing.T) {
	id := computeRuntimeID(context.Background(), "", hclog.NewNullLogger())
	assert.True(t, strings.HasPrefix(id, "local-"), "got %q", id)
}

func TestRuntimeIDIsStableAcrossCalls(t *testing.T) {
	a := RuntimeID(context.Background(), "", hclog.NewNullLogger())
	b := RuntimeID(context.Background(), "http://ignored.invalid", hclog.NewNullLogger())
	assert.Equal(t, a, b)
}
