package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compass/internal/config"
)

func TestHTTPEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Input, 1)

		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(config.EmbeddingConfig{
		Endpoint: srv.URL, APIKey: "test-key", Model: "test-model", TimeoutS: 5,
	}, 3)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestHTTPEmbedderRejectsWrongDimension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2}}},
		})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(config.EmbeddingConfig{Endpoint: srv.URL, TimeoutS: 5}, 3)
	_, err := e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dims")
}

func TestHTTPEmbedderSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(config.EmbeddingConfig{Endpoint: srv.URL, TimeoutS: 5}, 3)
	_, err := e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestHTTPClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Contains(t, req.Messages[1].Content, "k8s_get_pods")
		assert.Contains(t, req.Messages[1].Content, "kubernetes-operations")

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role": "assistant",
					"content": `Here you go:
[{"skill_id": "kubernetes-operations", "confidence": 0.92},
 {"skill_id": "observability", "confidence": 0.41}]`,
				},
			}},
		})
	}))
	defer srv.Close()

	c := NewHTTPClassifier(config.ClassifierConfig{Endpoint: srv.URL, Model: "m", TimeoutS: 5})
	got, err := c.Classify(context.Background(), ToolDescriptor{
		Name:        "k8s_get_pods",
		Description: "List pods in a namespace",
		Skills: []SkillDescriptor{
			{ID: "kubernetes-operations", Name: "Kubernetes Operations", Description: "Cluster management"},
		},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "kubernetes-operations", got[0].SkillID)
	assert.InDelta(t, 0.92, got[0].Confidence, 1e-9)
}

func TestHTTPClassifierCapsAtThree(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role": "assistant",
					"content": `[{"skill_id":"a","confidence":0.9},{"skill_id":"b","confidence":0.8},
						{"skill_id":"c","confidence":0.7},{"skill_id":"d","confidence":0.6}]`,
				},
			}},
		})
	}))
	defer srv.Close()

	c := NewHTTPClassifier(config.ClassifierConfig{Endpoint: srv.URL, TimeoutS: 5})
	got, err := c.Classify(context.Background(), ToolDescriptor{Name: "t"})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestParseAssignmentsRejectsProse(t *testing.T) {
	_, err := parseAssignments("I could not classify this tool.")
	assert.Error(t, err)
}

func TestFakeEmbedderDeterministic(t *testing.T) {
	f := &FakeEmbedder{Dim: 4}
	a, err := f.Embed(context.Background(), "same text")
	require.NoError(t, err)
	b, err := f.Embed(context.Background(), "same text")
	require.NoError(t, err)
	c, err := f.Embed(context.Background(), "other text")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 4)
}
