package platformhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/castiron/crucible/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func TestClient_SubmitAndDescribeCompilation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		switch r.URL.Path {
		case "/v1/compilation-jobs":
			require.Equal(t, http.MethodPost, r.Method)
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "resnet18", body["name"])
			assert.Equal(t, "jetson_nano", body["target"])
			w.WriteHeader(http.StatusCreated)
		case "/v1/compilation-jobs/resnet18":
			require.Equal(t, http.MethodGet, r.Method)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"name": "resnet18",
				"status": "COMPLETED",
				"artifact": {"location": "s3://bucket/output/model.tar"},
				"billable_seconds": 42,
				"compiler_version": "1.8"
			}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewClient(testLogger(), srv.URL, "test-key")

	err := client.SubmitCompilation(context.Background(), domain.CompilationRequest{
		Name:           "resnet18",
		InputLocation:  "s3://bucket/input/model.tar.gz",
		Target:         domain.TargetJetsonNano,
		OutputLocation: "s3://bucket/output/",
		Data: domain.DataConfig{
			Framework:   "pytorch",
			InputShapes: map[string][]int64{"input0": {1, 3, 224, 224}},
		},
	})
	require.NoError(t, err)

	snapshot, err := client.DescribeCompilation(context.Background(), "resnet18")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, snapshot.Status)
	assert.Equal(t, "s3://bucket/output/model.tar", snapshot.Artifact, "unrelated payload fields are ignored")
}

func TestClient_DescribeCompilationNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(testLogger(), srv.URL, "")
	_, err := client.DescribeCompilation(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestClient_ErrorPayloadSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"input_shapes is required"}`))
	}))
	defer srv.Close()

	client := NewClient(testLogger(), srv.URL, "")
	err := client.SubmitCompilation(context.Background(), domain.CompilationRequest{Name: "x"})
	assert.ErrorContains(t, err, "input_shapes is required")
}

func TestClient_HostingPipeline(t *testing.T) {
	var gotModel, gotConfig, gotEndpoint bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/models":
			gotModel = true
		case r.Method == http.MethodPost && r.URL.Path == "/v1/endpoint-configs":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Len(t, body["variants"], 1)
			gotConfig = true
		case r.Method == http.MethodPost && r.URL.Path == "/v1/endpoints":
			gotEndpoint = true
		case r.Method == http.MethodGet && r.URL.Path == "/v1/endpoints/demo-ep":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"demo-ep","status":"IN_SERVICE","url":"https://endpoints.example.com/demo-ep"}`))
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected call %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewClient(testLogger(), srv.URL, "k")
	ctx := context.Background()

	require.NoError(t, client.CreateModel(ctx, domain.ModelPackage{Name: "demo", Image: "img", ModelDataURL: "s3://m"}))
	require.NoError(t, client.CreateEndpointConfig(ctx, domain.EndpointConfig{
		Name:     "demo-config",
		Variants: []domain.VariantSpec{{Name: "primary", ModelName: "demo", InstanceType: "standard.medium", InstanceCount: 1, Weight: 1}},
	}))
	require.NoError(t, client.CreateEndpoint(ctx, "demo-ep", "demo-config"))

	snapshot, err := client.DescribeEndpoint(ctx, "demo-ep")
	require.NoError(t, err)
	assert.Equal(t, domain.EndpointStatusInService, snapshot.Status)
	assert.Equal(t, "https://endpoints.example.com/demo-ep", snapshot.URL)

	require.NoError(t, client.DeleteEndpoint(ctx, "demo-ep"))
	require.NoError(t, client.DeleteEndpointConfig(ctx, "demo-config"))
	require.NoError(t, client.DeleteModel(ctx, "demo"))

	assert.True(t, gotModel)
	assert.True(t, gotConfig)
	assert.True(t, gotEndpoint)
}

func TestClient_Invoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/endpoints/demo-ep/invoke", r.URL.Path)
		assert.Equal(t, "application/x-image", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"predictions":[[0.1,0.9]]}`))
	}))
	defer srv.Close()

	client := NewClient(testLogger(), srv.URL, "k")
	out, outType, err := client.Invoke(context.Background(), "demo-ep", "application/x-image", []byte{0xff, 0xd8})
	require.NoError(t, err)
	assert.JSONEq(t, `{"predictions":[[0.1,0.9]]}`, string(out))
	assert.Equal(t, "application/json", outType)
}

func TestClient_InvokeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"model not loaded"}`))
	}))
	defer srv.Close()

	client := NewClient(testLogger(), srv.URL, "k")
	_, _, err := client.Invoke(context.Background(), "demo-ep", "", []byte(`{}`))
	assert.ErrorContains(t, err, "model not loaded")
}
