package studio

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiClient struct {
	t      *testing.T
	router *mux.Router
}

func newAPIClient(t *testing.T) (*apiClient, *fixture) {
	f := newFixture(t)
	router := mux.NewRouter()
	NewHTTPHandler(f.service).Register(router)
	return &apiClient{t: t, router: router}, f
}

func (c *apiClient) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (c *apiClient) seed() (taskID, splitID string) {
	c.t.Helper()
	rec := c.do(http.MethodPost, "/api/tasks", map[string]string{"name": "Jokes", "instruction": "Tell a joke"})
	require.Equal(c.t, http.StatusCreated, rec.Code, rec.Body.String())
	taskID = decodeBody(c.t, rec)["id"].(string)

	run := map[string]interface{}{
		"input":        "tell me a joke",
		"input_source": map[string]interface{}{"type": "human", "properties": map[string]string{"created_by": "tester"}},
		"output": map[string]interface{}{
			"output": `{"setup":"why","punchline":"because"}`,
			"source": map[string]interface{}{"type": "synthetic", "properties": map[string]string{
				"model_name":     "gpt-4",
				"model_provider": "openai",
				"adapter_name":   "langchain",
			}},
			"rating": map[string]interface{}{"type": "five_star", "value": 5},
		},
	}
	rec = c.do(http.MethodPost, "/api/tasks/"+taskID+"/runs", run)
	require.Equal(c.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = c.do(http.MethodPost, "/api/tasks/"+taskID+"/dataset_splits", map[string]string{
		"dataset_split_type": "all",
		"filter_type":        "high_rating",
		"name":               "api split",
	})
	require.Equal(c.t, http.StatusCreated, rec.Code, rec.Body.String())
	splitID = decodeBody(c.t, rec)["id"].(string)
	return taskID, splitID
}

func TestHTTPHealthAndFormats(t *testing.T) {
	c, _ := newAPIClient(t)

	rec := c.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = c.do(http.MethodGet, "/api/dataset_formats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"openai_chat_jsonl"`)
	assert.Contains(t, rec.Body.String(), `"huggingface_chat_template_toolcall_jsonl"`)

	rec = c.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kiln_")
}

func TestHTTPHyperparameters(t *testing.T) {
	c, _ := newAPIClient(t)

	rec := c.do(http.MethodGet, "/api/finetune/hyperparameters/openai", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"n_epochs"`)

	rec = c.do(http.MethodGet, "/api/finetune/hyperparameters/unknown", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPDatasetSplitLifecycle(t *testing.T) {
	c, _ := newAPIClient(t)
	taskID, splitID := c.seed()

	rec := c.do(http.MethodGet, "/api/tasks/"+taskID+"/dataset_splits/"+splitID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "api split", body["name"])
	assert.Equal(t, float64(0), body["missing_count"])

	rec = c.do(http.MethodGet, "/api/tasks/"+taskID+"/dataset_splits", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["items"], 1)

	rec = c.do(http.MethodGet, "/api/tasks/"+taskID+"/dataset_splits/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = c.do(http.MethodPost, "/api/tasks/"+taskID+"/dataset_splits", map[string]string{"dataset_split_type": "all"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = c.do(http.MethodPost, "/api/tasks/unknown/dataset_splits", map[string]string{"dataset_split_type": "all", "filter_type": "all"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPExportAndDownload(t *testing.T) {
	c, f := newAPIClient(t)
	taskID, splitID := c.seed()
	base := "/api/tasks/" + taskID + "/dataset_splits/" + splitID

	rec := c.do(http.MethodPost, base+"/exports", map[string]string{
		"split_name":     "all",
		"format_type":    "openai_chat_toolcall_jsonl",
		"system_message": "You are a comedian.",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["lines"])
	assert.True(t, strings.HasPrefix(body["path"].(string), f.exportDir))

	rec = c.do(http.MethodPost, base+"/exports", map[string]string{"split_name": "train", "format_type": "openai_chat_jsonl"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = c.do(http.MethodPost, base+"/exports", map[string]string{"split_name": "all", "format_type": "csv"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = c.do(http.MethodPost, base+"/exports", map[string]string{"split_name": "all", "format_type": "openai_chat_jsonl", "data_strategy": "final_and_intermediate"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	q := url.Values{}
	q.Set("split_name", "all")
	q.Set("format_type", "openai_chat_jsonl")
	q.Set("system_message", "sys")
	rec = c.do(http.MethodGet, base+"/download?"+q.Encode(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/jsonl; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "all_openai_chat_jsonl.jsonl")
	assert.Equal(t, 1, strings.Count(rec.Body.String(), "\n"))
	assert.Contains(t, rec.Body.String(), `"role":"system","content":"sys"`)

	rec = c.do(http.MethodGet, base+"/download?split_name=all", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPDeleteRun(t *testing.T) {
	c, _ := newAPIClient(t)
	taskID, splitID := c.seed()

	rec := c.do(http.MethodGet, "/api/tasks/"+taskID+"/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody(t, rec)["items"].([]interface{})
	require.Len(t, items, 1)
	runID := items[0].(map[string]interface{})["id"].(string)

	rec = c.do(http.MethodDelete, "/api/tasks/"+taskID+"/runs/"+runID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = c.do(http.MethodDelete, "/api/tasks/"+taskID+"/runs/"+runID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = c.do(http.MethodGet, "/api/tasks/"+taskID+"/dataset_splits/"+splitID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["missing_count"])

	rec = c.do(http.MethodPost, "/api/tasks/"+taskID+"/dataset_splits/"+splitID+"/exports", map[string]string{"split_name": "all", "format_type": "openai_chat_jsonl"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPInvalidBody(t *testing.T) {
	c, _ := newAPIClient(t)
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPQueueExportDisabled(t *testing.T) {
	c, _ := newAPIClient(t)
	taskID, splitID := c.seed()

	rec := c.do(http.MethodPost, "/api/tasks/"+taskID+"/dataset_splits/"+splitID+"/export_requests", map[string]string{
		"split_name":  "all",
		"format_type": "openai_chat_jsonl",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouterAnswersPreflight(t *testing.T) {
	f := newFixture(t)
	handler := NewRouter(f.service, RouterConfig{
		CORSOrigins:    []string{"http://localhost:5173"},
		MaxRequestBody: 1 << 20,
		RateLimitRPS:   100,
		RateLimitBurst: 100,
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)

	req = httptest.NewRequest(http.MethodGet, "/api/dataset_formats", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"name":"`+strings.Repeat("x", 2<<20)+`"}`))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
