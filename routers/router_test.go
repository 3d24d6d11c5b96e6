package routers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"StoryToComic-server/config"
	"StoryToComic-server/models"
	"StoryToComic-server/provider"
	"StoryToComic-server/workflow"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type stubProvider struct {
	text    string
	failErr error
}

func (p *stubProvider) Kind() provider.Kind { return provider.KindSimulated }

func (p *stubProvider) GenerateContent(_ context.Context, model string, _ []provider.Message, _ provider.GenerateConfig) (*provider.GenerateResult, error) {
	if p.failErr != nil {
		return nil, p.failErr
	}
	if strings.Contains(model, "image") {
		return &provider.GenerateResult{Images: []string{"data:image/png;base64,AAA"}}, nil
	}
	return &provider.GenerateResult{Text: p.text}, nil
}

func (p *stubProvider) GenerateContentBatch(context.Context, string, []provider.BatchRequest, provider.GenerateConfig) (string, error) {
	return "job-1", nil
}

func (p *stubProvider) GetBatchStatus(context.Context, string) (*provider.BatchStatus, error) {
	return &provider.BatchStatus{State: provider.BatchRunning}, nil
}

type apiEnv struct {
	router    *gin.Engine
	store     *models.ProjectStore
	provider  *stubProvider
	prefsPath string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	db, err := models.OpenDB("sqlite", filepath.Join(dir, "api.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	env := &apiEnv{store: models.NewProjectStore(db), provider: &stubProvider{}, prefsPath: filepath.Join(dir, "prefs.yaml")}
	m := workflow.NewManager(workflow.Deps{
		Store:    env.store,
		Provider: env.provider,
		Prefs:    config.DefaultPreferences(),
	}, nil)
	env.router = InitRouter(m, env.prefsPath)
	return env
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func createImagesProject(t *testing.T, e *apiEnv, n int) string {
	t.Helper()
	imgs := make([]string, n)
	for i := range imgs {
		imgs[i] = "data:image/png;base64,F" + string(rune('A'+i))
	}
	w, out := e.do(t, http.MethodPost, "/v1/api/projects", gin.H{"sourceType": "images", "images": imgs})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	return out["project"].(map[string]any)["id"].(string)
}

func TestCreateGetAndList(t *testing.T) {
	e := newAPIEnv(t)
	id := createImagesProject(t, e, 3)

	w, out := e.do(t, http.MethodGet, "/v1/api/projects/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	if frames := out["project"].(map[string]any)["sourceFrames"].([]any); len(frames) != 3 {
		t.Fatalf("frames = %d", len(frames))
	}
	if out["state"] != "input" {
		t.Fatalf("state = %v", out["state"])
	}

	w, out = e.do(t, http.MethodGet, "/v1/api/projects", nil)
	if w.Code != http.StatusOK || len(out["projects"].([]any)) != 1 {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
}

func TestWebProjectReachableByID(t *testing.T) {
	e := newAPIEnv(t)
	w, out := e.do(t, http.MethodPost, "/v1/api/projects", gin.H{"sourceType": "web", "input": "look https://www.example.com/v/clip.mp4"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	proj := out["project"].(map[string]any)
	id := proj["id"].(string)
	if strings.Contains(id, "/") || proj["storageKey"] != "example.com/v/clip.mp4" {
		t.Fatalf("id = %q, storageKey = %v", id, proj["storageKey"])
	}

	if w, _ := e.do(t, http.MethodGet, "/v1/api/projects/"+id, nil); w.Code != http.StatusOK {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}
	w, out = e.do(t, http.MethodPut, "/v1/api/projects/"+id+"/frames", gin.H{"images": []string{"a", "b"}})
	if w.Code != http.StatusOK {
		t.Fatalf("set frames: %d %s", w.Code, w.Body.String())
	}
	if w, _ := e.do(t, http.MethodGet, "/v1/api/projects/"+id+"/panels", nil); w.Code != http.StatusOK {
		t.Fatalf("panels: %d", w.Code)
	}

	// 同一来源再次创建时回到原项目
	w, out = e.do(t, http.MethodPost, "/v1/api/projects", gin.H{"sourceType": "web", "input": "https://example.com/v/clip.mp4?from=share"})
	if w.Code != http.StatusCreated {
		t.Fatalf("recreate: %d", w.Code)
	}
	again := out["project"].(map[string]any)
	if again["id"] != id || len(again["sourceFrames"].([]any)) != 2 {
		t.Fatalf("recreate opened %v", again["id"])
	}
}

func TestErrorMapping(t *testing.T) {
	e := newAPIEnv(t)
	if w, _ := e.do(t, http.MethodGet, "/v1/api/projects/missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing project: %d", w.Code)
	}
	if w, _ := e.do(t, http.MethodPost, "/v1/api/projects", gin.H{"sourceType": "local"}); w.Code != http.StatusBadRequest {
		t.Fatalf("local without file: %d", w.Code)
	}

	id := createImagesProject(t, e, 2)
	w, out := e.do(t, http.MethodPost, "/v1/api/projects/"+id+"/cover", nil)
	if w.Code != http.StatusBadRequest || out["error"] == "" {
		t.Fatalf("cover without caption: %d %v", w.Code, out)
	}
	if w, _ := e.do(t, http.MethodDelete, "/v1/api/projects/"+id+"/frames/x", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad index: %d", w.Code)
	}

	e.provider.failErr = errors.New("upstream down")
	if w, _ := e.do(t, http.MethodPost, "/v1/api/projects/"+id+"/base", nil); w.Code != http.StatusBadGateway {
		t.Fatalf("provider failure: %d", w.Code)
	}
}

func TestAnalyzeAndBaseFlow(t *testing.T) {
	e := newAPIEnv(t)
	id := createImagesProject(t, e, 3)
	e.provider.text = `{"steps":[{"indices":[0,1],"description":"mix"},{"indices":[2],"description":"bake"}]}`

	w, out := e.do(t, http.MethodPost, "/v1/api/projects/"+id+"/analyze", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("analyze: %d %s", w.Code, w.Body.String())
	}
	descs := out["project"].(map[string]any)["stepDescriptions"].([]any)
	if len(descs) != 3 || descs[1] != "mix" || descs[2] != "bake" {
		t.Fatalf("descriptions = %v", descs)
	}

	w, out = e.do(t, http.MethodPost, "/v1/api/projects/"+id+"/base", gin.H{"prompt": "draw it"})
	if w.Code != http.StatusOK || out["state"] != "base_generated" {
		t.Fatalf("base: %d %v", w.Code, out["state"])
	}

	w, _ = e.do(t, http.MethodPut, "/v1/api/projects/"+id, gin.H{"panelCount": 2, "title": "Cake"})
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d %s", w.Code, w.Body.String())
	}
	w, out = e.do(t, http.MethodPost, "/v1/api/projects/"+id+"/refine", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refine: %d %s", w.Code, w.Body.String())
	}
	if panels := out["project"].(map[string]any)["subPanels"].([]any); len(panels) != 2 {
		t.Fatalf("panels = %d", len(panels))
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	e := newAPIEnv(t)
	w, out := e.do(t, http.MethodPut, "/v1/api/preferences", gin.H{"watermarkText": "@cook", "useBatch": true})
	if w.Code != http.StatusOK {
		t.Fatalf("put: %d %s", w.Code, w.Body.String())
	}
	if out["preferences"].(map[string]any)["watermarkText"] != "@cook" {
		t.Fatalf("prefs = %v", out)
	}
	if _, err := os.Stat(e.prefsPath); err != nil {
		t.Fatalf("preferences not written: %v", err)
	}
	if w, _ := e.do(t, http.MethodPut, "/v1/api/preferences", gin.H{"concurrency": 0}); w.Code != http.StatusBadRequest {
		t.Fatalf("zero concurrency: %d", w.Code)
	}

	id := createImagesProject(t, e, 1)
	_, out = e.do(t, http.MethodGet, "/v1/api/projects/"+id, nil)
	if out["project"].(map[string]any)["watermarkText"] != "@cook" {
		t.Fatal("new project did not pick up the watermark preference")
	}
}

func TestBatchProgressWebSocketSendsSnapshot(t *testing.T) {
	e := newAPIEnv(t)
	id := createImagesProject(t, e, 1)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/projects/" + id + "/batch/wss"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg["projectId"] != id || msg["batchStatus"] != "idle" {
		t.Fatalf("message = %v", msg)
	}
}
