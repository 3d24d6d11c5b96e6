package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"StoryToComic-server/models"
)

func TestClientGenerateContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generate" || r.Header.Get("Authorization") != "Bearer k" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model != "m" || req.Messages[0].Parts[1].MIMEType != "image/jpeg" {
			http.Error(w, "unexpected body", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"text":"hi","images":[{"mime_type":"image/png","data":"QUJD"}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "k", 0)
	res, err := c.GenerateContent(context.Background(), "m",
		UserMessage(TextPart("draw"), ImagePart("data:image/jpeg;base64,AAA")), GenerateConfig{})
	if err != nil {
		t.Fatalf("GenerateContent: %v", err)
	}
	if res.Text != "hi" || len(res.Images) != 1 || res.Images[0] != "data:image/png;base64,QUJD" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestClientNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", 0).GenerateContent(context.Background(), "m", nil, GenerateConfig{})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestSplitDataURL(t *testing.T) {
	mime, data := SplitDataURL("data:image/webp;base64,XYZ")
	if mime != "image/webp" || data != "XYZ" {
		t.Fatalf("got %s %s", mime, data)
	}
	mime, data = SplitDataURL("RAW")
	if mime != "image/png" || data != "RAW" {
		t.Fatalf("got %s %s", mime, data)
	}
	if DataURL("image/png", "data:x") != "data:x" {
		t.Fatal("DataURL re-wrapped a data URL")
	}
}

type memObjects struct {
	mu   sync.Mutex
	objs map[string]string
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objs[key] = string(b)
	return "https://objects.test/" + key, nil
}

func TestAsyncBatchRoundTrip(t *testing.T) {
	objects := &memObjects{objs: map[string]string{}}
	var srvURL string
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/batches", func(w http.ResponseWriter, r *http.Request) {
		var req createBatchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !strings.HasPrefix(req.InputFileURL, "https://objects.test/batches/") {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"name":"batches/123"}`)
	})
	mux.HandleFunc("/v1/batches/batches/123", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls == 1 {
			fmt.Fprint(w, `{"state":"JOB_STATE_RUNNING"}`)
			return
		}
		fmt.Fprintf(w, `{"state":"JOB_STATE_SUCCEEDED","responses_file_url":"%s/files/out.jsonl"}`, srvURL)
	})
	mux.HandleFunc("/files/out.jsonl", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"key":"panel-2","response":{"images":[{"mime_type":"image/png","data":"C"}]}}`)
		fmt.Fprintln(w, `{"key":"panel-0","response":{"images":[{"mime_type":"image/png","data":"A"}]}}`)
		fmt.Fprintln(w, `{"key":"weird","error":"blocked"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	p, err := New(Options{Kind: KindAsync, BaseURL: srv.URL, Objects: objects})
	if err != nil {
		t.Fatal(err)
	}
	reqs := []BatchRequest{{Index: 0}, {Index: 1}, {Index: 2}}
	id, err := p.GenerateContentBatch(context.Background(), "m", reqs, GenerateConfig{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "batches/123" {
		t.Fatalf("id = %q", id)
	}
	for _, body := range objects.objs {
		if strings.Count(body, "\n") != 3 || !strings.Contains(body, `"key":"panel-1"`) {
			t.Fatalf("unexpected request file: %s", body)
		}
	}

	st, err := p.GetBatchStatus(context.Background(), id)
	if err != nil || st.State != BatchRunning {
		t.Fatalf("first poll: %+v %v", st, err)
	}
	st, err = p.GetBatchStatus(context.Background(), id)
	if err != nil || st.State != BatchSucceeded {
		t.Fatalf("second poll: %+v %v", st, err)
	}
	if len(st.Results) != 3 || st.Results[0].Index != 2 || st.Results[1].Images[0] != "data:image/png;base64,A" || st.Results[2].Index != -1 {
		t.Fatalf("unexpected results: %+v", st.Results)
	}
}

func TestMapRemoteState(t *testing.T) {
	cases := map[string]BatchState{
		"JOB_STATE_SUCCEEDED": BatchSucceeded, "completed": BatchSucceeded,
		"BATCH_STATE_FAILED": BatchFailed, "JOB_STATE_CANCELLED": BatchFailed, "expired": BatchFailed,
		"JOB_STATE_PENDING": BatchRunning, "": BatchRunning,
	}
	for in, want := range cases {
		if got := mapRemoteState(in); got != want {
			t.Fatalf("mapRemoteState(%q) = %s, want %s", in, got, want)
		}
	}
}

type fakeGen struct {
	fail map[int]bool
}

func (f *fakeGen) GenerateContent(_ context.Context, _ string, msgs []Message, _ GenerateConfig) (*GenerateResult, error) {
	var idx int
	fmt.Sscanf(msgs[0].Parts[0].Text, "panel %d", &idx)
	if f.fail[idx] {
		return nil, errors.New("model refused")
	}
	return &GenerateResult{Images: []string{fmt.Sprintf("img-%d", idx)}}, nil
}

type recordingDispatcher struct{ ids []string }

func (d *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	d.ids = append(d.ids, id)
	return nil
}

func TestSimulatedBatchRunsJob(t *testing.T) {
	db, err := models.OpenDB("sqlite", filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	jobs := models.NewBatchJobStore(db)
	disp := &recordingDispatcher{}
	sim := NewSimulated(&fakeGen{fail: map[int]bool{1: true}}, jobs, disp, 2)

	var reqs []BatchRequest
	for i := 0; i < 3; i++ {
		reqs = append(reqs, BatchRequest{Index: i, Messages: UserMessage(TextPart(fmt.Sprintf("panel %d", i)))})
	}
	ctx := WithProjectID(context.Background(), "proj")
	id, err := sim.GenerateContentBatch(ctx, "m", reqs, GenerateConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if len(disp.ids) != 1 || disp.ids[0] != id {
		t.Fatalf("dispatched %v", disp.ids)
	}
	st, err := sim.GetBatchStatus(ctx, id)
	if err != nil || st.State != BatchRunning {
		t.Fatalf("before run: %+v %v", st, err)
	}

	if err := sim.RunJob(ctx, id); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	st, err = sim.GetBatchStatus(ctx, id)
	if err != nil || st.State != BatchSucceeded || len(st.Results) != 3 {
		t.Fatalf("after run: %+v %v", st, err)
	}
	if st.Results[0].Images[0] != "img-0" || st.Results[1].Error == "" || st.Results[2].Images[0] != "img-2" {
		t.Fatalf("unexpected results: %+v", st.Results)
	}
	job, _ := jobs.Get(ctx, id)
	if job.ProjectID != "proj" {
		t.Fatalf("project id not recorded: %+v", job)
	}

	// 已完成的任务再次执行不会改变结果
	if err := sim.RunJob(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := sim.GetBatchStatus(ctx, "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, string) error {
	return errors.New("queue unavailable")
}

func TestSimulatedResumeUnfinishedJobs(t *testing.T) {
	db, err := models.OpenDB("sqlite", filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	jobs := models.NewBatchJobStore(db)
	ctx := context.Background()
	reqs := []BatchRequest{{Index: 0, Messages: UserMessage(TextPart("panel 0"))}}

	// 上一个进程提交的三个任务：一个未开始、一个执行中断、一个已完成
	before := NewSimulated(&fakeGen{}, jobs, &recordingDispatcher{}, 1)
	pending, _ := before.GenerateContentBatch(ctx, "m", reqs, GenerateConfig{})
	interrupted, _ := before.GenerateContentBatch(ctx, "m", reqs, GenerateConfig{})
	done, _ := before.GenerateContentBatch(ctx, "m", reqs, GenerateConfig{})
	if err := jobs.MarkProcessing(ctx, interrupted); err != nil {
		t.Fatal(err)
	}
	if err := before.RunJob(ctx, done); err != nil {
		t.Fatal(err)
	}

	disp := &recordingDispatcher{}
	n, err := NewSimulated(&fakeGen{}, jobs, disp, 1).Resume(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Resume = %d, %v", n, err)
	}
	got := map[string]bool{}
	for _, id := range disp.ids {
		got[id] = true
	}
	if len(disp.ids) != 2 || !got[pending] || !got[interrupted] {
		t.Fatalf("re-dispatched %v", disp.ids)
	}

	n, err = NewSimulated(&fakeGen{}, jobs, failingDispatcher{}, 1).Resume(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Resume with failing dispatcher = %d, %v", n, err)
	}
	for _, id := range []string{pending, interrupted} {
		st, err := before.GetBatchStatus(ctx, id)
		if err != nil || st.State != BatchFailed || st.Error == "" {
			t.Fatalf("job %s after failed resume: %+v %v", id, st, err)
		}
	}
	if st, _ := before.GetBatchStatus(ctx, done); st.State != BatchSucceeded {
		t.Fatalf("finished job changed: %+v", st)
	}
}
