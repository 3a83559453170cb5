//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/plot/vg"

	"cohortlab/internal/api"
	"cohortlab/internal/blob"
	"cohortlab/internal/client"
	"cohortlab/internal/cohort"
	"cohortlab/internal/config"
	"cohortlab/internal/dispatcher"
	"cohortlab/internal/health"
	"cohortlab/internal/job"
	"cohortlab/internal/ledger"
	"cohortlab/internal/observability"
	"cohortlab/internal/runner"
	"cohortlab/internal/testutil"
	"cohortlab/pkg/cloudevent"
)

const triggerKey = "e2e-trigger-key"

var fastPoll = client.PollOptions{
	MinInterval: 20 * time.Millisecond,
	MaxInterval: 50 * time.Millisecond,
	MaxWait:     30 * time.Second,
}

// stack is a running cohort service and a client for it. Blobs is nil when
// the tests run against an external service.
type stack struct {
	URL        string
	Client     *client.Client
	Blobs      blob.Store
	Dispatcher *dispatcher.MemoryDispatcher
}

// getTestStack returns the service under test.
// If E2E_API_URL is set, tests run against that instance.
// Otherwise, a service with memory backends is started in-process.
func getTestStack(tb testing.TB) *stack {
	tb.Helper()
	if url := os.Getenv("E2E_API_URL"); url != "" {
		tb.Logf("Using external API: %s", url)
		c, err := client.New(url, client.WithAPIKey(os.Getenv("E2E_API_KEY")))
		if err != nil {
			tb.Fatalf("client.New: %v", err)
		}
		return &stack{URL: url, Client: c}
	}
	return createTestStack(tb, config.TriggerLocal)
}

func createTestStack(tb testing.TB, triggerMode string) *stack {
	tb.Helper()
	ctx := context.Background()

	metrics, _, err := observability.NewMetrics(ctx)
	if err != nil {
		tb.Fatalf("Failed to create metrics: %v", err)
	}

	store := ledger.NewMemory()
	blobs := blob.NewMemory()
	jobRunner := runner.New(store, blobs, runner.Config{
		Cohorts: []cohort.Cohort{
			{Name: "LTS", Files: []string{"data/s1.csv", "data/s2.csv"}},
			{Name: "STS", Files: []string{"data/s3.csv", "data/s4.csv"}},
		},
		Parallelism: 2,
		Heatmap:     cohort.HeatmapOptions{Width: 8 * vg.Inch, Height: 4 * vg.Inch, DPI: 40},
	}, metrics)

	triggers := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize:     1000,
		Workers:        4,
		HandlerTimeout: time.Minute,
		Retryable:      runner.IsRetryable,
	}, jobRunner, metrics)

	var trigger job.Trigger
	if triggerMode == config.TriggerLocal {
		trigger = triggers
	}
	svc := job.NewService(store, blobs, trigger, metrics)

	router := api.NewRouter(api.RouterConfig{
		JobService: svc,
		Resolver:   job.NewResolver(store, blobs, metrics),
		Metrics:    metrics,
		HealthChecker: health.NewChecker(
			health.Check{Name: "ledger", Probe: store},
			health.Check{Name: "storage", Probe: blobs},
			health.Check{Name: "dispatcher", Probe: triggers, Optional: true},
		),
		Dispatcher: triggers,
		TriggerKey: triggerKey,
	})
	server := httptest.NewServer(router)

	c, err := client.New(server.URL)
	if err != nil {
		tb.Fatalf("client.New: %v", err)
	}

	tb.Cleanup(func() {
		// Drain runners before closing the server so in-flight jobs finish
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		triggers.Close(ctx)
		server.Close()
		store.Close()
	})

	s := &stack{URL: server.URL, Client: c, Blobs: blobs, Dispatcher: triggers}
	s.seedSamples(tb)
	return s
}

// seedSamples stores four small samples. s1 and s2 have 4 cells, s3 and s4 have 2.
func (s *stack) seedSamples(tb testing.TB) {
	tb.Helper()
	samples := map[string]string{
		"data/s1.csv": "CD3,CD8\n5,5\n5,0\n0,0\n0,5\n",
		"data/s2.csv": "CD3,CD8\n5,5\n5,5\n0,0\n5,0\n",
		"data/s3.csv": "CD3,CD8\n0,5\n5,0\n",
		"data/s4.csv": "CD3,CD8\n5,5\n0,0\n",
	}
	for key, data := range samples {
		if err := s.Blobs.Put(context.Background(), key, []byte(data)); err != nil {
			tb.Fatalf("Put %s: %v", key, err)
		}
	}
}

// requireLocal skips tests that need seeded sample data.
func requireLocal(t *testing.T, s *stack) {
	t.Helper()
	if s.Blobs == nil {
		t.Skip("needs seeded sample data; not available against an external API")
	}
}

func thresholdSpec(files ...string) string {
	rows := make([]string, len(files))
	for i, f := range files {
		rows[i] = fmt.Sprintf(`%q:{"CD3":1,"CD8":1}`, f)
	}
	return `{"THRESHOLDS":{` + strings.Join(rows, ",") + `},"PHENOTYPES":{"T":"CD3+","CD8 T":"CD3+ CD8+"}}`
}

var allSamples = []string{"data/s1.csv", "data/s2.csv", "data/s3.csv", "data/s4.csv"}

func TestAPI_Readyz(t *testing.T) {
	s := getTestStack(t)

	resp, err := http.Get(s.URL + "/readyz")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var result health.Response
	json.NewDecoder(resp.Body).Decode(&result)

	if result.Status != health.StatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}
}

func TestAPI_Livez(t *testing.T) {
	s := getTestStack(t)

	resp, err := http.Get(s.URL + "/livez")
	if err != nil {
		t.Fatalf("Liveness check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestAPI_Template(t *testing.T) {
	s := getTestStack(t)

	tmpl, err := s.Client.Template(context.Background())
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	if !json.Valid(tmpl) {
		t.Fatalf("template is not JSON: %s", tmpl)
	}
	if !bytes.Contains(tmpl, []byte("THRESHOLDS")) {
		t.Error("template has no THRESHOLDS section")
	}
}

func TestAPI_CellCounts(t *testing.T) {
	s := getTestStack(t)
	requireLocal(t, s)
	ctx := context.Background()

	sub, err := s.Client.Submit(ctx, job.KindCellCounts, "cells.json", []byte(thresholdSpec(allSamples...)))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res, err := s.Client.Poll(ctx, sub.JobID, fastPoll)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	out := t.TempDir()
	path, err := client.Materialize(job.KindCellCounts, res.Artifact, out)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if filepath.Base(path) != job.KindCellCounts.OutputFile() {
		t.Errorf("wrote %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "sample,cells\ns1,4\ns2,4\ns3,2\ns4,2\n"
	if string(data) != want {
		t.Errorf("table = %q, want %q", data, want)
	}

	view, err := s.Client.Job(ctx, sub.JobID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if view.Phase != ledger.PhaseCompleted || view.ResultRef == "" {
		t.Errorf("unexpected job view %+v", view)
	}
}

func TestAPI_PhenotypeProportions(t *testing.T) {
	s := getTestStack(t)
	requireLocal(t, s)
	ctx := context.Background()

	sub, err := s.Client.Submit(ctx, job.KindPhenotypeProportions, "props.json", []byte(thresholdSpec("data/s1.csv", "data/s2.csv")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res, err := s.Client.Poll(ctx, sub.JobID, fastPoll)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	table, err := client.Render(job.KindPhenotypeProportions, res.Artifact)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "sample,T,CD8 T\ns1,0.5,0.25\ns2,0.75,0.5\n"
	if string(table) != want {
		t.Errorf("table = %q, want %q", table, want)
	}
}

func TestAPI_CoOccurrence(t *testing.T) {
	s := getTestStack(t)
	requireLocal(t, s)
	ctx := context.Background()

	sub, err := s.Client.Submit(ctx, job.KindCoOccurrence, "heatmap.json", []byte(thresholdSpec(allSamples...)))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res, err := s.Client.Poll(ctx, sub.JobID, fastPoll)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	path, err := client.Materialize(job.KindCoOccurrence, res.Artifact, t.TempDir())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	img, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.HasPrefix(img, []byte{0xFF, 0xD8}) {
		t.Error("result is not a JPEG")
	}
}

func TestAPI_JobError(t *testing.T) {
	s := getTestStack(t)
	requireLocal(t, s)
	ctx := context.Background()

	sub, err := s.Client.Submit(ctx, job.KindPhenotypeCounts, "missing.json", []byte(thresholdSpec("data/s1.csv", "data/absent.csv")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res, err := s.Client.Poll(ctx, sub.JobID, fastPoll)
	if !errors.Is(err, client.ErrJobFailed) {
		t.Fatalf("expected ErrJobFailed, got %v", err)
	}
	if res.Code != job.StatusJobError || !strings.Contains(res.Status, "data/absent.csv") {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestAPI_InvalidSubmission(t *testing.T) {
	s := getTestStack(t)
	ctx := context.Background()

	tests := []struct {
		name string
		kind job.Kind
		spec string
	}{
		{"unknown kind", job.Kind(9), thresholdSpec("data/s1.csv")},
		{"no thresholds", job.KindCellCounts, `{"PHENOTYPES":{}}`},
		{"not an object", job.KindCellCounts, `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Client.Submit(ctx, tt.kind, "bad.json", []byte(tt.spec))
			var se *client.StatusError
			if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %v", err)
			}
		})
	}
}

func TestAPI_UnknownJob(t *testing.T) {
	s := getTestStack(t)

	_, err := s.Client.Poll(context.Background(), "no-such-job", fastPoll)
	var se *client.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestAPI_ExternalTrigger(t *testing.T) {
	if os.Getenv("E2E_API_URL") != "" {
		t.Skip("external trigger mode needs an in-process service")
	}
	s := createTestStack(t, config.TriggerExternal)
	ctx := context.Background()

	sub, err := s.Client.Submit(ctx, job.KindCellCounts, "cells.json", []byte(thresholdSpec("data/s3.csv")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Nothing runs until the upload is announced.
	res, err := s.Client.Result(ctx, sub.JobID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Code != job.StatusNoResults {
		t.Fatalf("expected 480 before the trigger, got %d", res.Code)
	}

	view, err := s.Client.Job(ctx, sub.JobID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	event := cloudevent.NewArtifactCreated("e2e", view.InputRef)
	body, _ := json.Marshal(event)
	sig, err := cloudevent.Sign(event, triggerKey)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, s.URL+"/internal/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/cloudevents+json")
	req.Header.Set("X-Signature-256", sig)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Post event: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}

	res, err = s.Client.Poll(ctx, sub.JobID, fastPoll)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	table, err := client.Render(job.KindCellCounts, res.Artifact)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if string(table) != "sample,cells\ns3,2\n" {
		t.Errorf("table = %q", table)
	}
}

func TestAPI_ConcurrentJobs(t *testing.T) {
	s := getTestStack(t)
	requireLocal(t, s)
	ctx := context.Background()

	numJobs := 8
	var wg sync.WaitGroup
	errs := make(chan error, numJobs)

	for i := range numJobs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			kind := job.Kinds[idx%3]
			sub, err := s.Client.Submit(ctx, kind, fmt.Sprintf("concurrent-%d.json", idx), []byte(thresholdSpec(allSamples...)))
			if err != nil {
				errs <- fmt.Errorf("job %d: submit failed: %w", idx, err)
				return
			}
			if _, err := s.Client.Poll(ctx, sub.JobID, fastPoll); err != nil {
				errs <- fmt.Errorf("job %d: %w", idx, err)
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	list := testutil.MustPoll(t, func() (*job.ListResponse, bool) {
		list, err := s.Client.Jobs(ctx)
		if err != nil {
			return nil, false
		}
		return list, len(list.Jobs) == numJobs
	}, testutil.WithTimeout(5*time.Second), testutil.WithDescription("all jobs listed"))

	for _, v := range list.Jobs {
		if v.Phase != ledger.PhaseCompleted {
			t.Errorf("job %s is %s", v.ID, v.Status)
		}
	}
}

func TestAPI_Reset(t *testing.T) {
	s := getTestStack(t)
	requireLocal(t, s)
	ctx := context.Background()

	sub, err := s.Client.Submit(ctx, job.KindCellCounts, "cells.json", []byte(thresholdSpec("data/s1.csv")))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.Client.Poll(ctx, sub.JobID, fastPoll); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	reset, err := s.Client.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if reset.InputsRemoved != 1 || reset.ResultsRemoved != 1 {
		t.Errorf("unexpected reset %+v", reset)
	}

	list, err := s.Client.Jobs(ctx)
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(list.Jobs) != 0 {
		t.Errorf("jobs after reset: %+v", list.Jobs)
	}

	// Sample data is not part of a reset.
	if _, err := s.Blobs.Get(ctx, "data/s1.csv"); err != nil {
		t.Errorf("sample removed by reset: %v", err)
	}
}
