package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"quicksim/api/rest/handlers"
	"quicksim/api/rest/routes"
	"quicksim/core/executor"
	"quicksim/core/models"
	"quicksim/core/monitoring"
	"quicksim/core/repository"
	"quicksim/core/scheduler"
	"quicksim/core/spec"
	"quicksim/logging"
	"quicksim/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type fixture struct {
	router    http.Handler
	repo      *repository.JobRepository
	artifacts *storage.ArtifactStore
	sched     *scheduler.Scheduler
	staticDir string
}

func newFixture(t *testing.T, mode models.ExecutionMode, runner executor.Runner) *fixture {
	t.Helper()

	artifacts, err := storage.NewArtifactStore(t.TempDir())
	require.NoError(t, err)
	repo := repository.NewJobRepository(artifacts)
	metrics := monitoring.NewMetricsExporter()
	logger := logging.Discard()

	sched := scheduler.NewScheduler(repo, artifacts, runner, metrics, logger, 4)
	require.NoError(t, sched.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})

	staticDir := t.TempDir()
	stager := spec.NewStager(artifacts, spec.Bounds{MaxTime: 300, Iterations: 10000})
	sims := handlers.NewSimulationHandler(repo, artifacts, stager, sched, metrics, logger, handlers.Options{
		Mode:            mode,
		MaxProfileBytes: 1024,
		PollInterval:    time.Second,
	})

	r := mux.NewRouter()
	routes.SetupRoutes(r, routes.Deps{
		Simulations: sims,
		Jobs:        handlers.NewJobHandler(repo),
		Metrics:     metrics,
		Logger:      logger,
		StaticDir:   staticDir,
	})

	return &fixture{router: r, repo: repo, artifacts: artifacts, sched: sched, staticDir: staticDir}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func submitRequest(profile string, jsonClient bool) *http.Request {
	form := url.Values{"input_content": {profile}}
	req := httptest.NewRequest(http.MethodPost, "/run_simulation", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if jsonClient {
		req.Header.Set("Accept", "application/json")
	}
	return req
}

func (f *fixture) submit(t *testing.T, profile string) handlers.SubmitResponse {
	t.Helper()
	rec := f.do(submitRequest(profile, true))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp handlers.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (f *fixture) poll(t *testing.T, id string) (int, map[string]interface{}) {
	t.Helper()
	rec := f.do(httptest.NewRequest(http.MethodGet, "/quicksim/"+id+"/result", nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec.Code, body
}

func (f *fixture) waitTerminal(t *testing.T, id string) (int, map[string]interface{}) {
	t.Helper()
	var (
		code int
		body map[string]interface{}
	)
	require.Eventually(t, func() bool {
		code, body = f.poll(t, id)
		return code == http.StatusOK
	}, waitFor, 5*time.Millisecond)
	return code, body
}

func reportJSON(dps float64) string {
	return fmt.Sprintf(`{"sim":{"players":[{"name":"Tank","collected_data":{"dps":{"mean":%v}}}]}}`, dps)
}

func fixedRunner(dps float64) executor.RunnerFunc {
	return func(_ context.Context, _, out string) error {
		return os.WriteFile(out, []byte(reportJSON(dps)), 0o644)
	}
}

func TestSubmitThenPoll(t *testing.T) {
	release := make(chan struct{})
	runner := executor.RunnerFunc(func(_ context.Context, _, out string) error {
		<-release
		return os.WriteFile(out, []byte(reportJSON(12345.6)), 0o644)
	})
	f := newFixture(t, models.ModeAsync, runner)

	resp := f.submit(t, "warrior=\"Tank\"\nlevel=80")
	_, err := uuid.Parse(resp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, resp.Status)
	assert.Equal(t, "/quicksim/"+resp.ID, resp.StatusURL)
	assert.Equal(t, "/quicksim/"+resp.ID+"/result", resp.ResultURL)

	code, body := f.poll(t, resp.ID)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, map[string]interface{}{"status": "running", "error": "Simulation running"}, body)

	close(release)
	_, body = f.waitTerminal(t, resp.ID)
	assert.Equal(t, map[string]interface{}{"status": "completed", "dps": 12345.6}, body)
}

func TestSubmitRedirectsBrowsers(t *testing.T) {
	f := newFixture(t, models.ModeAsync, fixedRunner(1))

	rec := f.do(submitRequest("actor=x", false))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	location := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, "/quicksim/"), location)
	id := strings.TrimPrefix(location, "/quicksim/")
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}

func TestSubmitStagesBoundedProfile(t *testing.T) {
	staged := make(chan string, 1)
	runner := executor.RunnerFunc(func(_ context.Context, in, out string) error {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		staged <- string(data)
		return os.WriteFile(out, []byte(reportJSON(1)), 0o644)
	})
	f := newFixture(t, models.ModeAsync, runner)

	resp := f.submit(t, "warrior=\"Tank\"\nmax_time=99999\niterations=1")
	f.waitTerminal(t, resp.ID)

	assert.Equal(t, "warrior=\"Tank\"\nmax_time=300\niterations=10000\n", <-staged)
	assert.NoFileExists(t, f.artifacts.InputPath(resp.ID))
}

func TestPollFailedRun(t *testing.T) {
	runner := executor.RunnerFunc(func(context.Context, string, string) error {
		return &executor.DispatchFailure{ExitCode: 2, Stderr: "Unknown class 'pirate'"}
	})
	f := newFixture(t, models.ModeAsync, runner)

	resp := f.submit(t, "pirate=\"Bob\"")
	code, body := f.waitTerminal(t, resp.ID)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "Simulation failed: simc exited with status 2: Unknown class 'pirate'", body["error"])
	assert.NotContains(t, body, "dps")
}

func TestConcurrentSubmissionsAreIndependent(t *testing.T) {
	f := newFixture(t, models.ModeAsync, executor.RunnerFunc(func(_ context.Context, in, out string) error {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		var n int
		if _, err := fmt.Sscanf(string(data), "actor=%d", &n); err != nil {
			return err
		}
		return os.WriteFile(out, []byte(reportJSON(float64(n*100))), 0o644)
	}))

	ids := make([]string, 2)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := f.do(submitRequest(fmt.Sprintf("actor=%d", i+1), true))
			var resp handlers.SubmitResponse
			if assert.Equal(t, http.StatusAccepted, rec.Code) {
				assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			}
			ids[i] = resp.ID
		}(i)
	}
	wg.Wait()

	require.NotEqual(t, ids[0], ids[1])
	for i, id := range ids {
		_, body := f.waitTerminal(t, id)
		assert.Equal(t, float64((i+1)*100), body["dps"])
	}
}

func TestPollRejectsInvalidID(t *testing.T) {
	f := newFixture(t, models.ModeAsync, fixedRunner(1))

	for _, id := range []string{"not-a-uuid", "3F2504E0-4F89-11D3-9A0C-0305E82C3301", "3f2504e04f8911d39a0c0305e82c3301"} {
		code, body := f.poll(t, id)
		assert.Equal(t, http.StatusBadRequest, code, id)
		assert.Equal(t, "invalid job id", body["error"], id)
	}
}

func TestPollUnknownJob(t *testing.T) {
	f := newFixture(t, models.ModeAsync, fixedRunner(1))

	id := uuid.NewString()
	code, body := f.poll(t, id)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "running", body["status"])

	// a report left by an earlier process
	require.NoError(t, os.WriteFile(f.artifacts.OutputPath(id), []byte(reportJSON(987.64)), 0o644))
	code, body = f.poll(t, id)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 987.6, body["dps"])

	require.NoError(t, os.WriteFile(f.artifacts.OutputPath(id), []byte(`{"sim":`), 0o644))
	code, _ = f.poll(t, id)
	assert.Equal(t, http.StatusAccepted, code)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, models.ModeAsync, fixedRunner(1))

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing field", url.Values{"other": {"x"}}.Encode(), http.StatusBadRequest},
		{"empty profile", url.Values{"input_content": {"  \n\t"}}.Encode(), http.StatusBadRequest},
		{"profile too large", url.Values{"input_content": {strings.Repeat("a", 2048)}}.Encode(), http.StatusRequestEntityTooLarge},
		{"body too large", url.Values{"input_content": {strings.Repeat("a", 128<<10)}}.Encode(), http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/run_simulation", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := f.do(req)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, f.repo.ListJobs(nil, 0), "rejected submissions must not create jobs")
}

func TestSubmitBlocking(t *testing.T) {
	f := newFixture(t, models.ModeBlocking, fixedRunner(4321.09))

	rec := f.do(submitRequest("actor=x", false))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.SimulationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.DPS)
	assert.Equal(t, 4321.09, *resp.DPS)
	assert.Empty(t, resp.Error)

	code, body := f.poll(t, resp.ID)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 4321.1, body["dps"])

	leftovers, err := filepath.Glob(filepath.Join(f.artifacts.Dir(), "*"+storage.InputExt))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSubmitBlockingFailure(t *testing.T) {
	f := newFixture(t, models.ModeBlocking, executor.RunnerFunc(func(context.Context, string, string) error {
		return &executor.DispatchFailure{ExitCode: 1, Stderr: "boom"}
	}))

	rec := f.do(submitRequest("actor=x", true))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.SimulationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.DPS)
	assert.Equal(t, "Simulation failed: simc exited with status 1: boom", resp.Error)
}

func TestSubmitAfterShutdown(t *testing.T) {
	f := newFixture(t, models.ModeAsync, fixedRunner(1))
	require.NoError(t, f.sched.Shutdown(context.Background()))

	rec := f.do(submitRequest("actor=x", true))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	jobs := f.repo.ListJobs(nil, 0)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusFailed, jobs[0].Status)
	assert.NoFileExists(t, f.artifacts.InputPath(jobs[0].ID))
}

func TestStatusPage(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, models.ModeAsync, executor.RunnerFunc(func(_ context.Context, _, out string) error {
		<-release
		return os.WriteFile(out, []byte(reportJSON(12345.6)), 0o644)
	}))
	resp := f.submit(t, "actor=x")

	rec := f.do(httptest.NewRequest(http.MethodGet, resp.StatusURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Simulation running")
	assert.Contains(t, rec.Body.String(), resp.ID)

	close(release)
	f.waitTerminal(t, resp.ID)

	rec = f.do(httptest.NewRequest(http.MethodGet, resp.StatusURL, nil))
	assert.Contains(t, rec.Body.String(), "DPS: 12346")

	rec = f.do(httptest.NewRequest(http.MethodGet, "/quicksim/nope", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStaticFallbackAndHealth(t *testing.T) {
	f := newFixture(t, models.ModeAsync, fixedRunner(1))
	require.NoError(t, os.WriteFile(filepath.Join(f.staticDir, "index.html"), []byte("<form>quicksim</form>"), 0o644))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "quicksim")

	rec = f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "OK", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "quicksim_queue_depth")
}

func TestPollAfterRetentionSweep(t *testing.T) {
	f := newFixture(t, models.ModeAsync, executor.RunnerFunc(func(context.Context, string, string) error {
		return &executor.DispatchFailure{ExitCode: 1, Stderr: "bad profile"}
	}))
	resp := f.submit(t, "actor=x")
	_, body := f.waitTerminal(t, resp.ID)
	require.Equal(t, "failed", body["status"])

	reaper := monitoring.NewReaper(f.repo, f.artifacts, monitoring.NewMetricsExporter(), logging.Discard(), monitoring.Retention{
		OutputTTL: time.Millisecond,
		Interval:  time.Minute,
	})
	time.Sleep(5 * time.Millisecond)
	stats := reaper.Sweep()
	require.Equal(t, 1, stats.ForgottenJobs)

	code, body := f.poll(t, resp.ID)
	assert.Equal(t, http.StatusGone, code)
	assert.Equal(t, map[string]interface{}{"status": "expired", "error": "result expired"}, body)

	rec := f.do(httptest.NewRequest(http.MethodGet, resp.StatusURL, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "result expired")

	code, _ = f.poll(t, uuid.NewString())
	assert.Equal(t, http.StatusAccepted, code, "ids never issued still poll as running")
}
