package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/novalto/traind/internal/config"
	"github.com/novalto/traind/internal/model"
	"github.com/novalto/traind/internal/progress"
	"github.com/novalto/traind/internal/trainer"
)

// fileTrainer completes immediately and produces a real checkpoint file so
// that the artifact publishing path runs end to end.
type fileTrainer struct {
	dir string
}

func (f *fileTrainer) Train(ctx context.Context, spec trainer.Spec, rep *progress.Reporter) (trainer.Result, error) {
	ckpt := filepath.Join(f.dir, spec.RunID+"-policy.pt")
	if err := os.WriteFile(ckpt, []byte("checkpoint"), 0o644); err != nil {
		return trainer.Result{}, err
	}
	return trainer.Result{
		CheckpointPath: ckpt,
		Metrics:        map[string]float64{"final_loss": 0.2},
	}, nil
}

func TestCreateRunAccepted(t *testing.T) {
	env := newTestEnv(t, &fileTrainer{dir: t.TempDir()}, config.Config{})

	resp := env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-1"), "u1", true, nil)
	body := decodeBody(t, resp)

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%v)", resp.StatusCode, body)
	}
	runID, _ := body["run_id"].(string)
	if len(runID) != 26 {
		t.Errorf("run_id length = %d, want 26 (%q)", len(runID), runID)
	}
	if body["status"] != model.StatusQueued {
		t.Errorf("status field = %v, want queued", body["status"])
	}

	env.waitForStatus(t, runID, model.StatusCompleted)
}

func TestCreateRunRequiresAdmin(t *testing.T) {
	env := newTestEnv(t, newBlockTrainer(), config.Config{})

	resp := env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-1"), "u1", false, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestCreateRunValidation(t *testing.T) {
	env := newTestEnv(t, newBlockTrainer(), config.Config{})

	cases := map[string]string{
		"missing kb_id":    `{"exp_name":"e","dataset_inline":[{}]}`,
		"missing exp_name": `{"kb_id":"kb","dataset_inline":[{}]}`,
		"no dataset":       `{"kb_id":"kb","exp_name":"e"}`,
		"both datasets":    `{"kb_id":"kb","exp_name":"e","dataset_inline":[{}],"dataset_url":"https://x.test/d.json"}`,
		"invalid json":     `not json`,
	}
	for name, body := range cases {
		resp := env.signedRequest(t, "POST", "/v1/runs", body, "u1", true, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestCreateRunThrottledOnActiveGroup(t *testing.T) {
	bt := newBlockTrainer()
	env := newTestEnv(t, bt, config.Config{})
	defer close(bt.release)

	resp := env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-1"), "u1", true, nil)
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit: status = %d (%v)", resp.StatusCode, body)
	}
	<-bt.started

	resp = env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-1"), "u1", true, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second submit: status = %d, want 429", resp.StatusCode)
	}

	// A different group key for the same owner is admitted.
	resp = env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-2"), "u1", true, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("different kb_id: status = %d, want 202", resp.StatusCode)
	}
}

func TestIdempotencyKeyDeduplicates(t *testing.T) {
	bt := newBlockTrainer()
	env := newTestEnv(t, bt, config.Config{})
	defer close(bt.release)

	headers := map[string]string{headerIdemKey: "retry-key-1"}

	resp := env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-1"), "u1", true, headers)
	first := decodeBody(t, resp)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit: status = %d (%v)", resp.StatusCode, first)
	}

	resp = env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-retry"), "u1", true, headers)
	second := decodeBody(t, resp)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("second submit: status = %d (%v)", resp.StatusCode, second)
	}

	if first["run_id"] != second["run_id"] {
		t.Errorf("run_id mismatch: %v vs %v", first["run_id"], second["run_id"])
	}
}

func TestRateLimit(t *testing.T) {
	bt := newBlockTrainer()
	env := newTestEnv(t, bt, config.Config{RateLimitPerMinute: 1})
	defer close(bt.release)

	resp := env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-1"), "u1", true, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit: status = %d, want 202", resp.StatusCode)
	}

	resp = env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-2"), "u1", true, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second submit: status = %d, want 429", resp.StatusCode)
	}

	// Another owner has an independent limit.
	resp = env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-3"), "u2", true, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("other owner: status = %d, want 202", resp.StatusCode)
	}
}

func TestGetRunOwnership(t *testing.T) {
	bt := newBlockTrainer()
	env := newTestEnv(t, bt, config.Config{})
	defer close(bt.release)

	resp := env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-1"), "u1", true, nil)
	body := decodeBody(t, resp)
	runID := body["run_id"].(string)

	resp = env.signedRequest(t, "GET", "/v1/runs/"+runID, "", "u1", false, nil)
	got := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("owner GET: status = %d, want 200", resp.StatusCode)
	}
	if got["run_id"] != runID {
		t.Errorf("run_id = %v, want %s", got["run_id"], runID)
	}

	resp = env.signedRequest(t, "GET", "/v1/runs/"+runID, "", "u2", false, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("stranger GET: status = %d, want 403", resp.StatusCode)
	}

	resp = env.signedRequest(t, "GET", "/v1/runs/"+runID, "", "u2", true, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin GET: status = %d, want 200", resp.StatusCode)
	}

	resp = env.signedRequest(t, "GET", "/v1/runs/nonexistent", "", "u1", false, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run: status = %d, want 404", resp.StatusCode)
	}
}

func TestListRunsOwnerScoped(t *testing.T) {
	bt := newBlockTrainer()
	env := newTestEnv(t, bt, config.Config{})
	defer close(bt.release)

	resp := env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-1"), "u1", true, nil)
	resp.Body.Close()
	resp = env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-2"), "u2", true, nil)
	resp.Body.Close()

	resp = env.signedRequest(t, "GET", "/v1/runs", "", "u1", false, nil)
	body := decodeBody(t, resp)
	runs, _ := body["runs"].([]any)
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	run := runs[0].(map[string]any)
	if run["uid"] != "u1" {
		t.Errorf("uid = %v, want u1", run["uid"])
	}
}

func TestArtifactsLifecycle(t *testing.T) {
	env := newTestEnv(t, &fileTrainer{dir: t.TempDir()}, config.Config{})

	resp := env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-1"), "u1", true, nil)
	body := decodeBody(t, resp)
	runID := body["run_id"].(string)

	env.waitForStatus(t, runID, model.StatusCompleted)

	resp = env.signedRequest(t, "GET", "/v1/runs/"+runID+"/artifacts", "", "u1", false, nil)
	arts := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	ckpt, _ := arts["checkpoint_url"].(string)
	if ckpt == "" {
		t.Error("checkpoint_url is empty after completion")
	}
}

func TestArtifactsConflictWhileActive(t *testing.T) {
	bt := newBlockTrainer()
	env := newTestEnv(t, bt, config.Config{})
	defer close(bt.release)

	resp := env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-1"), "u1", true, nil)
	body := decodeBody(t, resp)
	runID := body["run_id"].(string)
	<-bt.started

	resp = env.signedRequest(t, "GET", "/v1/runs/"+runID+"/artifacts", "", "u1", false, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCancelRun(t *testing.T) {
	bt := newBlockTrainer()
	env := newTestEnv(t, bt, config.Config{})

	resp := env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-1"), "u1", true, nil)
	body := decodeBody(t, resp)
	runID := body["run_id"].(string)
	<-bt.started

	resp = env.signedRequest(t, "DELETE", "/v1/runs/"+runID, "", "u1", false, nil)
	got := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: status = %d (%v)", resp.StatusCode, got)
	}
	if got["status"] != model.StatusCancelled {
		t.Errorf("status field = %v, want cancelled", got["status"])
	}

	env.waitForStatus(t, runID, model.StatusCancelled)

	// Cancelling a terminal run is a conflict.
	resp = env.signedRequest(t, "DELETE", "/v1/runs/"+runID, "", "u1", false, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second cancel: status = %d, want 409", resp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	bt := newBlockTrainer()
	env := newTestEnv(t, bt, config.Config{})
	defer close(bt.release)

	resp := env.signedRequest(t, "POST", "/v1/runs", inlineRunBody("kb-1"), "u1", true, nil)
	body := decodeBody(t, resp)
	runID := body["run_id"].(string)
	<-bt.started
	env.waitForStatus(t, runID, model.StatusRunning)

	resp = env.signedRequest(t, "GET", "/v1/stats", "", "u1", true, nil)
	stats := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if stats["total_runs"].(float64) != 1 {
		t.Errorf("total_runs = %v, want 1", stats["total_runs"])
	}
	byStatus := stats["by_status"].(map[string]any)
	if byStatus[model.StatusRunning].(float64) != 1 {
		t.Errorf("by_status[running] = %v, want 1", byStatus[model.StatusRunning])
	}

	// Stats are admin only.
	resp = env.signedRequest(t, "GET", "/v1/stats", "", "u1", false, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin: status = %d, want 403", resp.StatusCode)
	}
}
