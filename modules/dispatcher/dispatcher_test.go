package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gen-dispatch-server/modules/backend"
	"gen-dispatch-server/modules/common/changefeed"
	"gen-dispatch-server/modules/common/memstore"
	"gen-dispatch-server/modules/common/model"
	"gen-dispatch-server/modules/common/notify"
	"gen-dispatch-server/modules/workflow"
)

type notifications struct {
	mu    sync.Mutex
	names []string
}

func (n *notifications) Notify(_ context.Context, t notify.ErrorType, _ string, _ map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names = append(n.names, t.Name)
}

func (n *notifications) has(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, got := range n.names {
		if got == name {
			return true
		}
	}
	return false
}

type switchFlag struct {
	mu sync.Mutex
	on bool
}

func (f *switchFlag) Enabled(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

func succeed(_ context.Context, req backend.Request) backend.Result {
	return backend.Result{Success: true, URL: "https://cdn.test/" + req.Model + ".png"}
}

type harness struct {
	store *memstore.Store
	note  *notifications
	d     *Dispatcher
}

func newHarness(t *testing.T, gen backend.GeneratorFunc, opts Options) *harness {
	t.Helper()
	h := &harness{store: memstore.New(), note: &notifications{}}
	opts.Store = h.store
	opts.Backend = gen
	opts.Notifier = h.note
	if opts.GenerationTimeout == 0 {
		opts.GenerationTimeout = 5 * time.Second
	}
	h.d = New(opts)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) addJob(id, jobType, modelName, provider string) *model.Job {
	job := model.Job{JobID: id, JobType: jobType, Model: modelName, Prompt: "a castle", Status: model.StatusPending, CreatedAt: time.Now()}
	if provider != "" {
		job.ProviderKey = model.StringPtr(provider)
	}
	h.store.PutJob(job)
	return &job
}

func (h *harness) job(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob %s: %v", id, err)
	}
	return job
}

func (h *harness) inFlight(id string) bool {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	_, ok := h.d.inflight[id]
	return ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitStatus(t *testing.T, id, status string) *model.Job {
	t.Helper()
	waitFor(t, id+" "+status, func() bool { return h.job(t, id).Status == status })
	return h.job(t, id)
}

func TestDirectJobCompletesAndCountsQuota(t *testing.T) {
	h := newHarness(t, succeed, Options{})
	h.store.AddKey(context.Background(), "vision-atlas", "secret-1")
	h.store.PutQuota(model.ModelQuota{ProviderName: "vision-atlas", ModelName: "atlas-upscale", QuotaLimit: 10, Enabled: true})
	h.start(t)

	job := h.addJob("j1", model.JobTypeImage, "atlas-upscale", "")
	if err := h.d.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.d.Wait()

	got := h.job(t, "j1")
	if got.Status != model.StatusCompleted || got.ResultURL == nil || *got.ResultURL != "https://cdn.test/atlas-upscale.png" {
		t.Fatalf("job = %+v", got)
	}
	if got.ProviderKey == nil || *got.ProviderKey != "vision-atlas" {
		t.Fatalf("provider_key = %v", got.ProviderKey)
	}
	if st, _ := h.d.Quota().Status("vision-atlas", "atlas-upscale"); st.Used != 1 {
		t.Fatalf("quota used = %d", st.Used)
	}
	if h.d.Coordinator().Active() != "" {
		t.Fatalf("coordinator still active: %s", h.d.Coordinator().Active())
	}
}

func TestCreditErrorRotatesToNextKey(t *testing.T) {
	var mu sync.Mutex
	var used []string
	gen := func(_ context.Context, req backend.Request) backend.Result {
		mu.Lock()
		used = append(used, req.APIKey)
		mu.Unlock()
		if req.APIKey == "secret-1" {
			return backend.Failure("insufficient credit balance")
		}
		return backend.Result{Success: true, URL: "https://cdn.test/ok.png"}
	}
	h := newHarness(t, gen, Options{})
	h.store.AddKey(context.Background(), "vision-nova", "secret-1")
	h.store.AddKey(context.Background(), "vision-nova", "secret-2")
	h.start(t)

	h.d.Submit(context.Background(), h.addJob("j1", model.JobTypeImage, "seedream-4", ""))
	h.d.Wait()

	if got := h.job(t, "j1"); got.Status != model.StatusCompleted {
		t.Fatalf("job = %+v", got)
	}
	if len(used) != 2 || used[0] != "secret-1" || used[1] != "secret-2" {
		t.Fatalf("keys used = %v", used)
	}
	deleted := h.store.Deleted()
	if len(deleted) != 1 || deleted[0].APIKey != "secret-1" || deleted[0].ErrorMessage != "insufficient credit balance" {
		t.Fatalf("archived = %+v", deleted)
	}
}

func TestExhaustedPoolParksJob(t *testing.T) {
	gen := func(context.Context, backend.Request) backend.Result {
		return backend.Failure("insufficient credit balance")
	}
	h := newHarness(t, gen, Options{})
	h.store.AddKey(context.Background(), "vision-nova", "secret-1")
	h.start(t)

	h.d.Submit(context.Background(), h.addJob("j1", model.JobTypeImage, "seedream-4", ""))
	h.d.Wait()

	got := h.job(t, "j1")
	if got.Status != model.StatusPending || got.ErrorText() != "No API key available for provider: vision-nova" {
		t.Fatalf("job = %+v", got)
	}
	if !h.note.has(notify.NoAPIKeyForProvider.Name) {
		t.Fatalf("no NO_API_KEY notification: %v", h.note.names)
	}
}

func TestNetworkErrorKeepsKey(t *testing.T) {
	gen := func(context.Context, backend.Request) backend.Result {
		return backend.Failure("connection reset by peer")
	}
	h := newHarness(t, gen, Options{})
	h.store.AddKey(context.Background(), "vision-nova", "secret-1")
	h.start(t)

	h.d.Submit(context.Background(), h.addJob("j1", model.JobTypeImage, "seedream-4", ""))
	h.d.Wait()

	if got := h.job(t, "j1"); got.Status != model.StatusPending || got.ErrorText() != "connection reset by peer" {
		t.Fatalf("job = %+v", got)
	}
	if len(h.store.Deleted()) != 0 {
		t.Fatalf("key archived on network error")
	}
}

func TestValidationErrorFailsJob(t *testing.T) {
	gen := func(context.Context, backend.Request) backend.Result {
		return backend.Failure("model requires a prompt")
	}
	h := newHarness(t, gen, Options{})
	h.store.AddKey(context.Background(), "vision-atlas", "secret-1")
	h.start(t)

	h.d.Submit(context.Background(), h.addJob("j1", model.JobTypeImage, "atlas-upscale", ""))
	h.d.Wait()

	if got := h.job(t, "j1"); got.Status != model.StatusFailed {
		t.Fatalf("job = %+v", got)
	}
	if len(h.store.Deleted()) != 0 {
		t.Fatalf("key archived on validation error")
	}
}

func TestQuotaExceededFailsJob(t *testing.T) {
	called := false
	gen := func(ctx context.Context, req backend.Request) backend.Result {
		called = true
		return succeed(ctx, req)
	}
	h := newHarness(t, gen, Options{})
	h.store.AddKey(context.Background(), "vision-atlas", "secret-1")
	h.store.PutQuota(model.ModelQuota{ProviderName: "vision-atlas", ModelName: "atlas-upscale", QuotaUsed: 3, QuotaLimit: 3, Enabled: true})
	h.start(t)

	h.d.Submit(context.Background(), h.addJob("j1", model.JobTypeImage, "atlas-upscale", ""))
	h.d.Wait()

	got := h.job(t, "j1")
	if got.Status != model.StatusFailed || got.ErrorText() != "QUOTA_EXCEEDED:vision-atlas:atlas-upscale" {
		t.Fatalf("job = %+v", got)
	}
	if called {
		t.Fatalf("backend called with exhausted quota")
	}
}

func TestMaintenanceRefusesIntake(t *testing.T) {
	h := newHarness(t, succeed, Options{Maintenance: &switchFlag{on: true}})
	err := h.d.Submit(context.Background(), h.addJob("j1", model.JobTypeImage, "flux-schnell", ""))
	if !errors.Is(err, ErrMaintenance) {
		t.Fatalf("Submit = %v, want ErrMaintenance", err)
	}
	if got := h.job(t, "j1"); got.Status != model.StatusPending {
		t.Fatalf("job touched during maintenance: %+v", got)
	}
}

func TestJobsRunOneAtATime(t *testing.T) {
	release := make(chan struct{})
	gen := func(ctx context.Context, req backend.Request) backend.Result {
		if req.Prompt == "slow" {
			<-release
		}
		return succeed(ctx, req)
	}
	h := newHarness(t, gen, Options{})
	h.store.AddKey(context.Background(), "vision-atlas", "a")
	h.store.AddKey(context.Background(), "vision-nova", "b")
	h.start(t)

	first := h.addJob("first", model.JobTypeImage, "atlas-upscale", "")
	first.Prompt = "slow"
	h.store.PutJob(*first)
	h.d.Submit(context.Background(), first)
	waitFor(t, "first active", func() bool { return h.d.Coordinator().Active() == "first" })

	h.d.Submit(context.Background(), h.addJob("second", model.JobTypeImage, "seedream-4", ""))
	waitFor(t, "second blocked", func() bool {
		j := h.job(t, "second")
		return j.BlockedByJobID != nil && *j.BlockedByJobID == "first"
	})
	if got := h.job(t, "second"); got.Status != model.StatusPending {
		t.Fatalf("blocked job status = %s", got.Status)
	}

	close(release)
	// 넘겨받은 job 도 Wait 가 기다려야 함
	h.d.Wait()
	for _, id := range []string{"first", "second"} {
		if got := h.job(t, id); got.Status != model.StatusCompleted {
			t.Fatalf("%s = %+v", id, got)
		}
	}
	if h.d.Coordinator().Active() != "" {
		t.Fatalf("coordinator still active: %s", h.d.Coordinator().Active())
	}
}

// slowBlockStore - "second" 의 blocked 로그 기록을 첫 processNext 이후로 미룸
type slowBlockStore struct {
	*memstore.Store
	listed chan struct{}
	once   sync.Once
}

func (s *slowBlockStore) ListBlockedJobs(ctx context.Context, limit int) ([]model.Job, error) {
	jobs, err := s.Store.ListBlockedJobs(ctx, limit)
	s.once.Do(func() { close(s.listed) })
	return jobs, err
}

func (s *slowBlockStore) AppendQueueLog(ctx context.Context, entry model.QueueLogEntry) error {
	if entry.EventType == model.QueueEventBlocked && entry.JobID == "second" {
		<-s.listed
	}
	return s.Store.AppendQueueLog(ctx, entry)
}

func TestQueuedJobReleasedWhileStillBeingQueued(t *testing.T) {
	release := make(chan struct{})
	gen := backend.GeneratorFunc(func(ctx context.Context, req backend.Request) backend.Result {
		if req.Prompt == "slow" {
			<-release
		}
		return succeed(ctx, req)
	})
	store := &slowBlockStore{Store: memstore.New(), listed: make(chan struct{})}
	h := &harness{store: store.Store, note: &notifications{}}
	h.d = New(Options{Store: store, Backend: gen, Notifier: h.note, GenerationTimeout: 5 * time.Second})
	h.store.AddKey(context.Background(), "vision-atlas", "a")
	h.store.AddKey(context.Background(), "vision-nova", "b")
	h.start(t)

	first := h.addJob("first", model.JobTypeImage, "atlas-upscale", "")
	first.Prompt = "slow"
	h.store.PutJob(*first)
	h.d.Submit(context.Background(), first)
	waitFor(t, "first active", func() bool { return h.d.Coordinator().Active() == "first" })

	h.d.Submit(context.Background(), h.addJob("second", model.JobTypeImage, "seedream-4", ""))
	waitFor(t, "second marked queued", func() bool {
		j := h.job(t, "second")
		return j.BlockedByJobID != nil && *j.BlockedByJobID == "first"
	})
	if !h.inFlight("second") {
		t.Fatalf("second should still be recording its blocked state")
	}

	close(release)
	h.d.Wait()

	got := h.job(t, "second")
	if got.Status != model.StatusCompleted || got.BlockedByJobID != nil {
		t.Fatalf("second = %+v", got)
	}
}

func TestSweepReleasesQueuedJobWithoutActive(t *testing.T) {
	h := newHarness(t, succeed, Options{})
	h.store.AddKey(context.Background(), "vision-atlas", "k")
	h.start(t)

	queuedAt := time.Now().Add(-time.Minute)
	h.store.PutJob(model.Job{JobID: "left", JobType: model.JobTypeImage, Model: "atlas-upscale", Status: model.StatusPending,
		BlockedByJobID: model.StringPtr("gone"), QueuedAt: &queuedAt, RequiredModels: []string{"atlas-upscale"}})

	if n := h.d.SweepOnce(context.Background()); n != 1 {
		t.Fatalf("swept %d jobs", n)
	}
	h.d.Wait()
	if got := h.job(t, "left"); got.Status != model.StatusCompleted || got.BlockedByJobID != nil {
		t.Fatalf("left = %+v", got)
	}
}

func TestWorkflowJobRunsThroughEngine(t *testing.T) {
	reg, _ := workflow.NewRegistry(workflow.Definition{ID: "wf", Enabled: true, Steps: []workflow.Step{
		{Name: "upload", Type: workflow.StepInput},
		{Name: "edit", Type: workflow.StepGeneration, Provider: "vision-leonardo", Model: "nano-banana-pro-leonardo"},
	}})
	var mu sync.Mutex
	var events []workflow.ProgressEvent
	h := newHarness(t, succeed, Options{Workflows: reg, Progress: func(ev workflow.ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}})
	h.store.AddKey(context.Background(), "vision-leonardo", "k")
	h.start(t)

	job := h.addJob("w1", model.JobTypeWorkflow, "wf", "")
	job.ImageURL = model.StringPtr("https://cdn.test/me.png")
	h.store.PutJob(*job)

	h.d.Submit(context.Background(), job)
	h.d.Wait()

	got := h.job(t, "w1")
	if got.Status != model.StatusCompleted || got.ResultURL == nil || *got.ResultURL != "https://cdn.test/nano-banana-pro-leonardo.png" {
		t.Fatalf("job = %+v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 || events[len(events)-1].Progress != 100 {
		t.Fatalf("progress events = %+v", events)
	}
}

func TestKeyInsertRedispatchesWaitingJobs(t *testing.T) {
	h := newHarness(t, succeed, Options{})
	providerID := h.store.AddProvider("vision-atlas")
	h.start(t)

	h.d.Submit(context.Background(), h.addJob("j1", model.JobTypeImage, "atlas-upscale", ""))
	h.d.Wait()
	if got := h.job(t, "j1"); !strings.Contains(got.ErrorText(), "No API key available") {
		t.Fatalf("job = %+v", got)
	}

	h.store.AddKey(context.Background(), "vision-atlas", "fresh")
	n := h.d.HandleKeyChange(context.Background(), changefeed.Event{
		Type:   changefeed.Insert,
		Table:  "provider_api_keys",
		Record: map[string]interface{}{"provider_id": providerID},
	})
	if n != 1 {
		t.Fatalf("re-dispatched %d jobs", n)
	}
	h.d.Wait()
	if got := h.job(t, "j1"); got.Status != model.StatusCompleted {
		t.Fatalf("job = %+v", got)
	}
}

func TestRecoverResetsRunningJobs(t *testing.T) {
	h := newHarness(t, succeed, Options{})
	h.store.AddKey(context.Background(), "vision-atlas", "k")
	h.start(t)

	h.store.PutJob(model.Job{JobID: "stuck", JobType: model.JobTypeImage, Model: "atlas-upscale", Status: model.StatusRunning})
	h.store.SetActiveJob(context.Background(), "ghost", model.JobTypeImage, nil)

	n, err := h.d.Recover(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	h.waitStatus(t, "stuck", model.StatusCompleted)
}

func TestRecoverFinalizesFinishedWorkflow(t *testing.T) {
	reg, _ := workflow.NewRegistry(workflow.Definition{ID: "wf", Enabled: true, Steps: []workflow.Step{
		{Name: "upload", Type: workflow.StepInput},
		{Name: "edit", Type: workflow.StepGeneration, Provider: "vision-leonardo", Model: "nano-banana-pro-leonardo"},
	}})
	var mu sync.Mutex
	calls := 0
	gen := func(ctx context.Context, req backend.Request) backend.Result {
		mu.Lock()
		calls++
		mu.Unlock()
		return backend.Result{Success: true, URL: "https://cdn.test/NEW.png"}
	}
	h := newHarness(t, gen, Options{Workflows: reg})
	h.store.AddKey(context.Background(), "vision-leonardo", "k")
	h.start(t)

	// execution 완료 직후, job row 갱신 전에 프로세스가 죽은 상태
	h.store.PutJob(model.Job{JobID: "w1", JobType: model.JobTypeWorkflow, Model: "wf", Status: model.StatusRunning})
	h.store.PutExecution(model.WorkflowExecution{ID: "e1", JobID: "w1", WorkflowID: "wf", TotalSteps: 2, CurrentStep: 2, Status: model.StatusCompleted,
		Checkpoints: map[string]model.Checkpoint{
			model.InputSlot: {StepName: model.InputSlot, Status: model.CheckpointStored, Output: []byte(`{"image_url":"https://cdn.test/me.png"}`)},
			"0":             {StepName: "upload", Status: model.CheckpointCompleted, Output: []byte(`{"image_url":"https://cdn.test/me.png"}`)},
			"1":             {StepName: "edit", Status: model.CheckpointCompleted, Output: []byte(`{"image_url":"https://cdn.test/OLD.png"}`)},
		}})

	if _, err := h.d.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	h.d.Wait()

	if calls != 0 {
		t.Fatalf("finished step regenerated %d times", calls)
	}
	got := h.job(t, "w1")
	if got.Status != model.StatusCompleted || got.ResultURL == nil || *got.ResultURL != "https://cdn.test/OLD.png" {
		t.Fatalf("w1 = %+v", got)
	}
	exec, _ := h.store.GetExecutionByJob(context.Background(), "w1")
	if cp := exec.Checkpoints["1"]; string(cp.Output) != `{"image_url":"https://cdn.test/OLD.png"}` {
		t.Fatalf("checkpoint overwritten: %s", cp.Output)
	}
}

func TestSweepResubmitsTransientFailures(t *testing.T) {
	h := newHarness(t, succeed, Options{})
	h.store.AddKey(context.Background(), "vision-atlas", "k")
	h.start(t)

	h.store.PutJob(model.Job{JobID: "t1", JobType: model.JobTypeImage, Model: "atlas-upscale", Status: model.StatusPending, ErrorMessage: model.StringPtr("read timeout")})
	h.store.PutJob(model.Job{JobID: "fresh", JobType: model.JobTypeImage, Model: "atlas-upscale", Status: model.StatusPending})

	if n := h.d.SweepOnce(context.Background()); n != 1 {
		t.Fatalf("swept %d jobs", n)
	}
	h.d.Wait()
	if got := h.job(t, "t1"); got.Status != model.StatusCompleted {
		t.Fatalf("t1 = %+v", got)
	}
	if got := h.job(t, "fresh"); got.Status != model.StatusPending {
		t.Fatalf("fresh job should not be swept: %+v", got)
	}
}

func TestSweepAfterMaintenanceResubmitsBacklog(t *testing.T) {
	flag := &switchFlag{on: true}
	h := newHarness(t, succeed, Options{Maintenance: flag})
	h.store.AddKey(context.Background(), "vision-atlas", "k")
	h.start(t)
	h.store.PutJob(model.Job{JobID: "held", JobType: model.JobTypeImage, Model: "atlas-upscale", Status: model.StatusPending})

	if paused := h.d.sweepTick(context.Background(), true); !paused {
		t.Fatalf("sweepTick should report paused")
	}
	if got := h.job(t, "held"); got.Status != model.StatusPending {
		t.Fatalf("job ran during maintenance: %+v", got)
	}

	flag.mu.Lock()
	flag.on = false
	flag.mu.Unlock()

	if paused := h.d.sweepTick(context.Background(), true); paused {
		t.Fatalf("sweepTick should report resumed")
	}
	h.d.Wait()
	if got := h.job(t, "held"); got.Status != model.StatusCompleted {
		t.Fatalf("held = %+v", got)
	}
}

func TestResolveProvider(t *testing.T) {
	cases := []struct {
		job          model.Job
		wantProvider string
		wantType     string
	}{
		{model.Job{JobType: model.JobTypeImage, Model: "atlas-upscale"}, "vision-atlas", model.JobTypeImage},
		{model.Job{JobType: model.JobTypeImage, Model: "unknown"}, "vision-nova", model.JobTypeImage},
		{model.Job{JobType: model.JobTypeImage, Model: "wan-2.2-i2v"}, "cinematic-nova", model.JobTypeVideo},
		{model.Job{JobType: model.JobTypeVideo, Model: "mystery"}, "cinematic-nova", model.JobTypeVideo},
		{model.Job{JobType: model.JobTypeImage, Model: "seedream-4", ProviderKey: model.StringPtr("vision-pixazo")}, "vision-pixazo", model.JobTypeImage},
		{model.Job{JobType: model.JobTypeImage, Model: "seedream-4", ProviderKey: model.StringPtr("vision-pixazo"),
			Metadata: map[string]interface{}{"provider_key": "vision-huggingface"}}, "vision-huggingface", model.JobTypeImage},
	}
	for _, tc := range cases {
		job := tc.job
		p, typ := ResolveProvider(&job)
		if p != tc.wantProvider || typ != tc.wantType {
			t.Errorf("%s/%s: got %s/%s, want %s/%s", job.JobType, job.Model, p, typ, tc.wantProvider, tc.wantType)
		}
	}
}
