package retry

import (
	"context"
	"testing"
	"time"

	"gen-dispatch-server/modules/classifier"
	"gen-dispatch-server/modules/common/memstore"
	"gen-dispatch-server/modules/common/model"
	"gen-dispatch-server/modules/common/notify"
	"gen-dispatch-server/modules/credential"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	names []string
}

func (r *recorder) Notify(_ context.Context, t notify.ErrorType, _ string, _ map[string]interface{}) {
	r.names = append(r.names, t.Name)
}

type quotaStub bool

func (q quotaStub) CheckAvailable(string, string) bool { return bool(q) }

type keyStub struct{ err error }

func (k keyStub) Acquire(context.Context, string) (*credential.Credential, error) {
	if k.err != nil {
		return nil, k.err
	}
	return &credential.Credential{}, nil
}

func pendingRetry(id string, retries int, errorType string, ago time.Duration) model.WorkflowExecution {
	last := now.Add(-ago)
	return model.WorkflowExecution{
		ID: id, JobID: "job-" + id, WorkflowID: "wf", Status: model.StatusPendingRetry, RetryCount: retries,
		CreatedAt: now.Add(-time.Hour),
		ErrorInfo: &model.ErrorInfo{ErrorType: errorType, Provider: "vision-atlas", Model: "m", LastAttempt: &last},
	}
}

func newScheduler(store *memstore.Store, resumed *[]string, n notify.Notifier, opts Options) *Scheduler {
	opts.Store = store
	opts.Notifier = n
	opts.Now = func() time.Time { return now }
	opts.Resume = func(_ context.Context, exec model.WorkflowExecution) error {
		*resumed = append(*resumed, exec.ID)
		return nil
	}
	return NewScheduler(opts)
}

func TestRetryCeilingFailsWithoutResume(t *testing.T) {
	store := memstore.New()
	store.PutJob(model.Job{JobID: "job-a", Status: model.StatusPendingRetry})
	store.PutExecution(pendingRetry("a", 5, classifier.TypeTimeout, time.Hour))

	var resumed []string
	rec := &recorder{}
	s := newScheduler(store, &resumed, rec, Options{MaxRetries: 5})

	sum := s.RunOnce(context.Background())
	if sum.Failed != 1 || len(resumed) != 0 {
		t.Fatalf("summary=%+v resumed=%v", sum, resumed)
	}
	exec, _ := store.GetExecutionByJob(context.Background(), "job-a")
	if exec.Status != model.StatusFailed {
		t.Fatalf("execution status = %s", exec.Status)
	}
	job, _ := store.GetJob(context.Background(), "job-a")
	if job.Status != model.StatusFailed || job.ErrorText() != "Maximum retry attempts exceeded" {
		t.Fatalf("job = %+v", job)
	}
	if len(rec.names) != 1 || rec.names[0] != notify.RetryLimitExceeded.Name {
		t.Fatalf("notifications = %v", rec.names)
	}
}

func TestBackoffPerErrorType(t *testing.T) {
	cases := []struct {
		errorType string
		ago       time.Duration
		want      bool
	}{
		{classifier.TypeTimeout, 29 * time.Second, false},
		{classifier.TypeTimeout, 31 * time.Second, true},
		{classifier.TypeQuotaExceeded, 4 * time.Minute, false},
		{classifier.TypeQuotaExceeded, 6 * time.Minute, true},
		{classifier.TypeNoAPIKey, time.Minute, false},
		{classifier.TypeNoAPIKey, 3 * time.Minute, true},
		{classifier.TypeGenericAPIError, 2 * time.Minute, false},
		{"generic", 4 * time.Minute, true},
	}
	for _, tc := range cases {
		store := memstore.New()
		store.PutExecution(pendingRetry("x", 1, tc.errorType, tc.ago))
		var resumed []string
		s := newScheduler(store, &resumed, &recorder{}, Options{Quota: quotaStub(true), Keys: keyStub{}})
		s.RunOnce(context.Background())
		if got := len(resumed) == 1; got != tc.want {
			t.Errorf("%s after %s: resumed=%v, want %v", tc.errorType, tc.ago, got, tc.want)
		}
	}
}

func TestRateLimitUsesRetryAfter(t *testing.T) {
	store := memstore.New()
	exec := pendingRetry("r", 1, classifier.TypeRateLimit, 20*time.Second)
	exec.ErrorInfo.RetryAfter = 15
	store.PutExecution(exec)

	var resumed []string
	s := newScheduler(store, &resumed, &recorder{}, Options{})
	s.RunOnce(context.Background())
	if len(resumed) != 1 {
		t.Fatalf("rate_limit with retry_after=15 not resumed after 20s")
	}
}

func TestQuotaGate(t *testing.T) {
	store := memstore.New()
	store.PutExecution(pendingRetry("q", 1, classifier.TypeQuotaExceeded, time.Hour))

	var resumed []string
	s := newScheduler(store, &resumed, &recorder{}, Options{Quota: quotaStub(false)})
	if sum := s.RunOnce(context.Background()); sum.Skipped != 1 || len(resumed) != 0 {
		t.Fatalf("quota gate ignored: %+v", sum)
	}
}

func TestKeyGateNotifies(t *testing.T) {
	store := memstore.New()
	store.PutExecution(pendingRetry("k", 1, classifier.TypeInvalidKey, time.Hour))

	var resumed []string
	rec := &recorder{}
	s := newScheduler(store, &resumed, rec, Options{Keys: keyStub{err: credential.ErrExhausted}})
	s.RunOnce(context.Background())
	if len(resumed) != 0 {
		t.Fatalf("resumed without a key")
	}
	if len(rec.names) != 1 || rec.names[0] != notify.NoAPIKeyForProvider.Name {
		t.Fatalf("notifications = %v", rec.names)
	}
}

func TestUnknownErrorTypeIsAnomaly(t *testing.T) {
	store := memstore.New()
	store.PutExecution(pendingRetry("u", 1, "cosmic_ray", 24*time.Hour))

	var resumed []string
	rec := &recorder{}
	s := newScheduler(store, &resumed, rec, Options{})
	s.RunOnce(context.Background())
	if len(resumed) != 0 {
		t.Fatalf("unknown error_type was retried")
	}
	if len(rec.names) != 1 || rec.names[0] != notify.RetryAnomaly.Name {
		t.Fatalf("notifications = %v", rec.names)
	}
}

type maintenanceOn struct{}

func (maintenanceOn) Enabled(context.Context) bool { return true }

func TestMaintenanceSkipsCycle(t *testing.T) {
	store := memstore.New()
	store.PutExecution(pendingRetry("m", 5, classifier.TypeTimeout, time.Hour))

	var resumed []string
	s := newScheduler(store, &resumed, &recorder{}, Options{Maintenance: maintenanceOn{}})
	if sum := s.RunOnce(context.Background()); sum.Checked != 0 {
		t.Fatalf("cycle ran in maintenance: %+v", sum)
	}
	exec, _ := store.GetExecutionByJob(context.Background(), "job-m")
	if exec.Status != model.StatusPendingRetry {
		t.Fatalf("status changed during maintenance: %s", exec.Status)
	}
}
