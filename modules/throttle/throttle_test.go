package throttle

import (
	"testing"
	"time"

	"gen-dispatch-server/modules/common/model"
)

func job(id string) *model.Job { return &model.Job{JobID: id} }

func TestAcquireQueuesWhileBusy(t *testing.T) {
	handed := make(chan *model.Job, 4)
	th := New(func(j *model.Job) { handed <- j })

	if d := th.Acquire("vision-atlas", job("a")); d != Proceed {
		t.Fatalf("first acquire = %s", d)
	}
	if d := th.Acquire("vision-atlas", job("b")); d != Queued {
		t.Fatalf("second acquire = %s", d)
	}
	// 다른 provider 는 독립
	if d := th.Acquire("vision-nova", job("c")); d != Proceed {
		t.Fatalf("other provider acquire = %s", d)
	}

	if !th.Release("vision-atlas", "a") {
		t.Fatalf("release by holder should succeed")
	}

	var next *model.Job
	select {
	case next = <-handed:
	case <-time.After(time.Second):
		t.Fatalf("queued job was not handed off")
	}
	if next.JobID != "b" {
		t.Fatalf("handed %s, want b", next.JobID)
	}

	// 넘겨받은 job 은 정확히 한 번만 Proceed
	if d := th.Acquire("vision-atlas", next); d != Proceed {
		t.Fatalf("re-entry acquire = %s", d)
	}
	if d := th.Acquire("vision-atlas", next); d != Queued {
		t.Fatalf("duplicate re-entry must not proceed twice, got %s", d)
	}
}

func TestHandoffBlocksNewcomers(t *testing.T) {
	handed := make(chan *model.Job, 1)
	th := New(func(j *model.Job) { handed <- j })

	th.Acquire("p", job("a"))
	th.Acquire("p", job("b"))
	th.Release("p", "a")

	// b 가 re-entry 하기 전에 들어온 c 는 슬롯을 가로챌 수 없음
	if d := th.Acquire("p", job("c")); d != Queued {
		t.Fatalf("newcomer acquire = %s, want queued", d)
	}
	b := <-handed
	if d := th.Acquire("p", b); d != Proceed {
		t.Fatalf("b re-entry = %s", d)
	}
}

func TestStaleReleaseIgnored(t *testing.T) {
	th := New(nil)
	th.Acquire("p", job("a"))

	if th.Release("p", "zombie") {
		t.Fatalf("stale release should be ignored")
	}
	if th.Busy("p") != "a" {
		t.Fatalf("holder changed by stale release")
	}
	if !th.Release("p", "a") || th.Busy("p") != "" {
		t.Fatalf("holder release should clear slot")
	}
}

func TestFIFOOrder(t *testing.T) {
	handed := make(chan *model.Job, 3)
	th := New(func(j *model.Job) { handed <- j })

	th.Acquire("p", job("a"))
	th.Acquire("p", job("b"))
	th.Acquire("p", job("c"))
	if th.QueueLen("p") != 2 {
		t.Fatalf("queue len = %d", th.QueueLen("p"))
	}

	th.Release("p", "a")
	b := <-handed
	th.Acquire("p", b)
	th.Release("p", "b")
	c := <-handed
	if b.JobID != "b" || c.JobID != "c" {
		t.Fatalf("order = %s, %s", b.JobID, c.JobID)
	}
}

func TestSnapshot(t *testing.T) {
	th := New(nil)
	th.Acquire("cinematic-nova", job("v1"))
	th.Acquire("cinematic-nova", job("v2"))
	th.Acquire("vision-nova", job("i1"))
	th.Release("vision-nova", "i1")

	snap := th.Snapshot()
	if got := snap["cinematic-nova"]; got.Busy != "v1" || got.Queued != 1 {
		t.Fatalf("cinematic-nova = %+v", got)
	}
	if got := snap["vision-nova"]; got.Busy != "" || got.Queued != 0 {
		t.Fatalf("vision-nova = %+v", got)
	}
}

func TestReleaseHandsOffBeforeReturning(t *testing.T) {
	var handed []string
	th := New(func(j *model.Job) { handed = append(handed, j.JobID) })

	th.Acquire("p", job("a"))
	th.Acquire("p", job("b"))
	th.Release("p", "a")
	if len(handed) != 1 || handed[0] != "b" {
		t.Fatalf("handed = %v", handed)
	}
	if th.Busy("p") != "b" {
		t.Fatalf("slot should be reserved for b, holder=%q", th.Busy("p"))
	}
}
