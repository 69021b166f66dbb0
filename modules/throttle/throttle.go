package throttle

import (
	"log"
	"sync"

	"gen-dispatch-server/modules/common/model"
)

// Decision - acquire 결과
type Decision int

const (
	Proceed Decision = iota
	Queued
)

func (d Decision) String() string {
	if d == Proceed {
		return "proceed"
	}
	return "queued"
}

type slot struct {
	mu       sync.Mutex
	busy     string // 현재 실행 중인 job_id
	reserved string // release 가 넘겨준 job_id (re-entry 시 바로 Proceed)
	queue    []*model.Job
}

// Throttle - provider 당 동시에 하나의 generation 만
type Throttle struct {
	mu    sync.Mutex
	slots map[string]*slot

	// reenter - 대기열에서 꺼낸 job 을 다시 dispatch. 오래 걸리는 작업은 호출 쪽에서 goroutine 으로
	reenter func(job *model.Job)
}

// New - reenter 는 Release 를 부른 goroutine 에서 lock 밖에서 동기 호출됨
func New(reenter func(job *model.Job)) *Throttle {
	return &Throttle{slots: make(map[string]*slot), reenter: reenter}
}

func (t *Throttle) slot(provider string) *slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[provider]
	if !ok {
		s = &slot{}
		t.slots[provider] = s
	}
	return s
}

// Acquire - provider 가 비어 있으면 Proceed, 아니면 대기열에 넣고 Queued
func (t *Throttle) Acquire(provider string, job *model.Job) Decision {
	s := t.slot(provider)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reserved != "" && s.reserved == job.JobID {
		s.reserved = ""
		log.Printf("▶️ [Throttle] %s handed to queued job %s", provider, job.JobID)
		return Proceed
	}
	if s.busy == "" {
		s.busy = job.JobID
		return Proceed
	}

	s.queue = append(s.queue, job)
	log.Printf("⏸️ [Throttle] %s busy with %s, queued %s (queue=%d)", provider, s.busy, job.JobID, len(s.queue))
	return Queued
}

// Release - jobID 가 현재 holder 일 때만 해제. 대기 job 이 있으면 슬롯을 넘기고 re-entry
func (t *Throttle) Release(provider, jobID string) bool {
	next, ok := t.handOff(provider, jobID)
	if next != nil && t.reenter != nil {
		t.reenter(next)
	}
	return ok
}

func (t *Throttle) handOff(provider, jobID string) (*model.Job, bool) {
	s := t.slot(provider)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy != jobID {
		log.Printf("⚠️ [Throttle] %s release by %s ignored (holder=%q)", provider, jobID, s.busy)
		return nil, false
	}

	if len(s.queue) == 0 {
		s.busy = ""
		s.reserved = ""
		return nil, true
	}

	next := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.busy = next.JobID
	s.reserved = next.JobID
	log.Printf("⏭️ [Throttle] %s released by %s, next %s (queue=%d)", provider, jobID, next.JobID, len(s.queue))
	return next, true
}

// Busy - 현재 holder (없으면 빈 문자열)
func (t *Throttle) Busy(provider string) string {
	s := t.slot(provider)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// QueueLen - provider 대기열 길이
func (t *Throttle) QueueLen(provider string) int {
	s := t.slot(provider)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// SlotState - provider 슬롯 상태
type SlotState struct {
	Busy   string `json:"busy,omitempty"`
	Queued int    `json:"queued"`
}

// Snapshot - 사용된 적 있는 provider 전체
func (t *Throttle) Snapshot() map[string]SlotState {
	t.mu.Lock()
	providers := make([]string, 0, len(t.slots))
	for p := range t.slots {
		providers = append(providers, p)
	}
	t.mu.Unlock()

	out := make(map[string]SlotState, len(providers))
	for _, p := range providers {
		s := t.slot(p)
		s.mu.Lock()
		out[p] = SlotState{Busy: s.busy, Queued: len(s.queue)}
		s.mu.Unlock()
	}
	return out
}
