package workflow

import (
	"fmt"
	"time"
)

// RetryableError - 나중에 resume 으로 다시 시도할 수 있는 step 실패
type RetryableError struct {
	Message    string
	ErrorType  string
	Model      string
	Provider   string
	RetryAfter time.Duration
	RetryCount int
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.ErrorType)
}

// HardError - 재시도하지 않는 step 실패. Message 는 사용자에게 그대로 노출
type HardError struct {
	Message string
	Step    string
}

func (e *HardError) Error() string {
	if e.Step == "" {
		return e.Message
	}
	return fmt.Sprintf("step %s: %s", e.Step, e.Message)
}
