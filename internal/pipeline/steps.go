package pipeline

import (
	"errors"
	"fmt"
)

// Status of a pipeline step
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Step ids, in pipeline order
const (
	StepUpload    = 1
	StepDetection = 2
	StepPlates    = 3
	StepReport    = 4
)

var (
	ErrUnknownStep = errors.New("unknown step")
	ErrOutOfOrder  = errors.New("step started out of order")
	ErrNotRunning  = errors.New("step is not running")
)

// Step is one entry of the analysis pipeline
type Step struct {
	ID          int
	Title       string
	Description string
	Status      Status
	Result      string
	Error       string
}

// Steps is the four-step state machine. It is not safe for concurrent use;
// the orchestrator owning it serialises access.
type Steps struct {
	steps   []Step
	current int
}

// NewSteps returns the pipeline with every step pending
func NewSteps() *Steps {
	return &Steps{
		current: StepUpload,
		steps: []Step{
			{ID: StepUpload, Title: "上传视频", Description: "请上传需要分析的监控视频文件", Status: StatusPending},
			{ID: StepDetection, Title: "违停检测", Description: "分析视频中的违停情况", Status: StatusPending},
			{ID: StepPlates, Title: "车牌识别", Description: "识别违停车辆的车牌号", Status: StatusPending},
			{ID: StepReport, Title: "报告生成", Description: "合并分析结果，生成最终报告", Status: StatusPending},
		},
	}
}

func (s *Steps) step(id int) (*Step, error) {
	if id < StepUpload || id > len(s.steps) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStep, id)
	}
	return &s.steps[id-1], nil
}

// Current is the step the pipeline is positioned on
func (s *Steps) Current() int {
	return s.current
}

// Get returns a copy of step id
func (s *Steps) Get(id int) (Step, bool) {
	st, err := s.step(id)
	if err != nil {
		return Step{}, false
	}
	return *st, true
}

// Snapshot returns a copy of all steps
func (s *Steps) Snapshot() []Step {
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// Running returns the id of the running step, if any
func (s *Steps) Running() (int, bool) {
	for _, st := range s.steps {
		if st.Status == StatusRunning {
			return st.ID, true
		}
	}
	return 0, false
}

// AllCompleted reports whether every step has completed
func (s *Steps) AllCompleted() bool {
	for _, st := range s.steps {
		if st.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// CompleteUpload marks the upload step done with a summary line
func (s *Steps) CompleteUpload(summary string) {
	up := &s.steps[StepUpload-1]
	up.Status = StatusCompleted
	up.Result = summary
	up.Error = ""
}

// ClearUpload returns the upload step to pending
func (s *Steps) ClearUpload() {
	up := &s.steps[StepUpload-1]
	up.Status = StatusPending
	up.Result = ""
	up.Error = ""
}

// ResetAnalysis clears every step after the upload and rewinds to step 1
func (s *Steps) ResetAnalysis() {
	for i := StepDetection - 1; i < len(s.steps); i++ {
		s.steps[i].Status = StatusPending
		s.steps[i].Result = ""
		s.steps[i].Error = ""
	}
	s.current = StepUpload
}

// Begin moves step id to running. Every earlier step must be completed and
// no step may be running.
func (s *Steps) Begin(id int) error {
	st, err := s.step(id)
	if err != nil {
		return err
	}
	if running, ok := s.Running(); ok {
		return fmt.Errorf("%w: step %d is still running", ErrOutOfOrder, running)
	}
	for i := 0; i < id-1; i++ {
		if s.steps[i].Status != StatusCompleted {
			return fmt.Errorf("%w: step %d is %s", ErrOutOfOrder, s.steps[i].ID, s.steps[i].Status)
		}
	}
	st.Status = StatusRunning
	st.Result = ""
	st.Error = ""
	s.current = id
	return nil
}

// Append adds text to the result of the running step id
func (s *Steps) Append(id int, text string) error {
	st, err := s.step(id)
	if err != nil {
		return err
	}
	if st.Status != StatusRunning {
		return fmt.Errorf("%w: %d", ErrNotRunning, id)
	}
	st.Result += text
	return nil
}

// Complete marks the running step id completed and advances the pointer
func (s *Steps) Complete(id int) error {
	st, err := s.step(id)
	if err != nil {
		return err
	}
	if st.Status != StatusRunning {
		return fmt.Errorf("%w: %d", ErrNotRunning, id)
	}
	st.Status = StatusCompleted
	if id < len(s.steps) {
		s.current = id + 1
	}
	return nil
}

// Fail marks step id as errored with msg
func (s *Steps) Fail(id int, msg string) error {
	st, err := s.step(id)
	if err != nil {
		return err
	}
	st.Status = StatusError
	st.Error = msg
	return nil
}

// RevertRunning puts a running step back to pending. Cancellation is not a
// failure, so the step is never marked as errored here.
func (s *Steps) RevertRunning() (int, bool) {
	for i := range s.steps {
		if s.steps[i].Status == StatusRunning {
			s.steps[i].Status = StatusPending
			return s.steps[i].ID, true
		}
	}
	return 0, false
}

// GoTo moves the pointer back to an already reached step. It refuses while
// a stage is in flight or when id is ahead of the current step.
func (s *Steps) GoTo(id int, busy bool) bool {
	if busy || id < StepUpload || id > s.current {
		return false
	}
	s.current = id
	return true
}
