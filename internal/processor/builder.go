package processor

import (
	"context"
	"fmt"

	"github.com/sen2agri/orchestrator/internal/store"
	"github.com/sen2agri/orchestrator/internal/store/model"
)

// EndOfJobModule is the conventional module of the barrier closing a job.
const EndOfJobModule = "end-of-job"

// TaskRef identifies a task inside a TaskPlan before it is stored.
type TaskRef struct {
	plan  *TaskPlan
	index int
}

func (r TaskRef) valid() bool {
	return r.plan != nil && r.index > 0
}

// TaskPlan accumulates the tasks of a job. Parents must be added before their children,
// so the plan is always acyclic.
type TaskPlan struct {
	tasks []store.NewTask
	errs  []error
}

func NewTaskPlan() *TaskPlan {
	return &TaskPlan{}
}

// Add appends a task running module after all parents.
func (p *TaskPlan) Add(module string, parents ...TaskRef) TaskRef {
	return p.add(module, false, parents)
}

// Barrier appends a synchronization task with no computational content.
func (p *TaskPlan) Barrier(module string, parents ...TaskRef) TaskRef {
	return p.add(module, true, parents)
}

func (p *TaskPlan) Len() int {
	return len(p.tasks)
}

// Terminal returns the tasks no other task depends on.
func (p *TaskPlan) Terminal() []TaskRef {
	hasChild := make([]bool, len(p.tasks))
	for _, t := range p.tasks {
		for _, parent := range t.Parents {
			hasChild[parent] = true
		}
	}
	refs := []TaskRef{}
	for i := range p.tasks {
		if !hasChild[i] {
			refs = append(refs, TaskRef{plan: p, index: i + 1})
		}
	}
	return refs
}

func (p *TaskPlan) add(module string, barrier bool, parents []TaskRef) TaskRef {
	if module == "" {
		p.errs = append(p.errs, fmt.Errorf("task %d has no module", len(p.tasks)))
	}
	indexes := make([]int, 0, len(parents))
	for _, parent := range parents {
		if !parent.valid() || parent.plan != p {
			p.errs = append(p.errs, fmt.Errorf("task %q references a task outside of its plan", module))
			continue
		}
		indexes = append(indexes, parent.index-1)
	}
	p.tasks = append(p.tasks, store.NewTask{Module: module, Barrier: barrier, Parents: indexes})
	return TaskRef{plan: p, index: len(p.tasks)}
}

// Submit stores every task of the plan at once. Either all tasks are created or none.
func (p *TaskPlan) Submit(ctx context.Context, gw EventProcessingContext, jobID uint) (*SubmittedPlan, error) {
	if len(p.errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, p.errs[0])
	}
	if len(p.tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks", ErrInvalidPlan)
	}

	ids, err := gw.SubmitTasks(ctx, jobID, p.tasks)
	if err != nil {
		return nil, err
	}
	if len(ids) != len(p.tasks) {
		return nil, fmt.Errorf("%w: %d tasks stored out of %d", ErrInvalidPlan, len(ids), len(p.tasks))
	}
	return &SubmittedPlan{plan: p, ids: ids}, nil
}

// SubmittedPlan maps plan references to the stored task ids.
type SubmittedPlan struct {
	plan *TaskPlan
	ids  []uint
}

func (s *SubmittedPlan) ID(ref TaskRef) uint {
	if ref.plan != s.plan || ref.index < 1 || ref.index > len(s.ids) {
		return 0
	}
	return s.ids[ref.index-1]
}

func (s *SubmittedPlan) IDs(refs ...TaskRef) []uint {
	ids := make([]uint, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, s.ID(r))
	}
	return ids
}

// Steps returns a batch already holding the empty step of every barrier task.
func (s *SubmittedPlan) Steps() *StepBatch {
	b := NewStepBatch()
	for i, t := range s.plan.tasks {
		if t.Barrier {
			b.Add(s.ids[i], t.Module)
		}
	}
	return b
}

// StepBatch collects the steps of one or more tasks.
type StepBatch struct {
	steps []model.Step
	err   error
}

func NewStepBatch() *StepBatch {
	return &StepBatch{}
}

func (b *StepBatch) Add(taskID uint, name string, args ...string) *StepBatch {
	if b.err != nil {
		return b
	}
	if taskID == 0 {
		b.err = fmt.Errorf("%w: step %q has no task", ErrInvalidPlan, name)
		return b
	}
	step, err := model.NewStep(taskID, name, args)
	if err != nil {
		b.err = err
		return b
	}
	b.steps = append(b.steps, step)
	return b
}

func (b *StepBatch) Len() int {
	return len(b.steps)
}

// Submit stores every step of the batch at once.
func (b *StepBatch) Submit(ctx context.Context, gw EventProcessingContext) error {
	if b.err != nil {
		return b.err
	}
	if len(b.steps) == 0 {
		return nil
	}
	return gw.SubmitSteps(ctx, b.steps)
}
