package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stemsi/exstem-engine/internal/model"
)

type fakeExams struct {
	exams map[uuid.UUID]*model.ExamDefinition
	calls int
}

func (f *fakeExams) GetDefinition(_ context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	f.calls++
	e, ok := f.exams[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *e
	return &cp, nil
}

type fakeParticipants struct {
	mu       sync.Mutex
	now      time.Time
	attempts map[uuid.UUID]*model.ParticipantAttempt
	answers  map[uuid.UUID][]model.AnswerEntry
}

func newFakeParticipants(now time.Time) *fakeParticipants {
	return &fakeParticipants{
		now:      now,
		attempts: map[uuid.UUID]*model.ParticipantAttempt{},
		answers:  map[uuid.UUID][]model.AnswerEntry{},
	}
}

func (f *fakeParticipants) GetByID(_ context.Context, id uuid.UUID) (*model.ParticipantAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (f *fakeParticipants) LatestByExamAndStudent(_ context.Context, examID uuid.UUID, studentID int) (*model.ParticipantAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.ParticipantAttempt
	for _, a := range f.attempts {
		if a.ExamID == examID && a.StudentID == studentID && (latest == nil || a.AttemptNumber > latest.AttemptNumber) {
			latest = a
		}
	}
	if latest == nil {
		return nil, pgx.ErrNoRows
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeParticipants) CountByExamAndStudent(_ context.Context, examID uuid.UUID, studentID int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.attempts {
		if a.ExamID == examID && a.StudentID == studentID {
			n++
		}
	}
	return n, nil
}

func (f *fakeParticipants) Create(_ context.Context, p *model.ParticipantAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ParticipantID = uuid.New()
	p.Status = model.AttemptRegistered
	p.RegisteredAt = f.now
	cp := *p
	f.attempts[p.ParticipantID] = &cp
	return nil
}

func (f *fakeParticipants) MarkStarted(_ context.Context, id uuid.UUID) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok || a.Status.Terminal() {
		return time.Time{}, pgx.ErrNoRows
	}
	a.Status = model.AttemptInProgress
	if a.StartedAt == nil {
		t := f.now
		a.StartedAt = &t
	}
	return *a.StartedAt, nil
}

func (f *fakeParticipants) Complete(_ context.Context, id uuid.UUID, p model.Penalties) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.attempts[id]
	a.Status = model.AttemptCompleted
	if a.CompletedAt == nil {
		t := f.now
		a.CompletedAt = &t
	}
	a.TabSwitches = p.TabSwitches
	a.FullscreenExits = p.FullscreenExits
	a.PenaltyPercentage = p.PenaltyPercentage
	return nil
}

func (f *fakeParticipants) ListAnswers(_ context.Context, id uuid.UUID) ([]model.AnswerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answers[id], nil
}

type fakeCache struct {
	mu         sync.Mutex
	starts     map[uuid.UUID]time.Time
	answers    map[uuid.UUID]map[uuid.UUID]string
	answerJobs []model.AnswerJob
	exits      map[uuid.UUID]int
	out        map[uuid.UUID]bool
	monitoring []model.MonitoringJob
	scores     map[uuid.UUID]model.ScoreJob
	scoreJobs  []model.ScoreJob
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		starts:  map[uuid.UUID]time.Time{},
		answers: map[uuid.UUID]map[uuid.UUID]string{},
		exits:   map[uuid.UUID]int{},
		out:     map[uuid.UUID]bool{},
		scores:  map[uuid.UUID]model.ScoreJob{},
	}
}

func (f *fakeCache) SetStart(_ context.Context, pid uuid.UUID, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts[pid] = t
	return nil
}

func (f *fakeCache) SaveAnswer(_ context.Context, job model.AnswerJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answers[job.ParticipantID] == nil {
		f.answers[job.ParticipantID] = map[uuid.UUID]string{}
	}
	f.answers[job.ParticipantID][job.QuestionID] = job.Answer
	f.answerJobs = append(f.answerJobs, job)
	return nil
}

func (f *fakeCache) Answers(_ context.Context, pid uuid.UUID) (map[uuid.UUID]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[uuid.UUID]string{}
	for k, v := range f.answers[pid] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeCache) FullscreenExit(_ context.Context, pid uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.out[pid] {
		f.out[pid] = true
		f.exits[pid]++
	}
	return f.exits[pid], nil
}

func (f *fakeCache) FullscreenReturn(_ context.Context, pid uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out[pid] = false
	return f.exits[pid], nil
}

func (f *fakeCache) EnqueueMonitoring(_ context.Context, job model.MonitoringJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitoring = append(f.monitoring, job)
	return nil
}

func (f *fakeCache) EnqueueScore(_ context.Context, job model.ScoreJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scores[job.ParticipantID] = job
	f.scoreJobs = append(f.scoreJobs, job)
	return nil
}

func (f *fakeCache) Score(_ context.Context, pid uuid.UUID) (*model.ScoreJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.scores[pid]
	if !ok {
		return nil, nil
	}
	return &job, nil
}
