package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/core/service/analysis"
	"pipeline_server/core/service/chain"
	"pipeline_server/core/service/triage"
	"pipeline_server/pkg/apperr"
)

// =============================================================================
// Store fakes
// =============================================================================

type memRepo struct {
	mu     sync.Mutex
	emails map[int64]*domain.Email
	chains map[int64]*domain.Chain
	byKey  map[string]int64
	nextID int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		emails: make(map[int64]*domain.Email),
		chains: make(map[int64]*domain.Chain),
		byKey:  make(map[string]int64),
		nextID: 1,
	}
}

func (r *memRepo) add(e *domain.Email) *domain.Email {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = r.nextID
	r.nextID++
	if e.Status == "" {
		e.Status = domain.StatusPending
	}
	r.emails[e.ID] = e
	return e
}

func (r *memRepo) Upsert(_ context.Context, e *domain.Email) (int64, bool, error) {
	r.add(e)
	return e.ID, true, nil
}

func (r *memRepo) GetByID(_ context.Context, id int64) (*domain.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.emails[id]; ok {
		copied := *e
		return &copied, nil
	}
	return nil, apperr.NotFound("email")
}

func (r *memRepo) GetByMessageID(context.Context, string) (*domain.Email, error) {
	return nil, apperr.NotFound("email")
}

func (r *memRepo) UpdateStatus(_ context.Context, id int64, oldStatus, newStatus domain.Status, update *out.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.emails[id]
	if e.Status != oldStatus {
		return apperr.Conflict("status mismatch")
	}
	e.Status = newStatus
	if update != nil && update.ErrorMessage != nil {
		e.ErrorMessage = *update.ErrorMessage
	}
	return nil
}

func (r *memRepo) LinkToChain(_ context.Context, emailID, chainID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.emails[emailID]
	if e.ChainID == nil || *e.ChainID != chainID {
		e.ChainID = &chainID
		r.chains[chainID].EmailCount++
	}
	return nil
}

func (r *memRepo) AppendPhaseResult(_ context.Context, rec *out.PhaseResultRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.emails[rec.EmailID]
	switch rec.Phase {
	case domain.Phase1:
		e.Phase1Result = rec.Result.(*domain.Phase1Result)
	case domain.Phase2:
		e.Phase2Result = rec.Result.(*domain.Phase2Result)
	case domain.Phase3:
		e.Phase3Result = rec.Result.(*domain.Phase3Result)
	}
	if int(rec.Phase) > e.PhaseCompleted {
		e.PhaseCompleted = int(rec.Phase)
	}
	e.ModelUsed = rec.ModelUsed
	return nil
}

func (r *memRepo) ListForProcessing(context.Context, domain.Status, domain.Phase, int) ([]*domain.Email, error) {
	return nil, nil
}

func (r *memRepo) List(context.Context, domain.Status, int, string) (*out.EmailPage, error) {
	return &out.EmailPage{}, nil
}

func (r *memRepo) ListByChain(_ context.Context, chainID int64) ([]*domain.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var members []*domain.Email
	for _, e := range r.emails {
		if e.ChainID != nil && *e.ChainID == chainID {
			copied := *e
			members = append(members, &copied)
		}
	}
	return members, nil
}

func (r *memRepo) ArchiveOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }
func (r *memRepo) CountByStatus(context.Context) (map[domain.Status]int64, error) {
	return nil, nil
}
func (r *memRepo) Ping(context.Context) error { return nil }

// Chain store half, exposed through a view to dodge the GetByID clash.

func (r *memRepo) getChain(id int64) *domain.Chain {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chains[id]
}

func (r *memRepo) GetByKey(_ context.Context, key string) (*domain.Chain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byKey[key]; ok {
		return r.chains[id], nil
	}
	return nil, nil
}

func (r *memRepo) Create(_ context.Context, c *domain.Chain) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.ID = r.nextID
	r.nextID++
	r.chains[c.ID] = c
	r.byKey[c.GroupingKey] = c.ID
	return c.ID, nil
}

func (r *memRepo) UpdateRollup(_ context.Context, c *domain.Chain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[c.ID] = c
	return nil
}

type chainView struct{ *memRepo }

func (v chainView) GetByID(_ context.Context, id int64) (*domain.Chain, error) {
	return v.getChain(id), nil
}

type memBodyStore struct{}

func (memBodyStore) Put(context.Context, int64, string) error { return nil }
func (memBodyStore) Get(context.Context, int64) (string, error) {
	return "", apperr.NotFound("email body")
}
func (memBodyStore) Delete(context.Context, int64) error { return nil }
func (memBodyStore) Ping(context.Context) error          { return nil }

type okRuntime struct{}

func (okRuntime) Complete(_ context.Context, tier out.ModelTier, _ *out.CompletionRequest) (*out.CompletionResult, error) {
	parsed := map[string]any{
		"workflow_validation": "confirmed",
		"risk_assessment":     map[string]any{"level": "low"},
		"executive_summary":   "Chain resolved cleanly.",
		"confidence":          0.8,
	}
	return &out.CompletionResult{Parsed: parsed, Model: string(tier), TokensUsed: 100}, nil
}

func (okRuntime) BreakerState(out.ModelTier) int { return 0 }
func (okRuntime) Ping(context.Context) error     { return nil }

// =============================================================================
// Tests
// =============================================================================

func buildProcessors(repo *memRepo, queue *fakeQueue) (*Phase1Processor, *Phase2Processor, *Phase3Processor, *chain.Analyzer) {
	analyzer := chain.NewAnalyzer(repo, chainView{repo}, nil)
	p1 := NewPhase1Processor(repo, memBodyStore{}, queue, triage.NewEngine(nil), analyzer, nil)
	p2 := NewPhase2Processor(repo, memBodyStore{}, queue, analysis.NewPhase2Analyzer(okRuntime{}), analyzer, nil)
	p3 := NewPhase3Processor(repo, memBodyStore{}, analysis.NewPhase3Analyzer(okRuntime{}), analyzer, chainView{repo}, nil)
	return p1, p2, p3, analyzer
}

func TestPhase2_RefusesBeforePhase1(t *testing.T) {
	repo := newMemRepo()
	queue := &fakeQueue{}
	_, p2, _, _ := buildProcessors(repo, queue)

	e := repo.add(&domain.Email{Subject: "x", ReceivedAt: time.Now().UTC()})

	err := p2.Process(context.Background(), &domain.Job{JobID: "j", Phase: domain.Phase2, EmailIDs: []int64{e.ID}})
	if !apperr.IsCode(err, apperr.CodeConflict) {
		t.Fatalf("err = %v, want CONFLICT (phase ordering)", err)
	}
}

func TestPhase3_RefusesBeforePhase2(t *testing.T) {
	repo := newMemRepo()
	queue := &fakeQueue{}
	_, _, p3, _ := buildProcessors(repo, queue)

	e := repo.add(&domain.Email{
		Subject:        "x",
		ReceivedAt:     time.Now().UTC(),
		Status:         domain.StatusPhase1Complete,
		PhaseCompleted: 1,
		Phase1Result:   &domain.Phase1Result{},
	})

	err := p3.Process(context.Background(), &domain.Job{JobID: "j", Phase: domain.Phase3, EmailIDs: []int64{e.ID}})
	if !apperr.IsCode(err, apperr.CodeConflict) {
		t.Fatalf("err = %v, want CONFLICT (phase 2 required first)", err)
	}
}

func TestPhase1_ReplayIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	queue := &fakeQueue{}
	p1, _, _, analyzer := buildProcessors(repo, queue)
	ctx := context.Background()

	e := repo.add(&domain.Email{
		Subject:    "Urgent: PO 12345678 approval needed",
		BodyText:   "",
		Sender:     domain.Address{Address: "a@x.com"},
		ReceivedAt: time.Now().UTC(),
	})
	if _, err := analyzer.Assign(ctx, repo.emails[e.ID]); err != nil {
		t.Fatal(err)
	}

	job := &domain.Job{JobID: "j", Phase: domain.Phase1, EmailIDs: []int64{e.ID}}
	if err := p1.Process(ctx, job); err != nil {
		t.Fatal(err)
	}
	first, _ := repo.GetByID(ctx, e.ID)
	if first.Status != domain.StatusPhase1Complete || first.PhaseCompleted != 1 {
		t.Fatalf("after run 1: %s/%d", first.Status, first.PhaseCompleted)
	}

	// Redelivery of the same job must not disturb the row.
	if err := p1.Process(ctx, job); err != nil {
		t.Fatal(err)
	}
	again, _ := repo.GetByID(ctx, e.ID)
	if again.Status != first.Status || again.PhaseCompleted != first.PhaseCompleted {
		t.Fatalf("replay changed row: %s/%d", again.Status, again.PhaseCompleted)
	}
}

func TestChainThresholdPromotesSiblings(t *testing.T) {
	repo := newMemRepo()
	queue := &fakeQueue{}
	p1, _, _, analyzer := buildProcessors(repo, queue)
	ctx := context.Background()

	// Four reply emails in one conversation already put the chain past
	// the mid threshold, so triaging them gives every member a Phase 2 job.
	var ids []int64
	for i, body := range []string{
		"Please send a quote for 40 servers",
		"Quote attached, see QT-9987",
		"Reviewing with finance",
		"PO approved, quote accepted. Resolved.",
	} {
		e := repo.add(&domain.Email{
			Subject:        "Re: Server order",
			BodyText:       body,
			BodyPreview:    body,
			ConversationID: "conv-1",
			Sender:         domain.Address{Address: "a@x.com"},
			ReceivedAt:     time.Now().UTC().Add(time.Duration(i) * time.Minute),
		})
		if _, err := analyzer.Assign(ctx, repo.emails[e.ID]); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, e.ID)
	}

	for _, id := range ids {
		if err := p1.Process(ctx, &domain.Job{JobID: "j", Phase: domain.Phase1, EmailIDs: []int64{id}}); err != nil {
			t.Fatal(err)
		}
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	phase2 := make(map[int64]bool)
	for _, job := range queue.jobs {
		if job.Phase == domain.Phase2 {
			for _, id := range job.EmailIDs {
				phase2[id] = true
			}
		}
	}
	for _, id := range ids {
		if !phase2[id] {
			t.Errorf("email %d never promoted to phase 2; jobs=%d", id, len(queue.jobs))
		}
	}
}
