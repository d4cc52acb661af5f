// Package chain groups related emails into conversation chains and scores
// their completeness, driving the adaptive decision about analysis depth.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"pipeline_server/core/domain"
	"pipeline_server/core/service/triage"
)

// =============================================================================
// Subject Normalization & Grouping
// =============================================================================

var (
	replyPrefixPattern = regexp.MustCompile(`(?i)^(?:(?:re|fwd?|fw|aw)\s*:\s*)+`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

// NormalizeSubject strips reply/forward prefixes, collapses whitespace,
// and lowercases. Deterministic for a given subject.
func NormalizeSubject(subject string) string {
	s := replyPrefixPattern.ReplaceAllString(strings.TrimSpace(subject), "")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}

// SubjectHash is the stable digest of the normalized subject.
func SubjectHash(subject string) string {
	sum := sha256.Sum256([]byte(NormalizeSubject(subject)))
	return hex.EncodeToString(sum[:8])
}

// GroupingKey derives the chain grouping key for an email: the source
// conversation id when present, else normalized subject + sender domain.
func GroupingKey(email *domain.Email) string {
	if email.ConversationID != "" {
		return "conv:" + email.ConversationID
	}
	return fmt.Sprintf("subj:%s:%s", SubjectHash(email.Subject), email.Sender.Domain())
}

// =============================================================================
// Chain Analyzer
// =============================================================================

// EmailReader is the slice of the store the analyzer reads.
type EmailReader interface {
	LinkToChain(ctx context.Context, emailID, chainID int64) error
	ListByChain(ctx context.Context, chainID int64) ([]*domain.Email, error)
}

// ChainStore is the slice of the store the analyzer writes.
type ChainStore interface {
	GetByID(ctx context.Context, id int64) (*domain.Chain, error)
	GetByKey(ctx context.Context, groupingKey string) (*domain.Chain, error)
	Create(ctx context.Context, chain *domain.Chain) (int64, error)
	UpdateRollup(ctx context.Context, chain *domain.Chain) error
}

// Config tunes the analyzer's thresholds.
type Config struct {
	MidThreshold  float64 // recommend Phase 2 at or above (default 0.40)
	HighThreshold float64 // recommend Phase 3 at or above (default 0.70)
}

// DefaultConfig returns the documented thresholds.
func DefaultConfig() *Config {
	return &Config{MidThreshold: 0.40, HighThreshold: 0.70}
}

// rollup is the cached derived state for one chain.
type rollup struct {
	completeness float64
	chainType    domain.ChainType
	recommended  int
	emailCount   int
}

// Analyzer assigns emails to chains and maintains chain rollups.
//
// All mutation of a chain's counters and rollup is serialized by a
// per-chain lock; replaying the same ordered history produces the same
// chain state.
type Analyzer struct {
	emails EmailReader
	chains ChainStore
	config *Config

	mu    sync.Mutex
	locks map[int64]*sync.Mutex  // per-chain serialization
	keyMu map[string]*sync.Mutex // per-grouping-key creation lock
	cache map[int64]*rollup      // derived state, invalidated on change
}

// NewAnalyzer creates a chain analyzer.
func NewAnalyzer(emails EmailReader, chains ChainStore, cfg *Config) *Analyzer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Analyzer{
		emails: emails,
		chains: chains,
		config: cfg,
		locks:  make(map[int64]*sync.Mutex),
		keyMu:  make(map[string]*sync.Mutex),
		cache:  make(map[int64]*rollup),
	}
}

func (a *Analyzer) chainLock(chainID int64) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.locks[chainID]; ok {
		return l
	}
	l := &sync.Mutex{}
	a.locks[chainID] = l
	return l
}

func (a *Analyzer) keyLock(key string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.keyMu[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	a.keyMu[key] = l
	return l
}

// Invalidate drops the cached rollup for a chain. Must be called whenever
// an email is added to the chain or its analysis changes.
func (a *Analyzer) Invalidate(chainID int64) {
	a.mu.Lock()
	delete(a.cache, chainID)
	a.mu.Unlock()
}

func (a *Analyzer) cached(chainID int64) *rollup {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache[chainID]
}

func (a *Analyzer) storeCache(chainID int64, r *rollup) {
	a.mu.Lock()
	a.cache[chainID] = r
	a.mu.Unlock()
}

// Assign attaches the email to its chain (creating the chain on first
// observation), recomputes the rollup, and returns the updated chain.
func (a *Analyzer) Assign(ctx context.Context, email *domain.Email) (*domain.Chain, error) {
	key := GroupingKey(email)

	// Serialize creation per grouping key so concurrent first-observers
	// do not race two chains into existence.
	kl := a.keyLock(key)
	kl.Lock()
	chain, err := a.chains.GetByKey(ctx, key)
	if err != nil {
		kl.Unlock()
		return nil, err
	}
	if chain == nil {
		chain = &domain.Chain{
			GroupingKey:      key,
			SubjectHash:      SubjectHash(email.Subject),
			ChainType:        domain.ChainGeneral,
			RecommendedPhase: 1,
			FirstEmailAt:     email.ReceivedAt,
			LastEmailAt:      email.ReceivedAt,
		}
		id, err := a.chains.Create(ctx, chain)
		if err != nil {
			kl.Unlock()
			return nil, err
		}
		chain.ID = id
	}
	kl.Unlock()

	lock := a.chainLock(chain.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := a.emails.LinkToChain(ctx, email.ID, chain.ID); err != nil {
		return nil, err
	}
	a.Invalidate(chain.ID)

	return a.recomputeLocked(ctx, chain)
}

// Recompute refreshes a chain's rollup after a member's analysis changed.
func (a *Analyzer) Recompute(ctx context.Context, chainID int64) (*domain.Chain, error) {
	chain, err := a.chains.GetByID(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if chain == nil {
		return nil, nil
	}

	lock := a.chainLock(chainID)
	lock.Lock()
	defer lock.Unlock()

	a.Invalidate(chainID)
	return a.recomputeLocked(ctx, chain)
}

// Score returns the chain's completeness and recommended phase, from
// cache when warm.
func (a *Analyzer) Score(ctx context.Context, chainID int64) (float64, int, error) {
	if r := a.cached(chainID); r != nil {
		return r.completeness, r.recommended, nil
	}
	chain, err := a.Recompute(ctx, chainID)
	if err != nil || chain == nil {
		return 0, 1, err
	}
	return chain.CompletenessScore, chain.RecommendedPhase, nil
}

// recomputeLocked rebuilds the rollup from the chain's members. Caller
// holds the chain lock.
func (a *Analyzer) recomputeLocked(ctx context.Context, chain *domain.Chain) (*domain.Chain, error) {
	members, err := a.emails.ListByChain(ctx, chain.ID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return chain, nil
	}

	structural := a.structuralScore(members)
	semantic := a.semanticScore(members)

	score := structural
	if semantic > score {
		score = semantic
	}

	chain.EmailCount = len(members)
	chain.CompletenessScore = score
	chain.ChainType = a.dominantType(members)
	chain.PrimaryWorkflow = string(a.dominantWorkflow(members))
	chain.RecommendedPhase = domain.RecommendPhase(score, a.config.MidThreshold, a.config.HighThreshold)

	first, last := members[0].ReceivedAt, members[0].ReceivedAt
	for _, m := range members[1:] {
		if m.ReceivedAt.Before(first) {
			first = m.ReceivedAt
		}
		if m.ReceivedAt.After(last) {
			last = m.ReceivedAt
		}
	}
	chain.FirstEmailAt = first
	chain.LastEmailAt = last

	if err := a.chains.UpdateRollup(ctx, chain); err != nil {
		return nil, err
	}

	a.storeCache(chain.ID, &rollup{
		completeness: score,
		chainType:    chain.ChainType,
		recommended:  chain.RecommendedPhase,
		emailCount:   chain.EmailCount,
	})

	return chain, nil
}

// structuralScore implements
// min(1, 0.25*count + 0.25*hasReply + 0.25*hasResolution + 0.25*hasActionCompletion).
func (a *Analyzer) structuralScore(members []*domain.Email) float64 {
	var hasReply, hasResolution, hasAction bool
	for _, m := range members {
		text := m.Subject + "\n" + m.BodyPreview
		if m.HasReplyMarker() {
			hasReply = true
		}
		if triage.HasResolutionMarker(text) || hasSignal(m, triage.SignalResolution) {
			hasResolution = true
		}
		if triage.HasActionCompletion(text) || hasSignal(m, triage.SignalActionCompletion) {
			hasAction = true
		}
	}

	score := 0.25 * float64(len(members))
	if hasReply {
		score += 0.25
	}
	if hasResolution {
		score += 0.25
	}
	if hasAction {
		score += 0.25
	}
	if score > 1 {
		score = 1
	}
	return score
}

// semanticScore is the fraction of members where at least one workflow
// signal fired in Phase 1, clamped to [0,1].
func (a *Analyzer) semanticScore(members []*domain.Email) float64 {
	if len(members) == 0 {
		return 0
	}
	fired := 0
	for _, m := range members {
		if m.Phase1Result == nil {
			continue
		}
		for _, s := range m.Phase1Result.Signals {
			if triage.IsWorkflowSignal(s) {
				fired++
				break
			}
		}
	}
	score := float64(fired) / float64(len(members))
	if score > 1 {
		score = 1
	}
	return score
}

// dominantType picks the chain type by priority over observed workflows.
func (a *Analyzer) dominantType(members []*domain.Email) domain.ChainType {
	best := domain.ChainGeneral
	for _, m := range members {
		if m.Phase1Result == nil {
			continue
		}
		if t := m.Phase1Result.WorkflowCategory.ChainTypeOf(); t.Rank() > best.Rank() {
			best = t
		}
	}
	return best
}

// dominantWorkflow picks the highest-ranked Phase 1 category in the chain.
func (a *Analyzer) dominantWorkflow(members []*domain.Email) domain.WorkflowCategory {
	best := domain.WorkflowGeneral
	for _, m := range members {
		if m.Phase1Result == nil {
			continue
		}
		if m.Phase1Result.WorkflowCategory.Rank() > best.Rank() {
			best = m.Phase1Result.WorkflowCategory
		}
	}
	return best
}

func hasSignal(email *domain.Email, signal string) bool {
	if email.Phase1Result == nil {
		return false
	}
	for _, s := range email.Phase1Result.Signals {
		if s == signal {
			return true
		}
	}
	return false
}
