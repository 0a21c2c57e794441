package matching

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/fernhollow/registry/pkg/blocklist"
	"github.com/fernhollow/registry/pkg/decision"
	"github.com/fernhollow/registry/pkg/models"
	"github.com/fernhollow/registry/pkg/tracing"
)

// BlocklistStore loads the blocklist once per scan cycle
type BlocklistStore interface {
	List(ctx context.Context) ([]models.BlocklistEntry, error)
}

// DecisionStore is the candidate persistence the scanner needs beyond generation
type DecisionStore interface {
	ListPending(ctx context.Context, kind models.EntityKind, tier models.DecisionTier, limit int) ([]models.MatchCandidate, error)
	SetTier(ctx context.Context, id string, tier models.DecisionTier) error
	UpdateStatus(ctx context.Context, id string, status models.MatchCandidateStatus, resolvedBy string) error
}

// EntityAgeStore answers which side of a pair is older
type EntityAgeStore interface {
	Get(ctx context.Context, id string) (*models.Entity, error)
}

// Merger executes automatic merges
type Merger interface {
	Merge(ctx context.Context, winnerID, loserID, reason, createdBy string) (*models.MergeRecord, error)
}

// ScannerConfig tunes the periodic match scan
type ScannerConfig struct {
	Interval         time.Duration
	DecisionBatch    int
	AutoMergeEnabled bool
}

const systemActor = "system:decision-engine"

// Scanner periodically regenerates match candidates across the whole registry
// and applies the decision engine to everything pending. Ingestion-time
// generation catches fresh duplicates; the scan catches pairs that only became
// comparable later, after an identifier or link landed on the other side.
type Scanner struct {
	config     ScannerConfig
	generator  *Generator
	candidates DecisionStore
	entities   EntityAgeStore
	blocklists BlocklistStore
	engine     *decision.Engine
	merger     Merger
	logger     ectologger.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stoppedC chan struct{}
}

// NewScanner creates a match scanner
func NewScanner(config ScannerConfig, generator *Generator, candidates DecisionStore, entities EntityAgeStore, blocklists BlocklistStore, engine *decision.Engine, merger Merger, logger ectologger.Logger) *Scanner {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.DecisionBatch <= 0 {
		config.DecisionBatch = 200
	}
	return &Scanner{
		config:     config,
		generator:  generator,
		candidates: candidates,
		entities:   entities,
		blocklists: blocklists,
		engine:     engine,
		merger:     merger,
		logger:     logger,
	}
}

// Start begins the scan loop
func (s *Scanner) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedC = make(chan struct{})
	go s.scanLoop(ctx)
	s.logger.WithContext(ctx).Info("Match scanner started")
}

// Stop halts the scan loop, waiting for an in-flight cycle to finish
func (s *Scanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	stopped := s.stoppedC
	s.mu.Unlock()

	select {
	case <-stopped:
		s.logger.WithContext(ctx).Info("Match scanner stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Match scanner shutdown timed out")
		return ctx.Err()
	}
}

func (s *Scanner) scanLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.RunCycle(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle executes one scan and decision pass. Exported so the match run
// endpoint can trigger a cycle on demand.
func (s *Scanner) RunCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "matching.Scanner.RunCycle")
	defer span.End()

	entries, err := s.blocklists.List(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to load blocklist for scan")
		return
	}
	block := blocklist.NewSnapshot(entries)

	generated := 0
	for _, kind := range []models.EntityKind{models.EntityKindPerson, models.EntityKindCat, models.EntityKindPlace} {
		count, err := s.generator.Scan(ctx, kind, block)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"kind": kind}).Error("Match scan failed")
			continue
		}
		generated += count
	}

	decided := s.decidePending(ctx, block)
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"generated": generated,
		"decided":   decided,
	}).Info("Match scan cycle complete")
}

func (s *Scanner) decidePending(ctx context.Context, block *blocklist.Snapshot) int {
	pending, err := s.candidates.ListPending(ctx, "", "", s.config.DecisionBatch)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list pending candidates")
		return 0
	}

	decided := 0
	for i := range pending {
		if err := s.decide(ctx, &pending[i], block); err != nil {
			s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"candidate_id": pending[i].ID,
			}).Warn("Failed to decide match candidate")
			continue
		}
		decided++
	}
	return decided
}

func (s *Scanner) decide(ctx context.Context, candidate *models.MatchCandidate, block *blocklist.Snapshot) error {
	evidence := candidate.Evidence.GetValue()

	// Re-check against the current blocklist. The evidence carries the flags
	// from generation time, and entries added since then must still veto.
	if block != nil {
		for i := range evidence.SharedIdentifiers {
			shared := &evidence.SharedIdentifiers[i]
			if !shared.Blocked && block.IsBlocked(shared.Type, shared.NormalizedValue) {
				shared.Blocked = true
			}
		}
	}

	result := s.engine.Decide(evidence)

	switch result.Tier {
	case models.DecisionTierReject:
		return s.candidates.UpdateStatus(ctx, candidate.ID, models.MatchCandidateStatusRejected, systemActor)
	case models.DecisionTierAutoMerge:
		if !s.config.AutoMergeEnabled {
			return s.candidates.SetTier(ctx, candidate.ID, models.DecisionTierReview)
		}
		return s.autoMerge(ctx, candidate, result.Reason)
	default:
		if candidate.Tier == models.DecisionTierReview {
			return nil
		}
		return s.candidates.SetTier(ctx, candidate.ID, models.DecisionTierReview)
	}
}

// autoMerge keeps the older entity as the winner so external references stay
// stable for as long as possible
func (s *Scanner) autoMerge(ctx context.Context, candidate *models.MatchCandidate, reason string) error {
	a, err := s.entities.Get(ctx, candidate.EntityAID)
	if err != nil {
		return err
	}
	b, err := s.entities.Get(ctx, candidate.EntityBID)
	if err != nil {
		return err
	}

	// Either side may have been merged by a race since generation. Skip, not
	// retry; the candidate is stale.
	if a.MergedInto != nil || b.MergedInto != nil {
		return s.candidates.UpdateStatus(ctx, candidate.ID, models.MatchCandidateStatusExpired, systemActor)
	}

	winner, loser := a, b
	if b.CreatedAt.Before(a.CreatedAt) {
		winner, loser = b, a
	}

	if err := s.candidates.SetTier(ctx, candidate.ID, models.DecisionTierAutoMerge); err != nil {
		return err
	}

	// Accept before merging. The merge expires every pending candidate
	// touching the loser; this one drove the merge and must not read as stale.
	if err := s.candidates.UpdateStatus(ctx, candidate.ID, models.MatchCandidateStatusAccepted, systemActor); err != nil {
		return err
	}

	_, err = s.merger.Merge(ctx, winner.ID, loser.ID, reason, systemActor)
	return err
}
