// Package automation turns configured triggers and portfolios into scheduled
// jobs and connects them to persistence, metrics and notifications.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"PortfolioAutopilot/internal/config"
	"PortfolioAutopilot/internal/execlog"
	"PortfolioAutopilot/internal/metrics"
	"PortfolioAutopilot/internal/model"
	"PortfolioAutopilot/internal/notifier"
	"PortfolioAutopilot/internal/oracle"
	"PortfolioAutopilot/internal/rebalance"
	"PortfolioAutopilot/internal/scheduler"
	"PortfolioAutopilot/internal/store"
	"PortfolioAutopilot/internal/swap"
	"PortfolioAutopilot/internal/trigger"
)

const (
	triggerJobPrefix   = "trigger:"
	rebalanceJobPrefix = "rebalance:"
)

// TriggerJobID returns the scheduler job id of a trigger.
func TriggerJobID(id string) string { return triggerJobPrefix + id }

// RebalanceJobID returns the scheduler job id of a portfolio.
func RebalanceJobID(id string) string { return rebalanceJobPrefix + id }

// Deps are the collaborators a Service runs against.
type Deps struct {
	Oracle    oracle.Oracle
	Swap      swap.Client
	Store     store.Store
	Scheduler *scheduler.Scheduler
	Notifier  notifier.Notifier
	Metrics   *metrics.Metrics
}

// Service owns the trigger engines and rebalancers.
type Service struct {
	cfg  *config.Config
	deps Deps

	mu          sync.RWMutex
	engines     map[string]*trigger.Engine
	triggerMu   map[string]*sync.Mutex // serializes a trigger's check and reset, store writes included
	rebalancers map[string]*rebalance.Rebalancer
	failing     map[string]bool
}

// NewService creates a Service. Call Setup before starting the scheduler.
func NewService(cfg *config.Config, deps Deps) *Service {
	if deps.Notifier == nil {
		deps.Notifier = notifier.Noop{}
	}
	return &Service{
		cfg:         cfg,
		deps:        deps,
		engines:     make(map[string]*trigger.Engine),
		triggerMu:   make(map[string]*sync.Mutex),
		rebalancers: make(map[string]*rebalance.Rebalancer),
		failing:     make(map[string]bool),
	}
}

// Setup merges configured triggers with persisted state, builds the engines
// and rebalancers and schedules one job for each.
func (s *Service) Setup(ctx context.Context) error {
	persisted, err := s.deps.Store.LoadTriggers(ctx)
	if err != nil {
		return fmt.Errorf("load persisted triggers: %w", err)
	}
	byID := make(map[string]model.Trigger, len(persisted))
	for _, t := range persisted {
		byID[t.ID] = t
	}

	configured := make(map[string]bool, len(s.cfg.Triggers))
	for _, tc := range s.cfg.Triggers {
		configured[tc.ID] = true
		t := mergeTrigger(tc, byID[tc.ID])
		if err := s.deps.Store.SaveTrigger(ctx, t); err != nil {
			return fmt.Errorf("save trigger %s: %w", t.ID, err)
		}
		if err := s.addTrigger(t); err != nil {
			return err
		}
	}
	for _, t := range persisted {
		if configured[t.ID] || t.Schedule == "" {
			continue
		}
		log.Info().Str("trigger", t.ID).Msg("restoring trigger from store")
		if err := s.addTrigger(t); err != nil {
			log.Warn().Err(err).Str("trigger", t.ID).Msg("skipping persisted trigger")
		}
	}

	for _, rc := range s.cfg.Rebalancers {
		if err := s.addRebalancer(rc); err != nil {
			return err
		}
	}

	s.deps.Scheduler.AddObserver(s)
	if s.deps.Metrics != nil {
		s.deps.Scheduler.AddObserver(s.deps.Metrics)
	}
	log.Info().Int("triggers", len(s.engines)).Int("rebalancers", len(s.rebalancers)).Msg("automation configured")
	return nil
}

// mergeTrigger builds the persisted form of tc. Stored state, baseline
// included, is carried over while the rule (asset, direction, threshold,
// action) is unchanged.
func mergeTrigger(tc config.TriggerConfig, stored model.Trigger) model.Trigger {
	t := model.Trigger{
		ID:               tc.ID,
		Asset:            tc.Asset,
		Direction:        tc.Direction,
		ThresholdPercent: tc.ThresholdPercent,
		BaselinePrice:    tc.BaselinePrice,
		ActionPercent:    tc.ActionPercent,
		Venue:            tc.Venue,
		Schedule:         tc.Schedule,
		Enabled:          tc.IsEnabled(),
	}
	if stored.ID == "" {
		return t
	}
	t.CreatedAt = stored.CreatedAt
	if stored.Asset != t.Asset || stored.Direction != t.Direction ||
		stored.ThresholdPercent != t.ThresholdPercent || stored.ActionPercent != t.ActionPercent {
		log.Info().Str("trigger", t.ID).Msg("trigger rule changed, state reset")
		return t
	}
	if stored.BaselinePrice != tc.BaselinePrice {
		log.Warn().Str("trigger", t.ID).Float64("configured", tc.BaselinePrice).
			Float64("stored", stored.BaselinePrice).
			Msg("stored baseline overrides configured baseline_price, use /reset <id> <baseline> to change it")
	}
	t.BaselinePrice = stored.BaselinePrice
	t.Fired = stored.Fired
	t.CheckCount = stored.CheckCount
	t.LastCheckedAt = stored.LastCheckedAt
	t.FiredAt = stored.FiredAt
	t.TxID = stored.TxID
	return t
}

func (s *Service) addTrigger(t model.Trigger) error {
	signed, err := trigger.SignedPercent(t.Direction, t.ThresholdPercent)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", t.ID, err)
	}
	eng, err := trigger.New(trigger.Config{
		ID:             t.ID,
		Asset:          t.Asset,
		BaselinePrice:  t.BaselinePrice,
		TriggerPercent: signed,
		ActionPercent:  t.ActionPercent,
		Venue:          t.Venue,
	}, trigger.Options{
		Oracle:      s.deps.Oracle,
		Swap:        s.deps.Swap,
		StableAsset: s.cfg.Swap.StableAsset,
		Quote:       s.cfg.Oracle.Quote,
		Slippage:    s.cfg.Swap.Slippage,
	})
	if err != nil {
		return err
	}
	eng.Restore(restoredState(t))

	id := t.ID
	if err := s.deps.Scheduler.ScheduleJob(scheduler.Job{
		ID:          TriggerJobID(id),
		Schedule:    t.Schedule,
		Description: fmt.Sprintf("%s %s %.2f%% from %.4f", t.Asset, t.Direction, t.ThresholdPercent, t.BaselinePrice),
		Enabled:     t.Enabled && !t.Fired,
		Action:      func(ctx context.Context) error { return s.runTrigger(ctx, id) },
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.engines[id] = eng
	if s.triggerMu[id] == nil {
		s.triggerMu[id] = &sync.Mutex{}
	}
	s.mu.Unlock()
	return nil
}

func restoredState(t model.Trigger) trigger.State {
	st := trigger.State{Fired: t.Fired, CheckCount: t.CheckCount, TxID: t.TxID}
	if t.LastCheckedAt != nil {
		st.LastCheckedAt = *t.LastCheckedAt
		st.Phase = trigger.PhaseMonitoring
	}
	if t.FiredAt != nil {
		st.FiredAt = *t.FiredAt
	}
	return st
}

func (s *Service) addRebalancer(rc config.RebalancerConfig) error {
	r, err := rebalance.New(rebalance.Options{
		ID:             rc.ID,
		Targets:        rc.Targets,
		DriftThreshold: rc.DriftThreshold,
		StableAsset:    s.cfg.Swap.StableAsset,
		Quote:          s.cfg.Oracle.Quote,
		Venue:          rc.Venue,
		Slippage:       s.cfg.Swap.Slippage,
	}, s.deps.Oracle, s.deps.Swap)
	if err != nil {
		return err
	}
	id := rc.ID
	if err := s.deps.Scheduler.ScheduleJob(scheduler.Job{
		ID:          RebalanceJobID(id),
		Schedule:    rc.Schedule,
		Description: fmt.Sprintf("rebalance %s, drift threshold %.2f%%", id, rc.DriftThreshold),
		Enabled:     rc.IsEnabled(),
		Action:      func(ctx context.Context) error { return s.runRebalance(ctx, id) },
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.rebalancers[id] = r
	s.mu.Unlock()
	return nil
}

func (s *Service) engine(id string) (*trigger.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eng, ok := s.engines[id]
	if !ok {
		return nil, fmt.Errorf("trigger %s: %w", id, model.ErrNotFound)
	}
	return eng, nil
}

// lockTrigger returns the engine of id with its operation lock held.
func (s *Service) lockTrigger(id string) (*trigger.Engine, func(), error) {
	s.mu.RLock()
	eng, ok := s.engines[id]
	mu := s.triggerMu[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("trigger %s: %w", id, model.ErrNotFound)
	}
	mu.Lock()
	return eng, mu.Unlock, nil
}

func (s *Service) runTrigger(ctx context.Context, id string) error {
	eng, unlock, err := s.lockTrigger(id)
	if err != nil {
		return err
	}
	defer unlock()
	res, runErr := eng.CheckAndExecute(ctx)
	if res.AlreadyFired {
		s.observeTrigger(id, "already_fired", 0)
		return nil
	}

	st := eng.State()
	patch := model.TriggerPatch{CheckCount: &st.CheckCount, LastCheckedAt: &st.LastCheckedAt}
	if res.Fired {
		patch.Fired = &st.Fired
		patch.FiredAt = &st.FiredAt
		patch.TxID = &st.TxID
	}
	if err := s.deps.Store.UpdateTrigger(context.WithoutCancel(ctx), id, patch); err != nil {
		log.Error().Err(err).Str("trigger", id).Msg("persist trigger state")
	}

	switch {
	case runErr != nil:
		s.observeTrigger(id, "error", 0)
		return runErr
	case res.Fired:
		s.observeTrigger(id, "fired", res.Change)
		if s.deps.Metrics != nil {
			s.deps.Metrics.TriggerFired(id, eng.Config().Asset)
		}
		notifier.SendBestEffort(ctx, s.deps.Notifier, notifier.FormatTriggerFired(eng.Config(), res))
		if err := s.deps.Scheduler.DisableJob(TriggerJobID(id)); err != nil {
			log.Warn().Err(err).Str("trigger", id).Msg("disable fired trigger job")
		}
	default:
		s.observeTrigger(id, "monitoring", res.Change)
	}
	return nil
}

func (s *Service) observeTrigger(id, outcome string, change float64) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.TriggerChecked(id, outcome, change)
	}
}

func (s *Service) runRebalance(ctx context.Context, id string) error {
	s.mu.RLock()
	r, ok := s.rebalancers[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("portfolio %s: %w", id, model.ErrNotFound)
	}

	res, err := r.Rebalance(ctx)
	if s.deps.Metrics != nil {
		s.deps.Metrics.Rebalanced(id, res.After, res.Trades)
	}
	if res.After != nil {
		if err := s.deps.Store.RecordSnapshot(context.WithoutCancel(ctx), id, *res.After); err != nil {
			log.Error().Err(err).Str("portfolio", id).Msg("persist snapshot")
		}
	}
	if len(res.Trades) > 0 {
		notifier.SendBestEffort(ctx, s.deps.Notifier, notifier.FormatRebalance(id, res))
	}
	return err
}

// ResetTrigger re-arms a trigger, optionally re-basing it, and re-enables its job.
func (s *Service) ResetTrigger(ctx context.Context, id string, baseline *float64) error {
	eng, unlock, err := s.lockTrigger(id)
	if err != nil {
		return err
	}
	defer unlock()
	if baseline != nil {
		if err := eng.UpdateBaseline(*baseline); err != nil {
			return err
		}
	}
	eng.Reset()

	fired, zero, empty := false, 0, ""
	patch := model.TriggerPatch{Fired: &fired, CheckCount: &zero, TxID: &empty, BaselinePrice: baseline}
	if err := s.deps.Store.UpdateTrigger(ctx, id, patch); err != nil {
		return fmt.Errorf("persist reset of %s: %w", id, err)
	}

	jobID := TriggerJobID(id)
	if err := s.deps.Scheduler.EnableJob(jobID); err != nil {
		return err
	}
	if err := s.deps.Scheduler.StartJob(jobID); err != nil {
		return err
	}
	log.Info().Str("trigger", id).Float64("baseline", eng.Config().BaselinePrice).Msg("trigger reset")
	return nil
}

// UpdateTriggerBaseline re-bases a trigger without re-arming it.
func (s *Service) UpdateTriggerBaseline(ctx context.Context, id string, baseline float64) error {
	eng, unlock, err := s.lockTrigger(id)
	if err != nil {
		return err
	}
	defer unlock()
	if err := eng.UpdateBaseline(baseline); err != nil {
		return err
	}
	return s.deps.Store.UpdateTrigger(ctx, id, model.TriggerPatch{BaselinePrice: &baseline})
}

// TriggerState returns the live engine state of a trigger.
func (s *Service) TriggerState(id string) (trigger.State, error) {
	eng, err := s.engine(id)
	if err != nil {
		return trigger.State{}, err
	}
	return eng.State(), nil
}

// TriggerIDs returns the ids of all managed triggers, sorted.
func (s *Service) TriggerIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.engines))
	for id := range s.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// JobRun notifies on the first failure of a job after a success.
func (s *Service) JobRun(rec model.ExecutionRecord) {
	s.mu.Lock()
	wasFailing := s.failing[rec.JobID]
	s.failing[rec.JobID] = !rec.Success
	s.mu.Unlock()
	if !rec.Success && !wasFailing {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		notifier.SendBestEffort(ctx, s.deps.Notifier, notifier.FormatJobFailure(rec))
	}
}

// JobSkipped implements scheduler.Observer.
func (s *Service) JobSkipped(string) {}

// Statistics returns scheduler statistics.
func (s *Service) Statistics() execlog.Statistics { return s.deps.Scheduler.Statistics() }

// Jobs returns the scheduler job list.
func (s *Service) Jobs() []scheduler.JobStatus { return s.deps.Scheduler.Jobs() }

// History returns the newest execution records. The in-memory log is used
// first and the store fills in after a restart.
func (s *Service) History(limit int) []model.ExecutionRecord {
	if recs := s.deps.Scheduler.History(limit); len(recs) > 0 {
		return recs
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recs, err := s.deps.Store.ExecutionHistory(ctx, limit)
	if err != nil {
		log.Error().Err(err).Msg("load execution history")
		return nil
	}
	return recs
}

// Triggers returns the persisted triggers.
func (s *Service) Triggers(ctx context.Context) ([]model.Trigger, error) {
	return s.deps.Store.LoadTriggers(ctx)
}

// Portfolio returns the latest snapshot of a portfolio.
func (s *Service) Portfolio(ctx context.Context, id string) (model.PortfolioSnapshot, error) {
	snap, err := s.deps.Store.LatestSnapshot(ctx, id)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return snap, fmt.Errorf("portfolio %s: %w", id, err)
	}
	return snap, err
}
