package consolidation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

// ErrRunning is returned by Run when a consolidation pass is already in
// progress. Passes rewrite scores and create memories, so they never
// overlap.
var ErrRunning = errors.New("consolidation already running")

// maxReportErrors caps how many per-item failures a report carries. Runs
// over large stores keep going past individual bad rows; the report keeps
// the first few messages and the total count.
const maxReportErrors = 20

// Store is the slice of the storage contract the engine needs. Every
// storage.Storage satisfies it. Backends that additionally implement
// storage.Pager or storage.AssociationLister get cheaper scans and
// connection counts.
type Store interface {
	// GetAll lists live memories, paged.
	GetAll(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error)

	// Store persists a new memory.
	Store(ctx context.Context, memory *types.Memory) error

	// UpdateBatch persists mutated memories in one transaction.
	UpdateBatch(ctx context.Context, memories []*types.Memory) ([]storage.BatchResult, error)

	// StoreAssociation upserts a graph edge.
	StoreAssociation(ctx context.Context, a *types.Association) error

	// FindConnected walks the graph from one memory.
	FindConnected(ctx context.Context, contentHash string, maxHops int, direction storage.GraphDirection) ([]storage.ConnectedMemory, error)
}

// GraphMode controls how discovered associations are persisted.
type GraphMode string

const (
	// GraphOnly writes associations to the graph tables only.
	GraphOnly GraphMode = "graph_only"
	// MemoriesOnly records each association as a regular memory instead
	// of a graph edge, for backends without graph support.
	MemoriesOnly GraphMode = "memories_only"
	// DualWrite writes both forms.
	DualWrite GraphMode = "dual_write"
)

// ParseGraphMode validates a graph storage mode name. Empty maps to
// GraphOnly.
func ParseGraphMode(s string) (GraphMode, error) {
	switch GraphMode(s) {
	case "":
		return GraphOnly, nil
	case GraphOnly, MemoriesOnly, DualWrite:
		return GraphMode(s), nil
	default:
		return "", fmt.Errorf("unknown graph storage mode %q (want graph_only, memories_only, or dual_write)", s)
	}
}

// Config tunes the consolidation passes. Zero values fall back to the
// documented defaults.
type Config struct {
	// DecayRates maps memory types to decay constants in 1/day. Types
	// without an entry use the standard rate.
	DecayRates map[string]float64

	// QualitySlowDecayThreshold is the quality score at which a memory
	// earns the slower decay rate. Default 0.7.
	QualitySlowDecayThreshold float64

	// BoostEnabled turns the connection-count quality boost on. The
	// boost multiplies quality by QualityBoostFactor for memories with
	// at least MinConnectionsForBoost graph edges, once per memory.
	BoostEnabled           bool
	MinConnectionsForBoost int     // default 5
	QualityBoostFactor     float64 // default 1.2

	// Association discovery keeps sampled pairs whose cosine similarity
	// falls in [MinSimilarity, MaxSimilarity]. Pairs above the ceiling
	// are near-duplicates and below the floor are noise.
	AssociationMinSimilarity float64 // default 0.3
	AssociationMaxSimilarity float64 // default 0.7
	SampleNeighbors          int     // candidate partners per memory, default 8
	MaxAssociationsPerRun    int     // default 100
	GraphMode                GraphMode

	// Clustering.
	ClusterEps        float64 // cosine distance neighborhood radius, default 0.35
	ClusterMinSamples int     // DBSCAN core threshold, floor 5

	// Forgetting. Memories below the relevance threshold that have not
	// been accessed for ArchiveInactiveDays and have outlived their
	// quality tier's retention window are archived.
	ArchiveRelevanceThreshold float64 // default 0.1
	ArchiveInactiveDays       float64 // default 90

	// BatchSize bounds both page reads and batched writes.
	BatchSize int // default 200

	// Seed fixes the association sampler's randomness. Zero seeds from
	// the clock.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.DecayRates == nil {
		c.DecayRates = DefaultDecayRates()
	}
	if c.QualitySlowDecayThreshold <= 0 {
		c.QualitySlowDecayThreshold = defaultQualitySlowDecayThreshold
	}
	if c.MinConnectionsForBoost <= 0 {
		c.MinConnectionsForBoost = 5
	}
	if c.QualityBoostFactor <= 0 {
		c.QualityBoostFactor = 1.2
	}
	if c.AssociationMinSimilarity <= 0 {
		c.AssociationMinSimilarity = 0.3
	}
	if c.AssociationMaxSimilarity <= 0 {
		c.AssociationMaxSimilarity = 0.7
	}
	if c.SampleNeighbors <= 0 {
		c.SampleNeighbors = 8
	}
	if c.MaxAssociationsPerRun <= 0 {
		c.MaxAssociationsPerRun = 100
	}
	if c.GraphMode == "" {
		c.GraphMode = GraphOnly
	}
	if c.ClusterEps <= 0 {
		c.ClusterEps = 0.35
	}
	if c.ClusterMinSamples < 5 {
		c.ClusterMinSamples = 5
	}
	if c.ArchiveRelevanceThreshold <= 0 {
		c.ArchiveRelevanceThreshold = 0.1
	}
	if c.ArchiveInactiveDays <= 0 {
		c.ArchiveInactiveDays = 90
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	return c
}

// Report summarizes one consolidation run.
type Report struct {
	Horizon             Horizon  `json:"horizon"`
	StartedAt           float64  `json:"started_at"`
	FinishedAt          float64  `json:"finished_at"`
	DurationMS          int64    `json:"duration_ms"`
	MemoriesScanned     int      `json:"memories_scanned"`
	RelevanceUpdated    int      `json:"relevance_updated"`
	QualityBoosts       int      `json:"quality_boosts"`
	AssociationsCreated int      `json:"associations_created"`
	AssociationMemories int      `json:"association_memories,omitempty"`
	ClustersFound       int      `json:"clusters_found"`
	ClustersCompressed  int      `json:"clusters_compressed"`
	Archived            int      `json:"archived"`
	ErrorCount          int      `json:"error_count,omitempty"`
	Errors              []string `json:"errors,omitempty"`
}

func (r *Report) addError(err error) {
	r.ErrorCount++
	if len(r.Errors) < maxReportErrors {
		r.Errors = append(r.Errors, err.Error())
	}
}

// Status describes the engine for health and tool responses.
type Status struct {
	Running   bool    `json:"running"`
	LastRun   *Report `json:"last_run,omitempty"`
	LastError string  `json:"last_error,omitempty"`
}

// Engine runs consolidation passes over a memory store. A single Engine
// serializes its runs; concurrent Run calls beyond the first fail with
// ErrRunning.
type Engine struct {
	store Store
	cfg   Config
	rng   *rand.Rand

	mu         sync.Mutex
	running    bool
	lastReport *Report
	lastErr    error
}

// New builds an engine over the given store. The zero Config selects all
// defaults.
func New(store Store, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Engine{
		store: store,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Status reports whether a run is active and the outcome of the last one.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{Running: e.running, LastRun: e.lastReport}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// Run executes the passes selected by the horizon and returns a report of
// what changed. Daily recalculates relevance and quality boosts; weekly
// adds association discovery and archival; monthly adds cluster
// compression. Run honors ctx between batches, so a cancelled run leaves
// previously committed batches in place.
func (e *Engine) Run(ctx context.Context, horizon Horizon) (*Report, error) {
	if horizon == "" {
		horizon = HorizonDaily
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrRunning
	}
	e.running = true
	e.mu.Unlock()

	start := time.Now()
	report := &Report{Horizon: horizon, StartedAt: types.UnixSeconds(start)}

	err := e.run(ctx, horizon, report)

	finish := time.Now()
	report.FinishedAt = types.UnixSeconds(finish)
	report.DurationMS = finish.Sub(start).Milliseconds()

	e.mu.Lock()
	e.running = false
	e.lastReport = report
	e.lastErr = err
	e.mu.Unlock()

	if err != nil {
		return report, err
	}
	return report, nil
}

func (e *Engine) run(ctx context.Context, horizon Horizon, report *Report) error {
	memories, err := e.collect(ctx)
	if err != nil {
		return fmt.Errorf("collecting memories: %w", err)
	}
	report.MemoriesScanned = len(memories)

	if err := e.relevancePass(ctx, memories, report); err != nil {
		return fmt.Errorf("relevance pass: %w", err)
	}
	if horizon == HorizonWeekly || horizon == HorizonMonthly {
		if err := e.associationPass(ctx, memories, report); err != nil {
			return fmt.Errorf("association pass: %w", err)
		}
	}
	if horizon == HorizonMonthly {
		if err := e.clusterPass(ctx, memories, report); err != nil {
			return fmt.Errorf("cluster pass: %w", err)
		}
	}
	if horizon == HorizonWeekly || horizon == HorizonMonthly {
		if err := e.forgetPass(ctx, memories, report); err != nil {
			return fmt.Errorf("forgetting pass: %w", err)
		}
	}
	return nil
}

// collect loads every live memory. Backends with a Pager stream in stable
// creation order; others are paged through GetAll.
func (e *Engine) collect(ctx context.Context) ([]*types.Memory, error) {
	var out []*types.Memory
	if pager, ok := e.store.(storage.Pager); ok {
		for offset := 0; ; offset += e.cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			page, err := pager.Page(ctx, e.cfg.BatchSize, offset)
			if err != nil {
				return nil, err
			}
			out = append(out, page...)
			if len(page) < e.cfg.BatchSize {
				return out, nil
			}
		}
	}
	// GetAll clamps page sizes to 100.
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := e.store.GetAll(ctx, storage.ListOptions{Page: page, PageSize: 100})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < 100 {
			return out, nil
		}
	}
}

// relevancePass recalculates every live memory's relevance score and
// applies pending quality boosts, writing changed memories back in
// batched transactions. The boost runs before the relevance calculation
// so the raised quality immediately slows decay.
func (e *Engine) relevancePass(ctx context.Context, memories []*types.Memory, report *Report) error {
	now := time.Now()

	for start := 0; start < len(memories); start += e.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + e.cfg.BatchSize
		if end > len(memories) {
			end = len(memories)
		}

		var changed []*types.Memory
		for _, m := range memories[start:end] {
			if m.MetaBool(types.MetaArchived) {
				continue
			}

			boosted := false
			if e.cfg.BoostEnabled && !m.MetaBool(types.MetaQualityBoostApplied) {
				if _, scored := m.MetaFloat(types.MetaQualityScore); scored {
					n, err := e.connectionCount(ctx, m.ContentHash)
					if err != nil {
						report.addError(fmt.Errorf("counting connections for %s: %w", shortHash(m.ContentHash), err))
					} else {
						boosted = applyQualityBoost(m, n, now, e.cfg.MinConnectionsForBoost, e.cfg.QualityBoostFactor)
						if boosted {
							report.QualityBoosts++
						}
					}
				}
			}

			score := Relevance(m, now, e.cfg.DecayRates, e.cfg.QualitySlowDecayThreshold)
			if ApplyRelevance(m, score, now) || boosted {
				changed = append(changed, m)
			}
		}

		if len(changed) == 0 {
			continue
		}
		results, err := e.store.UpdateBatch(ctx, changed)
		if err != nil {
			return err
		}
		for _, res := range results {
			if res.Err != nil {
				report.addError(fmt.Errorf("updating %s: %w", shortHash(res.ContentHash), res.Err))
				continue
			}
			report.RelevanceUpdated++
		}
	}
	return nil
}

// connectionCount returns how many graph edges touch a memory. Backends
// with an AssociationLister answer from the edge table; others are
// counted through a one-hop traversal.
func (e *Engine) connectionCount(ctx context.Context, contentHash string) (int, error) {
	if lister, ok := e.store.(storage.AssociationLister); ok {
		edges, err := lister.AssociationsFor(ctx, contentHash)
		if err != nil {
			return 0, err
		}
		return len(edges), nil
	}
	connected, err := e.store.FindConnected(ctx, contentHash, 1, storage.DirectionBoth)
	if err != nil {
		return 0, err
	}
	return len(connected), nil
}

// Recommendations describes what a consolidation run would find, without
// changing anything.
type Recommendations struct {
	TotalScanned      int     `json:"total_scanned"`
	StaleRelevance    int     `json:"stale_relevance"`
	ArchiveCandidates int     `json:"archive_candidates"`
	Clusterable       int     `json:"clusterable"`
	UnscoredQuality   int     `json:"unscored_quality"`
	SuggestedHorizon  Horizon `json:"suggested_horizon"`
}

// Recommend inspects the store and suggests which horizon is worth
// running. Relevance scores older than a week count as stale.
func (e *Engine) Recommend(ctx context.Context) (*Recommendations, error) {
	memories, err := e.collect(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	nowSec := types.UnixSeconds(now)
	rec := &Recommendations{TotalScanned: len(memories)}

	for _, m := range memories {
		if m.MetaBool(types.MetaArchived) {
			continue
		}
		calcAt, ok := m.MetaFloat(types.MetaRelevanceCalculatedAt)
		if !ok || nowSec-calcAt > 7*secondsPerDay {
			rec.StaleRelevance++
		}
		if _, scored := m.MetaFloat(types.MetaQualityScore); !scored {
			rec.UnscoredQuality++
		}
		if archiveEligible(m, now, e.cfg) {
			rec.ArchiveCandidates++
		}
		if len(m.Embedding) > 0 && !m.HasTag(TagCompressedCluster) {
			rec.Clusterable++
		}
	}

	switch {
	case rec.Clusterable >= e.cfg.ClusterMinSamples && rec.ArchiveCandidates > 0:
		rec.SuggestedHorizon = HorizonMonthly
	case rec.ArchiveCandidates > 0 || rec.StaleRelevance > 0:
		rec.SuggestedHorizon = HorizonWeekly
	default:
		rec.SuggestedHorizon = HorizonDaily
	}
	return rec, nil
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
