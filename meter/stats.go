package meter

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	relay "github.com/fixci/relay"
)

// ProviderStats is the running total for one backend.
type ProviderStats struct {
	Provider        string          `json:"provider"`
	Analyses        int64           `json:"analyses"`
	Failures        int64           `json:"failures"`
	AvgProcessingMs int64           `json:"avg_processing_ms"`
	TotalTokens     int64           `json:"total_tokens"`
	TotalCostUSD    decimal.Decimal `json:"total_cost_usd"`
	AvgConfidence   float64         `json:"avg_confidence"`

	totalDurationMs int64
	totalConfidence float64
}

// StatsMeter aggregates per-provider totals in memory.
type StatsMeter struct {
	mu    sync.Mutex
	stats map[string]*ProviderStats
}

var _ relay.Meter = (*StatsMeter)(nil)

func NewStatsMeter() *StatsMeter {
	return &StatsMeter{stats: make(map[string]*ProviderStats)}
}

func (m *StatsMeter) OnAttempt(relay.AttemptEvent)     {}
func (m *StatsMeter) OnAdmission(relay.AdmissionEvent) {}

func (m *StatsMeter) OnResult(e relay.ResultEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stats[e.Provider]
	if !ok {
		s = &ProviderStats{Provider: e.Provider, TotalCostUSD: decimal.Zero}
		m.stats[e.Provider] = s
	}
	if !e.Success {
		s.Failures++
		return
	}
	s.Analyses++
	s.totalDurationMs += e.Duration.Milliseconds()
	s.totalConfidence += e.Confidence
	s.TotalTokens += e.Usage.TotalTokens
	s.TotalCostUSD = s.TotalCostUSD.Add(e.CostUSD)
	s.AvgProcessingMs = s.totalDurationMs / s.Analyses
	s.AvgConfidence = s.totalConfidence / float64(s.Analyses)
}

// Snapshot returns a copy of the totals ordered by analysis count, busiest first.
func (m *StatsMeter) Snapshot() []ProviderStats {
	m.mu.Lock()
	out := make([]ProviderStats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Analyses != out[j].Analyses {
			return out[i].Analyses > out[j].Analyses
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}
