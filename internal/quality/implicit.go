package quality

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/scrypster/keepsake/pkg/types"
)

// ImplicitProvider scores memories from local signals only: content shape,
// tagging discipline, and access behavior. It is the default provider
// because it costs nothing and needs no credentials; its confidence is
// deliberately modest.
type ImplicitProvider struct {
	// Now is injectable for deterministic tests.
	Now func() time.Time
}

// NewImplicitProvider returns the default signal-based provider.
func NewImplicitProvider() *ImplicitProvider {
	return &ImplicitProvider{Now: time.Now}
}

func (p *ImplicitProvider) Name() string { return ProviderImplicit }

// Score combines four signals, each in [0,1]:
//
//	content  (0.35): length sweet spot and structural richness
//	tags     (0.20): tagged memories are easier to resurface
//	access   (0.30): log-scaled access count
//	recency  (0.15): how recently the memory was last accessed
func (p *ImplicitProvider) Score(_ context.Context, m *types.Memory) (*Assessment, error) {
	now := p.Now()

	content := contentSignal(m.Content)
	tags := tagSignal(len(m.Tags))
	access := accessSignal(m)
	recency := recencySignal(m, now)

	score := 0.35*content + 0.20*tags + 0.30*access + 0.15*recency

	return &Assessment{
		Score:        clamp01(score),
		Confidence:   0.5,
		Provider:     ProviderImplicit,
		CalculatedAt: types.UnixSeconds(now),
	}, nil
}

// contentSignal rewards substantial but not bloated content, with a bonus
// for visible structure (lists, code fences, multiple paragraphs).
func contentSignal(content string) float64 {
	n := len(content)
	var base float64
	switch {
	case n == 0:
		return 0
	case n < 30:
		base = 0.2
	case n < 100:
		base = 0.5
	case n <= 2000:
		base = 0.8
	case n <= 5000:
		base = 0.6
	default:
		base = 0.4
	}

	structured := strings.Contains(content, "\n- ") ||
		strings.Contains(content, "\n* ") ||
		strings.Contains(content, "```") ||
		strings.Count(content, "\n\n") >= 2
	if structured {
		base += 0.2
	}
	return clamp01(base)
}

func tagSignal(tagCount int) float64 {
	switch {
	case tagCount == 0:
		return 0.2
	case tagCount <= 4:
		return 0.9
	default:
		return 0.6 // over-tagging dilutes meaning
	}
}

func accessSignal(m *types.Memory) float64 {
	count, _ := m.MetaInt(types.MetaAccessCount)
	if count <= 0 {
		return 0.3 // unaccessed is neutral-low, not zero: new memories start here
	}
	// log2 scaling: 1 access ~ 0.4, 8 ~ 0.7, 64+ ~ 1.0
	return clamp01(0.3 + 0.1*math.Log2(float64(count)+1))
}

func recencySignal(m *types.Memory, now time.Time) float64 {
	lastAccess, ok := m.MetaFloat(types.MetaLastAccessedAt)
	if !ok || lastAccess <= 0 {
		lastAccess = m.CreatedAt
	}
	if lastAccess <= 0 {
		return 0.5
	}
	days := (types.UnixSeconds(now) - lastAccess) / 86400
	switch {
	case days < 0:
		return 0.5
	case days <= 7:
		return 1.0
	case days <= 30:
		return 0.7
	case days <= 90:
		return 0.4
	default:
		return 0.2
	}
}
