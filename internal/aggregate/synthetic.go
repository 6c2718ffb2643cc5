package aggregate

import (
	"math"
	"math/rand"
	"time"

	"github.com/fractal-lba/profitcast/internal/api"
)

// SyntheticParams shape a generated series.
type SyntheticParams struct {
	BaseRevenue    float64
	MonthlyGrowth  float64
	MonthAmplitude float64
	WeekAmplitude  float64
	WeekendFactor  float64
	NoiseStd       float64
	SpikeProb      float64
	SpikeFactor    float64
	DipProb        float64
	DipFactor      float64
	StartSubs      int
	MinSubs        int
	ChurnRate      float64
	BaseCost       float64
	CostPerSub     float64
}

// DefaultSyntheticParams describes a small subscription business growing
// about 4% a month.
func DefaultSyntheticParams() SyntheticParams {
	return SyntheticParams{
		BaseRevenue:    400,
		MonthlyGrowth:  1.04,
		MonthAmplitude: 0.4,
		WeekAmplitude:  0.2,
		WeekendFactor:  0.6,
		NoiseStd:       0.5,
		SpikeProb:      0.05,
		SpikeFactor:    2.0,
		DipProb:        0.04,
		DipFactor:      0.5,
		StartSubs:      20,
		MinSubs:        15,
		ChurnRate:      0.02,
		BaseCost:       40,
		CostPerSub:     0.8,
	}
}

// Synthesizer generates plausible daily records from an injected random
// source.
type Synthesizer struct {
	rng    *rand.Rand
	params SyntheticParams
}

// NewSynthesizer seeds a Synthesizer with default parameters.
func NewSynthesizer(seed int64) *Synthesizer {
	return NewSynthesizerWithRand(rand.New(rand.NewSource(seed)), DefaultSyntheticParams())
}

// NewSynthesizerWithRand uses the given generator and parameters.
func NewSynthesizerWithRand(rng *rand.Rand, params SyntheticParams) *Synthesizer {
	return &Synthesizer{rng: rng, params: params}
}

// Generate returns days records ending the day before end.
func (s *Synthesizer) Generate(end time.Time, days int) []api.DailyMetricRecord {
	p := s.params
	start := api.Day(end).AddDate(0, 0, -days)
	subs := p.StartSubs
	out := make([]api.DailyMetricRecord, 0, days)

	for i := 0; i < days; i++ {
		date := start.AddDate(0, 0, i)
		fi := float64(i)

		month := 1 + p.MonthAmplitude*math.Sin(2*math.Pi*fi/30)
		week := 1 + p.WeekAmplitude*math.Sin(2*math.Pi*fi/7)
		weekend := 1.0
		if api.IsWeekend(api.Weekday(date)) {
			weekend = p.WeekendFactor
		}
		trend := math.Pow(p.MonthlyGrowth, fi/30)

		noise := 1 + s.rng.NormFloat64()*p.NoiseStd
		spike, dip := 1.0, 1.0
		if s.rng.Float64() < p.SpikeProb {
			spike = p.SpikeFactor
		}
		if s.rng.Float64() < p.DipProb {
			dip = p.DipFactor
		}
		revenue := p.BaseRevenue * trend * month * week * weekend * noise * spike * dip

		lambda := 1.0
		if i%7 < 5 {
			lambda = 2.0
		}
		signups := poisson(s.rng, lambda)
		churn := binomial(s.rng, subs, p.ChurnRate)
		subs = subs + signups - churn
		if subs < p.MinSubs {
			subs = p.MinSubs
		}

		cost := p.BaseCost + p.CostPerSub*float64(subs) + uniform(s.rng, -15, 25)
		profit := revenue - cost

		users := int(float64(subs) * uniform(s.rng, 0.5, 0.9))
		minutes := users * (20 + s.rng.Intn(160))

		freeShare := 0.3 + uniform(s.rng, -0.1, 0.1)
		proShare := 0.5 + uniform(s.rng, -0.1, 0.1)
		free := int(float64(subs) * freeShare)
		pro := int(float64(subs) * proShare)
		premium := subs - free - pro
		if premium < 0 {
			premium = 0
		}

		rec := api.NewDailyMetricRecord(date, math.Max(0, revenue), math.Max(0, cost), subs, users, minutes, map[string]int{
			"plan_free":    free,
			"plan_pro":     pro,
			"plan_premium": premium,
		})
		// profit is taken before clamping so loss days keep their sign
		rec.Profit = profit
		out = append(out, rec)
	}
	return out
}

func uniform(r *rand.Rand, lo, hi float64) float64 {
	return lo + r.Float64()*(hi-lo)
}

// poisson draws by Knuth's multiplication method, adequate for small lambda.
func poisson(r *rand.Rand, lambda float64) int {
	limit := math.Exp(-lambda)
	k, p := 0, 1.0
	for {
		p *= r.Float64()
		if p <= limit {
			return k
		}
		k++
	}
}

func binomial(r *rand.Rand, n int, p float64) int {
	k := 0
	for i := 0; i < n; i++ {
		if r.Float64() < p {
			k++
		}
	}
	return k
}
