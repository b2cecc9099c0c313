// Package ruleset evaluates the typed RuleNode tree (pkg/types.Ruleset)
// against a candle series, generalizing the teacher's hand-written
// per-strategy OnBar logic (internal/strategy/strategy.go's momentum, mean
// reversion, breakout, trend-following, RSI-divergence and VWAP-reversion
// strategies) into one indicator registry plus one evaluator.
package ruleset

import (
	"math"

	"github.com/atlas-desktop/strategy-evolution/pkg/types"
)

// Series holds the lazily-computed indicator values for one candle slice,
// shared across rule evaluations the way spec.md's BE algorithm step 2
// ("compute indicators lazily per timestep, sharing prefix state") requires.
type Series struct {
	candles []types.OHLCV
	cache   map[string][]float64
}

// NewSeries prepares a Series over candles for repeated rule evaluation.
func NewSeries(candles []types.OHLCV) *Series {
	return &Series{candles: candles, cache: make(map[string][]float64)}
}

func closes(candles []types.OHLCV) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		f, _ := c.Close.Float64()
		out[i] = f
	}
	return out
}

// Value returns ind's value at candle index i, computing and caching the
// full series on first access. Returns (0, false) if there isn't enough
// history yet.
func (s *Series) Value(ind types.Indicator, i int) (float64, bool) {
	key := ind.Name + ":" + itoa(ind.Lookback) + ":" + ind.Field
	vals, ok := s.cache[key]
	if !ok {
		vals = s.compute(ind)
		s.cache[key] = vals
	}
	if i < 0 || i >= len(vals) || math.IsNaN(vals[i]) {
		return 0, false
	}
	return vals[i], true
}

func (s *Series) compute(ind types.Indicator) []float64 {
	n := ind.Lookback
	if n <= 0 {
		n = 14
	}
	switch ind.Name {
	case "sma":
		return sma(closes(s.candles), n)
	case "ema":
		return ema(closes(s.candles), n)
	case "rsi":
		return rsi(closes(s.candles), n)
	case "atr":
		return atr(s.candles, n)
	case "vwap":
		return vwap(s.candles)
	case "macd":
		macdLine, signalLine, hist := macd(closes(s.candles), 12, 26, 9)
		switch ind.Field {
		case "signal":
			return signalLine
		case "histogram":
			return hist
		default:
			return macdLine
		}
	case "bollinger":
		upper, _, lower := bollinger(closes(s.candles), n, 2)
		switch ind.Field {
		case "lower":
			return lower
		default:
			return upper
		}
	case "close":
		return closes(s.candles)
	default:
		out := make([]float64, len(s.candles))
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
}

func nanFill(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func sma(vals []float64, n int) []float64 {
	out := nanFill(len(vals))
	var sum float64
	for i, v := range vals {
		sum += v
		if i >= n {
			sum -= vals[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		}
	}
	return out
}

func ema(vals []float64, n int) []float64 {
	out := nanFill(len(vals))
	if len(vals) == 0 {
		return out
	}
	k := 2.0 / float64(n+1)
	prev := vals[0]
	out[0] = prev
	for i := 1; i < len(vals); i++ {
		prev = vals[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

func rsi(vals []float64, n int) []float64 {
	out := nanFill(len(vals))
	if len(vals) <= n {
		return out
	}
	var gainSum, lossSum float64
	for i := 1; i <= n; i++ {
		delta := vals[i] - vals[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum -= delta
		}
	}
	avgGain := gainSum / float64(n)
	avgLoss := lossSum / float64(n)
	out[n] = rsiFromAvg(avgGain, avgLoss)
	for i := n + 1; i < len(vals); i++ {
		delta := vals[i] - vals[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(n-1) + gain) / float64(n)
		avgLoss = (avgLoss*float64(n-1) + loss) / float64(n)
		out[i] = rsiFromAvg(avgGain, avgLoss)
	}
	return out
}

func rsiFromAvg(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

func macd(vals []float64, fast, slow, signalN int) (line, signal, hist []float64) {
	fastEMA := ema(vals, fast)
	slowEMA := ema(vals, slow)
	line = make([]float64, len(vals))
	for i := range vals {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	signal = ema(line, signalN)
	hist = make([]float64, len(vals))
	for i := range vals {
		hist[i] = line[i] - signal[i]
	}
	return
}

func bollinger(vals []float64, n int, stdDevMult float64) (upper, mid, lower []float64) {
	mid = sma(vals, n)
	upper = nanFill(len(vals))
	lower = nanFill(len(vals))
	for i := range vals {
		if i < n-1 {
			continue
		}
		window := vals[i-n+1 : i+1]
		m := mid[i]
		var sumSq float64
		for _, v := range window {
			d := v - m
			sumSq += d * d
		}
		sd := math.Sqrt(sumSq / float64(n))
		upper[i] = m + stdDevMult*sd
		lower[i] = m - stdDevMult*sd
	}
	return
}

func atr(candles []types.OHLCV, n int) []float64 {
	out := nanFill(len(candles))
	if len(candles) < 2 {
		return out
	}
	trs := make([]float64, len(candles))
	for i, c := range candles {
		high, _ := c.High.Float64()
		low, _ := c.Low.Float64()
		if i == 0 {
			trs[i] = high - low
			continue
		}
		prevClose, _ := candles[i-1].Close.Float64()
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trs[i] = tr
	}
	return sma(trs, n)
}

func vwap(candles []types.OHLCV) []float64 {
	out := nanFill(len(candles))
	var cumPV, cumV float64
	for i, c := range candles {
		high, _ := c.High.Float64()
		low, _ := c.Low.Float64()
		closeP, _ := c.Close.Float64()
		vol, _ := c.Volume.Float64()
		typical := (high + low + closeP) / 3
		cumPV += typical * vol
		cumV += vol
		if cumV > 0 {
			out[i] = cumPV / cumV
		}
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
