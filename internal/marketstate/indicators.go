package marketstate

import (
	"time"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"indiaoptions-bot/pkg/types"
)

const (
	rsiPeriod  = 14
	bollPeriod = 20
	atrPeriod  = 14

	// One full session of minute bars (09:15–15:30).
	maxBars = 375
)

type bar struct {
	minute time.Time
	open   float64
	high   float64
	low    float64
	close  float64
	volume float64
}

// SpotSeries accumulates spot observations into minute bars and computes the
// technical indicators for one underlying. Owned by the market-data loop;
// not safe for concurrent use. Readers get indicator values through the
// published Snapshot, never from the series directly.
type SpotSeries struct {
	symbol string
	bars   []bar
}

func NewSpotSeries(symbol string) *SpotSeries {
	return &SpotSeries{symbol: symbol}
}

// Observe folds one spot observation into the current minute bar.
// Observations are assumed non-decreasing in time; a new minute opens a new
// bar and the window is capped to one session. A day roll clears the window
// so yesterday's bars never feed today's indicators.
func (s *SpotSeries) Observe(price, volume float64, at time.Time) {
	minute := at.Truncate(time.Minute)
	if n := len(s.bars); n > 0 {
		y1, m1, d1 := s.bars[n-1].minute.Date()
		y2, m2, d2 := minute.Date()
		if y1 != y2 || m1 != m2 || d1 != d2 {
			s.Reset()
		}
	}
	if n := len(s.bars); n > 0 && s.bars[n-1].minute.Equal(minute) {
		b := &s.bars[n-1]
		if price > b.high {
			b.high = price
		}
		if price < b.low {
			b.low = price
		}
		b.close = price
		b.volume += volume
		return
	}
	s.bars = append(s.bars, bar{
		minute: minute,
		open:   price,
		high:   price,
		low:    price,
		close:  price,
		volume: volume,
	})
	if len(s.bars) > maxBars {
		s.bars = s.bars[len(s.bars)-maxBars:]
	}
}

// Len reports how many minute bars the series holds.
func (s *SpotSeries) Len() int { return len(s.bars) }

// Reset clears the window.
func (s *SpotSeries) Reset() { s.bars = s.bars[:0] }

// Compute returns the indicator set for the current window. Indicators whose
// lookback exceeds the window report zero; callers treat zero as "not ready".
func (s *SpotSeries) Compute() types.Indicators {
	n := len(s.bars)
	if n == 0 {
		return types.Indicators{}
	}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	vols := make([]float64, n)
	for i, b := range s.bars {
		closes[i] = b.close
		highs[i] = b.high
		lows[i] = b.low
		vols[i] = b.volume
	}

	var ind types.Indicators

	if n > rsiPeriod {
		rsi := talib.Rsi(closes, rsiPeriod)
		ind.RSI = rsi[n-1]
	}
	if n >= bollPeriod {
		upper, middle, lower := talib.BBands(closes, bollPeriod, 2.0, 2.0, talib.SMA)
		ind.BollUpper = upper[n-1]
		ind.BollMiddle = middle[n-1]
		ind.BollLower = lower[n-1]
	}
	if n > atrPeriod {
		atr := talib.Atr(highs, lows, closes, atrPeriod)
		ind.ATR = atr[n-1]
	}

	ind.VWAP = vwap(closes, vols)
	if sd := stat.StdDev(closes, nil); sd > 0 && ind.VWAP > 0 {
		ind.VWAPZScore = (closes[n-1] - ind.VWAP) / sd
	}

	ind.Return1m = trailingReturn(closes, 1)
	ind.Return5m = trailingReturn(closes, 5)
	return ind
}

// vwap is the volume-weighted average of the window, falling back to the
// plain mean when the feed carries no volume (index spot has none).
func vwap(prices, volumes []float64) float64 {
	var pv, v float64
	for i := range prices {
		pv += prices[i] * volumes[i]
		v += volumes[i]
	}
	if v == 0 {
		return stat.Mean(prices, nil)
	}
	return pv / v
}

// trailingReturn is the fractional move over the last `minutes` bars.
func trailingReturn(closes []float64, minutes int) float64 {
	n := len(closes)
	if n <= minutes {
		return 0
	}
	base := closes[n-1-minutes]
	if base == 0 {
		return 0
	}
	return (closes[n-1] - base) / base
}
