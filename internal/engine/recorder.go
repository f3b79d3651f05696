package engine

import (
	"time"

	"github.com/PaperCranium/BrowserSats/internal/amount"
	"github.com/PaperCranium/BrowserSats/internal/sats"
)

// Recorder receives engine counters. Implementations must be safe for
// concurrent use.
type Recorder interface {
	AmountConverted(code amount.Code, unit sats.Unit)
	ParseFailed(code amount.Code)
	ScanCompleted(stats ScanStats, elapsed time.Duration)
	PriceUpdated(price float64)
}

type nopRecorder struct{}

func (nopRecorder) AmountConverted(amount.Code, sats.Unit) {}
func (nopRecorder) ParseFailed(amount.Code)                {}
func (nopRecorder) ScanCompleted(ScanStats, time.Duration) {}
func (nopRecorder) PriceUpdated(float64)                   {}
