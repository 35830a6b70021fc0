package fares

import (
	"fmt"
	"math"
	"sync"
)

// Rate is the pricing for one vehicle class.
type Rate struct {
	PerKm   float64 `json:"per_km"`
	Minimum float64 `json:"minimum"`
}

// Table is the reloadable fare-per-distance table keyed by vehicle class.
// Rates are supplied by an external admin surface and can change without a
// restart; the ride state machine reads whatever is current at creation time.
type Table struct {
	mu    sync.RWMutex
	rates map[string]Rate
}

// NewTable returns a table seeded with the default city classes.
func NewTable() *Table {
	return &Table{rates: map[string]Rate{
		"bike": {PerKm: 10, Minimum: 20},
		"taxi": {PerKm: 18, Minimum: 40},
		"port": {PerKm: 25, Minimum: 60},
	}}
}

// Reload swaps in a full replacement table. Empty input is rejected so a
// bad admin push cannot wipe pricing.
func (t *Table) Reload(rates map[string]Rate) error {
	if len(rates) == 0 {
		return fmt.Errorf("fares: refusing to reload empty table")
	}
	cp := make(map[string]Rate, len(rates))
	for k, v := range rates {
		if v.PerKm <= 0 || v.Minimum < 0 {
			return fmt.Errorf("fares: invalid rate for class %q", k)
		}
		cp[k] = v
	}
	t.mu.Lock()
	t.rates = cp
	t.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current table.
func (t *Table) Snapshot() map[string]Rate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp := make(map[string]Rate, len(t.rates))
	for k, v := range t.rates {
		cp[k] = v
	}
	return cp
}

// Fare computes the authoritative fare for a trip. Zero or negative distance
// yields the class minimum. Unknown classes are an error so the caller can
// reject the request instead of guessing a price.
func (t *Table) Fare(vehicleClass string, distanceKm float64) (float64, error) {
	t.mu.RLock()
	rate, ok := t.rates[vehicleClass]
	t.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("fares: unknown vehicle class %q", vehicleClass)
	}
	if distanceKm <= 0 {
		return rate.Minimum, nil
	}
	fare := distanceKm * rate.PerKm
	if fare < rate.Minimum {
		fare = rate.Minimum
	}
	return math.Round(fare*100) / 100, nil
}
