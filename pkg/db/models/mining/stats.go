package mining

import "time"

// FactDateStats counts a date's participating facts.
type FactDateStats struct {
	Date time.Time
	// Rows counts non-zero fact rows.
	Rows int
	// UniqueKeys counts distinct (period, entity) pairs among those rows.
	UniqueKeys int
}

// DerivedDateStats counts a date's derived rows for one miner model.
type DerivedDateStats struct {
	Date    time.Time
	Variant string
	Rows    int
}

// Key identifies one (settlement period, entity) cell of a date.
type Key struct {
	Period   int
	EntityID string
}
