package scan

import "github.com/correlator-io/correlator/internal/storage"

// Snapshot is a cheap progress read (spec.md §4.6 "Progress").
type Snapshot struct {
	ScanID         string
	Status         storage.Status
	ModulesTotal   int
	ModulesFinished int
	OverallPercent  float64
	Modules        []storage.ModuleState
}

func snapshotFrom(scanRow storage.Scan, states []storage.ModuleState) Snapshot {
	finished := 0

	for _, st := range states {
		if isTerminalModuleStatus(st.Status) {
			finished++
		}
	}

	pct := 0.0
	if len(states) > 0 {
		pct = 100 * float64(finished) / float64(len(states))
	}

	return Snapshot{
		ScanID:          scanRow.ID,
		Status:          scanRow.Status,
		ModulesTotal:    len(states),
		ModulesFinished: finished,
		OverallPercent:  pct,
		Modules:         states,
	}
}

func isTerminalModuleStatus(status storage.ModuleStatus) bool {
	switch status {
	case storage.ModuleFinished, storage.ModuleErrored, storage.ModuleSkipped:
		return true
	default:
		return false
	}
}
