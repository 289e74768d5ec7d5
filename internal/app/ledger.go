package app

import (
	"geoquest-engine/internal/domain"
)

// AwardResult is the outcome of running a summary through the anti-farming ledger.
type AwardResult struct {
	Delta           int                                 `json:"delta"`
	RewardedTaskIDs []string                            `json:"rewardedTaskIds,omitempty"`
	NewEntries      []domain.LedgerEntry                `json:"-"`
	Ledger          map[string]map[domain.Mode]struct{} `json:"-"`
}

// AwardCoins decides which correctly answered tasks of a run earn coins in mode.
// A task pays out at most once per mode per learner no matter how often it is replayed;
// a different mode pays again. The input ledger is left untouched.
func AwardCoins(summary domain.QuestRunSummary, unitID string, mode domain.Mode, ledger map[string]map[domain.Mode]struct{}, perTask int) AwardResult {
	result := AwardResult{Ledger: domain.CloneLedger(ledger)}
	if perTask < 0 {
		perTask = 0
	}
	for _, taskID := range summary.CorrectTaskIDs {
		key := domain.LedgerKey(unitID, taskID)
		modes, ok := result.Ledger[key]
		if !ok {
			modes = make(map[domain.Mode]struct{})
			result.Ledger[key] = modes
		}
		if _, done := modes[mode]; done {
			continue
		}
		modes[mode] = struct{}{}
		result.Delta += perTask
		result.RewardedTaskIDs = append(result.RewardedTaskIDs, taskID)
		result.NewEntries = append(result.NewEntries, domain.LedgerEntry{Key: key, Mode: mode})
	}
	return result
}
