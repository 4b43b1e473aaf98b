package domain

import "sort"

// SortCards orders cards for display: cards needing attention first, then by
// ascending position. The sort is stable so equal positions keep their
// insertion order.
func SortCards(cards []Card) {
	sort.SliceStable(cards, func(i, j int) bool {
		ui, uj := cards[i].UnreadCount > 0, cards[j].UnreadCount > 0
		if ui != uj {
			return ui
		}
		return cards[i].Position < cards[j].Position
	})
}

// SortStages orders stages by display position, then key.
func SortStages(stages []Stage) {
	sort.SliceStable(stages, func(i, j int) bool {
		if stages[i].Position != stages[j].Position {
			return stages[i].Position < stages[j].Position
		}
		return stages[i].Key < stages[j].Key
	})
}

// StageKeys returns the keys of stages in order.
func StageKeys(stages []Stage) []string {
	keys := make([]string, 0, len(stages))
	for _, s := range stages {
		keys = append(keys, s.Key)
	}
	return keys
}
