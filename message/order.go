package message

import "sort"

type orderKey struct {
	group *Group
	tx    *Transaction
}

// EnsureGroupsAreAtomic reorders txs so that members of a group are adjacent and in the
// group's creation order. Groups and ungrouped transactions keep the order of their first
// occurrence in txs; group members missing from txs are skipped.
func EnsureGroupsAreAtomic(txs []*Transaction) []*Transaction {
	first := make(map[orderKey]int, len(txs))
	present := make(map[*Transaction]struct{}, len(txs))
	keys := make([]orderKey, 0, len(txs))

	for i, t := range txs {
		present[t] = struct{}{}

		k := orderKey{tx: t}
		if g := t.Group(); g != nil {
			k = orderKey{group: g}
		}
		if _, ok := first[k]; ok {
			continue
		}
		first[k] = i
		keys = append(keys, k)
	}

	// keys are already appended in first-occurrence order; keep the sort explicit and stable:
	sort.SliceStable(keys, func(i, j int) bool { return first[keys[i]] < first[keys[j]] })

	out := make([]*Transaction, 0, len(present))
	emitted := make(map[*Transaction]struct{}, len(present))
	emit := func(t *Transaction) {
		if _, done := emitted[t]; done {
			return
		}
		emitted[t] = struct{}{}
		out = append(out, t)
	}

	for _, k := range keys {
		if k.group == nil {
			emit(k.tx)
			continue
		}
		for _, m := range k.group.members {
			if _, ok := present[m]; ok {
				emit(m)
			}
		}
	}

	return out
}
