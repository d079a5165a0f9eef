package message

import (
	"sort"

	"github.com/pkg/errors"
)

// Group is an ordered set of transactions that must be transmitted contiguously.
// Member order is fixed when the group is linked.
type Group struct {
	ID      uint64
	members []*Transaction
}

// Members returns the group members in creation order.
func (g *Group) Members() []*Transaction {
	return append([]*Transaction(nil), g.members...)
}

func (g *Group) Len() int { return len(g.members) }

// LinkToGroup links txs into a new group in the given order. Nothing is modified if any
// of the transactions already belongs to a group.
func LinkToGroup(txs []*Transaction, opts ...Option) (*Group, error) {
	if len(txs) == 0 {
		return nil, ErrEmptyGroup
	}

	// lock members in a stable order so concurrent linking cannot deadlock:
	locked := append([]*Transaction(nil), txs...)
	sort.Slice(locked, func(i, j int) bool { return locked[i].ID < locked[j].ID })
	seen := make(map[*Transaction]struct{}, len(locked))
	unique := locked[:0]
	for _, t := range locked {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		unique = append(unique, t)
	}
	if len(unique) != len(txs) {
		return nil, errors.Wrap(ErrAlreadyGrouped, "transaction listed twice")
	}

	for _, t := range unique {
		t.mu.Lock()
	}
	defer func() {
		for _, t := range unique {
			t.mu.Unlock()
		}
	}()

	for _, t := range unique {
		if t.group != nil {
			return nil, errors.Wrapf(ErrAlreadyGrouped, "transaction %d is in group %d", t.ID, t.group.ID)
		}
	}

	o := buildOptions(opts)
	g := &Group{
		ID:      o.ids.NextID(),
		members: append([]*Transaction(nil), txs...),
	}
	for _, t := range unique {
		t.group = g
	}
	return g, nil
}
