package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"relaygroups/internal/directory"
	"relaygroups/internal/session"
)

const (
	TableResolved     = "resolved"
	TableTombstones   = "tombstones"
	TableSuppressions = "suppressions"
	TableStatuses     = "statuses"
)

// State is everything a node persists.
type State struct {
	Directory directory.Snapshot
	Statuses  []session.StatusEntry
}

func rows[T any](table string, items []T, key func(T) string) ([]Record, error) {
	out := make([]Record, 0, len(items))
	for _, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", table, err)
		}
		out = append(out, Record{Table: table, Key: key(it), Data: b})
	}
	return out, nil
}

// Encode flattens st into rows. Row order is stable for a given state.
func Encode(st State) ([]Record, error) {
	s := st.Directory
	var out []Record
	add := func(recs []Record, err error) error {
		if err != nil {
			return err
		}
		out = append(out, recs...)
		return nil
	}
	if err := add(rows(directory.TableGroups, s.Groups, func(g directory.GroupRecord) string { return string(g.Address) })); err != nil {
		return nil, err
	}
	if err := add(rows(directory.TableAdminKeys, s.AdminKeys, func(k directory.AdminKeyRecord) string { return k.Pubkey })); err != nil {
		return nil, err
	}
	if err := add(rows(directory.TableSharedKeys, s.SharedKeys, func(k directory.SharedKeyRecord) string { return k.Pubkey })); err != nil {
		return nil, err
	}
	if err := add(rows(directory.TableRequests, s.Requests, func(r directory.RequestRecord) string { return r.ID })); err != nil {
		return nil, err
	}
	if err := add(rows(TableResolved, s.Resolved, func(m directory.ResolvedMark) string {
		return string(m.Group) + "|" + m.Requester + "|" + string(m.Kind)
	})); err != nil {
		return nil, err
	}
	if err := add(rows(directory.TableContent, s.Content, func(c directory.ContentRecord) string { return c.Event.ID })); err != nil {
		return nil, err
	}
	if err := add(rows(TableTombstones, s.Tombstones, func(t directory.Tombstone) string { return t.EventID + "|" + t.Author })); err != nil {
		return nil, err
	}
	if err := add(rows(TableSuppressions, s.Suppressions, func(x directory.Suppression) string { return string(x.Group) + "|" + x.Author })); err != nil {
		return nil, err
	}
	if err := add(rows(TableStatuses, st.Statuses, func(e session.StatusEntry) string { return string(e.Group) })); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeInto[T any](dst *[]T, r Record) error {
	var v T
	if err := json.Unmarshal(r.Data, &v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", r.Table, r.Key, err)
	}
	*dst = append(*dst, v)
	return nil
}

// Decode rebuilds a State from rows. Unknown tables are skipped so an
// older binary can read a newer store.
func Decode(recs []Record) (State, error) {
	var st State
	s := &st.Directory
	for _, r := range recs {
		var err error
		switch r.Table {
		case directory.TableGroups:
			err = decodeInto(&s.Groups, r)
		case directory.TableAdminKeys:
			err = decodeInto(&s.AdminKeys, r)
		case directory.TableSharedKeys:
			err = decodeInto(&s.SharedKeys, r)
		case directory.TableRequests:
			err = decodeInto(&s.Requests, r)
		case TableResolved:
			err = decodeInto(&s.Resolved, r)
		case directory.TableContent:
			err = decodeInto(&s.Content, r)
		case TableTombstones:
			err = decodeInto(&s.Tombstones, r)
		case TableSuppressions:
			err = decodeInto(&s.Suppressions, r)
		case TableStatuses:
			err = decodeInto(&st.Statuses, r)
		}
		if err != nil {
			return State{}, err
		}
	}
	// hash-backed stores lose row order; content is restored oldest first
	sort.SliceStable(s.Content, func(i, j int) bool {
		return s.Content[i].Event.CreatedAt < s.Content[j].Event.CreatedAt
	})
	return st, nil
}
