package directory

import "sort"

// Snapshot is a plain copy of every table, for persistence.
type Snapshot struct {
	Groups       []GroupRecord     `json:"groups"`
	AdminKeys    []AdminKeyRecord  `json:"admin_keys"`
	SharedKeys   []SharedKeyRecord `json:"shared_keys"`
	Requests     []RequestRecord   `json:"requests"`
	Resolved     []ResolvedMark    `json:"resolved"`
	Content      []ContentRecord   `json:"content"`
	Tombstones   []Tombstone       `json:"tombstones"`
	Suppressions []Suppression     `json:"suppressions"`
}

func (d *Directory) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var s Snapshot
	for _, g := range d.groups {
		s.Groups = append(s.Groups, g.clone())
	}
	for _, rec := range d.adminKeys {
		s.AdminKeys = append(s.AdminKeys, rec)
	}
	for _, rec := range d.sharedKeys {
		s.SharedKeys = append(s.SharedKeys, rec.clone())
	}
	for _, r := range d.requests {
		s.Requests = append(s.Requests, d.withResolvedLocked(r))
	}
	for key, upto := range d.resolved {
		s.Resolved = append(s.Resolved, ResolvedMark{Group: key.group, Requester: key.requester, Kind: key.kind, Upto: upto})
	}
	// oldest first so Restore rebuilds the same recency order
	for el := d.contentOrder.Back(); el != nil; el = el.Prev() {
		s.Content = append(s.Content, el.Value.(ContentRecord))
	}
	for id, authors := range d.tombstones {
		for author := range authors {
			s.Tombstones = append(s.Tombstones, Tombstone{EventID: id, Author: author})
		}
	}
	for key, upto := range d.departed {
		s.Suppressions = append(s.Suppressions, Suppression{Group: key.group, Author: key.requester, Upto: upto})
	}
	sort.Slice(s.Groups, func(i, j int) bool { return s.Groups[i].Address < s.Groups[j].Address })
	sort.Slice(s.AdminKeys, func(i, j int) bool { return s.AdminKeys[i].Pubkey < s.AdminKeys[j].Pubkey })
	sortKeys(s.SharedKeys)
	sort.Slice(s.Requests, func(i, j int) bool { return s.Requests[i].ID < s.Requests[j].ID })
	sort.Slice(s.Resolved, func(i, j int) bool {
		a, b := s.Resolved[i], s.Resolved[j]
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		if a.Requester != b.Requester {
			return a.Requester < b.Requester
		}
		return a.Kind < b.Kind
	})
	sort.Slice(s.Suppressions, func(i, j int) bool {
		if s.Suppressions[i].Group != s.Suppressions[j].Group {
			return s.Suppressions[i].Group < s.Suppressions[j].Group
		}
		return s.Suppressions[i].Author < s.Suppressions[j].Author
	})
	sort.Slice(s.Tombstones, func(i, j int) bool {
		if s.Tombstones[i].EventID != s.Tombstones[j].EventID {
			return s.Tombstones[i].EventID < s.Tombstones[j].EventID
		}
		return s.Tombstones[i].Author < s.Tombstones[j].Author
	})
	return s
}

// Restore merges a snapshot into the directory through the normal merge
// paths, so restoring twice or over live state is harmless.
func (d *Directory) Restore(s Snapshot) {
	for _, g := range s.Groups {
		meta, relays, mods := g.Meta, g.Relays, g.Moderators
		d.MergeGroup(GroupPatch{
			Address:     g.Address,
			CreatedBy:   g.CreatedBy,
			PublishedAt: g.PublishedAt,
			Meta:        &meta,
			Relays:      &relays,
			Moderators:  &mods,
		})
		d.updateGroup(g.Address, func(cur *GroupRecord) bool {
			changed := false
			if g.AccessRequestedAt > cur.AccessRequestedAt {
				cur.AccessRequestedAt = g.AccessRequestedAt
				changed = true
			}
			if g.ExitRequestedAt > cur.ExitRequestedAt {
				cur.ExitRequestedAt = g.ExitRequestedAt
				changed = true
			}
			if g.DeletedAt > cur.DeletedAt {
				cur.DeletedAt = g.DeletedAt
				changed = true
			}
			return changed
		})
	}
	for _, rec := range s.AdminKeys {
		_ = d.PutAdminKey(rec)
	}
	for _, rec := range s.SharedKeys {
		_, _ = d.PutSharedKey(rec)
	}
	for _, r := range s.Requests {
		d.UpsertRequest(r)
	}
	for _, m := range s.Resolved {
		d.ResolveRequester(m.Group, m.Requester, m.Kind, m.Upto)
	}
	for _, t := range s.Tombstones {
		d.DeleteEvents(t.Author, []string{t.EventID})
	}
	for _, sup := range s.Suppressions {
		d.ApplyLeave(sup.Group, sup.Author, sup.Upto)
	}
	for _, c := range s.Content {
		d.putContent(c)
	}
}
