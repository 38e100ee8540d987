package ticket

// Table is one agent's replica of the candidacies it knows about,
// bucketed per object. The table is only touched from the agent's
// event loop; it needs no locking of its own.
type Table struct {
	objects map[string]map[Key]*Ticket
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{objects: make(map[string]map[Key]*Ticket)}
}

// Insert adds or replaces the entry under t.Key for t.Object.
func (tb *Table) Insert(t *Ticket) {
	entries, ok := tb.objects[t.Object]
	if !ok {
		entries = make(map[Key]*Ticket)
		tb.objects[t.Object] = entries
	}
	entries[t.Key] = t
}

// Get looks up one entry.
func (tb *Table) Get(object string, k Key) (*Ticket, bool) {
	t, ok := tb.objects[object][k]
	return t, ok
}

// Remove drops one entry, pruning the object bucket when it empties.
func (tb *Table) Remove(object string, k Key) {
	entries, ok := tb.objects[object]
	if !ok {
		return
	}
	delete(entries, k)
	if len(entries) == 0 {
		delete(tb.objects, object)
	}
}

// Min returns the entry that orders first for object, if any.
func (tb *Table) Min(object string) (*Ticket, bool) {
	var min *Ticket
	for _, t := range tb.objects[object] {
		if min == nil || t.Key.Less(min.Key) {
			min = t
		}
	}
	return min, min != nil
}

// Active returns the entry holding object, if any.
func (tb *Table) Active(object string) (*Ticket, bool) {
	for _, t := range tb.objects[object] {
		if t.State == StateActive {
			return t, true
		}
	}
	return nil, false
}

// Entries returns all entries for object.
func (tb *Table) Entries(object string) []*Ticket {
	entries := tb.objects[object]
	out := make([]*Ticket, 0, len(entries))
	for _, t := range entries {
		out = append(out, t)
	}
	return out
}

// Locals returns every local ticket across all objects.
func (tb *Table) Locals() []*Ticket {
	var out []*Ticket
	for _, entries := range tb.objects {
		for _, t := range entries {
			if t.Local {
				out = append(out, t)
			}
		}
	}
	return out
}

// FindLocal returns the local ticket for object owned by pid, if any.
func (tb *Table) FindLocal(object string, pid int) (*Ticket, bool) {
	for _, t := range tb.objects[object] {
		if t.Local && t.PID == pid {
			return t, true
		}
	}
	return nil, false
}

// PurgeOwner removes every entry created by owner and returns them.
// Used when a node disconnects: its candidacies and holds vanish.
func (tb *Table) PurgeOwner(owner string) []*Ticket {
	var purged []*Ticket
	for object, entries := range tb.objects {
		for k, t := range entries {
			if t.Key.Owner != owner {
				continue
			}
			purged = append(purged, t)
			delete(entries, k)
		}
		if len(entries) == 0 {
			delete(tb.objects, object)
		}
	}
	return purged
}

// Objects returns the object names with at least one entry.
func (tb *Table) Objects() []string {
	out := make([]string, 0, len(tb.objects))
	for object := range tb.objects {
		out = append(out, object)
	}
	return out
}

// Len counts all entries in the table.
func (tb *Table) Len() int {
	n := 0
	for _, entries := range tb.objects {
		n += len(entries)
	}
	return n
}
