package hierarchy

import "github.com/imedwei/docprovider-backup/internal/provider"

// entryName identifies one memoized directory of the hierarchy.
type entryName string

const (
	entryRoot entryName = "root"
	entrySet  entryName = "current-set"
	entryFull entryName = "current-full"
	entryKV   entryName = "current-kv"
)

var allEntries = []entryName{entryRoot, entrySet, entryFull, entryKV}

// state is the lifecycle of one entry. Unresolved and Failed entries are
// resolved again on the next access; Resolved entries are kept until Reset.
type state int

const (
	stateUnresolved state = iota
	stateResolving
	stateResolved
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateResolving:
		return "resolving"
	case stateResolved:
		return "resolved"
	case stateFailed:
		return "failed"
	default:
		return "unresolved"
	}
}

type entry struct {
	state  state
	handle *provider.Handle
}

func newEntries() map[entryName]*entry {
	entries := make(map[entryName]*entry, len(allEntries))
	for _, name := range allEntries {
		entries[name] = &entry{}
	}
	return entries
}
