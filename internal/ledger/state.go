package ledger

// validTransitions lists the status moves an entry may make. Settled and
// failed are terminal.
var validTransitions = map[EntryStatus][]EntryStatus{
	StatusPending: {StatusSettled, StatusFailed},
	StatusSettled: {},
	StatusFailed:  {},
}

// IsValidTransition reports whether an entry may move from one status to another.
func IsValidTransition(from, to EntryStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func IsTerminal(s EntryStatus) bool {
	next, ok := validTransitions[s]
	return ok && len(next) == 0
}
