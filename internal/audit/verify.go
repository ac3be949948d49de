package audit

// Anchor is a trusted (entry_id, current_hash) pair that a partial range is
// verified against.
type Anchor struct {
	EntryID int64
	Hash    string
}

// genesisAnchor precedes entry 0.
var genesisAnchor = Anchor{EntryID: -1, Hash: GenesisHash}

// VerifyChainIntegrity checks a full chain starting at entry 0. It returns
// (true, -1) when intact, otherwise false and the slice index of the first
// entry that can no longer be trusted.
//
// An entry whose own hash recomputes but whose successor does not link to it
// is reported as broken, so rewriting a single entry and rehashing only that
// entry is located at the rewritten entry.
func VerifyChainIntegrity(entries []Entry) (bool, int) {
	return VerifyRange(entries, genesisAnchor)
}

// VerifyRange checks entries that directly follow anchor.
func VerifyRange(entries []Entry, anchor Anchor) (bool, int) {
	prevHash := anchor.Hash
	nextID := anchor.EntryID + 1

	for i, e := range entries {
		if e.EntryID != nextID {
			return false, i
		}
		want, err := ComputeHash(e)
		if err != nil || want != e.CurrentHash {
			return false, i
		}
		if e.PreviousHash != prevHash {
			if i == 0 {
				return false, 0
			}
			return false, i - 1
		}
		prevHash = e.CurrentHash
		nextID++
	}
	return true, -1
}
