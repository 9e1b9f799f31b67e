package app

// BranchStateInput holds everything the branch state depends on.
type BranchStateInput struct {
	HasCommits   bool
	Building     bool
	Latest       Commit
	AnyTesting   bool
	BlockRelease bool
	Memberships  []Membership
}

// ComputeBranchState returns the lifecycle state of a branch. The first matching rule wins.
func ComputeBranchState(in BranchStateInput) string {
	if !in.HasCommits && !in.Building {
		return BranchStateNew
	}
	c := in.Latest
	if in.HasCommits {
		switch {
		case c.ApprovalState == ApprovalCheck:
			return BranchStateApprove
		case c.ApprovalState == ApprovalApproved && in.AnyTesting && c.TestState == TestStateNone && !c.ForceApproved:
			return BranchStateTestable
		case c.TestState == TestStateFailed || c.ApprovalState == ApprovalDeclined:
			return BranchStateDev
		}
	}
	if in.BlockRelease {
		return BranchStateBlocked
	}
	tested := c.TestState == TestStateSuccess || !in.AnyTesting || c.ForceApproved
	if in.HasCommits && tested && c.Approved() {
		return releaseState(in.Memberships)
	}
	return BranchStateDev
}

// releaseState inspects the non-ignored memberships of the branch.
// A collecting or failed item keeps it a candidate, otherwise it is done once the newest
// item of every release is done and tested while an item is still integrating or ready.
func releaseState(memberships []Membership) string {
	latest := make(map[uint64]Membership)
	for _, m := range memberships {
		if m.ItemState == ReleaseItemFailedUser {
			continue
		}
		i := ReleaseItem{State: m.ItemState}
		if i.Collecting() || i.Failed() {
			return BranchStateCandidate
		}
		if cur, ok := latest[m.ReleaseID]; !ok || m.ItemID > cur.ItemID {
			latest[m.ReleaseID] = m
		}
	}
	if len(latest) == 0 {
		return BranchStateTested
	}
	for _, m := range latest {
		if m.ItemState != ReleaseItemDone {
			return BranchStateTested
		}
	}
	return BranchStateDone
}
