package app

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stateRule struct {
	name  string
	match func(in BranchStateInput) bool
	state func(in BranchStateInput) string
}

func fixed(s string) func(BranchStateInput) string {
	return func(BranchStateInput) string { return s }
}

var stateTable = []stateRule{
	{"no commits", func(in BranchStateInput) bool { return !in.HasCommits && !in.Building }, fixed(BranchStateNew)},
	{"review", func(in BranchStateInput) bool {
		return in.HasCommits && in.Latest.ApprovalState == ApprovalCheck
	}, fixed(BranchStateApprove)},
	{"waiting tests", func(in BranchStateInput) bool {
		c := in.Latest
		return in.HasCommits && c.ApprovalState == ApprovalApproved && in.AnyTesting &&
			c.TestState == TestStateNone && !c.ForceApproved
	}, fixed(BranchStateTestable)},
	{"failed or declined", func(in BranchStateInput) bool {
		return in.HasCommits && (in.Latest.TestState == TestStateFailed || in.Latest.ApprovalState == ApprovalDeclined)
	}, fixed(BranchStateDev)},
	{"blocked", func(in BranchStateInput) bool { return in.BlockRelease }, fixed(BranchStateBlocked)},
	{"releasable", func(in BranchStateInput) bool {
		c := in.Latest
		ok := c.TestState == TestStateSuccess || !in.AnyTesting || c.ForceApproved
		return in.HasCommits && ok && (c.ApprovalState == ApprovalApproved || c.ForceApproved)
	}, func(in BranchStateInput) string {
		if len(in.Memberships) == 0 {
			return BranchStateTested
		}
		switch in.Memberships[0].ItemState {
		case ReleaseItemFailedUser, ReleaseItemIntegrating, ReleaseItemReady:
			return BranchStateTested
		case ReleaseItemDone:
			return BranchStateDone
		}
		return BranchStateCandidate
	}},
	{"otherwise", func(BranchStateInput) bool { return true }, fixed(BranchStateDev)},
}

func TestComputeBranchStateMatchesPrecedenceTable(t *testing.T) {
	approvals := []string{ApprovalNone, ApprovalCheck, ApprovalApproved, ApprovalDeclined}
	tests := []string{TestStateNone, TestStateSuccess, TestStateFailed}
	itemStates := []string{
		"",
		ReleaseItemCollecting, ReleaseItemCollectingMergeConflict, ReleaseItemIntegrating, ReleaseItemReady,
		ReleaseItemDone, ReleaseItemFailedMerge, ReleaseItemFailedIntegration, ReleaseItemFailedTechnically,
		ReleaseItemFailedTooLate, ReleaseItemFailedUser, ReleaseItemFailedMergeMaster,
	}
	bools := []bool{false, true}
	n := 0
	for _, hasCommits := range bools {
		for _, building := range bools {
			for _, approval := range approvals {
				for _, test := range tests {
					for _, force := range bools {
						for _, anyTesting := range bools {
							for _, block := range bools {
								for _, item := range itemStates {
									in := BranchStateInput{
										HasCommits:   hasCommits,
										Building:     building,
										AnyTesting:   anyTesting,
										BlockRelease: block,
									}
									if hasCommits {
										in.Latest = Commit{ApprovalState: approval, TestState: test, ForceApproved: force}
									}
									if item != "" {
										in.Memberships = []Membership{{ReleaseID: 1, ItemID: 1, ItemState: item}}
									}
									want := ""
									for _, r := range stateTable {
										if r.match(in) {
											want = r.state(in)
											break
										}
									}
									assert.Equal(t, want, ComputeBranchState(in), fmt.Sprintf("%+v", in))
									n++
								}
							}
						}
					}
				}
			}
		}
	}
	assert.Equal(t, 2*2*4*3*2*2*2*12, n)
}

func TestComputeBranchStateApprovedAndTestedWithoutReleases(t *testing.T) {
	in := BranchStateInput{
		HasCommits: true,
		AnyTesting: true,
		Latest:     Commit{SHA: "c1", ApprovalState: ApprovalApproved, TestState: TestStateSuccess},
	}
	assert.Equal(t, BranchStateTested, ComputeBranchState(in))

	in.Memberships = []Membership{{ReleaseID: 1, ItemID: 7, ItemState: ReleaseItemCollecting}}
	assert.Equal(t, BranchStateCandidate, ComputeBranchState(in))
}

func TestComputeBranchStateReleaseMemberships(t *testing.T) {
	member := func(release, item uint64, state string) Membership {
		return Membership{ReleaseID: release, ItemID: item, ItemState: state}
	}
	cases := []struct {
		name        string
		memberships []Membership
		want        string
	}{
		{"collecting and done", []Membership{
			member(1, 1, ReleaseItemDone),
			member(2, 2, ReleaseItemCollecting),
		}, BranchStateCandidate},
		{"integrating only", []Membership{
			member(1, 1, ReleaseItemIntegrating),
		}, BranchStateTested},
		{"ready only", []Membership{
			member(1, 1, ReleaseItemReady),
		}, BranchStateTested},
		{"ready and failed", []Membership{
			member(1, 1, ReleaseItemFailedIntegration),
			member(1, 2, ReleaseItemReady),
		}, BranchStateCandidate},
		{"failed before done", []Membership{
			member(1, 1, ReleaseItemFailedMerge),
			member(1, 2, ReleaseItemDone),
		}, BranchStateCandidate},
		{"done everywhere", []Membership{
			member(1, 1, ReleaseItemDone),
			member(2, 3, ReleaseItemDone),
		}, BranchStateDone},
		{"done and integrating", []Membership{
			member(1, 1, ReleaseItemDone),
			member(2, 3, ReleaseItemIntegrating),
		}, BranchStateTested},
		{"aborted items are ignored", []Membership{
			member(1, 1, ReleaseItemDone),
			member(1, 2, ReleaseItemFailedUser),
		}, BranchStateDone},
		{"only aborted", []Membership{
			member(1, 1, ReleaseItemFailedUser),
		}, BranchStateTested},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			in := BranchStateInput{
				HasCommits:  true,
				Latest:      Commit{ApprovalState: ApprovalApproved},
				Memberships: c.memberships,
			}
			assert.Equal(t, c.want, ComputeBranchState(in))
		})
	}
}

func TestComputeBranchStateBuildingWithoutCommits(t *testing.T) {
	assert.Equal(t, BranchStateNew, ComputeBranchState(BranchStateInput{}))
	assert.Equal(t, BranchStateDev, ComputeBranchState(BranchStateInput{Building: true}))
	assert.Equal(t, BranchStateBlocked, ComputeBranchState(BranchStateInput{Building: true, BlockRelease: true}))
}
