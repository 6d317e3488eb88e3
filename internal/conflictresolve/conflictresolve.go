// Package conflictresolve implements the three-way conflict decision table
// and the KeepBoth execution (rename-aside, record, take remote).
package conflictresolve

// Decision is the outcome of comparing baseline, local, and remote state
// for one path.
type Decision string

const (
	NoOp       Decision = "no_op"
	TakeRemote Decision = "take_remote"
	PushLocal  Decision = "push_local"
	KeepBoth   Decision = "keep_both"
)

// Snapshot is one side's (hash, timestamp) pair.
type Snapshot struct {
	Hash     string
	Modified int64
}

// Decide evaluates the decision table top-down. updateBaseline is true only
// for the local==remote-but-both-diverged-from-baseline case, where the
// caller should advance last_synced_* without any transfer.
func Decide(baseline, local, remote Snapshot) (decision Decision, updateBaseline bool) {
	localMatchesBase := local.Hash == baseline.Hash
	remoteMatchesBase := remote.Hash == baseline.Hash

	switch {
	case localMatchesBase && remoteMatchesBase:
		return NoOp, false
	case localMatchesBase && !remoteMatchesBase:
		return TakeRemote, false
	case !localMatchesBase && remoteMatchesBase:
		return PushLocal, false
	case local.Hash == remote.Hash:
		return NoOp, true
	default:
		return KeepBoth, false
	}
}
