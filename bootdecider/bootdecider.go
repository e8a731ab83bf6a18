// Package bootdecider implements the boot-time decision table: given the
// state of the live and stage regions, decide whether to promote, run the
// live image, reject an unverified live image, or stay in updater mode.
// It is pure and host-testable; the actual hardware jump is behind the
// Jumper interface so this package never touches MSP/PC registers itself.
package bootdecider

// Action is the outcome of evaluating the decision table.
type Action int

const (
	// Promote: erase live, copy stage into live, erase stage, jump live.
	Promote Action = iota
	// AbortPartialUpdate: stage has unapproved data — erase stage, reset.
	AbortPartialUpdate
	// RunLive: live is approved — jump live.
	RunLive
	// RejectUnverifiedLive: live has data but isn't approved — erase
	// live, reset.
	RejectUnverifiedLive
	// StayInUpdater: neither region has usable data.
	StayInUpdater
)

// String names an Action for logging.
func (a Action) String() string {
	switch a {
	case Promote:
		return "promote"
	case AbortPartialUpdate:
		return "abort-partial-update"
	case RunLive:
		return "run-live"
	case RejectUnverifiedLive:
		return "reject-unverified-live"
	case StayInUpdater:
		return "stay-in-updater"
	default:
		return "unknown"
	}
}

// RegionState is the four-bit input to the decision table: whether each
// region has data and, if so, whether it's approved.
type RegionState struct {
	StageHasData bool
	StageApproved bool
	LiveHasData  bool
	LiveApproved bool
}

// Decide evaluates the boot decision table. It does not touch flash or
// jump; callers execute the returned Action.
func Decide(s RegionState) Action {
	if s.StageHasData {
		if s.StageApproved {
			return Promote
		}
		return AbortPartialUpdate
	}
	if s.LiveHasData {
		if s.LiveApproved {
			return RunLive
		}
		return RejectUnverifiedLive
	}
	return StayInUpdater
}

// Flash is the read-only subset of flashmap.Map that Decide's caller needs
// to build a RegionState. Declared here (rather than imported from
// flashmap) so bootdecider has no compile-time dependency on flashmap —
// any type exposing these four queries can drive it.
type Flash interface {
	StageHasData() bool
	StageApproved() bool
	LiveHasData() bool
	LiveApproved() bool
}

// ReadState builds a RegionState from a Flash.
func ReadState(f Flash) RegionState {
	return RegionState{
		StageHasData: f.StageHasData(),
		StageApproved: f.StageApproved(),
		LiveHasData:  f.LiveHasData(),
		LiveApproved: f.LiveApproved(),
	}
}

// Promoter performs the flash side-effects of a Promote/Abort/Reject
// action. flashmap.Map satisfies this.
type Promoter interface {
	PromoteStageToLive() error
	EraseStage() error
	EraseLive() error
}

// Jumper hands control to the live application image. The concrete
// implementation (bootdecider/jumpasm) sets the main stack pointer and
// branches to the reset vector; it never returns on success.
type Jumper interface {
	JumpToLive() error
}

// Resetter triggers a system reset, used for the abort/reject/stay paths
// that the reference firmware handles with NVIC_SystemReset.
type Resetter interface {
	Reset()
}

// Run executes Decide's Action against a concrete Promoter/Jumper/Resetter,
// mirroring the sequence the reference bootloader performs for each
// branch of the table. It returns only if the action neither jumps nor
// resets (StayInUpdater), if a flash operation fails, or if the jump
// itself returns (its error, if any, is returned).
func Run(state RegionState, p Promoter, j Jumper, r Resetter) (Action, error) {
	action := Decide(state)
	switch action {
	case Promote:
		if err := p.PromoteStageToLive(); err != nil {
			return action, err
		}
		return action, j.JumpToLive()
	case AbortPartialUpdate:
		if err := p.EraseStage(); err != nil {
			return action, err
		}
		r.Reset()
		return action, nil
	case RunLive:
		return action, j.JumpToLive()
	case RejectUnverifiedLive:
		if err := p.EraseLive(); err != nil {
			return action, err
		}
		r.Reset()
		return action, nil
	default: // StayInUpdater
		return action, nil
	}
}
