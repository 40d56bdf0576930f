package tc

// String gives every ConnState a stable debug name, mirroring the
// original DbtcStateDesc.cpp table of state-name strings used in crash
// logs and signal dumps.
func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connected:
		return "CONNECTED"
	case Started:
		return "STARTED"
	case Receiving:
		return "RECEIVING"
	case RecCommitting:
		return "REC_COMMITTING"
	case StartCommitting:
		return "START_COMMITTING"
	case PrepareToCommit:
		return "PREPARE_TO_COMMIT"
	case Committing:
		return "COMMITTING"
	case CommitSent:
		return "COMMIT_SENT"
	case Completing:
		return "COMPLETING"
	case CompleteSent:
		return "COMPLETE_SENT"
	case Aborting:
		return "ABORTING"
	case FailPrepared:
		return "FAIL_PREPARED"
	case FailAborted:
		return "FAIL_ABORTED"
	case FailCommitted:
		return "FAIL_COMMITTED"
	case FailAborting:
		return "FAIL_ABORTING"
	case FailCommitting:
		return "FAIL_COMMITTING"
	case FailCompleted:
		return "FAIL_COMPLETED"
	case Restart:
		return "RESTART"
	default:
		return "UNKNOWN_CONN_STATE"
	}
}

func (s TakeOverPhase) String() string {
	switch s {
	case PhaseInvalid:
		return "INVALID"
	case PhasePrepared:
		return "PREPARED"
	case PhaseCommitted:
		return "COMMITTED"
	case PhaseAborted:
		return "ABORTED"
	default:
		return "UNKNOWN_PHASE"
	}
}

func (s OpState) String() string {
	switch s {
	case OpFree:
		return "FREE"
	case OpWaitingForData:
		return "WAITING_FOR_DATA"
	case OpOperating:
		return "OPERATING"
	case OpPrepared:
		return "PREPARED"
	case OpCommitting:
		return "COMMITTING"
	case OpCompleting:
		return "COMPLETING"
	case OpAborting:
		return "ABORTING"
	case OpDone:
		return "DONE"
	case OpSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN_OP_STATE"
	}
}
