package protocol

// StopReasonToFinish maps an Anthropic stop_reason to the OpenAI
// finish_reason vocabulary.
func StopReasonToFinish(stopReason string) string {
	switch stopReason {
	case StopEndTurn, StopStopSequence:
		return FinishStop
	case StopMaxTokens:
		return FinishLength
	case StopToolUse:
		return FinishToolCalls
	default:
		return FinishStop
	}
}

// FinishToStopReason maps an OpenAI finish_reason back to the Anthropic
// stop_reason vocabulary.
func FinishToStopReason(finish string) string {
	switch finish {
	case FinishStop:
		return StopEndTurn
	case FinishLength:
		return StopMaxTokens
	case FinishToolCalls:
		return StopToolUse
	default:
		return StopEndTurn
	}
}
