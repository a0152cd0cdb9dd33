package telemetry

// Event names. Keep the set small and stable; properties carry the detail.
const (
	EventBriefSubmitted   = "brief_submitted"
	EventBriefCommitted   = "brief_committed"
	EventBriefCancelled   = "brief_cancelled"
	EventBriefFailed      = "brief_failed"
	EventReplayTriggered  = "replay_triggered"
	EventEscalationRaised = "escalation_raised"
	EventPlanRevised      = "plan_revised"
)
