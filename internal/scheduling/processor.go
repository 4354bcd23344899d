package scheduling

import "log"

// DefaultPolicies is the canonical chain, tried strictly in this order.
func DefaultPolicies() []Policy {
	return []Policy{
		BestPolicy{},
		WaitForSchedulePolicy{},
		EarlyReminderPolicy{},
		LateReminderPolicy{},
		SecondReminderPolicy{},
		AskAgentPolicy{},
		DefaultPolicy{},
	}
}

// Processor runs a schedule through an ordered policy chain.
type Processor struct {
	policies []Policy
}

// NewProcessor creates a processor over the given chain, defaulting to the
// canonical one.
func NewProcessor(policies ...Policy) *Processor {
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	return &Processor{policies: policies}
}

// ProcessSchedule tries the chain in order and returns the first applicable
// policy's verdict together with that policy's name. Inapplicability is
// expected control flow, not an error. The chain ends in always-applicable
// policies, so a verdict is always produced.
func (p *Processor) ProcessSchedule(in Input) (Verdict, string) {
	for _, policy := range p.policies {
		result := policy.Evaluate(in)
		if !result.Applicable {
			log.Printf("[Scheduler] Conversation %s: %s not applicable: %s",
				in.ConversationID, policy.Name(), result.Reason)
			continue
		}
		log.Printf("[Scheduler] Conversation %s: %s -> %s",
			in.ConversationID, policy.Name(), result.Verdict)
		return result.Verdict, policy.Name()
	}
	// Unreachable with the canonical chain; respond rather than drop the
	// conversation if someone configures an exhaustible chain.
	log.Printf("[Scheduler] Conversation %s: no applicable policy, responding", in.ConversationID)
	return VerdictRespond, ""
}
