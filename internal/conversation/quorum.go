package conversation

// Decision is the evaluator's verdict on an in-flight operation.
type Decision uint8

const (
	Pending  Decision = iota // More replies are needed
	Complete                 // Operation succeeded
	Failed                   // Operation failed
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case Pending:
		return "PENDING"
	case Complete:
		return "COMPLETE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Rule identifies which branch of the evaluator produced a decision.
type Rule uint8

const (
	RuleAwaiting        Rule = iota // No failures, some contributors still outstanding
	RuleAllComplete                 // No failures, every contributor reported COMPLETE
	RuleFailFast                    // A failure arrived while contributors were outstanding
	RuleTooManyFailures             // Everyone reported and failures exceed the tolerance
	RuleQuorumMet                   // Everyone reported and enough succeeded despite tolerated failures
	RuleUnreachable                 // Arithmetic fallthrough, never taken for consistent inputs
	RuleAllReported                 // Collect-all mode: every contributor reported
	RuleTimedOut                    // Wait bound elapsed before a decision
)

// String returns the rule name.
func (r Rule) String() string {
	switch r {
	case RuleAwaiting:
		return "awaiting"
	case RuleAllComplete:
		return "all-complete"
	case RuleFailFast:
		return "fail-fast"
	case RuleTooManyFailures:
		return "too-many-failures"
	case RuleQuorumMet:
		return "quorum-met"
	case RuleUnreachable:
		return "unreachable"
	case RuleAllReported:
		return "all-reported"
	case RuleTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Decide evaluates the quorum of an operation addressed to expected contributors,
// given the number of COMPLETE and FAILED final replies received so far.
//
// Without failures the operation waits for every contributor. With at least one
// failure it fails immediately while contributors are outstanding; once everyone
// reported it completes only if failures stay within maxFailures.
func Decide(expected, maxFailures, successes, failures int) (Decision, Rule) {
	if failures == 0 {
		if successes >= expected {
			return Complete, RuleAllComplete
		}
		return Pending, RuleAwaiting
	}

	if successes+failures < expected {
		return Failed, RuleFailFast
	}

	if failures > maxFailures {
		return Failed, RuleTooManyFailures
	}

	if expected-maxFailures <= successes {
		return Complete, RuleQuorumMet
	}

	return Failed, RuleUnreachable
}

// decideAll is the collect-all evaluation: wait for every contributor, then report.
func decideAll(expected, successes, failures int) (Decision, Rule) {
	if successes+failures < expected {
		return Pending, RuleAwaiting
	}

	if failures > 0 {
		return Failed, RuleAllReported
	}

	return Complete, RuleAllReported
}
