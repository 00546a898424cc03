package action

// OutcomeKind tags what the owner decided after inspecting a finished action.
type OutcomeKind int

const (
	// Done means the chain ended successfully.
	Done OutcomeKind = iota
	// Next means the chain continues with Outcome.Next.
	Next
	// Failed means the chain ended with Outcome.Err.
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Next:
		return "next"
	case Failed:
		return "failed"
	default:
		return "done"
	}
}

// Outcome is the explicit continuation returned by a completion handler.
type Outcome struct {
	Kind OutcomeKind
	Next Action
	Err  error
}

func Finish() Outcome { return Outcome{Kind: Done} }

func Continue(next Action) Outcome { return Outcome{Kind: Next, Next: next} }

func Fail(err error) Outcome { return Outcome{Kind: Failed, Err: err} }
