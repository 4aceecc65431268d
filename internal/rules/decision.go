package rules

// Verdict is the outcome of a rule evaluation. Rejections dominate warnings,
// warnings dominate approvals.
type Verdict string

const (
	Approved Verdict = "APPROVED"
	Warning  Verdict = "WARNING"
	Rejected Verdict = "REJECTED"
)

// Finding is one clause's contribution to a decision. Approving clauses are
// recorded too so the audit trail shows which checks ran.
type Finding struct {
	ClauseRef string  `json:"clause_ref"`
	Message   string  `json:"message"`
	Verdict   Verdict `json:"verdict"`
}

// Decision is the result of evaluating one action against the Constitution.
type Decision struct {
	Verdict  Verdict   `json:"verdict"`
	Findings []Finding `json:"findings"`

	// ForceExit is set when a roll is forbidden by the roll-cost clause;
	// the Protocol Engine must escalate to L3 EXIT instead of rolling.
	ForceExit bool `json:"force_exit,omitempty"`

	// AuditSeq is the sequence number of the audit record written for this
	// evaluation.
	AuditSeq int64 `json:"audit_seq"`
}

// Rejections joins the rejecting findings into one human-readable reason.
func (d Decision) Rejections() string {
	reason := ""
	for _, f := range rejections(d.Findings) {
		if reason != "" {
			reason += "; "
		}
		reason += f.ClauseRef + ": " + f.Message
	}
	return reason
}

// combine folds findings into the overall verdict.
func combine(findings []Finding) Verdict {
	verdict := Approved
	for _, f := range findings {
		switch f.Verdict {
		case Rejected:
			return Rejected
		case Warning:
			verdict = Warning
		}
	}
	return verdict
}

// clauseRefs extracts the distinct clause references cited by the findings.
func clauseRefs(findings []Finding) []string {
	seen := make(map[string]bool, len(findings))
	refs := make([]string, 0, len(findings))
	for _, f := range findings {
		if !seen[f.ClauseRef] {
			seen[f.ClauseRef] = true
			refs = append(refs, f.ClauseRef)
		}
	}
	return refs
}

// rejections returns only the rejected findings, for error reporting.
func rejections(findings []Finding) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Verdict == Rejected {
			out = append(out, f)
		}
	}
	return out
}
