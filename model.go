package tokengate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Caller is an enrolled client of the gateway.
type Caller struct {
	ID             string
	Name           string
	CredentialHash string
	WeeklyGrant    int64
	WeeklyUsed     int64
	Active         bool
}

// RuleAction is what a matching rule does to a request.
type RuleAction string

const (
	RuleBlock RuleAction = "block"
	// RuleGuide is kept for rules authored before blocking was the only action.
	//
	// Deprecated: new rules should use RuleBlock.
	RuleGuide RuleAction = "guide"
)

// PeriodRange is an inclusive range of periods.
type PeriodRange struct {
	Start int
	End   int
}

// AllPeriods is the range used when a rule or prompt names none.
var AllPeriods = PeriodRange{Start: 1, End: 99}

// Contains reports whether period falls inside the range.
func (r PeriodRange) Contains(period int) bool {
	return period >= r.Start && period <= r.End
}

// Width is the number of periods the range covers.
func (r PeriodRange) Width() int { return r.End - r.Start + 1 }

func (r PeriodRange) String() string {
	if r.Start == r.End {
		return strconv.Itoa(r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// ParsePeriodRange parses the legacy active-weeks notation: "1-2", "3" or
// a comma list such as "1,3,5" (which spans its minimum to its maximum).
// Empty input yields AllPeriods. Unparseable input yields AllPeriods and
// a non-nil error so callers can log it.
func ParsePeriodRange(s string) (PeriodRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return AllPeriods, nil
	}

	if strings.Contains(s, ",") {
		r := PeriodRange{}
		for i, part := range strings.Split(s, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return AllPeriods, fmt.Errorf("tokengate: invalid period list %q", s)
			}
			if i == 0 || n < r.Start {
				r.Start = n
			}
			if i == 0 || n > r.End {
				r.End = n
			}
		}
		return r, nil
	}

	if lo, hi, ok := strings.Cut(s, "-"); ok {
		start, err1 := strconv.Atoi(strings.TrimSpace(lo))
		end, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 != nil || err2 != nil || start > end {
			return AllPeriods, fmt.Errorf("tokengate: invalid period range %q", s)
		}
		return PeriodRange{Start: start, End: end}, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return AllPeriods, fmt.Errorf("tokengate: invalid period %q", s)
	}
	return PeriodRange{Start: n, End: n}, nil
}

// Rule is a content rule evaluated against prompts.
type Rule struct {
	ID      int64
	Pattern string
	Action  RuleAction
	Message string
	Periods PeriodRange
	Enabled bool
}

// WeeklyPrompt is an instruction prefix that applies to a range of periods.
type WeeklyPrompt struct {
	ID          int64
	PeriodStart int
	PeriodEnd   int
	Text        string
	Description string
	Active      bool
	UpdatedAt   time.Time
}

// Range returns the periods the prompt covers.
func (p WeeklyPrompt) Range() PeriodRange {
	return PeriodRange{Start: p.PeriodStart, End: p.PeriodEnd}
}

// Action records how the gateway disposed of a request.
type Action string

const (
	ActionPassed        Action = "passed"
	ActionBlocked       Action = "blocked"
	ActionGuided        Action = "guided"
	ActionQuotaExceeded Action = "quota_exceeded"
	ActionFailed        Action = "failed"
	ActionAborted       Action = "aborted"
)

// ConversationLogEntry is the audit record of one request.
type ConversationLogEntry struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	CallerID       string    `json:"caller_id"`
	Prompt         string    `json:"prompt"`
	Response       string    `json:"response"`
	TokensUsed     int64     `json:"tokens_used"`
	Action         Action    `json:"action"`
	RuleID         int64     `json:"rule_id,omitempty"`
	WeeklyPromptID int64     `json:"weekly_prompt_id,omitempty"`
	Period         int       `json:"period"`
	Provider       string    `json:"provider,omitempty"`
	Model          string    `json:"model,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
