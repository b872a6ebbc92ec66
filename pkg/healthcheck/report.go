package healthcheck

import (
	"fmt"
	"strings"
)

// Status is the outcome of a check or a fix.
type Status string

var (
	// StatusOK indicates success in a check or a repair.
	StatusOK = Status("ok")
	// StatusFailed indicates the outcome of a check or an attempted fix was
	// negative.
	StatusFailed = Status("failed")
	// StatusAborted indicates an internal error during the execution of a
	// check or a fix.
	StatusAborted = Status("aborted")
	// StatusOmitted indicates that a check or a fix was not carried out.
	StatusOmitted = Status("omitted")
)

// Item is an entry in a Report.
type Item struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Report collects the outcomes of the checks, and of the fixes if a repair
// was requested.
type Report struct {
	Checks []Item `json:"checks"`
	Fixes  []Item `json:"fixes"`
}

// ChecksSucceeded reports whether every check passed.
func (r *Report) ChecksSucceeded() bool {
	for _, c := range r.Checks {
		if c.Status != StatusOK {
			return false
		}
	}
	return true
}

// FixesSucceeded reports whether every attempted fix passed.
func (r *Report) FixesSucceeded() bool {
	for _, f := range r.Fixes {
		if f.Status != StatusOK && f.Status != StatusOmitted {
			return false
		}
	}
	return true
}

func (r *Report) String() string {
	var b strings.Builder
	b.WriteString("checks:\n")
	for _, c := range r.Checks {
		fmt.Fprintf(&b, "- %s: %s; %s\n", c.Name, c.Status, c.Message)
	}
	if len(r.Fixes) > 0 {
		b.WriteString("fixes:\n")
		for _, f := range r.Fixes {
			fmt.Fprintf(&b, "- %s: %s; %s\n", f.Name, f.Status, f.Message)
		}
	}
	return b.String()
}
