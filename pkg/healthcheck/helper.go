package healthcheck

// Checker is a function that checks whether a precondition is met. It returns
// whether the check succeeded, an optional message to present to the user, and
// error in case the check logic itself failed.
//
//	(true, *, nil) => StatusOK
//	(false, *, nil) => StatusFailed
//	(false, *, not-nil) => StatusAborted
type Checker func() (ok bool, msg string, err error)

// Fixer is a function that will be called to attempt to fix a failing check. It
// returns an optional message to present to the user, and error in case the fix
// failed. A nil Fixer means the check cannot be repaired automatically.
type Fixer func() (msg string, err error)

type item struct {
	Name    string
	Checker Checker
	Fixer   Fixer
}

// Helper runs checks and, optionally, fixes sequentially, in the order they
// were enlisted.
type Helper struct {
	items []*item
}

func (h *Helper) Enlist(name string, c Checker, f Fixer) {
	h.items = append(h.items, &item{name, c, f})
}

// RunChecks runs every enlisted check, attempting the fix of failed ones when
// fix is set.
func (h *Helper) RunChecks(fix bool) *Report {
	report := new(Report)
	for _, li := range h.items {
		check := Item{Name: li.Name}

		ok, msg, err := li.Checker()
		check.Message = msg
		switch {
		case err != nil:
			check.Status = StatusAborted
			check.Message = msg + " " + err.Error()
		case ok:
			check.Status = StatusOK
		default:
			check.Status = StatusFailed
		}
		report.Checks = append(report.Checks, check)

		if !fix {
			continue
		}
		if check.Status != StatusFailed || li.Fixer == nil {
			report.Fixes = append(report.Fixes, Item{Name: li.Name, Status: StatusOmitted})
			continue
		}

		f := Item{Name: li.Name, Status: StatusOK}
		if f.Message, err = li.Fixer(); err != nil {
			f.Status = StatusFailed
			f.Message += " " + err.Error()
		}
		report.Fixes = append(report.Fixes, f)
	}
	return report
}
