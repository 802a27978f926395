package ship

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/andreyvit/histdb/abi"
)

// TrxFilter selects action traces. Nil fields match anything.
type TrxFilter struct {
	Include  bool
	Status   *TransactionStatus
	Receiver *abi.Name
	Account  *abi.Name
	Action   *abi.Name
}

// ParseTrxFilter parses "+|-:status:receiver:account:action". Trailing
// components may be omitted and empty components match anything.
func ParseTrxFilter(s string) (TrxFilter, error) {
	var f TrxFilter
	parts := strings.Split(strings.ReplaceAll(s, " ", ""), ":")
	switch parts[0] {
	case "+":
		f.Include = true
	case "-":
	default:
		return f, errors.Errorf("trx filter %q: include must be '+' or '-'", s)
	}
	if len(parts) > 5 {
		return f, errors.Errorf("trx filter %q: too many components", s)
	}
	if len(parts) > 1 && parts[1] != "" {
		st, err := ParseTransactionStatus(parts[1])
		if err != nil {
			return f, errors.Wrapf(err, "trx filter %q", s)
		}
		f.Status = &st
	}
	for i, dst := range []**abi.Name{&f.Receiver, &f.Account, &f.Action} {
		if len(parts) > i+2 && parts[i+2] != "" {
			n, err := abi.ParseName(parts[i+2])
			if err != nil {
				return f, errors.Wrapf(err, "trx filter %q", s)
			}
			*dst = &n
		}
	}
	return f, nil
}

func ParseTrxFilters(specs []string) ([]TrxFilter, error) {
	filters := make([]TrxFilter, 0, len(specs))
	for _, s := range specs {
		f, err := ParseTrxFilter(s)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func (f TrxFilter) Matches(status TransactionStatus, at *ActionTrace) bool {
	switch {
	case f.Status != nil && *f.Status != status:
		return false
	case f.Receiver != nil && *f.Receiver != at.Receiver:
		return false
	case f.Account != nil && *f.Account != at.Account:
		return false
	case f.Action != nil && *f.Action != at.Name:
		return false
	}
	return true
}

// Keep applies the first matching filter. An action trace no filter
// matches is dropped. An empty filter list keeps everything.
func Keep(filters []TrxFilter, status TransactionStatus, at *ActionTrace) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(status, at) {
			return f.Include
		}
	}
	return false
}

// FilterTraces returns the transaction traces that have at least one kept
// action trace, each carrying only its kept action traces. A trace whose
// failed deferred trace is rejected is dropped along with it.
func FilterTraces(filters []TrxFilter, traces []TransactionTrace) []TransactionTrace {
	if len(filters) == 0 {
		return traces
	}
	var out []TransactionTrace
	for _, tt := range traces {
		if kept, ok := filterTrace(filters, tt); ok {
			out = append(out, kept)
		}
	}
	return out
}

func filterTrace(filters []TrxFilter, tt TransactionTrace) (TransactionTrace, bool) {
	var actions []ActionTrace
	for i := range tt.ActionTraces {
		if Keep(filters, tt.Status, &tt.ActionTraces[i]) {
			actions = append(actions, tt.ActionTraces[i])
		}
	}
	if len(actions) == 0 {
		return tt, false
	}
	var failed []TransactionTrace
	for _, ft := range tt.FailedDeferred {
		kept, ok := filterTrace(filters, ft)
		if !ok {
			return tt, false
		}
		failed = append(failed, kept)
	}
	tt.ActionTraces = actions
	tt.FailedDeferred = failed
	return tt, true
}
