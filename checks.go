package vuload

import (
	"sort"
)

// CheckResult is the pass/fail tally of a named check
type CheckResult struct {
	Name   string `json:"name"`
	Passes int64  `json:"passes"`
	Fails  int64  `json:"fails"`
}

// Checker evaluates named checks
type Checker interface {
	Check(name string, ok bool) bool
}

// Check records ok into the checks rate and the tally of name, it never aborts an iteration.
func (r *Registry) Check(name string, ok bool) bool {
	rate, err := r.Rate(ChecksMetric)
	if err != nil {
		log.Errorf("failed to record check %s: %s", name, err)
		return ok
	}
	rate.Add(ok)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, found := r.checks[name]
	if !found {
		c = &CheckResult{Name: name}
		r.checks[name] = c
	}
	if ok {
		c.Passes++
	} else {
		c.Fails++
	}
	return ok
}

// Checks returns a copy of all check tallies ordered by name
func (r *Registry) Checks() []CheckResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]CheckResult, 0, len(r.checks))
	for _, c := range r.checks {
		res = append(res, *c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}
