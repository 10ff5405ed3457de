package settlement

import "sync"

// Result counts one pass over active goals.
type Result struct {
	Processed int `json:"processed"`
	Passed    int `json:"passed"`
	Charged   int `json:"charged"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// RetryResult counts one pass over charge_failed goals.
type RetryResult struct {
	Scanned   int `json:"scanned"`
	Charged   int `json:"charged"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Report is what one scheduled invocation returns.
type Report struct {
	Settlement Result      `json:"settlement"`
	Retry      RetryResult `json:"retry"`
}

func (r Report) Errors() int {
	return r.Settlement.Errors + r.Retry.Errors
}

type tally struct {
	mu  sync.Mutex
	res Result
}

func (t *tally) add(f func(r *Result)) {
	t.mu.Lock()
	f(&t.res)
	t.mu.Unlock()
}

func (t *tally) skipped()   { t.add(func(r *Result) { r.Skipped++ }) }
func (t *tally) processed() { t.add(func(r *Result) { r.Processed++ }) }
func (t *tally) passed()    { t.add(func(r *Result) { r.Passed++ }) }
func (t *tally) charged()   { t.add(func(r *Result) { r.Charged++ }) }
func (t *tally) errored()   { t.add(func(r *Result) { r.Errors++ }) }

func (t *tally) result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.res
}

type retryTally struct {
	mu  sync.Mutex
	res RetryResult
}

func (t *retryTally) add(f func(r *RetryResult)) {
	t.mu.Lock()
	f(&t.res)
	t.mu.Unlock()
}

func (t *retryTally) result() RetryResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.res
}
