// Package refreshtest provides a scriptable refresh.Executor for tests.
package refreshtest

import (
	"context"
	"sync"

	"github.com/lysyi3m/rss-autorefresh/app/refresh"
)

type progressResult struct {
	progress refresh.Progress
	err      error
}

// Executor records invocations and replays queued progress results. Once the
// queue is drained GetProgress reports an inactive run.
type Executor struct {
	mu sync.Mutex

	response   refresh.Response
	startErr   error
	queue      []progressResult
	summary    *refresh.Summary
	summaryErr error
	onStart    func()
	allCalls   int
	singleIDs  []int64
	progressN  int
	summaryN   int
}

func NewExecutor() *Executor {
	return &Executor{
		response:   refresh.Response{Success: true, TotalFeeds: 2, Message: "Refresh started for 2 feeds"},
		summaryErr: refresh.ErrSummaryNotFound,
	}
}

func (e *Executor) SetStartError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

func (e *Executor) SetResponse(resp refresh.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.response = resp
}

func (e *Executor) SetSummary(summary *refresh.Summary) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.summary = summary
	e.summaryErr = nil
}

// OnStart runs fn inside RefreshAll and RefreshSingle before they return.
func (e *Executor) OnStart(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStart = fn
}

func (e *Executor) QueueProgress(p refresh.Progress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, progressResult{progress: p})
}

func (e *Executor) QueueProgressError(err error, times int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < times; i++ {
		e.queue = append(e.queue, progressResult{err: err})
	}
}

func (e *Executor) RefreshAll(context.Context) (refresh.Response, error) {
	e.mu.Lock()
	e.allCalls++
	resp, err, hook := e.response, e.startErr, e.onStart
	e.mu.Unlock()

	if hook != nil {
		hook()
	}
	return resp, err
}

func (e *Executor) RefreshSingle(_ context.Context, feedID int64) (refresh.Response, error) {
	e.mu.Lock()
	e.singleIDs = append(e.singleIDs, feedID)
	resp, err, hook := e.response, e.startErr, e.onStart
	e.mu.Unlock()

	if hook != nil {
		hook()
	}
	resp.TotalFeeds = 1
	return resp, err
}

func (e *Executor) GetProgress(context.Context) (refresh.Progress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progressN++

	if len(e.queue) == 0 {
		return refresh.Progress{IsActive: false, TotalFeeds: e.response.TotalFeeds, CompletedFeeds: e.response.TotalFeeds, ProgressPercentage: 100}, nil
	}
	next := e.queue[0]
	e.queue = e.queue[1:]
	return next.progress, next.err
}

func (e *Executor) GetLastSummary(context.Context) (*refresh.Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.summaryN++
	return e.summary, e.summaryErr
}

func (e *Executor) RefreshAllCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allCalls
}

func (e *Executor) RefreshSingleIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.singleIDs...)
}

func (e *Executor) ProgressCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progressN
}

func (e *Executor) SummaryCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.summaryN
}
