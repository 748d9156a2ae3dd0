package agent

import (
	"context"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"rekkord/rekkorderr"
	"rekkord/rlog"
	"rekkord/saveengine"
)

// Runner executes one save for a due plan item. The repository package
// provides the concrete implementation; the indirection keeps this loop
// testable without a real repository behind it.
type Runner func(ctx context.Context, channelName string, paths []string) (saveengine.Result, error)

const (
	defaultPeriod  = time.Minute
	backoffInitial = 2 * time.Second
	backoffMax     = 5 * time.Minute
)

type item struct {
	plan      PlanItem
	lastError string
}

// Agent is the scheduling loop. One goroutine runs the schedule, another
// services the control socket; the plan/item table between them is guarded
// by mu. Saves execute one at a time.
type Agent struct {
	client        *Client
	run           Runner
	repositoryURL string
	period        time.Duration
	now           func() time.Time

	mu      sync.Mutex
	items   []*item
	refresh chan struct{}
}

// Option adjusts an Agent at construction.
type Option func(*Agent)

// WithPeriod overrides how often the loop re-fetches the plan and
// re-evaluates schedules.
func WithPeriod(d time.Duration) Option {
	return func(a *Agent) { a.period = d }
}

// WithClock overrides the time source, for tests driving virtual clocks.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// New builds an Agent around a plan-server client and a save runner.
// repositoryURL identifies this repository in reports to the server.
func New(client *Client, repositoryURL string, run Runner, opts ...Option) *Agent {
	a := &Agent{
		client:        client,
		run:           run,
		repositoryURL: repositoryURL,
		period:        defaultPeriod,
		now:           time.Now,
		refresh:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run drives the loop until ctx is cancelled. When controlSocketPath is
// non-empty a Unix-domain control socket is served there for UI clients.
func (a *Agent) Run(ctx context.Context, controlSocketPath string) error {
	if controlSocketPath != "" {
		os.Remove(controlSocketPath)
		ln, err := net.Listen("unix", controlSocketPath)
		if err != nil {
			return rekkorderr.New(rekkorderr.Io, "agent control socket", err)
		}
		go a.serveControl(ctx, ln)
		defer os.Remove(controlSocketPath)
	}

	backoff := backoffInitial
	for {
		items, err := a.client.FetchPlan(ctx)
		switch {
		case err == nil:
			a.setPlan(items)
			backoff = backoffInitial
		case ctx.Err() != nil:
			return rekkorderr.New(rekkorderr.Cancelled, "agent loop", ctx.Err())
		default:
			// Keep the previous plan and retry later, backing off.
			rlog.Printf("agent: fetch plan: %v", err)
			if !a.sleep(ctx, jitter(backoff)) {
				return rekkorderr.New(rekkorderr.Cancelled, "agent loop", ctx.Err())
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}

		a.runDue(ctx)

		if !a.sleep(ctx, a.period) {
			return rekkorderr.New(rekkorderr.Cancelled, "agent loop", ctx.Err())
		}
	}
}

// sleep waits for d, a refresh request, or cancellation. It reports false
// when ctx ended.
func (a *Agent) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-a.refresh:
		return true
	}
}

func jitter(d time.Duration) time.Duration {
	// ±25% so a fleet of agents doesn't hammer a recovering server in sync.
	f := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * f)
}

func (a *Agent) setPlan(items []PlanItem) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := make(map[string]*item, len(a.items))
	for _, it := range a.items {
		prev[it.plan.Channel] = it
	}

	next := make([]*item, len(items))
	for i, p := range items {
		it := &item{plan: p}
		if old, ok := prev[p.Channel]; ok {
			it.lastError = old.lastError
		}
		next[i] = it
	}
	a.items = next
}

func (a *Agent) dueItems() []*item {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var due []*item
	for _, it := range a.items {
		if ShouldRun(it.plan, now) {
			due = append(due, it)
		}
	}
	return due
}

// runDue executes every due item, one at a time. Each save's last logged
// error is captured through the log filter stack so a failure report
// carries a concrete message rather than just a kind.
func (a *Agent) runDue(ctx context.Context) {
	for _, it := range a.dueItems() {
		if ctx.Err() != nil {
			return
		}
		a.runOne(ctx, it)
	}
}

func (a *Agent) runOne(ctx context.Context, it *item) {
	filter := rlog.Push()
	result, err := a.run(ctx, it.plan.Channel, it.plan.Paths)
	rlog.Pop(filter)

	timestamp := a.now().UnixMilli()

	a.mu.Lock()
	it.plan.LastTimestamp = timestamp
	if err != nil {
		it.plan.LastSuccess = false
		it.lastError = errorMessage(err, filter.Last())
	} else {
		it.plan.LastSuccess = true
		it.lastError = ""
		if result.Timestamp != 0 {
			it.plan.LastTimestamp = result.Timestamp
			timestamp = result.Timestamp
		}
	}
	a.mu.Unlock()

	if err != nil {
		if rekkorderr.Is(err, rekkorderr.Cancelled) {
			return
		}
		rlog.Printf("agent: save %s: %v", it.plan.Channel, err)
		if rerr := a.client.ReportFailure(ctx, a.repositoryURL, it.plan.Channel, timestamp, errorMessage(err, filter.Last())); rerr != nil {
			rlog.Printf("agent: report failure for %s: %v", it.plan.Channel, rerr)
		}
		return
	}

	if rerr := a.client.ReportSuccess(ctx, a.repositoryURL, it.plan.Channel, timestamp,
		result.Snapshot.String(), result.SourceSize, result.StoredSize, result.AddedSize); rerr != nil {
		rlog.Printf("agent: report success for %s: %v", it.plan.Channel, rerr)
	}
}

// errorMessage prefers the last message the save logged (it usually names
// the failing path) over the bare error string.
func errorMessage(err error, lastLogged string) string {
	if lastLogged != "" {
		return lastLogged
	}
	return err.Error()
}
