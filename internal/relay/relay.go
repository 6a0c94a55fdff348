// Package relay bridges the flows to an external browser-automation agent
// over HTTP. The orchestrator issues driver commands; the agent fetches them
// from the relay, executes them in its browser, posts results back, and
// keeps the relay supplied with page observations (current URL, visible
// text) either by polling POST or over a websocket.
package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirotools/accountforge/internal/browser"
)

// ErrNoObservation is returned when the agent has not reported any page
// state yet.
var ErrNoObservation = errors.New("relay: no page observation received yet")

// ErrCommandFailed wraps an agent-reported command failure.
var ErrCommandFailed = errors.New("relay: command failed")

// Command is one instruction for the agent.
type Command struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
	Intent string `json:"intent,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Result is the agent's answer to a command.
type Result struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Observation is the agent's report of what the browser currently shows.
type Observation struct {
	Location string `json:"location"`
	PageText string `json:"page_text"`
}

// Driver implements browser.Driver against a connected agent. It is safe
// for one flow at a time; commands are executed in issue order.
type Driver struct {
	mu       sync.Mutex
	queue    []Command
	queueCh  chan struct{}
	pending  map[string]chan Result
	observed *Observation
	seenAt   time.Time
}

// NewDriver creates an idle relay driver with no agent attached yet.
func NewDriver() *Driver {
	return &Driver{
		queueCh: make(chan struct{}, 1),
		pending: make(map[string]chan Result),
	}
}

var _ browser.Driver = (*Driver)(nil)

func (d *Driver) dispatch(ctx context.Context, cmd Command) error {
	cmd.ID = uuid.NewString()
	resultCh := make(chan Result, 1)

	d.mu.Lock()
	d.queue = append(d.queue, cmd)
	d.pending[cmd.ID] = resultCh
	d.mu.Unlock()
	select {
	case d.queueCh <- struct{}{}:
	default:
	}

	defer func() {
		d.mu.Lock()
		delete(d.pending, cmd.ID)
		d.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-resultCh:
		if !result.OK {
			return errors.Join(ErrCommandFailed, errors.New(result.Error))
		}
		return nil
	}
}

// Navigate implements browser.Driver.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	return d.dispatch(ctx, Command{Action: "navigate", URL: url})
}

// Fill implements browser.Driver.
func (d *Driver) Fill(ctx context.Context, intent browser.Intent, value string) error {
	return d.dispatch(ctx, Command{Action: "fill", Intent: string(intent), Value: value})
}

// Click implements browser.Driver.
func (d *Driver) Click(ctx context.Context, intent browser.Intent) error {
	return d.dispatch(ctx, Command{Action: "click", Intent: string(intent)})
}

// CurrentLocation implements browser.Driver from the latest observation.
func (d *Driver) CurrentLocation(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.observed == nil {
		return "", ErrNoObservation
	}
	return d.observed.Location, nil
}

// PageContains implements browser.Driver from the latest observation.
func (d *Driver) PageContains(_ context.Context, text string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.observed == nil {
		return false, ErrNoObservation
	}
	return strings.Contains(d.observed.PageText, text), nil
}

// observe records an agent report.
func (d *Driver) observe(o Observation) {
	d.mu.Lock()
	d.observed = &o
	d.seenAt = time.Now()
	d.mu.Unlock()
}

// resolve delivers an agent result to the waiting dispatch, if any.
func (d *Driver) resolve(r Result) bool {
	d.mu.Lock()
	ch, ok := d.pending[r.ID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- r:
	default:
	}
	return true
}

// takeCommands pops every queued command, waiting up to wait for at least
// one to arrive.
func (d *Driver) takeCommands(ctx context.Context, wait time.Duration) []Command {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			commands := d.queue
			d.queue = nil
			d.mu.Unlock()
			return commands
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-d.queueCh:
		}
	}
}
