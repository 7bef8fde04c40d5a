// Package proxy implements the caller side of a service call: bind a channel
// to the current owner of a name, marshal calls, and recover when the owner
// disappears.
package proxy

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanrpc/pkg/directory"
	"github.com/lanrpc/pkg/logging"
	"github.com/lanrpc/pkg/protocol"
	"github.com/lanrpc/pkg/transport"
)

// ErrServiceLost reports that an in-flight call timed out. The proxy has
// already recovered connectivity for the next call by the time the caller
// sees this.
var ErrServiceLost = errors.New("service lost")

// State of the proxy's channel.
type State int32

const (
	Unbound State = iota
	Bound
	CallInFlight
	Lost
	Recovering
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case CallInFlight:
		return "call-in-flight"
	case Lost:
		return "lost"
	case Recovering:
		return "recovering"
	}
	return "unknown"
}

// ResolveFunc maps a service name to its current entry. The node supplies one
// that checks the local registry first (loopback) and the directory second.
type ResolveFunc func(name string) (directory.Entry, bool)

// Options are the proxy timing knobs, all fixed for the proxy's lifetime.
type Options struct {
	PollTimeout       time.Duration // Reply wait per call
	RecoverInterval   time.Duration // Directory re-check while recovering
	DialTimeout       time.Duration
	DialRetryInterval time.Duration
	DialAttempts      int
}

// Observer is notified about call outcomes and recoveries. Used for metrics.
type Observer struct {
	OnCall     func(service string, failed bool)
	OnRecovery func(service string)
}

// Proxy is one caller's session with one service name. It holds exactly one
// live channel to the resolved owner and is safe for concurrent use, with one
// call in flight at a time.
type Proxy struct {
	name     string
	dir      *directory.Directory
	resolve  ResolveFunc
	opts     Options
	observer Observer

	mu    sync.Mutex
	ch    *transport.Channel
	state atomic.Int32
}

// New binds a proxy for name. It fails with ErrServiceNotFound when the name
// cannot be resolved, and ErrTransportUnavailable when the owner cannot be
// dialed.
func New(name string, dir *directory.Directory, resolve ResolveFunc, opts Options, observer Observer) (*Proxy, error) {
	p := &Proxy{
		name:     name,
		dir:      dir,
		resolve:  resolve,
		opts:     opts,
		observer: observer,
	}
	if err := p.bind(); err != nil {
		return nil, err
	}
	return p, nil
}

// State returns the current channel state.
func (p *Proxy) State() State {
	return State(p.state.Load())
}

// Call invokes method with positional arguments and blocks until the reply
// arrives or the poll timeout elapses.
func (p *Proxy) Call(method string, args ...interface{}) (interface{}, error) {
	return p.CallKW(method, args, nil)
}

// CallKW invokes method with positional and keyword arguments. Keyword
// arguments reach only services that implement host.MethodCaller.
func (p *Proxy) CallKW(method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		if err := p.bindLocked(); err != nil {
			return nil, err
		}
	}

	req := &protocol.CallRequest{
		ID:      protocol.NewCallID(),
		Service: p.name,
		Method:  method,
		Args:    args,
		Kwargs:  kwargs,
	}
	body, err := protocol.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("marshal call: %w", err)
	}

	p.state.Store(int32(CallInFlight))
	if err := p.ch.Send(body); err != nil {
		// A dead channel is indistinguishable from a silent one: same recovery
		return nil, p.lost(method)
	}

	if !p.ch.Poll(p.opts.PollTimeout) {
		return nil, p.lost(method)
	}

	respBody, err := p.ch.Receive()
	if err != nil {
		return nil, p.lost(method)
	}
	p.state.Store(int32(Bound))

	resp, err := protocol.DecodeResponse(respBody)
	if err != nil {
		return nil, fmt.Errorf("unmarshal reply: %w", err)
	}
	if resp.Error != nil {
		// Remote fault: propagate in-band, channel stays bound
		p.observeCall(true)
		return nil, resp.Error
	}
	p.observeCall(false)
	return resp.Result, nil
}

// lost drives the Lost -> Recovering -> Bound transition. The triggering call
// is reported failed; recovery restores connectivity for the next call and
// blocks until membership has healed.
func (p *Proxy) lost(method string) error {
	p.state.Store(int32(Lost))
	p.observeCall(true)
	logging.Errorf("[proxy] service %s lost (call %s timed out)", p.name, method)

	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	// Force a fresh resolution for everyone, not just this proxy
	p.dir.Forget(p.name)

	p.state.Store(int32(Recovering))
	for {
		entry, ok := p.resolve(p.name)
		if ok {
			ch, err := p.connect(entry)
			if err == nil {
				p.ch = ch
				p.state.Store(int32(Bound))
				if p.observer.OnRecovery != nil {
					p.observer.OnRecovery(p.name)
				}
				logging.Logf("[proxy] service %s recovered at %s:%d", p.name, entry.IP, entry.Port)
				break
			}
			logging.Debugf("[proxy] recovery dial failed for %s: %v", p.name, err)
		}
		time.Sleep(p.opts.RecoverInterval)
	}
	return fmt.Errorf("%w: %s", ErrServiceLost, p.name)
}

func (p *Proxy) bind() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bindLocked()
}

func (p *Proxy) bindLocked() error {
	entry, ok := p.resolve(p.name)
	if !ok {
		return fmt.Errorf("%w: %s", directory.ErrServiceNotFound, p.name)
	}
	ch, err := p.connect(entry)
	if err != nil {
		return err
	}
	p.ch = ch
	p.state.Store(int32(Bound))
	logging.Logf("[proxy] bound %s -> %s:%d", p.name, entry.IP, entry.Port)
	return nil
}

func (p *Proxy) connect(entry directory.Entry) (*transport.Channel, error) {
	return transport.Connect(entry.IP, entry.Port, p.opts.DialTimeout, p.opts.DialRetryInterval, p.opts.DialAttempts)
}

func (p *Proxy) observeCall(failed bool) {
	if p.observer.OnCall != nil {
		p.observer.OnCall(p.name, failed)
	}
}

// Close discards the channel. The proxy may be rebound by a later call.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		err := p.ch.Close()
		p.ch = nil
		p.state.Store(int32(Unbound))
		return err
	}
	return nil
}
