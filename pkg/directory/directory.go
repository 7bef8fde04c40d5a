// Package directory tracks the process's current belief about which peer owns
// each service name, reconciled from the discovery feed.
package directory

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lanrpc/pkg/discovery"
	"github.com/lanrpc/pkg/logging"
)

// ErrServiceNotFound is returned when a name cannot be resolved within the
// caller's timeout.
var ErrServiceNotFound = errors.New("service not found")

// Entry is the directory's snapshot of one service name's owner.
type Entry struct {
	Name        string
	OwnerHandle string // Advertisement handle of the owning peer
	OwnerID     string // Process-unique id of the owning peer
	IP          string
	Port        int
}

// Directory is the shared name -> owner map. Mutations arrive from the feed
// callback goroutine while proxies read concurrently; last-write-wins is the
// contract, nothing stronger.
type Directory struct {
	selfID     string
	selfHandle string

	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty directory that filters out its own advertisements.
func New(selfID, selfHandle string) *Directory {
	return &Directory{
		selfID:     selfID,
		selfHandle: selfHandle,
		entries:    make(map[string]Entry),
	}
}

// OnEvent reconciles one membership event into the map.
//
// Added/Updated upsert every name the record claims, unconditionally: any peer
// claiming a name displaces the prior owner. Removed drops all entries whose
// owner matches the removed record's handle; the removal event carries only
// that display handle, never the service list.
func (d *Directory) OnEvent(ev discovery.Event) {
	rec := ev.Record

	// Self-announcements are discarded before any mutation
	if rec.ID == d.selfID || rec.Handle == d.selfHandle {
		return
	}

	switch ev.Op {
	case discovery.Added, discovery.Updated:
		d.mu.Lock()
		for _, name := range rec.Services {
			if name == "" {
				continue
			}
			d.entries[name] = Entry{
				Name:        name,
				OwnerHandle: rec.Handle,
				OwnerID:     rec.ID,
				IP:          rec.IP,
				Port:        rec.Port,
			}
		}
		d.mu.Unlock()
		logging.Debugf("[registry] %s from %s services=%d", ev.Op, rec.Handle, len(rec.Services))

	case discovery.Removed:
		d.mu.Lock()
		var dropped []string
		for name, entry := range d.entries {
			if entry.OwnerHandle == rec.Handle {
				delete(d.entries, name)
				dropped = append(dropped, name)
			}
		}
		d.mu.Unlock()
		if len(dropped) > 0 {
			logging.Logf("[registry] peer %s removed, dropping %d service(s)", rec.Handle, len(dropped))
		}
	}
}

// Lookup returns a value snapshot of the entry for name. Staleness after the
// return is expected; the proxy layer resolves it.
func (d *Directory) Lookup(name string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.entries[name]
	return entry, ok
}

// Forget evicts the entry for name. Proxies call this after detecting an
// unreachable owner so the next resolution is forced to be fresh.
func (d *Directory) Forget(name string) {
	d.mu.Lock()
	_, ok := d.entries[name]
	delete(d.entries, name)
	d.mu.Unlock()
	if ok {
		logging.Debugf("[registry] forgot service %s", name)
	}
}

// Wait polls the directory at interval until name is present or timeout
// elapses. A zero or negative timeout fails immediately.
func (d *Directory) Wait(name string, timeout, interval time.Duration) (Entry, error) {
	deadline := time.Now().Add(timeout)
	for {
		if entry, ok := d.Lookup(name); ok {
			return entry, nil
		}
		if !time.Now().Before(deadline) {
			return Entry{}, fmt.Errorf("%w: %s (waited %v)", ErrServiceNotFound, name, timeout)
		}
		time.Sleep(interval)
	}
}

// Len returns the number of known entries.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Names returns the known service names.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.entries))
	for name := range d.entries {
		out = append(out, name)
	}
	return out
}
