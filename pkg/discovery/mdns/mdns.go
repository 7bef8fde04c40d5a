// Package mdns implements the discovery feed over multicast DNS, so peers on
// one LAN find each other with no directory server.
package mdns

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/lanrpc/pkg/discovery"
	"github.com/lanrpc/pkg/logging"
)

// Feed advertises the local record as one mDNS service instance and browses
// the same service type for everyone else's.
type Feed struct {
	serviceTag string
	domain     string

	mu     sync.Mutex
	server *zeroconf.Server
	cancel context.CancelFunc
	closed bool
}

// New creates an mDNS feed for the given service type (e.g. "_lanrpc._tcp")
// and domain (usually "local.").
func New(serviceTag, domain string) *Feed {
	return &Feed{serviceTag: serviceTag, domain: domain}
}

// Advertise registers the record as a service instance named by its handle.
func (f *Feed) Advertise(rec discovery.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("feed closed")
	}
	if f.server != nil {
		f.server.Shutdown()
		f.server = nil
	}

	server, err := zeroconf.RegisterProxy(
		rec.Handle,
		f.serviceTag,
		f.domain,
		rec.Port,
		rec.Handle,
		[]string{rec.IP},
		encodeTXT(rec),
		nil, // all interfaces
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	f.server = server
	return nil
}

// Update amends the advertised record. The instance name is stable, so
// observers see one entry per peer no matter how often this is called.
func (f *Feed) Update(rec discovery.Record) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("feed closed")
	}
	server := f.server
	f.mu.Unlock()

	if server == nil {
		return f.Advertise(rec)
	}
	// Port and address never change after bind; only the TXT payload does
	server.SetText(encodeTXT(rec))
	return nil
}

// Browse starts resolving service instances and feeds decoded events to h on
// a dedicated goroutine until Close.
func (f *Feed) Browse(h discovery.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("feed closed")
	}
	if f.cancel != nil {
		return fmt.Errorf("already browsing")
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	entries := make(chan *zeroconf.ServiceEntry, 32)
	go func() {
		if err := resolver.Browse(ctx, f.serviceTag, f.domain, entries); err != nil {
			logging.Errorf("[mdns] browse ended: %v", err)
		}
	}()

	go func() {
		seen := make(map[string]bool)
		for entry := range entries {
			ev, ok := decodeEntry(entry, seen)
			if !ok {
				continue
			}
			h(ev)
		}
	}()
	return nil
}

// Close stops browsing and withdraws the advertisement (mDNS sends the
// goodbye packet on shutdown, which observers see as a removal).
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	if f.server != nil {
		f.server.Shutdown()
		f.server = nil
	}
	return nil
}

// encodeTXT flattens the record properties into TXT key=value strings.
func encodeTXT(rec discovery.Record) []string {
	props := discovery.EncodeProps(rec)
	txt := make([]string, 0, len(props))
	for k, v := range props {
		txt = append(txt, k+"="+v)
	}
	return txt
}

// decodeEntry maps one resolved mDNS entry to a membership event. A zero TTL
// is the goodbye signal; it carries only the instance handle.
func decodeEntry(entry *zeroconf.ServiceEntry, seen map[string]bool) (discovery.Event, bool) {
	handle := entry.Instance
	if handle == "" {
		return discovery.Event{}, false
	}

	if entry.TTL == 0 {
		delete(seen, handle)
		return discovery.Event{Op: discovery.Removed, Record: discovery.Record{Handle: handle}}, true
	}

	props := make(map[string]string, len(entry.Text))
	for _, kv := range entry.Text {
		if i := strings.IndexByte(kv, '='); i > 0 {
			props[kv[:i]] = kv[i+1:]
		}
	}

	rec := discovery.DecodeProps(handle, props)
	if rec.IP == "" && len(entry.AddrIPv4) > 0 {
		rec.IP = entry.AddrIPv4[0].String()
	}
	if rec.Port == 0 {
		rec.Port = entry.Port
	}

	op := discovery.Added
	if seen[handle] {
		op = discovery.Updated
	}
	seen[handle] = true
	return discovery.Event{Op: op, Record: rec}, true
}
