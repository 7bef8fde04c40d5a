// Package advertise publishes this process's identity record on the discovery
// feed and amends it as local registrations change.
package advertise

import (
	"sync"

	"github.com/lanrpc/pkg/discovery"
	"github.com/lanrpc/pkg/identity"
	"github.com/lanrpc/pkg/logging"
)

// HandlePrefix derives the stable advertisement key from the local id. Every
// local registration amends the same advertisement, never duplicates it.
const HandlePrefix = "ipc-"

// Handle returns the advertisement key for a peer id.
func Handle(id string) string {
	return HandlePrefix + id
}

// Advertiser rebuilds and republishes the local record. One per node.
type Advertiser struct {
	feed discovery.Feed
	id   *identity.Identity
	port int

	mu        sync.Mutex
	published bool
}

// New creates an advertiser for the identity, announcing the concrete port the
// call listener bound.
func New(feed discovery.Feed, id *identity.Identity, port int) *Advertiser {
	return &Advertiser{feed: feed, id: id, port: port}
}

// Record builds the current advertisement payload.
func (a *Advertiser) Record() discovery.Record {
	return discovery.Record{
		Handle:   Handle(a.id.ID),
		ID:       a.id.ID,
		IP:       a.id.IP(),
		Port:     a.port,
		Services: a.id.Services(),
	}
}

// Publish pushes the rebuilt record to the feed: add-or-update keyed by the
// stable handle.
func (a *Advertiser) Publish() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.Record()
	var err error
	if !a.published {
		err = a.feed.Advertise(rec)
	} else {
		err = a.feed.Update(rec)
	}
	if err != nil {
		return err
	}
	a.published = true
	logging.Logf("[advertise] published %s at %s:%d services=%d", rec.Handle, rec.IP, rec.Port, len(rec.Services))
	return nil
}
