// Package discovery defines the membership feed the directory is reconciled
// from. A Feed delivers Added/Updated/Removed events carrying self-describing
// advertisement records; implementations are the mDNS feed (pkg/discovery/mdns)
// and the in-memory Hub for local-only meshes and tests.
package discovery

import (
	"strconv"
	"strings"
)

// Op is the kind of membership change.
type Op int

const (
	Added Op = iota
	Updated
	Removed
)

func (o Op) String() string {
	switch o {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Record is the advertisement payload a peer publishes. Handle is the stable
// display key (derived from the owner's id), not the service name. A Removed
// event carries only the handle; the properties are gone by then.
type Record struct {
	Handle   string
	ID       string
	IP       string
	Port     int
	Services []string
}

// Event is one membership change observed on the feed.
type Event struct {
	Op     Op
	Record Record
}

// Handler consumes events. It is invoked on the feed's own goroutine,
// concurrently with whatever the rest of the process is doing.
type Handler func(Event)

// Feed is the discovery adapter contract: publish our record, amend it, and
// browse everyone else's.
type Feed interface {
	Advertise(rec Record) error
	Update(rec Record) error
	Browse(h Handler) error
	Close() error
}

// Property keys of the flat string bag carried by an advertisement.
const (
	PropID       = "id"
	PropIP       = "ip"
	PropPort     = "port"
	PropServices = "services"
)

const servicesSep = ","

// EncodeProps flattens a record into the string-keyed property bag. The
// service list rides as one compact joined value.
func EncodeProps(rec Record) map[string]string {
	return map[string]string{
		PropID:       rec.ID,
		PropIP:       rec.IP,
		PropPort:     strconv.Itoa(rec.Port),
		PropServices: strings.Join(rec.Services, servicesSep),
	}
}

// DecodeProps rebuilds a record from a property bag. Unknown keys are ignored;
// a missing services value decodes as an empty list.
func DecodeProps(handle string, props map[string]string) Record {
	rec := Record{
		Handle: handle,
		ID:     props[PropID],
		IP:     props[PropIP],
	}
	if p, err := strconv.Atoi(props[PropPort]); err == nil {
		rec.Port = p
	}
	if s := props[PropServices]; s != "" {
		rec.Services = strings.Split(s, servicesSep)
	}
	return rec
}
