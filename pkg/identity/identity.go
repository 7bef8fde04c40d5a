package identity

import (
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Identity is the self-describing record of this process: a unique id generated
// once at startup, the outbound interface address, and the ordered list of
// service names hosted here. The name list is append-only from the owner's side.
type Identity struct {
	ID       string
	Hostname string

	mu       sync.RWMutex
	ip       string
	services []string
}

// New creates the process identity. The id is fresh on every start, so a peer
// restarting under the same hostname is never mistaken for its previous life.
func New(localOnly bool) *Identity {
	hostname, _ := os.Hostname()
	ip := "127.0.0.1"
	if !localOnly {
		if detected := detectOutboundIP(); detected != "" {
			ip = detected
		}
	}
	return &Identity{
		ID:       uuid.NewString(),
		Hostname: hostname,
		ip:       ip,
	}
}

// IP returns the address this process advertises.
func (id *Identity) IP() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.ip
}

// AddService appends a service name to the advertised list. Duplicate names are
// kept out so re-registration amends rather than grows the record.
func (id *Identity) AddService(name string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	for _, s := range id.services {
		if s == name {
			return
		}
	}
	id.services = append(id.services, name)
}

// Services returns a copy of the advertised service names.
func (id *Identity) Services() []string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	out := make([]string, len(id.services))
	copy(out, id.services)
	return out
}

// HasService reports whether name is advertised by this identity.
func (id *Identity) HasService(name string) bool {
	id.mu.RLock()
	defer id.mu.RUnlock()
	for _, s := range id.services {
		if s == name {
			return true
		}
	}
	return false
}

// detectOutboundIP finds the interface address used for outbound traffic.
// No packet is sent; connecting a UDP socket just selects a route.
func detectOutboundIP() string {
	conn, err := net.Dial("udp", "10.254.254.254:1")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
