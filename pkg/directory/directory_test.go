package directory

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanrpc/pkg/discovery"
)

func record(handle, id, ip string, port int, services ...string) discovery.Record {
	return discovery.Record{Handle: handle, ID: id, IP: ip, Port: port, Services: services}
}

func TestAddedUpsertsEveryName(t *testing.T) {
	d := New("self", "ipc-self")
	d.OnEvent(discovery.Event{Op: discovery.Added, Record: record("ipc-a", "a", "10.0.0.1", 1, "calc", "store")})

	entry, ok := d.Lookup("calc")
	require.True(t, ok)
	assert.Equal(t, "ipc-a", entry.OwnerHandle)
	assert.Equal(t, "10.0.0.1", entry.IP)
	assert.Equal(t, 1, entry.Port)

	_, ok = d.Lookup("store")
	assert.True(t, ok)
	assert.Equal(t, 2, d.Len())
}

func TestAddedDisplacesPriorOwner(t *testing.T) {
	// Last writer wins, no conflict resolution
	d := New("self", "ipc-self")
	d.OnEvent(discovery.Event{Op: discovery.Added, Record: record("ipc-a", "a", "10.0.0.1", 1, "calc")})
	d.OnEvent(discovery.Event{Op: discovery.Added, Record: record("ipc-b", "b", "10.0.0.2", 2, "calc")})

	entry, ok := d.Lookup("calc")
	require.True(t, ok)
	assert.Equal(t, "ipc-b", entry.OwnerHandle)
	assert.Equal(t, "10.0.0.2", entry.IP)
	assert.Equal(t, 1, d.Len())
}

func TestRemovedMatchesByHandleOnly(t *testing.T) {
	d := New("self", "ipc-self")
	d.OnEvent(discovery.Event{Op: discovery.Added, Record: record("ipc-a", "a", "10.0.0.1", 1, "calc", "store")})
	d.OnEvent(discovery.Event{Op: discovery.Added, Record: record("ipc-b", "b", "10.0.0.2", 2, "other")})

	// Removal carries only the display handle, no service list
	d.OnEvent(discovery.Event{Op: discovery.Removed, Record: discovery.Record{Handle: "ipc-a"}})

	_, ok := d.Lookup("calc")
	assert.False(t, ok)
	_, ok = d.Lookup("store")
	assert.False(t, ok)
	_, ok = d.Lookup("other")
	assert.True(t, ok)
}

func TestSelfAnnouncementsAreFiltered(t *testing.T) {
	d := New("self", "ipc-self")

	d.OnEvent(discovery.Event{Op: discovery.Added, Record: record("ipc-self", "self", "10.0.0.1", 1, "calc")})
	assert.Equal(t, 0, d.Len())

	// Removal events carry no id, only the handle
	d.OnEvent(discovery.Event{Op: discovery.Added, Record: record("ipc-a", "a", "10.0.0.1", 1, "calc")})
	d.OnEvent(discovery.Event{Op: discovery.Removed, Record: discovery.Record{Handle: "ipc-self"}})
	assert.Equal(t, 1, d.Len())
}

func TestForget(t *testing.T) {
	d := New("self", "ipc-self")
	d.OnEvent(discovery.Event{Op: discovery.Added, Record: record("ipc-a", "a", "10.0.0.1", 1, "calc")})

	d.Forget("calc")
	_, ok := d.Lookup("calc")
	assert.False(t, ok)

	// Forgetting an absent name is a no-op
	d.Forget("calc")
}

func TestLookupReturnsSnapshot(t *testing.T) {
	d := New("self", "ipc-self")
	d.OnEvent(discovery.Event{Op: discovery.Added, Record: record("ipc-a", "a", "10.0.0.1", 1, "calc")})

	entry, _ := d.Lookup("calc")
	entry.IP = "mutated"

	fresh, _ := d.Lookup("calc")
	assert.Equal(t, "10.0.0.1", fresh.IP)
}

func TestWaitFindsLateArrival(t *testing.T) {
	d := New("self", "ipc-self")
	go func() {
		time.Sleep(100 * time.Millisecond)
		d.OnEvent(discovery.Event{Op: discovery.Added, Record: record("ipc-a", "a", "10.0.0.1", 1, "calc")})
	}()

	entry, err := d.Wait("calc", 2*time.Second, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "ipc-a", entry.OwnerHandle)
}

func TestWaitTimesOutWithinBound(t *testing.T) {
	d := New("self", "ipc-self")

	start := time.Now()
	_, err := d.Wait("missing", 300*time.Millisecond, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServiceNotFound))
	// Never blocks indefinitely: timeout plus at most one poll interval
	assert.Less(t, elapsed, 600*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestConcurrentChurnAndLookups(t *testing.T) {
	d := New("self", "ipc-self")

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			d.OnEvent(discovery.Event{Op: discovery.Added, Record: record("ipc-a", "a", "10.0.0.1", i, "calc")})
			d.OnEvent(discovery.Event{Op: discovery.Removed, Record: discovery.Record{Handle: "ipc-a"}})
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			d.Lookup("calc")
			d.Len()
			d.Names()
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
}
