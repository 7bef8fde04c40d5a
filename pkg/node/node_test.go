package node

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanrpc/pkg/config"
	"github.com/lanrpc/pkg/directory"
	"github.com/lanrpc/pkg/discovery"
	"github.com/lanrpc/pkg/proxy"
)

type calcService struct{}

func (c *calcService) Qwerty() string      { return "QWERTY" }
func (c *calcService) Double(n int) int    { return 2 * n }
func (c *calcService) Tag(s string) string { return "calc:" + s }
func (c *calcService) Boom() (int, error)  { return 0, errors.New("boom") }

type greetService struct{}

func (g *greetService) Tag(s string) string { return "greet:" + s }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Node.LocalOnly = true
	cfg.Node.BindAddr = "127.0.0.1:0"
	cfg.Node.PollTimeout = 1
	cfg.Node.RecoverInterval = 1
	cfg.Node.DialTimeout = 1
	cfg.Node.DialAttempts = 1
	return cfg
}

func newTestNode(t *testing.T, hub *discovery.Hub) *Node {
	t.Helper()
	n, err := New(testConfig(), hub.Feed())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestTwoNodesCallOverHub(t *testing.T) {
	hub := discovery.NewHub()
	server := newTestNode(t, hub)
	client := newTestNode(t, hub)

	require.NoError(t, server.Register("calc", &calcService{}))

	p, err := client.WaitProxy("calc", 3*time.Second)
	require.NoError(t, err)
	defer p.Close()

	got, err := p.Call("Qwerty")
	require.NoError(t, err)
	assert.Equal(t, "QWERTY", got)

	got, err = p.Call("Double", 21)
	require.NoError(t, err)
	assert.Equal(t, float64(42), got)

	// The client's view of the owner is never itself
	entry, ok := client.Directory().Lookup("calc")
	require.True(t, ok)
	assert.Equal(t, server.Identity().ID, entry.OwnerID)
	assert.NotEqual(t, client.Identity().ID, entry.OwnerID)
	assert.Equal(t, server.Port(), entry.Port)
}

func TestOwnAdvertisementNeverEntersDirectory(t *testing.T) {
	hub := discovery.NewHub()
	n := newTestNode(t, hub)

	require.NoError(t, n.Register("solo", &calcService{}))

	// The hub echoes the advertisement back; it must be filtered out
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, n.Directory().Len())
}

func TestLocalNameResolvesWithoutDiscovery(t *testing.T) {
	hub := discovery.NewHub()
	n := newTestNode(t, hub)

	require.NoError(t, n.Register("calc", &calcService{}))

	// No directory entry needed for a locally hosted name
	p, err := n.Proxy("calc")
	require.NoError(t, err)
	defer p.Close()

	got, err := p.Call("Tag", "self")
	require.NoError(t, err)
	assert.Equal(t, "calc:self", got)
}

func TestWaitProxyShortCircuitsForLocalNames(t *testing.T) {
	hub := discovery.NewHub()
	n := newTestNode(t, hub)

	require.NoError(t, n.Register("calc", &calcService{}))

	// A locally hosted name never waits on the directory
	start := time.Now()
	p, err := n.WaitProxy("calc", 10*time.Second)
	require.NoError(t, err)
	defer p.Close()
	assert.Less(t, time.Since(start), time.Second)

	got, err := p.Call("Qwerty")
	require.NoError(t, err)
	assert.Equal(t, "QWERTY", got)
}

func TestWaitProxyTimeoutIsBounded(t *testing.T) {
	hub := discovery.NewHub()
	n := newTestNode(t, hub)

	start := time.Now()
	_, err := n.WaitProxy("ghost", 300*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, directory.ErrServiceNotFound)
	assert.Contains(t, err.Error(), "waited")
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestConcurrentProxiesKeepRepliesApart(t *testing.T) {
	hub := discovery.NewHub()
	server := newTestNode(t, hub)
	client := newTestNode(t, hub)

	require.NoError(t, server.Register("calc", &calcService{}))
	require.NoError(t, server.Register("greet", &greetService{}))

	pc, err := client.WaitProxy("calc", 3*time.Second)
	require.NoError(t, err)
	defer pc.Close()
	pg, err := client.WaitProxy("greet", 3*time.Second)
	require.NoError(t, err)
	defer pg.Close()

	const rounds = 20
	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			got, err := pc.Call("Tag", "x")
			if err != nil {
				errs <- err
				return
			}
			if got != "calc:x" {
				errs <- errors.New("calc proxy got a foreign reply")
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			got, err := pg.Call("Tag", "x")
			if err != nil {
				errs <- err
				return
			}
			if got != "greet:x" {
				errs <- errors.New("greet proxy got a foreign reply")
				return
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestRemoteFaultArrivesInBand(t *testing.T) {
	hub := discovery.NewHub()
	server := newTestNode(t, hub)
	client := newTestNode(t, hub)

	require.NoError(t, server.Register("calc", &calcService{}))

	p, err := client.WaitProxy("calc", 3*time.Second)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Call("Boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, proxy.Bound, p.State())
}

func TestCrossNodeRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("recovery walks second-granularity timeouts")
	}

	hub := discovery.NewHub()
	server := newTestNode(t, hub)
	client := newTestNode(t, hub)

	require.NoError(t, server.Register("calc", &calcService{}))

	p, err := client.WaitProxy("calc", 3*time.Second)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Call("Qwerty")
	require.NoError(t, err)

	// Take the owner down; its advertisement withdrawal empties the directory
	require.NoError(t, server.Close())
	require.Eventually(t, func() bool {
		return client.Directory().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, callErr := p.Call("Qwerty")
		done <- callErr
	}()

	// A replacement owner appears; the blocked recovery loop must find it
	require.Eventually(t, func() bool {
		return p.State() == proxy.Recovering
	}, 5*time.Second, 20*time.Millisecond)

	replacement := newTestNode(t, hub)
	require.NoError(t, replacement.Register("calc", &calcService{}))

	select {
	case callErr := <-done:
		assert.ErrorIs(t, callErr, proxy.ErrServiceLost)
	case <-time.After(10 * time.Second):
		t.Fatal("lost call never returned")
	}

	got, err := p.Call("Qwerty")
	require.NoError(t, err)
	assert.Equal(t, "QWERTY", got)
}
