// Package node wires the directory, host, discovery feed and proxy factory
// into one explicit context object with explicit teardown.
package node

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lanrpc/pkg/advertise"
	"github.com/lanrpc/pkg/config"
	"github.com/lanrpc/pkg/directory"
	"github.com/lanrpc/pkg/discovery"
	"github.com/lanrpc/pkg/host"
	"github.com/lanrpc/pkg/identity"
	"github.com/lanrpc/pkg/logging"
	"github.com/lanrpc/pkg/metrics"
	"github.com/lanrpc/pkg/protocol"
	"github.com/lanrpc/pkg/proxy"
	"github.com/lanrpc/pkg/transport"
)

// Node is one process's membership in the mesh. Construct it once at process
// start and Close it at teardown.
type Node struct {
	cfg  *config.Config
	id   *identity.Identity
	dir  *directory.Directory
	feed discovery.Feed

	listener *transport.Listener
	host     *host.Host
	adv      *advertise.Advertiser

	registry  *prometheus.Registry
	collector *metrics.Collector

	closed chan struct{}
}

// New builds and starts a node: binds the call listener (learning the concrete
// port when "any free port" was requested), starts the dispatch loop, and
// begins reconciling the directory from the feed.
func New(cfg *config.Config, feed discovery.Feed) (*Node, error) {
	if cfg == nil {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}

	id := identity.New(cfg.Node.LocalOnly)

	bindAddr := cfg.Node.BindAddr
	if cfg.Node.LocalOnly {
		_, port, err := net.SplitHostPort(bindAddr)
		if err != nil {
			port = "0"
		}
		bindAddr = net.JoinHostPort("127.0.0.1", port)
	}

	listener, err := transport.Bind(bindAddr)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		id:       id,
		dir:      directory.New(id.ID, advertise.Handle(id.ID)),
		feed:     feed,
		listener: listener,
		host:     host.New(listener),
		adv:      advertise.New(feed, id, listener.Port()),
		registry: prometheus.NewRegistry(),
		closed:   make(chan struct{}),
	}

	n.collector = metrics.NewCollector(
		id.ID, id.IP(),
		func() int { return n.dir.Len() },
		func() int { return len(n.host.Names()) },
	)
	n.registry.MustRegister(n.collector)

	n.host.SetObserver(func(service, method string, remoteErr *protocol.RemoteError) {
		kind := ""
		if remoteErr != nil {
			kind = remoteErr.Kind
		}
		n.collector.RecordDispatch(service, kind)
	})
	n.host.Start()

	if err := feed.Browse(n.dir.OnEvent); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("start discovery browse: %w", err)
	}

	logging.Logf("[node] started id=%s addr=%s:%d", id.ID, id.IP(), listener.Port())
	return n, nil
}

// Register hosts obj under name and pushes the amended advertisement. The
// externally advertised record carries the real interface address even though
// local callers will resolve the name to loopback.
func (n *Node) Register(name string, obj interface{}) error {
	n.host.Register(name, obj)
	n.id.AddService(name)
	if err := n.adv.Publish(); err != nil {
		return fmt.Errorf("advertise %s: %w", name, err)
	}
	n.collector.RecordAdvertUpdate()
	return nil
}

// resolve maps a name to a callable entry. Locally hosted names short-circuit
// to loopback; remote entries whose owner shares this machine's address are
// rewritten to loopback as well.
func (n *Node) resolve(name string) (directory.Entry, bool) {
	if n.host.Has(name) {
		return directory.Entry{
			Name:        name,
			OwnerHandle: advertise.Handle(n.id.ID),
			OwnerID:     n.id.ID,
			IP:          "127.0.0.1",
			Port:        n.listener.Port(),
		}, true
	}
	entry, ok := n.dir.Lookup(name)
	if !ok {
		return directory.Entry{}, false
	}
	if entry.IP == n.id.IP() {
		entry.IP = "127.0.0.1"
	}
	return entry, true
}

func (n *Node) proxyOptions() proxy.Options {
	return proxy.Options{
		PollTimeout:       n.cfg.GetPollTimeout(),
		RecoverInterval:   n.cfg.GetRecoverInterval(),
		DialTimeout:       n.cfg.GetDialTimeout(),
		DialRetryInterval: time.Second,
		DialAttempts:      n.cfg.Node.DialAttempts,
	}
}

// Proxy binds a proxy for name immediately, failing with ErrServiceNotFound
// when the name is unknown.
func (n *Node) Proxy(name string) (*proxy.Proxy, error) {
	return proxy.New(name, n.dir, n.resolve, n.proxyOptions(), proxy.Observer{
		OnCall:     n.collector.RecordCall,
		OnRecovery: n.collector.RecordRecovery,
	})
}

// WaitProxy polls for name at the resolve interval until it appears or
// timeout elapses. A non-positive timeout means the configured default, which
// is effectively unbounded.
func (n *Node) WaitProxy(name string, timeout time.Duration) (*proxy.Proxy, error) {
	if timeout <= 0 {
		timeout = n.cfg.GetWaitTimeout()
	}
	if n.host.Has(name) {
		return n.Proxy(name)
	}
	if _, err := n.dir.Wait(name, timeout, n.cfg.GetResolveInterval()); err != nil {
		return nil, err
	}
	return n.Proxy(name)
}

// Identity returns the node's identity record.
func (n *Node) Identity() *identity.Identity {
	return n.id
}

// Directory returns the shared service directory.
func (n *Node) Directory() *directory.Directory {
	return n.dir
}

// Port returns the concrete port the call listener bound.
func (n *Node) Port() int {
	return n.listener.Port()
}

// StartMetricsServer serves the node's prometheus registry. Blocks.
func (n *Node) StartMetricsServer(metricsAddr, metricsPath string) error {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
<head><title>lanrpc Node</title></head>
<body>
<h1>lanrpc Node</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
</body>
</html>`))
	})

	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz", metricsAddr, metricsPath)
	return http.ListenAndServe(metricsAddr, mux)
}

// Close withdraws the advertisement, stops discovery and shuts the listener
// down, ending the dispatch loop.
func (n *Node) Close() error {
	select {
	case <-n.closed:
		return nil
	default:
		close(n.closed)
	}

	feedErr := n.feed.Close()
	lnErr := n.listener.Close()

	select {
	case <-n.host.Done():
	case <-time.After(2 * time.Second):
		logging.Debugf("[node] dispatch loop still draining at close")
	}

	if feedErr != nil {
		return feedErr
	}
	return lnErr
}
