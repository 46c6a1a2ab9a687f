// Package daemon implements the event multiplexer and listener
// front-end of spec.md §4.7 and §4.5: a single dispatcher goroutine is
// the sole mutator of session and registry state (no locks, per
// spec.md §5), fed by a small set of reader goroutines over channels —
// the idiomatic Go analogue of the original's single-threaded kqueue
// readiness loop.
package daemon

import (
	"net"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/pkg/errors"

	"github.com/sandvine/netdumpd/internal/loghook"
	"github.com/sandvine/netdumpd/internal/protocol"
	"github.com/sandvine/netdumpd/internal/registry"
	"github.com/sandvine/netdumpd/internal/resolver"
	"github.com/sandvine/netdumpd/internal/session"
	"github.com/sandvine/netdumpd/internal/sockdispenser"
	"github.com/sandvine/netdumpd/internal/spool"
	"github.com/sandvine/netdumpd/internal/stats"
)

// sweepInterval is the poll timeout bounding the timeout sweep's
// latency (spec.md §4.7).
const sweepInterval = 10 * time.Second

// sessionTimeout is how long a session may go without a received
// packet before it is terminated (spec.md §5).
const sessionTimeout = 600 * time.Second

// dispenserClient is the subset of *sockdispenser.Client the event
// loop depends on, substituted by hand in tests.
type dispenserClient interface {
	Next() (sockdispenser.Herald, *net.UDPConn, error)
}

// handlerClient is the subset of *handler.Client the event loop
// depends on, substituted by hand in tests.
type handlerClient interface {
	Invoke(reason, ip, hostname, infoFile, coreFile string) error
}

// Daemon owns every long-lived collaborator of the event loop: the
// registry of live sessions, the spool directory, the privileged
// helpers, and the clock the loop takes its single per-wake timestamp
// from.
type Daemon struct {
	spool     *spool.Spool
	dispenser dispenserClient
	handler   handlerClient
	resolver  resolver.Resolver
	clock     timeutil.Clock
	hook      loghook.Hook
	registry  *registry.Registry
	stats     *stats.Recorder
}

// New builds a Daemon. handlerClient may be nil, meaning no
// notification script was configured; clock defaults to the real
// clock when nil. Stats may be set afterward via SetStats; a nil
// Recorder (the default) makes every stats call a no-op.
func New(sp *spool.Spool, dispenser dispenserClient, handler handlerClient, res resolver.Resolver, clock timeutil.Clock, hook loghook.Hook) *Daemon {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	return &Daemon{
		spool:     sp,
		dispenser: dispenser,
		handler:   handler,
		resolver:  res,
		clock:     clock,
		hook:      hook,
		registry:  registry.New(),
	}
}

// SetStats attaches a statistics recorder the event loop reports
// session lifecycle counters and received byte counts to.
func (d *Daemon) SetStats(r *stats.Recorder) {
	d.stats = r
}

type heraldEvent struct {
	herald sockdispenser.Herald
	conn   *net.UDPConn
}

// rawEvent is tagged with the connection its reader goroutine was
// spawned for, so a stale read-error delivered after that connection's
// session has already been superseded or torn down can be told apart
// from an event belonging to whatever session is currently registered
// under the same IP.
type rawEvent struct {
	ip   string
	conn *net.UDPConn
	data []byte
	err  error
}

// Run drives the event loop until shutdown is closed or signaled.
// Per spec.md §5, shutdown performs no graceful drain: every live
// session is terminated via the timeout path before Run returns.
func (d *Daemon) Run(shutdown <-chan struct{}) error {
	heraldCh := make(chan heraldEvent)
	rawCh := make(chan rawEvent)
	heraldErrCh := make(chan error, 1)

	go func() {
		for {
			h, conn, err := d.dispenser.Next()
			if err != nil {
				heraldErrCh <- err
				return
			}
			heraldCh <- heraldEvent{herald: h, conn: conn}
		}
	}()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case h := <-heraldCh:
			d.handleHerald(d.clock.Now(), h, rawCh)

		case ev := <-rawCh:
			d.handleRaw(d.clock.Now(), ev)

		case <-ticker.C:
			d.sweep(d.clock.Now())

		case err := <-heraldErrCh:
			return errors.Wrap(err, "socket dispenser channel closed")

		case <-shutdown:
			d.shutdownAll()
			return nil
		}
	}
}

func (d *Daemon) handleHerald(now time.Time, h heraldEvent, rawCh chan<- rawEvent) {
	ip := h.herald.SrcIP.String()

	existing, ok := d.registry.Get(ip)
	if ok {
		if !existing.AnyDataRcvd {
			// P4: idempotent herald retransmit before any data arrives.
			existing.Reack(h.herald.Seqno)
			h.conn.Close()
			return
		}
		// P5: herald supersession once the prior session has streamed data.
		// existing.Timeout() invokes the handler (reason=timeout) through
		// the notify closure bound when the session was created.
		existing.Timeout()
		d.teardown(ip, existing)
	}

	d.createSession(now, h, rawCh)
}

func (d *Daemon) createSession(now time.Time, h heraldEvent, rawCh chan<- rawEvent) {
	ip := h.herald.SrcIP.String()

	hostname, err := resolver.ShortHostname(d.resolver, h.herald.SrcIP)
	if err != nil {
		d.hook.Errf("resolve hostname for %s: %v", ip, err)
		h.conn.Close()
		return
	}

	subDir, err := spool.SanitizeSubpath(h.herald.Path)
	if err != nil {
		d.hook.Errf("herald from %s requested unsafe path %q: %v", ip, h.herald.Path, err)
		h.conn.Close()
		return
	}

	files, err := d.spool.Allocate(subDir, hostname)
	if err != nil {
		// allocation-failure: listener logs and drops; donor retries (spec.md §7).
		d.hook.Errf("allocate spool files for %s [%s]: %v", hostname, ip, err)
		h.conn.Close()
		return
	}

	notify := func(reason string) {
		d.stats.SessionResult(reason)
		d.invokeHandlerFiles(h.herald.SrcIP, hostname, files, reason)
	}

	sess := session.New(h.herald.SrcIP, hostname, files, h.conn, now, d.spool.CommitLast, notify, d.hook)
	d.registry.Put(ip, sess)
	d.stats.SessionStarted()
	sess.Reack(h.herald.Seqno)

	go readSession(ip, h.conn, rawCh)
}

func (d *Daemon) handleRaw(now time.Time, ev rawEvent) {
	sess, ok := d.registry.Get(ev.ip)
	if !ok {
		return // stale event for an already-torn-down session
	}
	if sess.Conn != net.Conn(ev.conn) {
		return // stale event from a superseded or closed connection generation
	}

	if ev.err != nil {
		sess.SocketError(ev.err)
		d.teardown(ev.ip, sess)
		return
	}

	pkt, err := protocol.Decode(ev.data)
	if err != nil {
		d.hook.Errf("malformed packet from %s: %v", ev.ip, err)
		return
	}
	if pkt.Type == protocol.TypeVMCore {
		d.stats.AddBytes(len(pkt.Payload))
	}

	sess.Handle(pkt, now)
	if sess.State == session.Terminal {
		d.teardown(ev.ip, sess)
	}
}

func (d *Daemon) sweep(now time.Time) {
	for _, sess := range d.registry.TimedOut(now, sessionTimeout) {
		sess.Timeout()
		d.teardown(sess.IP.String(), sess)
	}
}

func (d *Daemon) shutdownAll() {
	for _, sess := range d.registry.All() {
		sess.Timeout()
		d.teardown(sess.IP.String(), sess)
	}
}

func (d *Daemon) teardown(ip string, sess *session.Session) {
	d.registry.Delete(ip)
	sess.Close()
}

func (d *Daemon) invokeHandlerFiles(ip net.IP, hostname string, files *spool.Files, reason string) {
	if d.handler == nil {
		return
	}
	if err := d.handler.Invoke(reason, ip.String(), hostname, files.InfoPath, files.CorePath); err != nil {
		d.hook.Errf("invoke handler for %s [%s] reason=%s: %v", hostname, ip, reason, err)
	}
}

func readSession(ip string, conn *net.UDPConn, out chan<- rawEvent) {
	buf := make([]byte, protocol.HeaderSize+protocol.MaxPayload)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			out <- rawEvent{ip: ip, conn: conn, err: err}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		out <- rawEvent{ip: ip, conn: conn, data: data}
	}
}
