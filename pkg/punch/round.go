package punch

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"natpunch/pkg/probe"
)

// attemptTask is one socket's role in a punch round: burst toward its
// targets and listen for confirmations. A task owns its socket for the
// round's lifetime; ownership of the winning socket passes to the Path.
type attemptTask struct {
	sock    probe.Socket
	targets []netip.AddrPort
}

func (c *coordinator) punchRound(ctx context.Context) state {
	if err := c.waitUntil(ctx, c.fireAt); err != nil {
		return c.fail(err)
	}

	tasks, err := c.buildTasks()
	if err != nil {
		// buildTasks released everything it bound, primary included.
		c.local.Socket = nil
		return c.fail(err)
	}

	// Prime in candidate order. The first send of each task is what
	// allocates its NAT mapping, so send order must match the order
	// the peer predicted our allocations in.
	syn := packet{flags: flagSyn, round: c.round}.marshal()
	for _, t := range tasks {
		for _, dst := range t.targets {
			t.sock.WriteTo(syn, dst)
		}
	}
	c.log.Info("punch round fired",
		zap.Int("attempts", len(tasks)),
		zap.Time("fireAt", c.fireAt))

	roundCtx, cancel := context.WithTimeout(ctx, c.opts.PunchWindow)
	defer cancel()

	win := &winner{}
	var sawTraffic atomic.Bool
	g := new(errgroup.Group)
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			c.attempt(roundCtx, cancel, t, i, win, &sawTraffic)
			return nil
		})
	}
	g.Wait()
	cancel()

	wsock, wremote, established := win.get()
	releaseTasks(tasks, wsock)
	// The primary socket was in the task list: it is now either closed
	// or the winner. Session-level cleanup must not touch it again.
	c.local.Socket = nil

	switch {
	case established:
		c.log.Info("path established", zap.Stringer("remote", wremote),
			zap.Stringer("local", wsock.LocalAddr()))
		c.path = &Path{Socket: wsock, Remote: wremote}
		return stateEstablished
	case ctx.Err() != nil:
		return c.fail(ctx.Err())
	case !sawTraffic.Load() && len(c.candidates) <= 1:
		return c.fail(ErrNoResponse)
	default:
		return c.fail(ErrCandidateExhausted)
	}
}

// buildTasks binds the round's sockets. A host whose own mapping is
// stable (open or cone) punches every candidate from the primary
// socket, because that socket's mapping is the one the peer aims at. A
// symmetric or unknown host needs one fresh local source port per
// attempt so each probe opens an independent, predictable mapping; the
// primary socket stays in the round as a listener in case the peer
// single-shots our advertised mapping.
func (c *coordinator) buildTasks() ([]*attemptTask, error) {
	primary := &attemptTask{sock: c.local.Socket}
	if c.local.Class.Stable() {
		primary.targets = c.candidates
		return []*attemptTask{primary}, nil
	}
	tasks := make([]*attemptTask, 0, len(c.candidates)+1)
	tasks = append(tasks, primary)
	for _, cand := range c.candidates {
		sock, err := c.opts.Binder.Bind()
		if err != nil {
			releaseTasks(tasks, nil)
			return nil, err
		}
		tasks = append(tasks, &attemptTask{sock: sock, targets: []netip.AddrPort{cand}})
	}
	return tasks, nil
}

// attempt is one task's receive loop: retransmit on an interval,
// answer the peer's probes, and claim the win on the first
// bidirectional confirmation. SYN proves the inbound direction only;
// SYN|ACK and ACK prove both, because they echo a probe of ours.
func (c *coordinator) attempt(ctx context.Context, cancel context.CancelFunc, t *attemptTask, idx int, win *winner, sawTraffic *atomic.Bool) {
	syn := packet{flags: flagSyn, round: c.round}.marshal()
	synAck := packet{flags: flagSyn | flagAck, round: c.round}.marshal()
	ack := packet{flags: flagAck, round: c.round}.marshal()

	buf := make([]byte, 64)
	t.sock.SetReadDeadline(time.Now().Add(c.opts.RetransmitEvery))
	for {
		if ctx.Err() != nil {
			return
		}
		n, src, err := t.sock.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				for _, dst := range t.targets {
					t.sock.WriteTo(syn, dst)
				}
				t.sock.SetReadDeadline(time.Now().Add(c.opts.RetransmitEvery))
				continue
			}
			return // socket closed out from under us; round is over
		}
		pkt, ok := parsePacket(buf[:n])
		if !ok || pkt.round != c.round {
			continue
		}
		sawTraffic.Store(true)

		switch {
		case pkt.flags&flagAck != 0:
			// Bidirectional: our probe reached the peer and its
			// confirmation reached us on this exact mapping.
			if pkt.flags&flagSyn != 0 {
				t.sock.WriteTo(ack, src)
			}
			win.offer(idx, t.sock, src)
			cancel()
			return
		case pkt.flags&flagSyn != 0:
			// Inbound works; answer so the peer can confirm. The reply
			// goes to the observed source, not the original candidate:
			// for a symmetric peer they differ.
			t.sock.WriteTo(synAck, src)
		}
	}
}

func (c *coordinator) waitUntil(ctx context.Context, at time.Time) error {
	d := at.Sub(c.opts.Clock.Now())
	if d <= 0 {
		return nil // proposed instant already passed: fire immediately
	}
	timer := c.opts.Clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseTasks closes every task socket except the winning one.
func releaseTasks(tasks []*attemptTask, except probe.Socket) {
	for _, t := range tasks {
		if t != nil && t.sock != nil && t.sock != except {
			t.sock.Close()
		}
	}
}

// winner records the first confirmed path. Confirmations racing within
// the same scheduling tick are broken by candidate insertion order:
// the earlier-generated candidate wins.
type winner struct {
	mu     sync.Mutex
	has    bool
	idx    int
	sock   probe.Socket
	remote netip.AddrPort
}

func (w *winner) offer(idx int, sock probe.Socket, remote netip.AddrPort) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.has || idx < w.idx {
		w.has = true
		w.idx = idx
		w.sock = sock
		w.remote = remote
	}
}

func (w *winner) get() (probe.Socket, netip.AddrPort, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sock, w.remote, w.has
}
