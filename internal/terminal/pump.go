package terminal

import (
	"errors"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/nebula/panelterm/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	relayBufferSize = 32 * 1024
	// relayDrainTimeout bounds how long teardown waits for the output
	// readers of a terminated session.
	relayDrainTimeout = 250 * time.Millisecond
)

// pump relays bytes between one session and the widget. Output is written
// chunk by chunk as it arrives; input goes to stdin without batching. The
// pump owns no queue: a slow side blocks the read of the other.
type pump struct {
	sess    *Session
	widget  *lockedWidget
	log     *zap.Logger
	metrics *metrics.Metrics

	stopped     atomic.Bool
	unsubscribe func()
	ended       chan struct{}
}

// startPump launches the output readers and subscribes to widget input.
// Output readers run until the session's streams are closed or reach EOF.
func startPump(sess *Session, w *lockedWidget, log *zap.Logger, m *metrics.Metrics) *pump {
	p := &pump{sess: sess, widget: w, log: log, metrics: m, ended: make(chan struct{})}

	var g errgroup.Group
	g.Go(func() error { return p.relay("stdout", sess.Stdout()) })
	g.Go(func() error { return p.relay("stderr", sess.Stderr()) })

	go func() {
		if err := g.Wait(); err != nil {
			p.log.Debug("output relay stopped", zap.Error(err))
		}
		close(p.ended)
	}()

	p.unsubscribe = w.OnData(p.input)
	return p
}

// stop detaches the pump from the widget. Chunks the readers still hold are
// dropped, so nothing from this session reaches the widget once stop returns.
func (p *pump) stop() {
	if p.stopped.Swap(true) {
		return
	}
	p.unsubscribe()
}

// wait blocks until both output readers returned or timeout elapsed.
func (p *pump) wait(timeout time.Duration) bool {
	select {
	case <-p.ended:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (p *pump) relay(name string, r io.Reader) error {
	if r == nil {
		return nil
	}
	buf := make([]byte, relayBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if p.widget.writeUnless(&p.stopped, buf[:n]) {
				p.metrics.Relayed(metrics.DirectionOutput, n)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			p.log.Debug("relay read failed", zap.String("stream", name), zap.Error(err))
			return err
		}
	}
}

func (p *pump) input(data string) {
	if err := p.sess.WriteInput([]byte(data)); err != nil {
		p.log.Debug("dropping input", zap.Int("bytes", len(data)), zap.Error(err))
		return
	}
	p.metrics.Relayed(metrics.DirectionInput, len(data))
}
