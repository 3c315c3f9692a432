package terminal

import (
	"github.com/nebula/panelterm/internal/control"
	"github.com/nebula/panelterm/internal/metrics"
	"go.uber.org/zap"
)

// DefaultScrollbarMargin is the number of widget columns kept free for the
// scrollbar when sizing the PTY.
const DefaultScrollbarMargin = 4

// Resizer keeps the widget and the PTY sized to the container.
type Resizer struct {
	widget  *lockedWidget
	margin  int
	target  func() *Session
	log     *zap.Logger
	metrics *metrics.Metrics
}

// OnViewportChange applies the widget's current proposal. It returns false
// when the proposal was missing or unusable, in which case neither the widget
// nor the PTY is touched. Failures writing the control channel are logged.
func (r *Resizer) OnViewportChange() bool {
	d, ok := r.widget.ProposeDimensions()
	if !ok {
		return false
	}
	msg, cols, rows, ok := control.FromProposal(d.Cols, d.Rows, r.margin)
	if !ok {
		r.log.Debug("skipping resize", zap.Float64("cols", d.Cols), zap.Float64("rows", d.Rows))
		return false
	}

	r.widget.Resize(cols, rows)

	sess := r.target()
	if sess == nil {
		return true
	}
	err := sess.Resize(msg)
	r.metrics.Resized(err)
	if err != nil {
		r.log.Warn("resize failed", zap.String("session", sess.ID), zap.Stringer("size", msg), zap.Error(err))
	}
	return true
}
