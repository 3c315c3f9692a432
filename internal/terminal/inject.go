package terminal

import (
	"time"

	"go.uber.org/zap"
)

// clearEchoedLine moves the cursor up one line and erases it.
const clearEchoedLine = "\x1b[1A\x1b[2K"

// armAutoCommand types command into sess once the login shell has settled,
// then wipes the echoed line from the widget. Both steps are skipped if sess
// is no longer the view's live session when their timer fires. The echo may
// stay visible on a slow shell; that is cosmetic only.
func (v *View) armAutoCommand(sess *Session, reg *Registry, command string) {
	settle := time.AfterFunc(v.opts.Delays.Settle, func() {
		w, ok := v.current(sess)
		if !ok {
			return
		}
		if err := sess.WriteInput([]byte(command + "\n")); err != nil {
			v.log.Warn("auto-start command not sent", zap.String("session", sess.ID), zap.Error(err))
			return
		}
		v.log.Info("auto-start command sent", zap.String("session", sess.ID), zap.String("command", command))

		echo := time.AfterFunc(v.opts.Delays.EchoClear, func() {
			if _, ok := v.current(sess); !ok {
				return
			}
			w.Write([]byte(clearEchoedLine))
		})
		reg.AddFunc("echo clear timer", func() { echo.Stop() })
	})
	reg.AddFunc("auto-start timer", func() { settle.Stop() })
}
