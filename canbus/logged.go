package canbus

import (
	"context"
	"log/slog"
)

// LogOption is a bitmask for selecting which operations to log.
type LogOption uint8

const (
	LogNone LogOption = 0
	LogRead LogOption = 1 << iota
	LogWrite
	LogAll = LogRead | LogWrite
)

// NewLoggedController wraps the given Controller and logs mailbox writes and
// FIFO reads at the given level. Bus errors are always logged at warn level.
func NewLoggedController(inner Controller, logger *slog.Logger, level slog.Level, opts LogOption) Controller {
	return NewLoggedControllerWithFilter(inner, logger, level, opts, nil)
}

// NewLoggedControllerWithFilter is like NewLoggedController but only logs
// frames that satisfy filter. A nil filter logs every frame.
func NewLoggedControllerWithFilter(inner Controller, logger *slog.Logger, level slog.Level, opts LogOption, filter FrameFilter) Controller {
	return &loggedController{
		Controller: inner,
		logger:     logger.With("handle", string(inner.Handle())),
		level:      level,
		opts:       opts,
		filter:     filter,
	}
}

type loggedController struct {
	Controller
	logger *slog.Logger
	level  slog.Level
	opts   LogOption
	filter FrameFilter
}

func (l *loggedController) wants(opt LogOption, f Frame) bool {
	return l.opts&opt != 0 && (l.filter == nil || l.filter(f))
}

// AddTx logs the frame and the result when write logging is enabled.
func (l *loggedController) AddTx(frame Frame) error {
	if l.wants(LogWrite, frame) {
		l.logger.Log(context.Background(), l.level, "canbus send",
			"id", frame.ID,
			"extended", frame.Extended,
			"rtr", frame.RTR,
			"len", int(frame.Len),
			"data", frame.Payload(),
			"string", frame.String(),
		)
	}
	err := l.Controller.AddTx(frame)
	if l.opts&LogWrite != 0 && err != nil {
		l.logger.Log(context.Background(), slog.LevelError, "canbus send error",
			"id", frame.ID,
			"error", err,
		)
	}
	return err
}

// ReadRx logs the received frame or error when read logging is enabled.
func (l *loggedController) ReadRx(q FIFO) (Frame, error) {
	f, err := l.Controller.ReadRx(q)
	if l.opts&LogRead == 0 {
		return f, err
	}
	if err != nil {
		l.logger.Log(context.Background(), slog.LevelError, "canbus receive error",
			"fifo", int(q),
			"error", err,
		)
		return f, err
	}
	if l.wants(LogRead, f) {
		l.logger.Log(context.Background(), l.level, "canbus receive",
			"fifo", int(q),
			"id", f.ID,
			"extended", f.Extended,
			"rtr", f.RTR,
			"len", int(f.Len),
			"data", f.Payload(),
			"string", f.String(),
		)
	}
	return f, nil
}

// ResetError logs the acknowledgement of a bus error.
func (l *loggedController) ResetError() {
	l.logger.Warn("canbus error reset")
	l.Controller.ResetError()
}
