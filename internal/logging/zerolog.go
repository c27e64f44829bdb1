// Package logging connects github.com/rs/zerolog to the
// github.com/joeycumines/logiface loggers used by the bridge.
package logging

import (
	"io"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

type (
	// Event is a logiface event backed by a zerolog event.
	Event struct {
		Z   *zerolog.Event
		lvl logiface.Level
		msg string
		//lint:ignore U1000 embedded for it's methods
		unimplementedEvent
	}

	// Logger writes logiface events to a zerolog logger.
	Logger struct {
		Z zerolog.Logger
	}

	//lint:ignore U1000 used to embed without exporting
	unimplementedEvent = logiface.UnimplementedEvent
)

// New returns a logger writing JSON lines to w, dropping the events below
// level.
func New(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return Wrap(zerolog.New(w).With().Timestamp().Logger(), level)
}

// Wrap returns a logger writing to z, dropping the events below level.
func Wrap(z zerolog.Logger, level logiface.Level) *logiface.Logger[logiface.Event] {
	l := &Logger{Z: z}
	return logiface.New[*Event](
		logiface.WithEventFactory[*Event](l),
		logiface.WithWriter[*Event](l),
		logiface.WithLevel[*Event](level),
	).Logger()
}

// ParseLevel converts the name of a level (e.g. "debug", "warning") to a
// logiface.Level. Unknown names disable logging.
func ParseLevel(name string) logiface.Level {
	switch name {
	case "trace":
		return logiface.LevelTrace
	case "debug":
		return logiface.LevelDebug
	case "info":
		return logiface.LevelInformational
	case "notice":
		return logiface.LevelNotice
	case "warn", "warning":
		return logiface.LevelWarning
	case "error":
		return logiface.LevelError
	case "crit", "critical":
		return logiface.LevelCritical
	default:
		return logiface.LevelDisabled
	}
}

func (x *Event) Level() logiface.Level {
	if x != nil {
		return x.lvl
	}
	return logiface.LevelDisabled
}

func (x *Event) AddField(key string, val any) { x.Z.Interface(key, val) }

func (x *Event) AddMessage(msg string) bool {
	x.msg = msg
	return true
}

func (x *Event) AddError(err error) bool {
	x.Z.Err(err)
	return true
}

func (x *Event) AddString(key string, val string) bool {
	x.Z.Str(key, val)
	return true
}

func (x *Event) AddInt(key string, val int) bool {
	x.Z.Int(key, val)
	return true
}

func (x *Event) AddBool(key string, val bool) bool {
	x.Z.Bool(key, val)
	return true
}

func (x *Event) AddDuration(key string, val time.Duration) bool {
	x.Z.Dur(key, val)
	return true
}

// NewEvent starts a zerolog event. The zerolog event is nil when zerolog
// filters the level, zerolog events are nil-safe.
func (x *Logger) NewEvent(level logiface.Level) *Event {
	return &Event{Z: x.Z.WithLevel(toZerologLevel(level)), lvl: level}
}

func (x *Logger) Write(event *Event) error {
	event.Z.Msg(event.msg)
	return nil
}

// toZerologLevel maps logiface.Level to zerolog.Level. Levels above error are
// logged at error level, WithLevel would otherwise exit or panic.
func toZerologLevel(level logiface.Level) zerolog.Level {
	switch level {
	case logiface.LevelDebug:
		return zerolog.DebugLevel
	case logiface.LevelInformational:
		return zerolog.InfoLevel
	case logiface.LevelNotice, logiface.LevelWarning:
		return zerolog.WarnLevel
	case logiface.LevelError, logiface.LevelCritical, logiface.LevelAlert, logiface.LevelEmergency:
		return zerolog.ErrorLevel
	default:
		return zerolog.TraceLevel
	}
}
