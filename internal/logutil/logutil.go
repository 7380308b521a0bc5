package logutil

import (
	"github.com/companyzero/protoengine/protocol"
	"github.com/decred/slog"
)

// instanceLogger tags every message with the protocol instance that logged
// it. Level changes apply to the shared subsystem logger.
type instanceLogger struct {
	slog.Logger
	tag string
}

func (l *instanceLogger) tagged(v []interface{}) []interface{} {
	return append([]interface{}{l.tag}, v...)
}

func (l *instanceLogger) Tracef(format string, params ...interface{}) {
	l.Logger.Tracef(l.tag+format, params...)
}

func (l *instanceLogger) Debugf(format string, params ...interface{}) {
	l.Logger.Debugf(l.tag+format, params...)
}

func (l *instanceLogger) Infof(format string, params ...interface{}) {
	l.Logger.Infof(l.tag+format, params...)
}

func (l *instanceLogger) Warnf(format string, params ...interface{}) {
	l.Logger.Warnf(l.tag+format, params...)
}

func (l *instanceLogger) Errorf(format string, params ...interface{}) {
	l.Logger.Errorf(l.tag+format, params...)
}

func (l *instanceLogger) Criticalf(format string, params ...interface{}) {
	l.Logger.Criticalf(l.tag+format, params...)
}

func (l *instanceLogger) Trace(v ...interface{})    { l.Logger.Trace(l.tagged(v)...) }
func (l *instanceLogger) Debug(v ...interface{})    { l.Logger.Debug(l.tagged(v)...) }
func (l *instanceLogger) Info(v ...interface{})     { l.Logger.Info(l.tagged(v)...) }
func (l *instanceLogger) Warn(v ...interface{})     { l.Logger.Warn(l.tagged(v)...) }
func (l *instanceLogger) Error(v ...interface{})    { l.Logger.Error(l.tagged(v)...) }
func (l *instanceLogger) Critical(v ...interface{}) { l.Logger.Critical(l.tagged(v)...) }

// InstanceLogger returns the logger handed to the steps of the instance key.
// Messages are prefixed with the owned identity, the protocol and the
// instance uid.
func InstanceLogger(log slog.Logger, key protocol.InstanceKey) slog.Logger {
	return &instanceLogger{Logger: log, tag: key.String() + ": "}
}
