// Package log holds small helpers around github.com/cyclopcam/logs
package log

import (
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

// PrefixLogger writes to the underlying log, but all messages are prefixed with a string of your choice
type PrefixLogger struct {
	Log    logs.Log
	Prefix string
}

// Create a new PrefixLogger
func NewPrefixLogger(log logs.Log, prefix string) *PrefixLogger {
	return NewPrefixLoggerNoSpace(log, prefix+" ")
}

// Create a new PrefixLogger, but don't add a space onto 'prefix'
func NewPrefixLoggerNoSpace(log logs.Log, prefix string) *PrefixLogger {
	return &PrefixLogger{
		Log:    log,
		Prefix: prefix,
	}
}

func (l *PrefixLogger) Close() {
	l.Log.Close()
}

func (l *PrefixLogger) Debugf(format string, a ...interface{}) {
	l.Log.Debugf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Infof(format string, a ...interface{}) {
	l.Log.Infof(l.Prefix+format, a...)
}

func (l *PrefixLogger) Warnf(format string, a ...interface{}) {
	l.Log.Warnf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Errorf(format string, a ...interface{}) {
	l.Log.Errorf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Criticalf(format string, a ...interface{}) {
	l.Log.Criticalf(l.Prefix+format, a...)
}

// Throttle drops repeated messages, so that a stream of per-frame failures doesn't flood the log.
// The zero value is ready to use.
type Throttle struct {
	Interval time.Duration // Zero means 15 seconds

	lock       sync.Mutex
	lastAt     time.Time
	suppressed int
}

// Allow returns true if a message may be written now, along with the number of
// messages that were dropped since the last one that was allowed.
func (t *Throttle) Allow() (bool, int) {
	interval := t.Interval
	if interval == 0 {
		interval = 15 * time.Second
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	now := time.Now()
	if now.Sub(t.lastAt) < interval {
		t.suppressed++
		return false, 0
	}
	dropped := t.suppressed
	t.suppressed = 0
	t.lastAt = now
	return true, dropped
}
