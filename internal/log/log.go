// Package log provides the gateway's structured, leveled logger.
//
// It follows the module-logger convention used throughout the teacher
// codebase (log.NewModuleLogger(log.Common) style): every subsystem obtains
// its own named Logger, records are leveled, and each record carries a
// call site plus an even list of alternating key/value pairs.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	colorable "github.com/mattn/go-colorable"
)

// Lvl is the severity of a log record, ordered from most to least severe.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	default:
		return "TRACE"
	}
}

// Module names. New subsystems append here; mirrors the enumerated module
// constants (log.Common, log.StorageDatabase, ...) in the teacher's log
// package.
type Module string

const (
	Common          Module = "common"
	TxService       Module = "txservice"
	Converter       Module = "converter"
	BlockProcessing Module = "blockproc"
	BlockRecovery   Module = "recovery"
	BlockQueuing    Module = "queuing"
	Neutrality      Module = "neutrality"
	Alarm           Module = "alarm"
	Connection      Module = "connection"
	RelayConn       Module = "relayconn"
	BtcConn         Module = "btcconn"
	EthConn         Module = "ethconn"
	Node            Module = "node"
	RLPx            Module = "rlpx"
	Config          Module = "config"
)

var (
	root   = newRoot()
	rootMu sync.Mutex
)

func newRoot() *logger {
	var out io.Writer = os.Stderr
	if f, ok := out.(*os.File); ok {
		out = colorable.NewColorable(f)
	}
	return &logger{
		level:  LvlInfo,
		out:    out,
		useCol: true,
	}
}

// SetLevel adjusts the process-wide minimum level that gets printed.
func SetLevel(l Lvl) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root.level = l
}

// Logger is a leveled, structured logger bound to one module.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	New(ctx ...interface{}) Logger
}

type logger struct {
	module Module
	ctx    []interface{}
	level  Lvl
	out    io.Writer
	useCol bool
}

// NewModuleLogger returns the logger for a given subsystem module.
func NewModuleLogger(m Module) Logger {
	return &logger{module: m, level: root.level, out: root.out, useCol: root.useCol}
}

func (l *logger) New(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{module: l.module, ctx: merged, level: l.level, out: l.out, useCol: l.useCol}
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...interface{})  { l.write(LvlCrit, msg, ctx) }

func (l *logger) write(lvl Lvl, msg string, ctx []interface{}) {
	rootMu.Lock()
	maxLvl := root.level
	rootMu.Unlock()
	if lvl > maxLvl {
		return
	}
	call := stack.Caller(2)
	ts := time.Now().Format("2006-01-02T15:04:05.000")

	levelColor := color.New(color.FgWhite)
	switch lvl {
	case LvlCrit, LvlError:
		levelColor = color.New(color.FgRed, color.Bold)
	case LvlWarn:
		levelColor = color.New(color.FgYellow)
	case LvlDebug, LvlTrace:
		levelColor = color.New(color.FgCyan)
	}

	lvlStr := lvl.String()
	if l.useCol {
		lvlStr = levelColor.Sprint(lvl.String())
	}

	fmt.Fprintf(l.out, "%s [%s] [%s] %s", ts, lvlStr, l.module, msg)
	all := make([]interface{}, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(l.out, " %v=%v", all[i], all[i+1])
	}
	if lvl <= LvlDebug {
		fmt.Fprintf(l.out, " caller=%+v", call)
	}
	fmt.Fprintln(l.out)
}
