/*
author: akashmaji
email: akashmaji@iisc.ac.in
file: go-redis/internal/command/command.go
*/

// Package command implements the command dispatcher: RESP Array request
// validation, arity checking, and the fixed command table (PING, ECHO, SET,
// GET, DEL, CONFIG, AOF, INFO). Grounded on the teacher's handlers.go
// dispatch table and handler_string.go/handler_key.go/handler_connection.go,
// generalized from "write the reply to the socket" to "return a Value",
// since the event loop (not the handler) owns the connection's buffer.
package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/akashmaji946/go-redis/internal/aof"
	"github.com/akashmaji946/go-redis/internal/common"
	"github.com/akashmaji946/go-redis/internal/config"
	"github.com/akashmaji946/go-redis/internal/metrics"
	"github.com/akashmaji946/go-redis/internal/resp"
	"github.com/akashmaji946/go-redis/internal/store"
)

// Handler is a single command's implementation. Mutating handlers check
// Engine.SuppressAof (true during AOF replay) before appending their frame,
// so a replayed command is not re-appended (spec.md §4.3).
type Handler func(e *Engine, args []resp.Value) resp.Value

// Engine bundles everything a Handler needs: the keyspace, the AOF writer,
// the live config, and the command-processed counter. It is the pure-Go
// analogue of the teacher's AppState, minus the fields for dropped features
// (rdb, requirepass, transactions).
type Engine struct {
	Store  *store.Store
	Aof    *aof.Aof
	Config *config.Config
	Stats  *metrics.Stats

	// Logger receives warnings for conditions the dispatcher itself must
	// react to, e.g. a post-open AOF write failure (spec.md §4.3). Nil is
	// safe: callers that don't care about these warnings may leave it unset.
	Logger *common.Logger

	// SuppressAof is set for the duration of AOF replay so Dispatch does not
	// re-append commands it is only replaying (spec.md §4.3).
	SuppressAof bool

	nowMs func() int64
}

// NewEngine wires a Store, Aof, and Config into an Engine. nowMs supplies
// the current time in epoch milliseconds; production callers pass a
// wall-clock function, tests pass a fixed/advancing one.
func NewEngine(st *store.Store, a *aof.Aof, cfg *config.Config, stats *metrics.Stats, nowMs func() int64) *Engine {
	return &Engine{Store: st, Aof: a, Config: cfg, Stats: stats, nowMs: nowMs}
}

func (e *Engine) now() int64 { return e.nowMs() }

// Dispatch is the method form of the package-level Dispatch, letting Engine
// satisfy internal/aof's Dispatcher interface for replay.
func (e *Engine) Dispatch(request resp.Value) resp.Value { return Dispatch(e, request) }

// SetSuppressAof toggles AOF write suppression, used by internal/aof.Replay
// to prevent re-appending commands it is only replaying.
func (e *Engine) SetSuppressAof(suppress bool) { e.SuppressAof = suppress }

var table = map[string]Handler{
	"PING": cmdPing,
	"ECHO": cmdEcho,
	"SET":  cmdSet,
	"GET":  cmdGet,
	"DEL":  cmdDel,
	"INFO": cmdInfo,

	"CONFIG": cmdConfig,
	"AOF":    cmdAof,
}

// arity is the minimum+maximum argument count (excluding the command name
// itself) accepted by each command; -1 means "no upper bound". Checked
// before the handler runs, matching the teacher's per-handler `len(args) !=
// N` checks but centralized (spec.md §4.4 arity table).
var arity = map[string][2]int{
	"PING":   {0, 1},
	"ECHO":   {1, 1},
	"SET":    {2, -1},
	"GET":    {1, 1},
	"DEL":    {1, -1},
	"INFO":   {0, 0},
	"CONFIG": {2, -1},
	"AOF":    {1, 1},
}

// Dispatch validates request as a command invocation and runs its handler.
// request must be a non-null Array of non-null BulkString elements (spec.md
// §4.4); any other shape is a protocol-level misuse and yields an error
// reply rather than a panic, since a malformed command frame is data, not a
// program error.
func Dispatch(e *Engine, request resp.Value) resp.Value {
	name, args, err := unpackRequest(request)
	if err != nil {
		return resp.ErrorValue("ERR " + err.Error())
	}
	if e.Stats != nil {
		e.Stats.CommandsProcessed.Inc()
	}

	upper := strings.ToUpper(name)
	h, ok := table[upper]
	if !ok {
		return resp.ErrorValue(fmt.Sprintf("ERR unknown command '%s'", name))
	}
	if bounds, ok := arity[upper]; ok {
		min, max := bounds[0], bounds[1]
		if len(args) < min || (max >= 0 && len(args) > max) {
			return resp.ErrorValue(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(upper)))
		}
	}
	return h(e, args)
}

func unpackRequest(v resp.Value) (name string, args []resp.Value, err error) {
	if v.Type != resp.TypeArray || v.IsNull() || len(v.Arr) == 0 {
		return "", nil, fmt.Errorf("invalid command frame")
	}
	for _, elem := range v.Arr {
		if elem.Type != resp.TypeBulkString || elem.IsNull() {
			return "", nil, fmt.Errorf("invalid command frame")
		}
	}
	return string(v.Arr[0].Bulk), v.Arr[1:], nil
}

func cmdPing(e *Engine, args []resp.Value) resp.Value {
	if len(args) == 1 {
		return resp.BulkString(args[0].Bulk)
	}
	return resp.SimpleString("PONG")
}

func cmdEcho(e *Engine, args []resp.Value) resp.Value {
	return resp.BulkString(args[0].Bulk)
}

// cmdSet implements SET key value [EX seconds | PX milliseconds] (spec.md
// §4.4), option tokens matched case-insensitively per the teacher's general
// convention of accepting redis-cli's casing freely.
func cmdSet(e *Engine, args []resp.Value) resp.Value {
	key := string(args[0].Bulk)
	val := args[1].Bulk

	nowMs := e.now()
	var expiresAtMs int64

	rest := args[2:]
	for len(rest) > 0 {
		opt := strings.ToUpper(string(rest[0].Bulk))
		switch opt {
		case "EX", "PX":
			if len(rest) < 2 {
				return resp.ErrorValue("ERR syntax error")
			}
			n, err := strconv.ParseInt(string(rest[1].Bulk), 10, 64)
			if err != nil {
				return resp.ErrorValue("ERR value is not an integer or out of range")
			}
			if n <= 0 {
				return resp.ErrorValue("ERR invalid expire time in 'set' command")
			}
			if opt == "EX" {
				expiresAtMs = nowMs + n*1000
			} else {
				expiresAtMs = nowMs + n
			}
			rest = rest[2:]
		default:
			return resp.ErrorValue(fmt.Sprintf("ERR unknown option '%s' for 'set' command", opt))
		}
	}

	e.Store.Set(key, val, expiresAtMs, nowMs)
	e.appendAof("SET", args)
	return resp.SimpleString("OK")
}

func cmdGet(e *Engine, args []resp.Value) resp.Value {
	val, ok := e.Store.Get(string(args[0].Bulk), e.now())
	if !ok {
		return resp.NullBulkString()
	}
	return resp.BulkString(val)
}

func cmdDel(e *Engine, args []resp.Value) resp.Value {
	keys := make([]string, len(args))
	for i, a := range args {
		keys[i] = string(a.Bulk)
	}
	count := e.Store.Del(keys, e.now())
	if count > 0 {
		e.appendAof("DEL", args)
	}
	return resp.Integer(int64(count))
}

// cmdConfig implements CONFIG GET/SET for the two parameters spec.md §6
// allows to be live-configured: maxmemory and appendfsync. Any other
// parameter is an "unknown configuration parameter" error (spec.md §6),
// grounded on the teacher's config directives of the same names (conf.go).
func cmdConfig(e *Engine, args []resp.Value) resp.Value {
	sub := strings.ToUpper(string(args[0].Bulk))
	switch sub {
	case "GET":
		if len(args) != 2 {
			return resp.ErrorValue("ERR wrong number of arguments for 'config|get' command")
		}
		param := strings.ToLower(string(args[1].Bulk))
		switch param {
		case "maxmemory":
			return resp.Array([]resp.Value{
				resp.BulkStringFromString("maxmemory"),
				resp.BulkStringFromString(strconv.FormatInt(e.Store.Stats().LimitBytes, 10)),
			})
		case "appendfsync":
			return resp.Array([]resp.Value{
				resp.BulkStringFromString("appendfsync"),
				resp.BulkStringFromString(string(e.Aof.Policy())),
			})
		default:
			return resp.ErrorValue(fmt.Sprintf("ERR unknown configuration parameter '%s'", param))
		}
	case "SET":
		if len(args) != 3 {
			return resp.ErrorValue("ERR wrong number of arguments for 'config|set' command")
		}
		param := strings.ToLower(string(args[1].Bulk))
		switch param {
		case "maxmemory":
			n, err := strconv.ParseInt(string(args[2].Bulk), 10, 64)
			if err != nil || n < 0 {
				return resp.ErrorValue("ERR invalid maxmemory value")
			}
			e.Store.SetLimitBytes(n)
			return resp.SimpleString("OK")
		case "appendfsync":
			policy := aof.FsyncPolicy(strings.ToLower(string(args[2].Bulk)))
			switch policy {
			case aof.FsyncNo, aof.FsyncEverysec:
				e.Aof.SetPolicy(policy)
				return resp.SimpleString("OK")
			default:
				return resp.ErrorValue("ERR invalid appendfsync value")
			}
		default:
			return resp.ErrorValue(fmt.Sprintf("ERR unknown configuration parameter '%s'", param))
		}
	default:
		return resp.ErrorValue(fmt.Sprintf("ERR unknown CONFIG subcommand '%s'", sub))
	}
}

// cmdAof implements AOF ENABLE|DISABLE, a supplemented command (not present
// in the teacher, which only toggles AOF via the config file at startup)
// letting a client flip persistence on a running server.
func cmdAof(e *Engine, args []resp.Value) resp.Value {
	switch strings.ToUpper(string(args[0].Bulk)) {
	case "ENABLE":
		e.Aof.Enable()
		return resp.SimpleString("OK")
	case "DISABLE":
		e.Aof.Disable()
		return resp.SimpleString("OK")
	default:
		return resp.ErrorValue("ERR unknown AOF subcommand, expected ENABLE or DISABLE")
	}
}

// cmdInfo renders a redis-info-style report, grounded on the teacher's
// info.go sectioned "# Header\r\nkey:value\r\n" format.
func cmdInfo(e *Engine, args []resp.Value) resp.Value {
	stats := e.Store.Stats()

	var systemTotal uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		systemTotal = vm.Total
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Keyspace\r\nkeys:%d\r\n\r\n", e.Store.Len())
	fmt.Fprintf(&b, "# Memory\r\nused_memory:%d\r\nmaxmemory:%d\r\nevicted_keys:%d\r\ntotal_system_memory:%d\r\n\r\n",
		stats.EstimatedBytes, stats.LimitBytes, stats.EvictionsTotal, systemTotal)
	fmt.Fprintf(&b, "# Persistence\r\naof_enabled:%t\r\naof_fsync:%s\r\n",
		e.Aof.Enabled(), e.Aof.Policy())
	return resp.BulkStringFromString(b.String())
}

func (e *Engine) appendAof(name string, args []resp.Value) {
	if e.SuppressAof || e.Aof == nil || !e.Aof.Enabled() {
		return
	}
	frame := make([]resp.Value, 0, len(args)+1)
	frame = append(frame, resp.BulkStringFromString(name))
	frame = append(frame, args...)
	if err := e.Aof.Append(resp.Array(frame)); err != nil {
		// spec.md §4.3: a write failure after successful open is fatal; we
		// take the "disable loudly" option rather than terminating the
		// process out from under connected clients.
		if e.Logger != nil {
			e.Logger.Error("append-only file write failed, disabling AOF: %v", err)
		}
		e.Aof.Disable()
	}
}

// WallClockMs is the production nowMs source, grounded on the teacher's use
// of time.Now() directly in its handlers (e.g. expiry computations).
func WallClockMs() int64 { return time.Now().UnixMilli() }
