package configs

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/pretty"
)

// Debugging/output gates for a single proposer process.
var (
	ShowDebugInfo = false
	ShowWarnings  = true
	LogToFile     = false
	PrettyJSON    = true
)

// Fields is a structured logging payload, JSON-encoded with goccy/go-json
// and optionally pretty-printed with tidwall/pretty for interactive runs.
type Fields map[string]interface{}

func (f Fields) render() string {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Sprintf("%v", map[string]interface{}(f))
	}
	if PrettyJSON {
		b = pretty.Pretty(b)
	}
	return string(b)
}

func emit(level string, msg string, f Fields) {
	ts := time.Now().Format("15:04:05.000")
	line := ts + " [" + level + "] " + msg
	if len(f) > 0 {
		line += " " + f.render()
	}
	if LogToFile {
		log.Println(line)
	} else {
		fmt.Println(line)
	}
}

// Debugf logs a debug line gated by ShowDebugInfo.
func Debugf(msg string, f Fields) {
	if ShowDebugInfo {
		emit("debug", msg, f)
	}
}

// Infof always logs, unconditionally, for test/run narration.
func Infof(msg string, f Fields) {
	emit("info", msg, f)
}

// Warnf logs a warning gated by ShowWarnings.
func Warnf(msg string, f Fields) {
	if ShowWarnings {
		emit("warn", msg, f)
	}
}

// Assert panics with msg if cond is false. Used for invariants that a caller
// bug would violate (spec.md §7 class 3 safety violations) — these are not
// supposed to be recoverable.
func Assert(cond bool, msg string, f Fields) {
	if !cond {
		panic("[FATAL] " + msg + " " + f.render())
	}
}

// CheckFatal terminates the process with a logged message if err != nil.
// Reserved for the fatal error class in spec.md §7 (concurrent proposer
// detected, basebackup LSN mismatch, recovery failure) where the proposer
// must not continue running with corrupted assumptions.
func CheckFatal(err error, msg string) {
	if err != nil {
		emit("fatal", msg, Fields{"error": err.Error()})
		os.Exit(1)
	}
}

func FormatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
