package logsvc

import (
	"log"

	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"

	"github.com/trezcool/feeledger/core"
)

// RollbarLogger prints to a std logger and mirrors every entry to Rollbar.
// Each instance tags its entries with the component it logs for ("api", "sync", "admin").
type RollbarLogger struct {
	std       *log.Logger
	component string
}

var _ core.Logger = (*RollbarLogger)(nil)

func NewRollbarLogger(std *log.Logger, conf *core.Config, component string) *RollbarLogger {
	rollbar.SetToken(conf.RollbarToken)
	rollbar.SetEnvironment(conf.Env)
	rollbar.SetServerHost(conf.Server.Host)
	rollbar.SetCodeVersion(conf.Build)
	rollbar.SetStackTracer(errors.StackTracer)
	rollbar.SetEnabled(conf.RollbarToken != "" && !conf.TestMode && !conf.Debug)
	return &RollbarLogger{std: std, component: component}
}

// prepare turns (msg, args) into Rollbar's (msg, error?, extras) form.
// A core.Session sets the acting operator and scopes the entry to its school;
// map arguments are merged into the extras.
func (l RollbarLogger) prepare(msg string, args []interface{}) []interface{} {
	extras := map[string]interface{}{"component": l.component}
	out := make([]interface{}, 0, len(args)+2)
	out = append(out, msg)

	var sess *core.Session
	for _, arg := range args {
		switch a := arg.(type) {
		case core.Session:
			if sess == nil {
				s := a
				sess = &s
			}
		case map[string]interface{}:
			for k, v := range a {
				extras[k] = v
			}
		default:
			out = append(out, arg)
		}
	}

	if sess != nil {
		rollbar.SetPerson(sess.UserID, sess.Username, "")
		extras["session_id"] = sess.ID
		if sess.SchoolID != 0 {
			extras["school_id"] = sess.SchoolID
		}
	} else {
		rollbar.ClearPerson()
	}
	return append(out, extras)
}

func (l RollbarLogger) print(level, msg string, args []interface{}) {
	l.std.Printf("[%s] %s\n", level, msg)
	for _, arg := range args {
		switch arg.(type) {
		case core.Session, map[string]interface{}:
			continue
		}
		l.std.Printf("%+v\n", arg)
	}
}

func (l RollbarLogger) Debug(msg string, args ...interface{}) {
	rollbar.Debug(l.prepare(msg, args)...)
	l.print("DEBUG", msg, args)
}

func (l RollbarLogger) Info(msg string, args ...interface{}) {
	rollbar.Info(l.prepare(msg, args)...)
	l.print("INFO", msg, args)
}

func (l RollbarLogger) Warn(msg string, args ...interface{}) {
	rollbar.Warning(l.prepare(msg, args)...)
	l.print("WARN", msg, args)
}

func (l RollbarLogger) Error(msg string, args ...interface{}) {
	rollbar.Error(l.prepare(msg, args)...)
	l.print("ERROR", msg, args)
}

func (l RollbarLogger) Fatal(msg string, args ...interface{}) {
	rollbar.Critical(l.prepare(msg, args)...)
	l.print("FATAL", msg, args)
	rollbar.Close()
	l.std.Fatal(msg)
}
