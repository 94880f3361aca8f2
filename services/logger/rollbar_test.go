package logsvc

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/feeledger/core"
)

func TestRollbarLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewRollbarLogger(log.New(&buf, "SYNC : ", 0), core.NewTestConfig(), "sync")
	sess := core.NewSession(7, "u-1", "bursar", false)
	cause := errors.New("connection refused")

	t.Run("prepare", func(t *testing.T) {
		args := l.prepare("drain failed", []interface{}{cause, sess, map[string]interface{}{"entity": "payment"}, core.SystemSession()})
		require.Len(t, args, 3)
		assert.Equal(t, "drain failed", args[0])
		assert.Equal(t, cause, args[1])
		assert.Equal(t, map[string]interface{}{
			"component":  "sync",
			"session_id": sess.ID,
			"school_id":  int64(7),
			"entity":     "payment",
		}, args[2], "the first session wins")
	})

	t.Run("prepare without session", func(t *testing.T) {
		args := l.prepare("tick", nil)
		assert.Equal(t, []interface{}{"tick", map[string]interface{}{"component": "sync"}}, args)
	})

	t.Run("print", func(t *testing.T) {
		buf.Reset()
		l.Error("drain failed", cause, sess, map[string]interface{}{"entity": "payment"})
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		assert.Equal(t, []string{"SYNC : [ERROR] drain failed", "SYNC : connection refused"}, lines)
	})
}
