package repl

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInterruptFlagSetClear(t *testing.T) {
	var f InterruptFlag
	require.False(t, f.IsSet())
	f.Set()
	require.True(t, f.IsSet())
	f.Clear()
	require.False(t, f.IsSet())
}

func TestNotifyRoutesSIGINTToFlag(t *testing.T) {
	var f InterruptFlag
	stop := f.Notify()
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	deadline := time.After(5 * time.Second)
	for !f.IsSet() {
		select {
		case <-deadline:
			t.Fatal("flag never set after SIGINT")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
