package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	runCalls      chan string
	interruptCall chan struct{}
	reply         string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{runCalls: make(chan string, 4), interruptCall: make(chan struct{}, 4)}
}

func (f *fakeExecutor) Run(command string, cancel <-chan struct{}) (string, error) {
	f.runCalls <- command
	select {
	case <-cancel:
		return "T02thread:00000001;", nil
	case <-time.After(2 * time.Second):
		return f.reply, nil
	}
}

func (f *fakeExecutor) Interrupt() error {
	f.interruptCall <- struct{}{}
	return nil
}

func TestStartAndResult(t *testing.T) {
	exec := newFakeExecutor()
	exec.reply = "OK"
	o := New(exec)

	_, err := o.Start("c")
	require.NoError(t, err)
	require.True(t, o.IsInProgress())

	_, done, err := o.Result(10 * time.Millisecond)
	require.NoError(t, err)
	require.False(t, done)

	text, done, err := o.Result(3 * time.Second)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, "OK", text)
	require.False(t, o.IsInProgress())
}

func TestStartRejectsSecondOutstanding(t *testing.T) {
	exec := newFakeExecutor()
	o := New(exec)
	_, err := o.Start("c")
	require.NoError(t, err)
	_, err = o.Start("s")
	require.Error(t, err)
	o.Interrupt()
}

func TestInterruptDuringContinueScenario5(t *testing.T) {
	exec := newFakeExecutor()
	o := New(exec)

	_, err := o.Start("c")
	require.NoError(t, err)
	<-exec.runCalls // worker has entered Run and is now blocked awaiting cancel/reply

	require.NoError(t, o.Interrupt())
	<-exec.interruptCall

	text, done, err := o.Result(2 * time.Second)
	require.NoError(t, err)
	require.True(t, done)
	require.Contains(t, text, "T02")
}

func TestInterruptWithNoOutstandingCommandIsNoop(t *testing.T) {
	exec := newFakeExecutor()
	o := New(exec)
	require.NoError(t, o.Interrupt())
	require.Equal(t, 0, len(exec.interruptCall))
}
