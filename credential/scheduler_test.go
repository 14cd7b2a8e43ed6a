package credential_test

import (
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-client/credential"
	"github.com/jrsteele09/go-auth-client/credential/fakeclock"
	"github.com/stretchr/testify/require"
)

func TestScheduler_ArmCancelsPrevious(t *testing.T) {
	clock := fakeclock.New(testNow)
	fired := 0
	s := credential.NewScheduler(clock, func() { fired++ })

	require.True(t, s.Arm(time.Minute))
	require.True(t, s.Arm(2*time.Minute))
	require.Equal(t, 1, clock.Pending())

	clock.Advance(time.Minute)
	require.Equal(t, 0, fired)
	clock.Advance(time.Minute)
	require.Equal(t, 1, fired)
}

func TestScheduler_NonPositiveDelayDisarms(t *testing.T) {
	clock := fakeclock.New(testNow)
	fired := 0
	s := credential.NewScheduler(clock, func() { fired++ })

	require.True(t, s.Arm(time.Minute))
	require.False(t, s.Arm(0))
	require.False(t, s.Armed())
	require.True(t, s.Deadline().IsZero())

	clock.Advance(time.Hour)
	require.Equal(t, 0, fired)
}

func TestScheduler_CancelWithoutTimer(t *testing.T) {
	clock := fakeclock.New(testNow)
	s := credential.NewScheduler(clock, nil)

	s.Cancel()
	s.Cancel()
	require.False(t, s.Armed())
	require.Empty(t, clock.Delays())
}

func TestScheduler_RealClock(t *testing.T) {
	done := make(chan struct{})
	s := credential.NewScheduler(nil, func() { close(done) })

	require.True(t, s.Arm(10*time.Millisecond))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	require.False(t, s.Armed())
}
