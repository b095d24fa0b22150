package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverallStatusBeforeAnyCheck(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, StatusUnknown, c.OverallStatus())
}

func TestAllHealthy(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("cache", true, func(context.Context) CheckResult {
		return Healthy("12 entries")
	})
	c.RegisterFunc("pipeline", true, func(context.Context) CheckResult {
		return Healthy("started")
	})

	results := c.Check(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusHealthy, results["cache"].Status)
	assert.Equal(t, StatusHealthy, c.OverallStatus())
}

func TestCriticalFailureIsUnhealthy(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("remote", true, func(context.Context) CheckResult {
		return Unhealthy("unreachable", errors.New("connection refused"))
	})
	c.RegisterFunc("cache", false, func(context.Context) CheckResult {
		return Healthy("")
	})

	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())

	r, ok := c.Result("remote")
	require.True(t, ok)
	assert.Equal(t, "connection refused", r.Error)
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("remote", false, func(context.Context) CheckResult {
		return Unhealthy("unreachable", nil)
	})
	c.RegisterFunc("cache", true, func(context.Context) CheckResult {
		return Healthy("")
	})

	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())
}

func TestPanickingCheckIsIsolated(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("buggy", false, func(context.Context) CheckResult {
		panic("check bug")
	})

	results := c.Check(context.Background())
	require.Contains(t, results, "buggy")
	assert.Equal(t, StatusUnhealthy, results["buggy"].Status)
	assert.Contains(t, results["buggy"].Error, "check bug")
}

func TestHangingCheckTimesOut(t *testing.T) {
	c := NewChecker()
	c.Register(&Subsystem{
		Name:    "slow",
		Timeout: 30 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(time.Hour)
			return Healthy("")
		},
	})

	done := make(chan map[string]CheckResult, 1)
	go func() { done <- c.Check(context.Background()) }()

	select {
	case results := <-done:
		assert.Equal(t, StatusUnhealthy, results["slow"].Status)
		assert.Equal(t, "check timed out", results["slow"].Message)
	case <-time.After(2 * time.Second):
		t.Fatal("Check did not return after subsystem timeout")
	}
}

func TestReRegisterReplaces(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("cache", true, func(context.Context) CheckResult {
		return Unhealthy("old", nil)
	})
	c.RegisterFunc("cache", true, func(context.Context) CheckResult {
		return Healthy("new")
	})

	results := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, results["cache"].Status)
	assert.Equal(t, "new", results["cache"].Message)
}
