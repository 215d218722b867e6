package rotation

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanolja/gemback"
)

func TestNew(t *testing.T) {
	t.Run("rejects empty credential list", func(t *testing.T) {
		rotator, err := New(nil, RoundRobin)
		assert.Nil(t, rotator)

		var configErr *gemback.ConfigError
		require.True(t, errors.As(err, &configErr))
		assert.Equal(t, "credentials", configErr.Field)
	})

	t.Run("creates one stats entry per credential", func(t *testing.T) {
		rotator, err := New([]string{"a", "b", "c"}, LeastUsed)
		require.NoError(t, err)
		assert.Equal(t, 3, rotator.Len())

		stats := rotator.Stats()
		require.Len(t, stats, 3)
		for i, s := range stats {
			assert.Equal(t, i, s.Index)
			assert.Zero(t, s.TotalRequests)
			assert.Zero(t, s.SuccessRate)
		}
	})
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		value   string
		want    Strategy
		wantErr bool
	}{
		{"", RoundRobin, false},
		{"round-robin", RoundRobin, false},
		{"least-used", LeastUsed, false},
		{"least_used", LeastUsed, false},
		{"random", RoundRobin, true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := ParseStrategy(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCredentialString(t *testing.T) {
	credential := Credential{Index: 2, Secret: "AIza-super-secret"}
	assert.Equal(t, "credential#2", credential.String())
	assert.NotContains(t, fmt.Sprintf("%v", credential), "secret")
}

func TestRoundRobin(t *testing.T) {
	t.Run("cycles from index zero", func(t *testing.T) {
		rotator, err := New([]string{"k0", "k1", "k2"}, RoundRobin)
		require.NoError(t, err)

		var got []int
		for i := 0; i < 7; i++ {
			got = append(got, rotator.Next().Index)
		}
		assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, got)
	})

	t.Run("nine calls over three credentials are even", func(t *testing.T) {
		rotator, err := New([]string{"k0", "k1", "k2"}, RoundRobin)
		require.NoError(t, err)

		for i := 0; i < 9; i++ {
			credential := rotator.Next()
			rotator.RecordSuccess(credential.Index)
		}
		for _, s := range rotator.Stats() {
			assert.Equal(t, int64(3), s.TotalRequests)
			assert.Equal(t, int64(3), s.SuccessCount)
			assert.Equal(t, 1.0, s.SuccessRate)
		}
	})

	t.Run("advances regardless of outcome", func(t *testing.T) {
		rotator, err := New([]string{"k0", "k1"}, RoundRobin)
		require.NoError(t, err)

		first := rotator.Next()
		rotator.RecordFailure(first.Index)
		assert.Equal(t, 1, rotator.Next().Index)
	})

	t.Run("spread stays within ceil(M/K)", func(t *testing.T) {
		const credentials = 4
		const calls = 1001
		secrets := make([]string, credentials)
		for i := range secrets {
			secrets[i] = fmt.Sprintf("k%d", i)
		}
		rotator, err := New(secrets, RoundRobin)
		require.NoError(t, err)

		for i := 0; i < calls; i++ {
			rotator.Next()
		}
		min, max := spread(rotator.Stats())
		assert.LessOrEqual(t, max-min, int64((calls+credentials-1)/credentials))
		assert.LessOrEqual(t, max-min, int64(1))
	})
}

func TestLeastUsed(t *testing.T) {
	t.Run("ties go to the lowest index", func(t *testing.T) {
		rotator, err := New([]string{"k0", "k1", "k2"}, LeastUsed)
		require.NoError(t, err)

		assert.Equal(t, 0, rotator.Next().Index)
		assert.Equal(t, 1, rotator.Next().Index)
		assert.Equal(t, 2, rotator.Next().Index)
		assert.Equal(t, 0, rotator.Next().Index)
	})

	t.Run("selection counts before the outcome is known", func(t *testing.T) {
		rotator, err := New([]string{"k0", "k1"}, LeastUsed)
		require.NoError(t, err)

		pending := rotator.Next()
		assert.Equal(t, 0, pending.Index)
		// k0 has not reported back yet but is already considered used.
		assert.Equal(t, 1, rotator.Next().Index)
		assert.Equal(t, int64(1), rotator.Stats()[0].TotalRequests)
		assert.Zero(t, rotator.Stats()[0].SuccessCount)
	})

	t.Run("max and min differ by at most one under concurrency", func(t *testing.T) {
		rotator, err := New([]string{"k0", "k1", "k2", "k3", "k4"}, LeastUsed)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 125; i++ {
					credential := rotator.Next()
					if i%3 == 0 {
						rotator.RecordFailure(credential.Index)
					} else {
						rotator.RecordSuccess(credential.Index)
					}
				}
			}()
		}
		wg.Wait()

		min, max := spread(rotator.Stats())
		assert.LessOrEqual(t, max-min, int64(1))
	})
}

func TestRecord(t *testing.T) {
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	rotator, err := New([]string{"k0", "k1"}, RoundRobin, WithClock(mockClock))
	require.NoError(t, err)

	credential := rotator.Next()
	rotator.RecordSuccess(credential.Index)
	rotator.RecordSuccess(credential.Index)
	rotator.RecordFailure(credential.Index)
	rotator.RecordFailure(99)
	rotator.RecordSuccess(-1)

	stats := rotator.Stats()
	assert.Equal(t, int64(2), stats[0].SuccessCount)
	assert.Equal(t, int64(1), stats[0].FailureCount)
	assert.InDelta(t, 2.0/3.0, stats[0].SuccessRate, 1e-12)
	assert.Equal(t, mockClock.Now(), stats[0].LastUsed)
	assert.True(t, stats[1].LastUsed.IsZero())
}

func spread(stats []CredentialStats) (int64, int64) {
	min, max := stats[0].TotalRequests, stats[0].TotalRequests
	for _, s := range stats[1:] {
		if s.TotalRequests < min {
			min = s.TotalRequests
		}
		if s.TotalRequests > max {
			max = s.TotalRequests
		}
	}
	return min, max
}
