// internal/store/sqlite_test.go
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/ipwatch/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), DefaultHistoryCap)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertTargetDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	target, err := s.UpsertTarget(ctx, "10.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1", target.Address)
	assert.Equal(t, protocol.StatusMonitoring, target.Status)
	assert.True(t, target.MonitoringEnabled)
	assert.Nil(t, target.GeoLocation)
	assert.Nil(t, target.RiskAssessment)
	assert.Empty(t, target.ActivityHistory)
}

func TestUpsertTargetConcurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertTarget(ctx, "10.0.0.2")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM targets WHERE address = ?`, "10.0.0.2").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestUpsertTargetKeepsExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertTarget(ctx, "10.0.0.3")
	require.NoError(t, err)
	require.NoError(t, s.SetMonitoring(ctx, "10.0.0.3", false))

	target, err := s.UpsertTarget(ctx, "10.0.0.3")
	require.NoError(t, err)
	assert.False(t, target.MonitoringEnabled)
}

func TestAppendActivityBoundedFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertTarget(ctx, "10.0.0.1")
	require.NoError(t, err)

	var appended []protocol.DetectedActivity
	base := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	for i := 0; i < DefaultHistoryCap+1; i++ {
		a := protocol.NewActivity(base.Add(time.Duration(i)*time.Second), protocol.SSHFailure,
			"1.2.3.4", fmt.Sprintf("line-%d", i))
		appended = append(appended, a)
		require.NoError(t, s.AppendActivity(ctx, "10.0.0.1", a))
	}

	history, err := s.Activities(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.Len(t, history, DefaultHistoryCap)

	assert.Equal(t, appended[1].ID, history[0].ID, "oldest entry should have been evicted")
	assert.Equal(t, appended[DefaultHistoryCap].ID, history[len(history)-1].ID)
	for _, a := range history {
		assert.NotEqual(t, appended[0].ID, a.ID)
	}
	assert.Equal(t, "line-200", history[len(history)-1].Details)
}

func TestAppendActivityPreservesFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertTarget(ctx, "10.0.0.1")
	require.NoError(t, err)

	ts := time.Date(2026, 2, 3, 12, 30, 0, 123, time.UTC)
	a := protocol.NewActivity(ts, protocol.FirewallBlock, "4.4.4.4", "[UFW BLOCK] IN=eth0 OUT=")
	require.NoError(t, s.AppendActivity(ctx, "10.0.0.1", a))

	target, err := s.GetTarget(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.Len(t, target.ActivityHistory, 1)
	got := target.ActivityHistory[0]
	assert.Equal(t, a.ID, got.ID)
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Equal(t, protocol.FirewallBlock, got.Type)
	assert.Equal(t, "4.4.4.4", got.SourceIP)
	assert.Equal(t, "[UFW BLOCK] IN=eth0 OUT=", got.Details)
}

func TestAppendActivityUnknownTarget(t *testing.T) {
	s := openTestStore(t)
	err := s.AppendActivity(context.Background(), "192.0.2.1",
		protocol.NewActivity(time.Now(), protocol.Unknown, "1.1.1.1", "x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetRiskResultOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertTarget(ctx, "10.0.0.1")
	require.NoError(t, err)

	first := &protocol.RiskResult{
		RiskLevel: protocol.RiskCritical, RiskScore: 90, Summary: "bad",
		Findings: []string{"a", "b"}, Recommendations: []string{"c"}, Source: protocol.SourceLLM,
	}
	require.NoError(t, s.SetRiskResult(ctx, "10.0.0.1", first, protocol.StatusBlocked))

	second := &protocol.RiskResult{
		RiskLevel: protocol.RiskLow, RiskScore: 5, Summary: "fine",
		Findings: []string{"z"}, Recommendations: []string{"y"}, Source: protocol.SourceHeuristic,
	}
	require.NoError(t, s.SetRiskResult(ctx, "10.0.0.1", second, protocol.StatusMonitoring))

	target, err := s.GetTarget(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusMonitoring, target.Status)
	require.NotNil(t, target.RiskAssessment)
	assert.Equal(t, 5, target.RiskAssessment.RiskScore)
	assert.Equal(t, []string{"z"}, target.RiskAssessment.Findings)
	assert.Equal(t, protocol.SourceHeuristic, target.RiskAssessment.Source)
}

func TestSetGeoLocationOnlyWhenEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertTarget(ctx, "10.0.0.1")
	require.NoError(t, err)

	set, err := s.SetGeoLocation(ctx, "10.0.0.1", protocol.GeoLocation{Country: "Indonesia", City: "Jakarta", ISP: "ISP", ASN: "AS1"})
	require.NoError(t, err)
	assert.True(t, set)

	set, err = s.SetGeoLocation(ctx, "10.0.0.1", protocol.GeoLocation{Country: "Elsewhere"})
	require.NoError(t, err)
	assert.False(t, set)

	target, err := s.GetTarget(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, target.GeoLocation)
	assert.Equal(t, "Indonesia", target.GeoLocation.Country)
}

func TestSetGeoLocationReplacesUnknown(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertTarget(ctx, "10.0.0.2")
	require.NoError(t, err)

	set, err := s.SetGeoLocation(ctx, "10.0.0.2", protocol.UnknownGeoLocation())
	require.NoError(t, err)
	assert.True(t, set)

	set, err = s.SetGeoLocation(ctx, "10.0.0.2", protocol.GeoLocation{Country: "Japan", City: "Tokyo", ISP: "ISP", ASN: "AS2"})
	require.NoError(t, err)
	assert.True(t, set)

	target, err := s.GetTarget(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, "Tokyo", target.GeoLocation.City)
}

func TestSetMonitoringNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.SetMonitoring(context.Background(), "203.0.113.9", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetTargetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetTarget(context.Background(), "203.0.113.9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListMonitored(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, addr := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		_, err := s.UpsertTarget(ctx, addr)
		require.NoError(t, err)
	}
	require.NoError(t, s.SetMonitoring(ctx, "10.0.0.2", false))
	require.NoError(t, s.AppendActivity(ctx, "10.0.0.3",
		protocol.NewActivity(time.Now(), protocol.PortScan, "5.5.5.5", "nmap scan")))

	targets, err := s.ListMonitored(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "10.0.0.1", targets[0].Address)
	assert.Equal(t, "10.0.0.3", targets[1].Address)
	assert.Len(t, targets[1].ActivityHistory, 1)
}
