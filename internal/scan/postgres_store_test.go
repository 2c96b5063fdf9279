package scan_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardianhq/guardian/internal/evidence"
	"github.com/guardianhq/guardian/internal/pagination"
	"github.com/guardianhq/guardian/internal/probes"
	"github.com/guardianhq/guardian/internal/scan"
	"github.com/guardianhq/guardian/internal/testutil"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := scan.NewPostgresStore(db)
	ctx := context.Background()

	session := &scan.Session{
		ID:        "scan_pg1",
		Address:   "0x1111111111111111111111111111111111111111",
		Network:   "ethereum",
		Status:    scan.StatusRunning,
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
		Probes: []probes.Probe{
			{ID: "probe_a", Type: probes.TypeContract, Status: probes.StatusPending},
		},
	}
	require.NoError(t, store.Create(ctx, session))

	session.Status = scan.StatusComplete
	session.CompletedAt = session.StartedAt.Add(2 * time.Second)
	session.DurationMS = 2000
	session.Probes[0].Status = probes.StatusOK
	session.Probes[0].Evidence = &evidence.Evidence{
		Subscore: 100, Confidence: 0.95, SourceProvider: "contract-primary",
		FetchedAt: session.StartedAt,
	}
	session.Score = &scan.TrustScore{Score: 100, Confidence: 0.95, RiskFlags: []string{}, ProbesOK: 1, ComputedAt: session.StartedAt}
	require.NoError(t, store.Finish(ctx, session))

	got, err := store.Get(ctx, "scan_pg1")
	require.NoError(t, err)
	assert.Equal(t, scan.StatusComplete, got.Status)
	require.Len(t, got.Probes, 1)
	assert.Equal(t, probes.StatusOK, got.Probes[0].Status)
	require.NotNil(t, got.Score)
	assert.Equal(t, float64(100), got.Score.Score)
}

func TestPostgresStoreFinishIsWriteOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := scan.NewPostgresStore(db)
	ctx := context.Background()

	session := &scan.Session{
		ID: "scan_pg2", Address: "0xabc", Network: "ethereum",
		Status: scan.StatusRunning, StartedAt: time.Now().UTC(),
		Probes: []probes.Probe{},
	}
	require.NoError(t, store.Create(ctx, session))

	session.Status = scan.StatusComplete
	session.CompletedAt = time.Now().UTC()
	require.NoError(t, store.Finish(ctx, session))

	// Second terminal write is rejected.
	session.Status = scan.StatusPartial
	err := store.Finish(ctx, session)
	assert.True(t, errors.Is(err, scan.ErrSessionFinished), "got %v", err)

	// Unknown session
	missing := &scan.Session{ID: "scan_missing", Status: scan.StatusComplete, Probes: []probes.Probe{}}
	err = store.Finish(ctx, missing)
	assert.True(t, errors.Is(err, scan.ErrSessionNotFound), "got %v", err)
}

func TestPostgresStoreListByAddress(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := scan.NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"scan_l1", "scan_l2", "scan_l3"} {
		require.NoError(t, store.Create(ctx, &scan.Session{
			ID: id, Address: "0xdef", Network: "base",
			Status: scan.StatusRunning, StartedAt: base.Add(time.Duration(i) * time.Minute),
			Probes: []probes.Probe{},
		}))
	}

	got, err := store.ListByAddress(ctx, "0xdef", "base", 2, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first
	assert.Equal(t, "scan_l3", got[0].ID)
	assert.Equal(t, "scan_l2", got[1].ID)

	// Cursor restricts the next page to strictly older sessions
	cursor, err := pagination.Decode(pagination.Encode(got[1].StartedAt, got[1].ID))
	require.NoError(t, err)
	page2, err := store.ListByAddress(ctx, "0xdef", "base", 2, cursor)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "scan_l1", page2[0].ID)
}
