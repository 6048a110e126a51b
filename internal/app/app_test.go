package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/juddata/courtarchive/internal/config"
	"github.com/juddata/courtarchive/pkg/types"
)

const testCourtsCSV = `state_code,state_name,district_code,district_name,complex_code,complex_name,court_numbers,flag
29,Karnataka,9,Bengaluru Rural,1290105,Devanahalli,"1,2,3",N
29,Karnataka,9,Bengaluru Rural,1290106,Doddaballapura,"1,2",N
29,Karnataka,12,Mysuru,1290201,Mysuru City,"1",N
3,Kerala,21,Ernakulam,1030077,Kochi,"1,2",N
`

func writeCourtsCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "courts.csv")
	require.NoError(t, os.WriteFile(path, []byte(testCourtsCSV), 0644))
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeRange
	cfg.DataDir = t.TempDir()
	cfg.Storage.Type = "local"
	cfg.Archive.LocalOnly = true
	cfg.Crawl.SolverCommand = "true"
	cfg.Crawl.CompressPDFs = false
	cfg.Schedule.StartDate = "2025-01-01"
	cfg.Courts.CSVPath = writeCourtsCSV(t)
	return cfg
}

func TestNew_BuildsCrawlStack(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)

	assert.NotNil(t, a.manager)
	assert.NotNil(t, a.ledger)
	assert.NotNil(t, a.downloader)
	assert.NotNil(t, a.planner)
	assert.NotNil(t, a.scheduler)
	assert.NotNil(t, a.pool)
	assert.Nil(t, a.metricsServer, "metrics endpoint is opt-in")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule.StartDate = ""

	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err, "range mode needs a start date")
}

func TestRun_PanicStillFlushesStagedData(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	key := types.PartitionKey{Year: 2024, StateCode: "29", DistrictCode: "9",
		ComplexCode: "1290105", Type: types.ArchiveMetadata}
	require.NoError(t, a.manager.Put(ctx, key, "case.json", []byte(`{"cnr":"x"}`)))

	// Wreck the backfill path so runMode panics outside the worker
	// pool's recovery.
	a.cfg.Mode = config.ModeBackfill
	a.scheduler = nil

	defer func() {
		require.NotNil(t, recover(), "backfill without a scheduler must panic")

		part := key.PartObject(cfg.Storage.Prefix, key.FirstPartName())
		exists, err := a.storage.Exists(ctx, part)
		require.NoError(t, err)
		assert.True(t, exists, "teardown must flush staged data even when the run panics")
	}()
	_ = a.Run(ctx)
}

func TestSelectCourts_Filters(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)

	courts, err := a.selectCourts()
	require.NoError(t, err)
	assert.Len(t, courts, 4)

	a.cfg.Courts.State = "29"
	courts, err = a.selectCourts()
	require.NoError(t, err)
	assert.Len(t, courts, 3)

	a.cfg.Courts.District = "9"
	courts, err = a.selectCourts()
	require.NoError(t, err)
	assert.Len(t, courts, 2)

	a.cfg.Courts.Complex = "1290105"
	courts, err = a.selectCourts()
	require.NoError(t, err)
	require.Len(t, courts, 1)
	assert.Equal(t, "Devanahalli", courts[0].ComplexName)
}

func TestSelectCourts_ComplexNeedsParents(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)

	a.cfg.Courts.Complex = "1290105"
	_, err = a.selectCourts()
	assert.Error(t, err, "complex filter alone is ambiguous")
}

func TestSelectCourts_NoMatch(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)

	a.cfg.Courts.State = "99"
	_, err = a.selectCourts()
	assert.Error(t, err)
}
