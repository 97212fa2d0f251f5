package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"reportd/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYearFiles(t *testing.T, dir string, year, n int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%04d.%02d.%02d_%d_ET.tif", year, i%12+1, i%28+1, i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
}

func newTestEstimator() *Estimator {
	return NewEstimator(DefaultHeuristics())
}

func TestNoFilesNoStartUsesBaseline(t *testing.T) {
	e := newTestEstimator()
	p := e.Estimate(Input{
		StartYear: 2000,
		EndYear:   2002,
		Status:    domain.StatusPending,
		OutputDir: filepath.Join(t.TempDir(), "missing"),
		Now:       time.Now(),
	})

	assert.Equal(t, 0.0, p.Percent)
	assert.Equal(t, int64(630000), p.Remaining)
	assert.Equal(t, 0, p.FileCount)
	assert.Empty(t, p.Years)
	assert.Equal(t, 3, p.TotalYears)
	assert.Equal(t, SourceFiles, p.Source)
}

func TestFileCountHalfway(t *testing.T) {
	dir := t.TempDir()
	writeYearFiles(t, dir, 2000, 300)
	writeYearFiles(t, dir, 2001, 150)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-time.Hour)

	p := newTestEstimator().Estimate(Input{
		StartYear: 2000,
		EndYear:   2002,
		Started:   &started,
		Status:    domain.StatusInProgress,
		OutputDir: dir,
		Now:       now,
	})

	assert.InDelta(t, 0.5, p.Percent, 1e-9)
	assert.Equal(t, 450, p.FileCount)
	assert.Equal(t, 2001, p.CurrentYear)
	assert.Equal(t, []YearCount{{2000, 300}, {2001, 150}}, p.Years)
	// elapsed * (1/0.5 - 1) = elapsed
	assert.Equal(t, time.Hour.Milliseconds(), p.Remaining)
}

func TestObservedAverageBelowDefaultIsIgnored(t *testing.T) {
	e := newTestEstimator()
	p := e.FromFiles(Input{StartYear: 2000, EndYear: 2001, Status: domain.StatusInProgress},
		[]YearCount{{2000, 10}, {2001, 5}})

	// avg stays at 300: 15 + 295 + 0
	assert.InDelta(t, 15.0/310.0, p.Percent, 1e-9)
}

func TestObservedAverageAboveDefaultIsUsed(t *testing.T) {
	e := newTestEstimator()
	p := e.FromFiles(Input{StartYear: 2000, EndYear: 2002, Status: domain.StatusInProgress},
		[]YearCount{{2000, 500}, {2001, 100}})

	// avg 500: 600 + 400 + 500
	assert.InDelta(t, 600.0/1500.0, p.Percent, 1e-9)
}

func TestFullFileEstimateIsClampedUntilComplete(t *testing.T) {
	e := newTestEstimator()
	in := Input{StartYear: 2000, EndYear: 2001, Status: domain.StatusInProgress}
	years := []YearCount{{2000, 300}, {2001, 300}}

	p := e.FromFiles(in, years)
	assert.Equal(t, 0.99, p.Percent)
	assert.Equal(t, time.Minute.Milliseconds(), p.Remaining)
}

func TestCompleteStatusOverridesEstimate(t *testing.T) {
	dir := t.TempDir()
	writeYearFiles(t, dir, 2000, 12)

	p := newTestEstimator().Estimate(Input{
		StartYear: 2000,
		EndYear:   2005,
		Status:    domain.StatusComplete,
		OutputDir: dir,
		Now:       time.Now(),
	})
	assert.Equal(t, 1.0, p.Percent)
	assert.Equal(t, int64(0), p.Remaining)
	assert.Equal(t, SourceFinal, p.Source)
	assert.Equal(t, 2005, p.CurrentYear)
}

func TestLogDateOverridesFileCount(t *testing.T) {
	base := t.TempDir()
	out := filepath.Join(base, "output")
	writeYearFiles(t, out, 2000, 300)
	writeYearFiles(t, out, 2001, 150)

	logPath := filepath.Join(base, "exec_report_log.txt")
	log := strings.Join([]string{
		"[2024-05-01 10:00:00 INFO] processing date: 2001-06-14",
		"[2024-05-01 10:01:00 INFO] processing date: 2001-06-15",
		"[2024-05-01 10:02:00 INFO] retrying date: 2001-03-01",
		"[2024-05-01 10:03:00 INFO] writing figure",
	}, "\n")
	require.NoError(t, os.WriteFile(logPath, []byte(log), 0o644))

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-531 * time.Minute)
	p := newTestEstimator().Estimate(Input{
		StartYear: 2000,
		EndYear:   2002,
		Started:   &started,
		Status:    domain.StatusInProgress,
		OutputDir: out,
		LogPath:   logPath,
		Now:       now,
	})

	assert.Equal(t, SourceLog, p.Source)
	assert.Equal(t, "2001-06-15", p.LatestDate)
	assert.Equal(t, 2001, p.CurrentYear)
	assert.InDelta(t, 531.0/1096.0, p.Percent, 1e-9)
	// one minute per processed day, 565 days to go
	assert.Equal(t, (565 * time.Minute).Milliseconds(), p.Remaining)
	assert.Equal(t, 450, p.FileCount)
}

func TestLogDateWithoutStartScalesBaseline(t *testing.T) {
	e := newTestEstimator()
	p := e.FromFiles(Input{StartYear: 2000, EndYear: 2000, Status: domain.StatusPending}, nil)
	e.RefineWithLog(&p, Input{StartYear: 2000, EndYear: 2000, Status: domain.StatusPending},
		time.Date(2000, 7, 2, 0, 0, 0, 0, time.UTC))

	// 183 of 366 days
	assert.InDelta(t, 0.5, p.Percent, 1e-9)
	assert.Equal(t, (105 * time.Second).Milliseconds(), p.Remaining)
}

func TestLogDateAtStartDoesNotOverride(t *testing.T) {
	e := newTestEstimator()
	in := Input{StartYear: 2000, EndYear: 2002, Status: domain.StatusInProgress}
	p := e.FromFiles(in, []YearCount{{2000, 150}})
	before := p.Percent

	e.RefineWithLog(&p, in, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, before, p.Percent)
	assert.Equal(t, SourceFiles, p.Source)
	assert.Equal(t, "2000-01-01", p.LatestDate)
}

func TestLogDatePastEndIsClamped(t *testing.T) {
	e := newTestEstimator()
	in := Input{StartYear: 2000, EndYear: 2000, Status: domain.StatusInProgress}
	p := e.FromFiles(in, nil)
	e.RefineWithLog(&p, in, time.Date(2001, 3, 1, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, 0.99, p.Percent)
	assert.Equal(t, time.Minute.Milliseconds(), p.Remaining)
}

func TestPausedReportsPausedYear(t *testing.T) {
	p := newTestEstimator().Estimate(Input{
		StartYear:  2000,
		EndYear:    2004,
		Status:     domain.StatusPaused,
		PausedYear: domain.IntPtr(2003),
		Now:        time.Now(),
	})
	assert.True(t, p.Paused)
	assert.Equal(t, 2003, p.CurrentYear)
}

func TestPercentIsMonotonicAsFilesAppear(t *testing.T) {
	e := newTestEstimator()
	in := Input{StartYear: 2000, EndYear: 2003, Status: domain.StatusInProgress}

	var years []YearCount
	last := 0.0
	for year := 2000; year <= 2003; year++ {
		years = append(years, YearCount{Year: year})
		for n := 0; n < 300; n += 25 {
			years[len(years)-1].Count = n + 25
			p := e.FromFiles(in, years)
			if p.Percent == 0.99 {
				continue
			}
			require.GreaterOrEqualf(t, p.Percent, last, "year %d count %d", year, n+25)
			last = p.Percent
		}
	}
}

func TestEstimateIsSafeConcurrently(t *testing.T) {
	dir := t.TempDir()
	writeYearFiles(t, dir, 2010, 40)
	e := newTestEstimator()
	in := Input{StartYear: 2010, EndYear: 2012, Status: domain.StatusInProgress, OutputDir: dir, Now: time.Now()}
	want := e.Estimate(in)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, want, e.Estimate(in))
		}()
	}
	wg.Wait()
}
