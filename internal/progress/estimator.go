// Package progress infers how far a report job has got from the evidence its
// worker leaves on disk: year-stamped output files and dated log lines.
//
// Everything here is side-effect free and safe for concurrent use. Missing or
// unreadable files degrade the estimate to "no data yet"; they are never
// returned as errors.
package progress

import (
	"time"

	"reportd/internal/domain"
)

// Heuristics are the empirical tuning values of the estimator.
type Heuristics struct {
	// DefaultFilesPerYear is the assumed output volume of one year. Observed
	// averages below it are ignored so completion is never reported early.
	DefaultFilesPerYear int `mapstructure:"default_files_per_year" validate:"gt=0"`
	// BaselinePerYear is the time remaining per year when nothing better is known.
	BaselinePerYear time.Duration `mapstructure:"baseline_per_year" validate:"gt=0"`
	// ClampPercent replaces a 100% estimate until the worker confirms completion.
	ClampPercent float64 `mapstructure:"clamp_percent" validate:"gt=0,lt=1"`
	// NominalRemaining is reported alongside a clamped estimate.
	NominalRemaining time.Duration `mapstructure:"nominal_remaining" validate:"gte=0"`
	// LogTailBytes bounds how much of the end of the log is scanned.
	LogTailBytes int64 `mapstructure:"log_tail_bytes" validate:"gt=0"`
}

// DefaultHeuristics returns the values the system was tuned with.
func DefaultHeuristics() Heuristics {
	return Heuristics{
		DefaultFilesPerYear: 300,
		BaselinePerYear:     3*time.Minute + 30*time.Second,
		ClampPercent:        0.99,
		NominalRemaining:    time.Minute,
		LogTailBytes:        1 << 20,
	}
}

// Source names the evidence an estimate was derived from.
type Source string

const (
	SourceFiles Source = "files"
	SourceLog   Source = "log"
	SourceFinal Source = "final"
)

// Input is what the estimator knows about a job.
type Input struct {
	StartYear  int
	EndYear    int
	Started    *time.Time
	Status     domain.Status
	PausedYear *int
	OutputDir  string // year-partitioned output directory
	LogPath    string // worker log with "date: YYYY-MM-DD" markers
	Now        time.Time
}

// YearCount is the number of output files observed for one year.
type YearCount struct {
	Year  int `json:"year"`
	Count int `json:"count"`
}

// Progress is the estimated state of a job.
type Progress struct {
	Status      domain.Status `json:"status"`
	Paused      bool          `json:"paused"`
	CurrentYear int           `json:"current_year"`
	LatestDate  string        `json:"latest_date,omitempty"`
	TotalYears  int           `json:"total_years"`
	FileCount   int           `json:"file_count"`
	Percent     float64       `json:"percent"`
	Remaining   int64         `json:"remaining"` // milliseconds
	Years       []YearCount   `json:"years"`
	Source      Source        `json:"source"`
}

// RemainingDuration returns Remaining as a time.Duration.
func (p Progress) RemainingDuration() time.Duration {
	return time.Duration(p.Remaining) * time.Millisecond
}

// Estimator computes Progress values. The zero value is not usable; create
// one with NewEstimator.
type Estimator struct {
	h Heuristics
}

// NewEstimator returns an estimator using the given heuristics.
func NewEstimator(h Heuristics) *Estimator {
	return &Estimator{h: h}
}

// Heuristics returns the tuning values in use.
func (e *Estimator) Heuristics() Heuristics {
	return e.h
}

// Estimate inspects the job's output directory and log file.
func (e *Estimator) Estimate(in Input) Progress {
	years := CountYearFiles(in.OutputDir)
	p := e.FromFiles(in, years)

	if latest, ok := LatestLogDate(in.LogPath, e.h.LogTailBytes); ok {
		e.RefineWithLog(&p, in, latest)
	}

	return e.finalize(p, in)
}

// FromFiles is the file-count phase: it extrapolates the total number of
// output files from the per-year counts seen so far.
func (e *Estimator) FromFiles(in Input, years []YearCount) Progress {
	totalYears := in.EndYear - in.StartYear + 1
	p := Progress{
		Status:      in.Status,
		TotalYears:  totalYears,
		Years:       years,
		CurrentYear: in.StartYear,
		Source:      SourceFiles,
	}
	if p.Years == nil {
		p.Years = []YearCount{}
	}

	baseline := time.Duration(float64(totalYears) * float64(e.h.BaselinePerYear))

	if len(years) == 0 {
		p.Remaining = baseline.Milliseconds()
		return p
	}

	totalFiles := 0
	for _, y := range years {
		totalFiles += y.Count
	}
	latest := years[len(years)-1]
	p.FileCount = totalFiles
	p.CurrentYear = latest.Year

	avg := float64(e.h.DefaultFilesPerYear)
	if len(years) > 1 {
		completedYears := len(years) - 1
		observed := float64(totalFiles-latest.Count) / float64(completedYears)
		avg = max(observed, avg)
	}

	yearsAfterLatest := max(in.EndYear-latest.Year, 0)
	estimatedTotal := float64(totalFiles) +
		max(avg-float64(latest.Count), 0) +
		avg*float64(yearsAfterLatest)

	percent := 0.0
	if estimatedTotal > 0 {
		percent = min(float64(totalFiles)/estimatedTotal, 1)
	}
	p.Percent = percent

	switch {
	case percent >= 1 && in.Status != domain.StatusComplete:
		p.Percent = e.h.ClampPercent
		p.Remaining = e.h.NominalRemaining.Milliseconds()
	case percent > 0 && percent < 1 && in.Started != nil:
		elapsed := max(in.Now.Sub(*in.Started), 0)
		p.Remaining = time.Duration(float64(elapsed) * (1/percent - 1)).Milliseconds()
	default:
		p.Remaining = baseline.Milliseconds()
	}
	return p
}

// RefineWithLog is the log phase. The worker's self-reported processing date
// is more precise than directory listings and overrides the file-count
// percentage and remaining time.
func (e *Estimator) RefineWithLog(p *Progress, in Input, latest time.Time) {
	start := time.Date(in.StartYear, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(in.EndYear+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	latest = time.Date(latest.Year(), latest.Month(), latest.Day(), 0, 0, 0, 0, time.UTC)

	p.LatestDate = latest.Format(DateLayout)
	p.CurrentYear = latest.Year()

	totalDays := wholeDays(end.Sub(start))
	daysSinceStart := wholeDays(latest.Sub(start))
	if daysSinceStart <= 0 || totalDays <= 0 {
		return
	}
	daysSinceStart = min(daysSinceStart, totalDays)

	percent := float64(daysSinceStart) / float64(totalDays)
	p.Percent = percent
	p.Source = SourceLog

	switch {
	case percent >= 1 && in.Status != domain.StatusComplete:
		p.Percent = e.h.ClampPercent
		p.Remaining = e.h.NominalRemaining.Milliseconds()
	case in.Started != nil:
		elapsed := max(in.Now.Sub(*in.Started), 0)
		avgPerDay := float64(elapsed.Milliseconds()) / float64(daysSinceStart)
		p.Remaining = int64(float64(totalDays-daysSinceStart) * avgPerDay)
	default:
		totalYears := in.EndYear - in.StartYear + 1
		baseline := float64(totalYears) * float64(e.h.BaselinePerYear)
		p.Remaining = time.Duration((1 - percent) * baseline).Milliseconds()
	}
}

// finalize applies ground truth over the heuristics.
func (e *Estimator) finalize(p Progress, in Input) Progress {
	p.Status = in.Status
	switch in.Status {
	case domain.StatusComplete:
		p.Percent = 1
		p.Remaining = 0
		p.CurrentYear = in.EndYear
		p.Source = SourceFinal
	case domain.StatusPaused:
		p.Paused = true
		if in.PausedYear != nil {
			p.CurrentYear = *in.PausedYear
		}
	}
	return p
}

func wholeDays(d time.Duration) int {
	return int(d / (24 * time.Hour))
}
