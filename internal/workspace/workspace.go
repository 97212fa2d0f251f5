// Package workspace owns the on-disk layout of job working directories.
//
// Layout of one job:
//
//	<root>/<key>/
//	    config.json              worker config artifact
//	    <name>.geojson           region definition
//	    status.txt               status token written by the worker
//	    exec_report_log.txt      worker log with date markers
//	    worker.log               worker stdout/stderr captured by the supervisor
//	    output/subset/<name>/    year-stamped output files
//	    output/figures/          rendered report figures
package workspace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"reportd/internal/domain"
	"reportd/internal/progress"
)

const (
	ConfigFile    = "config.json"
	StatusFile    = "status.txt"
	LogFile       = "exec_report_log.txt"
	WorkerLogFile = "worker.log"
)

// Workspace creates and inspects job directories below a root directory.
type Workspace struct {
	root string
}

// New returns a workspace rooted at root. The root is created lazily.
func New(root string) (*Workspace, error) {
	abs, err := filepath.Abs(strings.TrimSpace(root))
	if err != nil {
		return nil, fmt.Errorf("resolve work root: %w", err)
	}
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("work root is empty")
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute root directory.
func (w *Workspace) Root() string {
	return w.root
}

// Create makes the private directory of a new job. It fails if the directory
// already exists so a directory is never shared by two jobs.
func (w *Workspace) Create(key string) (string, error) {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return "", fmt.Errorf("create work root: %w", err)
	}
	dir := filepath.Join(w.root, key)
	if filepath.Dir(dir) != w.root {
		return "", fmt.Errorf("job key %q escapes the work root", key)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	return dir, nil
}

// Remove deletes a job directory. Paths outside the root are refused.
func (w *Workspace) Remove(baseDir string) error {
	if !w.contains(baseDir) {
		return fmt.Errorf("refusing to remove %q outside work root %q", baseDir, w.root)
	}
	return os.RemoveAll(baseDir)
}

func (w *Workspace) contains(dir string) bool {
	rel, err := filepath.Rel(w.root, filepath.Clean(dir))
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// RegionPath is where the region definition of a job is stored.
func RegionPath(baseDir, name string) string {
	return filepath.Join(baseDir, name+".geojson")
}

// ConfigPath is the worker config artifact of a job.
func ConfigPath(baseDir string) string {
	return filepath.Join(baseDir, ConfigFile)
}

// StatusPath is the status token file written by the worker.
func StatusPath(baseDir string) string {
	return filepath.Join(baseDir, StatusFile)
}

// LogPath is the worker's own log file.
func LogPath(baseDir string) string {
	return filepath.Join(baseDir, LogFile)
}

// WorkerLogPath captures the worker's stdout and stderr.
func WorkerLogPath(baseDir string) string {
	return filepath.Join(baseDir, WorkerLogFile)
}

// OutputDir is the year-partitioned output directory of a job.
func OutputDir(baseDir, name string) string {
	return filepath.Join(baseDir, "output", "subset", name)
}

// FiguresDir holds the rendered report figures.
func FiguresDir(baseDir string) string {
	return filepath.Join(baseDir, "output", "figures")
}

// ValidateRegion checks that a region definition is a JSON object.
func ValidateRegion(region json.RawMessage) error {
	trimmed := bytes.TrimSpace(region)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return domain.Validationf("region must be a GeoJSON object")
	}
	return nil
}

// WriteRegion persists the region definition. It must be a JSON object.
func WriteRegion(baseDir, name string, region json.RawMessage) (string, error) {
	if err := ValidateRegion(region); err != nil {
		return "", err
	}
	trimmed := bytes.TrimSpace(region)
	path := RegionPath(baseDir, name)
	if err := writeFileAtomic(path, trimmed); err != nil {
		return "", fmt.Errorf("write region: %w", err)
	}
	return path, nil
}

// WorkerConfig is the artifact handed to the worker process.
type WorkerConfig struct {
	Key              string      `json:"key"`
	Name             string      `json:"name"`
	StartYear        int         `json:"start_year"`
	EndYear          int         `json:"end_year"`
	ResumeYear       int         `json:"resume_year"`
	WorkingDirectory string      `json:"working_directory"`
	GeoJSON          string      `json:"geojson"`
	OutputDirectory  string      `json:"output_directory"`
	FigureDirectory  string      `json:"figure_directory"`
	StatusFile       string      `json:"status_file"`
	LogFile          string      `json:"log_file"`
	Requestor        domain.User `json:"requestor"`
}

// NewWorkerConfig builds the artifact for the job's next run.
func NewWorkerConfig(job *domain.Job) WorkerConfig {
	return WorkerConfig{
		Key:              job.Key,
		Name:             job.Name,
		StartYear:        job.StartYear,
		EndYear:          job.EndYear,
		ResumeYear:       job.ResumeYear(),
		WorkingDirectory: job.BaseDir,
		GeoJSON:          RegionPath(job.BaseDir, job.Name),
		OutputDirectory:  OutputDir(job.BaseDir, job.Name),
		FigureDirectory:  FiguresDir(job.BaseDir),
		StatusFile:       StatusPath(job.BaseDir),
		LogFile:          LogPath(job.BaseDir),
		Requestor:        job.User,
	}
}

// WriteConfig writes the worker config artifact and returns its path.
func WriteConfig(job *domain.Job) (string, error) {
	b, err := json.MarshalIndent(NewWorkerConfig(job), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal worker config: %w", err)
	}
	path := ConfigPath(job.BaseDir)
	if err := writeFileAtomic(path, append(b, '\n')); err != nil {
		return "", fmt.Errorf("write worker config: %w", err)
	}
	return path, nil
}

// ReadConfig loads a previously written config artifact.
func ReadConfig(baseDir string) (*WorkerConfig, error) {
	b, err := os.ReadFile(ConfigPath(baseDir))
	if err != nil {
		return nil, err
	}
	var cfg WorkerConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse worker config: %w", err)
	}
	return &cfg, nil
}

// ProgressInput describes a job to the progress estimator.
func ProgressInput(job *domain.Job, now time.Time) progress.Input {
	return progress.Input{
		StartYear:  job.StartYear,
		EndYear:    job.EndYear,
		Started:    job.Started,
		Status:     job.Status,
		PausedYear: job.PausedYear,
		OutputDir:  OutputDir(job.BaseDir, job.Name),
		LogPath:    LogPath(job.BaseDir),
		Now:        now,
	}
}

// ReadStatusToken returns the last non-empty line of the status file.
func ReadStatusToken(baseDir string) (string, bool) {
	f, err := os.Open(StatusPath(baseDir))
	if err != nil {
		return "", false
	}
	defer f.Close()

	token := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			token = line
		}
	}
	return token, token != ""
}

// ClearStatusToken removes a status file left by a previous run.
func ClearStatusToken(baseDir string) error {
	if err := os.Remove(StatusPath(baseDir)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PurgeFigures removes the rendered figures so they are generated again.
// Intermediate outputs are kept so raw data is not fetched twice.
func PurgeFigures(baseDir string) error {
	return os.RemoveAll(FiguresDir(baseDir))
}

func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
