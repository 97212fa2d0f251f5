package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Permissions granted to callers by the identity provider.
const (
	PermSubmitJobs = "submit:jobs"
	PermWriteJobs  = "write:jobs"
	PermReadJobs   = "read:jobs"
)

// User identifies the submitter of a job.
type User struct {
	Sub   string `json:"sub"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Caller is the authenticated principal issuing a lifecycle operation.
type Caller struct {
	User        User
	Permissions []string
}

// Can reports whether the caller holds the given permission.
func (c Caller) Can(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Owns reports whether the caller submitted the job.
func (c Caller) Owns(job *Job) bool {
	return job != nil && c.User.Sub != "" && job.User.Sub == c.User.Sub
}

// Job is a user-submitted request to generate a multi-year report over a region.
type Job struct {
	Key               string     `json:"key"`
	Name              string     `json:"name"`
	Status            Status     `json:"status"`
	StartYear         int        `json:"start_year"`
	EndYear           int        `json:"end_year"`
	PausedYear        *int       `json:"paused_year,omitempty"`
	LastGeneratedYear *int       `json:"last_generated_year,omitempty"`
	Submitted         *time.Time `json:"submitted,omitempty"`
	Started           *time.Time `json:"started,omitempty"`
	Ended             *time.Time `json:"ended,omitempty"`
	PID               int        `json:"pid,omitempty"`
	PIDCreated        int64      `json:"pid_created,omitempty"` // process creation time, unix ms
	BaseDir           string     `json:"base_dir"`
	User              User       `json:"user"`
	StatusMsg         string     `json:"status_msg,omitempty"`
	DeletePending     bool       `json:"delete_pending,omitempty"`
	DeleteFiles       bool       `json:"delete_files,omitempty"`
	Updated           time.Time  `json:"updated"`

	// Revision is the store revision the record was read at. Updates are
	// rejected with ErrConflict when the stored revision has moved on.
	Revision int64 `json:"-"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.PausedYear = cloneInt(j.PausedYear)
	c.LastGeneratedYear = cloneInt(j.LastGeneratedYear)
	c.Submitted = cloneTime(j.Submitted)
	c.Started = cloneTime(j.Started)
	c.Ended = cloneTime(j.Ended)
	return &c
}

// TotalYears is the inclusive number of years the job covers.
func (j *Job) TotalYears() int {
	return j.EndYear - j.StartYear + 1
}

// ResumeYear is the first year a freshly spawned worker should process.
func (j *Job) ResumeYear() int {
	if j.LastGeneratedYear != nil && *j.LastGeneratedYear+1 > j.StartYear {
		if *j.LastGeneratedYear+1 > j.EndYear {
			return j.EndYear
		}
		return *j.LastGeneratedYear + 1
	}
	return j.StartYear
}

// HasProcess reports whether a worker process is recorded for the job.
func (j *Job) HasProcess() bool {
	return j.PID > 0
}

// ClearProcess forgets the recorded worker process.
func (j *Job) ClearProcess() {
	j.PID = 0
	j.PIDCreated = 0
}

// Validate checks the invariants every stored job must satisfy.
func (j *Job) Validate() error {
	if j.Key == "" {
		return fmt.Errorf("job key cannot be empty")
	}
	if j.Name == "" {
		return fmt.Errorf("job name cannot be empty")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("invalid job status: %q", j.Status)
	}
	if j.StartYear > j.EndYear {
		return fmt.Errorf("start year %d is after end year %d", j.StartYear, j.EndYear)
	}
	if j.Started != nil && j.Ended != nil && j.Ended.Before(*j.Started) {
		return fmt.Errorf("job ended before it started")
	}
	if j.BaseDir == "" {
		return fmt.Errorf("job base directory cannot be empty")
	}
	return nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeName restricts a human-readable job name to characters that are safe
// in file system paths and job keys.
func SanitizeName(name string) string {
	return unsafeNameChars.ReplaceAllString(strings.TrimSpace(name), "_")
}

// NewJobKey derives the unique key for a job submitted at the given time.
func NewJobKey(sanitizedName string, startYear, endYear int, submitted time.Time) string {
	return fmt.Sprintf("%s_%d_%d_%d", sanitizedName, startYear, endYear, submitted.UnixMilli())
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
