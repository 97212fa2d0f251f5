package domain

// Status is the lifecycle state of a job. Exactly one value at any time.
type Status string

const (
	StatusWaitingApproval Status = "WaitingApproval"
	StatusPending         Status = "Pending"
	StatusInProgress      Status = "InProgress"
	StatusPaused          Status = "Paused"
	StatusKilled          Status = "Killed"
	StatusComplete        Status = "Complete"
	StatusFailed          Status = "Failed"
)

// AllStatuses lists every defined status in lifecycle order.
var AllStatuses = []Status{
	StatusWaitingApproval,
	StatusPending,
	StatusInProgress,
	StatusPaused,
	StatusKilled,
	StatusComplete,
	StatusFailed,
}

// transitions is the single authority on legal status changes.
// Self transitions are always legal and omitted here.
var transitions = map[Status][]Status{
	StatusWaitingApproval: {StatusPending, StatusPaused},
	StatusPending:         {StatusInProgress, StatusPaused, StatusKilled, StatusFailed},
	StatusInProgress:      {StatusPending, StatusPaused, StatusKilled, StatusComplete, StatusFailed},
	StatusPaused:          {StatusPending, StatusKilled},
	StatusKilled:          {StatusPending},
	StatusComplete:        {StatusPending},
	StatusFailed:          {StatusPending},
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no worker will run for the job without a restart.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusKilled
}

// ParseStatusToken maps the token a worker writes to its status file to a
// terminal status. Unknown or non-terminal tokens report false.
func ParseStatusToken(token string) (Status, bool) {
	switch Status(token) {
	case StatusComplete:
		return StatusComplete, true
	case StatusFailed:
		return StatusFailed, true
	}
	return "", false
}
