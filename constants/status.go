package constants

// JobStatus is the canonical status for rows in jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobPending         JobStatus = "PENDING"          // queued, waiting for a worker
	JobRunning         JobStatus = "RUNNING"          // command executing
	JobWaitingApproval JobStatus = "WAITING_APPROVAL" // created behind the approval gate
	JobCompleted       JobStatus = "COMPLETED"        // terminal success
	JobFailed          JobStatus = "FAILED"           // terminal failure
	JobRejected        JobStatus = "REJECTED"         // terminal, approval denied
)

// jobTransitions is the closed transition table. A status missing from the
// map (or mapping to an empty set) is terminal.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:         {JobRunning},
	JobWaitingApproval: {JobRunning, JobRejected},
	JobRunning:         {JobCompleted, JobFailed},
}

// IsTerminal reports whether no further transition is permitted out of s.
func (s JobStatus) IsTerminal() bool {
	return len(jobTransitions[s]) == 0
}

// CanTransition reports whether s -> to is a legal job transition.
func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the known job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobWaitingApproval, JobCompleted, JobFailed, JobRejected:
		return true
	}
	return false
}

// ProcStatus is the canonical status for rows in render_processes.
type ProcStatus string

const (
	ProcStarting ProcStatus = "STARTING" // claim row written, spawn/readiness in flight
	ProcRunning  ProcStatus = "RUNNING"  // validated and serving
	ProcStopping ProcStatus = "STOPPING" // graceful termination requested
	ProcStopped  ProcStatus = "STOPPED"  // terminal, port released
	ProcError    ProcStatus = "ERROR"    // spawn or health failure; dir eligible for respawn
)

// procTransitions mirrors jobTransitions for render processes.
// STARTING -> STOPPED covers claim rows retired by a sweep before the spawn
// finished; ERROR -> STOPPED lets reconciliation retire error rows once their
// port is provably free.
var procTransitions = map[ProcStatus][]ProcStatus{
	ProcStarting: {ProcRunning, ProcError, ProcStopped},
	ProcRunning:  {ProcStopping, ProcStopped, ProcError},
	ProcStopping: {ProcStopped},
	ProcError:    {ProcStopped},
}

// Live reports whether a record in this status may hold a port.
func (s ProcStatus) Live() bool {
	return s == ProcStarting || s == ProcRunning
}

// IsTerminal reports whether no further transition is permitted out of s.
func (s ProcStatus) IsTerminal() bool {
	return len(procTransitions[s]) == 0
}

// CanTransition reports whether s -> to is a legal process transition.
func (s ProcStatus) CanTransition(to ProcStatus) bool {
	for _, next := range procTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
