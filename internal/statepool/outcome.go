package statepool

import (
	"github.com/andrei-cloud/go_fcgid/internal/rwlock"
	"github.com/andrei-cloud/go_fcgid/internal/script"
)

// Request is one execution request.
type Request struct {
	// Owner identifies the calling worker towards the pool lock.
	Owner  rwlock.Owner
	Script string
	Env    map[string]string
	Body   []byte
}

// OutcomeKind classifies an Outcome.
type OutcomeKind int

const (
	Success OutcomeKind = iota
	NotFound
	Failure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case NotFound:
		return "not_found"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Outcome is the typed result of Execute. Response is only set on Success
// and must be released by the caller.
type Outcome struct {
	Kind      OutcomeKind
	Key       string
	Response  *script.Response
	Message   string
	Slot      int
	Ephemeral bool
}

func notFound(key string) Outcome {
	return Outcome{Kind: NotFound, Key: key, Message: "not found"}
}

func failure(key string, err error) Outcome {
	return Outcome{Kind: Failure, Key: key, Message: err.Error()}
}

// Stats are cumulative pool counters.
type Stats struct {
	Requests  uint64
	Reused    uint64
	Created   uint64
	Ephemeral uint64
	Reloads   uint64
	NotFound  uint64
	Failures  uint64
}
