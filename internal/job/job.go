// Copyright 2025 James Ross
// Package job defines the immutable Job and JobResult values that flow
// through the broker, and their JSON wire encoding.
package job

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	meshErrors "github.com/relaydeck/meshcore/internal/errors"
)

// Job is an immutable description of one unit of work. Fields never mutate
// after New returns; Job carries no retry count or other delivery state, so
// it stays a pure value type.
type Job struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Args      []any          `json:"args"`
	Kwargs    map[string]any `json:"kwargs"`
	ReplyTo   string         `json:"reply_to"`
	CreatedTs float64        `json:"created_ts"`
}

// New assigns a fresh ID and the current timestamp. ReplyTo is derived as
// results.<type>, matching the routing rule in §6 of the specification.
func New(jobType string, args []any, kwargs map[string]any) Job {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Args:      args,
		Kwargs:    kwargs,
		ReplyTo:   "results." + jobType,
		CreatedTs: float64(time.Now().UnixNano()) / 1e9,
	}
}

// WorkerType returns the prefix of Type up to the first dot, the routing
// key used to select a queue.
func (j Job) WorkerType() string {
	if i := strings.IndexByte(j.Type, '.'); i >= 0 {
		return j.Type[:i]
	}
	return ""
}

// Action returns the suffix of Type after the first dot.
func (j Job) Action() string {
	if i := strings.IndexByte(j.Type, '.'); i >= 0 {
		return j.Type[i+1:]
	}
	return j.Type
}

// Dumps serializes a Job to its self-describing text form.
func Dumps(j Job) (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", meshErrors.New(meshErrors.KindMalformedJob, "job.dumps", err)
	}
	return string(b), nil
}

// Loads parses a Job from its wire form. Missing id/type/reply_to is a
// MalformedJob error; unrecognized top-level fields are ignored unless
// strict is true, in which case they are also MalformedJob. The broker
// always decodes with strict set to false.
func Loads(blob string, strict bool) (Job, error) {
	if strict {
		dec := json.NewDecoder(strings.NewReader(blob))
		dec.DisallowUnknownFields()
		var j Job
		if err := dec.Decode(&j); err != nil {
			return Job{}, meshErrors.New(meshErrors.KindMalformedJob, "job.loads", err)
		}
		if err := validate(j); err != nil {
			return Job{}, err
		}
		return j, nil
	}

	var j Job
	if err := json.Unmarshal([]byte(blob), &j); err != nil {
		return Job{}, meshErrors.New(meshErrors.KindMalformedJob, "job.loads", err)
	}
	if err := validate(j); err != nil {
		return Job{}, err
	}
	return j, nil
}

func validate(j Job) error {
	if j.ID == "" || j.Type == "" || j.ReplyTo == "" {
		return meshErrors.New(meshErrors.KindMalformedJob, "job.loads", nil)
	}
	return nil
}

// Result is the immutable outcome of executing a Job. Exactly one of Result
// or Error is populated; Success distinguishes the two so a zero-value
// Result (e.g. void success) can still be told apart from a failure.
type Result struct {
	JobID   string `json:"job_id"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is the error half of a Result: a stable code plus a human message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ok builds a successful Result.
func Ok(jobID string, result any) Result {
	return Result{JobID: jobID, Success: true, Result: result}
}

// Fail builds a failed Result.
func Fail(jobID, code, message string) Result {
	return Result{JobID: jobID, Success: false, Error: &Error{Code: code, Message: message}}
}

// DumpsResult serializes a Result to its wire form.
func DumpsResult(r Result) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", meshErrors.New(meshErrors.KindMalformedJob, "job.dumps_result", err)
	}
	return string(b), nil
}

// LoadsResult parses a Result from its wire form.
func LoadsResult(blob string) (Result, error) {
	var r Result
	if err := json.Unmarshal([]byte(blob), &r); err != nil {
		return Result{}, meshErrors.New(meshErrors.KindMalformedJob, "job.loads_result", err)
	}
	return r, nil
}
