package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cohortlab/internal/job"
	"cohortlab/internal/ledger"
	"cohortlab/pkg/backoff"
)

// ErrJobFailed is returned by Poll when the job ended in error.
var ErrJobFailed = errors.New("job failed")

// ErrPollTimeout is returned by Poll when MaxWait passes before the job ends.
var ErrPollTimeout = errors.New("gave up waiting for job")

// Result is one answer of the result endpoint.
type Result struct {
	JobID    string
	Code     int
	Status   string           // status text for every answer but a completed job
	Progress *ledger.Progress // set while processing
	Artifact []byte           // result document of a completed job
}

// Done reports whether the job completed and Artifact holds its result.
func (r *Result) Done() bool { return r.Code == http.StatusOK }

// Pending reports whether the job has not finished yet.
func (r *Result) Pending() bool {
	return (r.Code == job.StatusNoResults || r.Code == job.StatusInProgress) && !r.Failed()
}

// Failed reports whether the job ended in error.
func (r *Result) Failed() bool {
	if r.Code == job.StatusJobError {
		return true
	}
	pending := r.Code == job.StatusNoResults || r.Code == job.StatusInProgress
	return pending && strings.Contains(r.Status, "error")
}

// Result asks once for the result of jobID.
func (c *Client) Result(ctx context.Context, jobID string) (*Result, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/result", nil)
	if err != nil {
		return nil, err
	}

	res := &Result{JobID: jobID, Code: resp.code}
	if resp.code == http.StatusOK {
		res.Artifact = resp.body
		return res, nil
	}

	res.Status = resp.message()
	var body struct {
		Progress *ledger.Progress `json:"progress"`
	}
	if json.Unmarshal(resp.body, &body) == nil {
		res.Progress = body.Progress
	}
	return res, nil
}

// PollOptions tunes Poll.
type PollOptions struct {
	MinInterval time.Duration // shortest pause between lookups (default: 2s)
	MaxInterval time.Duration // longest pause between lookups (default: 6s)
	MaxWait     time.Duration // total time to wait for the job (default: 30m)

	// OnStatus, when set, sees every answer before Poll acts on it.
	OnStatus func(*Result)
}

func (o PollOptions) withDefaults() PollOptions {
	if o.MinInterval <= 0 {
		o.MinInterval = 2 * time.Second
	}
	if o.MaxInterval < o.MinInterval {
		o.MaxInterval = max(6*time.Second, o.MinInterval)
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 30 * time.Minute
	}
	return o
}

// Poll looks up jobID until it completes, fails, or the service answers with
// something other than a pending status. The pause between lookups is random
// within [MinInterval, MaxInterval]. A failed job returns its result together
// with an error wrapping ErrJobFailed.
func (c *Client) Poll(ctx context.Context, jobID string, opts PollOptions) (*Result, error) {
	opts = opts.withDefaults()
	deadline := time.Now().Add(opts.MaxWait)

	for {
		res, err := c.Result(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if opts.OnStatus != nil {
			opts.OnStatus(res)
		}

		switch {
		case res.Done():
			return res, nil
		case res.Failed():
			return res, fmt.Errorf("%w: %s: %s", ErrJobFailed, jobID, res.Status)
		case !res.Pending():
			return res, &StatusError{Code: res.Code, Message: res.Status}
		}

		wait := backoff.Jitter(opts.MinInterval, opts.MaxInterval)
		if time.Now().Add(wait).After(deadline) {
			return res, fmt.Errorf("%w %s after %s, last status %q", ErrPollTimeout, jobID, opts.MaxWait, res.Status)
		}
		if err := sleep(ctx, wait); err != nil {
			return res, err
		}
	}
}
