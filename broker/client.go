// Package broker is the client for the volume-provisioning agent which
// hands out durable block devices ("sticky disks") keyed by cache key.
// the agent is the source of truth for mutual exclusion across concurrent
// hydrations, a losing acquirer gets a hydration-in-progress result
// rather than a lease.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	acquirePath = "/stickydisks"
	commitPath  = "/stickydisks/commit"

	// distinct status code the agent returns when another execution holds
	// the hydration lock for the requested key
	codeHydrationInProgress = "HYDRATION_IN_PROGRESS"

	defaultRequestTimeout = 5 * time.Minute
)

// HydrationState is the tri-state outcome of a lease attempt
type HydrationState int

const (
	// Acquired means a usable lease was returned
	Acquired HydrationState = iota
	// InProgress means another execution is performing the first-time
	// clone for this key. this is an expected concurrency outcome, not
	// an error, callers must fall back to an uncached path for this run.
	InProgress
	// Failed means the acquire attempt failed outright
	Failed
)

// Lease is the result of acquiring a sticky disk. ExposeID is the opaque
// handle used to later commit or discard the device, it must be
// round-tripped unmodified. a lease is consumed exactly once by Commit.
type Lease struct {
	ExposeID      string
	StickyDiskKey string
	Device        string
}

// Acquisition is the outcome of an Acquire call. Lease is set only when
// State is Acquired, Reason carries the agent supplied message when
// State is InProgress.
type Acquisition struct {
	State  HydrationState
	Reason string
	Lease  *Lease
}

// AcquireRequest carries the cache key and the metadata passed through
// verbatim to the agent
type AcquireRequest struct {
	StickyDiskKey  string `json:"stickyDiskKey"`
	StickyDiskType string `json:"stickyDiskType"`
	Region         string `json:"region"`
	InstallationID string `json:"installationModelId"`
	VMID           string `json:"vmId"`
	RepoName       string `json:"repoName"`
	RequestID      string `json:"requestId"`
}

// CommitRequest informs the agent whether to persist or discard the
// device mutations and whether this execution completed first-time
// hydration so the agent can release the hydration lock.
type CommitRequest struct {
	ExposeID            string `json:"exposeId"`
	StickyDiskKey       string `json:"stickyDiskKey"`
	VMID                string `json:"vmId"`
	RepoName            string `json:"repoName"`
	ShouldCommit        bool   `json:"shouldCommit"`
	VMHydratedGitMirror bool   `json:"vmHydratedGitMirror"`
}

type acquireResponse struct {
	ExposeID string `json:"exposeId"`
	Device   string `json:"deviceIdentifier"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// Client speaks JSON over HTTP to the volume broker agent on the local
// network. it holds no local state.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     *slog.Logger
}

// NewClient creates a broker client for the agent at the given address
// and port. token is the bearer token passed through verbatim.
func NewClient(agentAddr string, agentPort int, token string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", agentAddr, agentPort),
		token:   token,
		httpc:   &http.Client{Timeout: defaultRequestTimeout},
		log:     log,
	}
}

// Acquire requests a durable device for the given cache key. a
// hydration-in-progress abort from the agent is mapped to an InProgress
// acquisition, every other non-success status is a hard error.
func (c *Client) Acquire(ctx context.Context, req AcquireRequest) (*Acquisition, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	resp, err := c.post(ctx, acquirePath, req)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}

	var decoded acquireResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, fmt.Errorf("unable to decode broker response err:%w", err)
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// decode-time check, missing fields must not surface later as
		// mount failures on an empty device path
		if decoded.Device == "" {
			return nil, &DeviceError{Field: "deviceIdentifier"}
		}
		if decoded.ExposeID == "" {
			return nil, &DeviceError{Field: "exposeId"}
		}
		c.log.Debug("sticky disk acquired", "key", req.StickyDiskKey, "device", decoded.Device)
		return &Acquisition{
			State: Acquired,
			Lease: &Lease{
				ExposeID:      decoded.ExposeID,
				StickyDiskKey: req.StickyDiskKey,
				Device:        decoded.Device,
			},
		}, nil

	case resp.StatusCode == http.StatusConflict && decoded.Code == codeHydrationInProgress:
		reason := decoded.Message
		if reason == "" {
			reason = "another execution is hydrating this cache key"
		}
		return &Acquisition{State: InProgress, Reason: reason}, nil

	default:
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: decoded.Message}
	}
}

// Commit reports the commit decision for a previously acquired lease.
// it must be called exactly once per lease, even on degraded paths with
// shouldCommit=false, skipping the call would leave the agent's
// hydration lock held indefinitely.
func (c *Client) Commit(ctx context.Context, req CommitRequest) error {
	resp, err := c.post(ctx, commitPath, req)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
	}

	c.log.Debug("sticky disk committed", "key", req.StickyDiskKey, "should-commit", req.ShouldCommit)
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.httpc.Do(req)
}
