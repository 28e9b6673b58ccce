package server

import (
	"fmt"

	"FundingLedger/internal/core"
	"FundingLedger/internal/ingestion"
	fpmath "FundingLedger/internal/math"

	"github.com/google/uuid"
)

// Empty is the request for methods without arguments.
type Empty struct{}

type OpenPositionRequest struct {
	RequestID string     `json:"request_id,omitempty"`
	Owner     string     `json:"owner"`
	Size      fpmath.Wad `json:"size"`
	Side      string     `json:"side"` // "long" or "short"
	Sequence  int64      `json:"sequence,omitempty"`
}

type ClosePositionRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Owner     string `json:"owner"`
	Sequence  int64  `json:"sequence,omitempty"`
}

type PendingFundingRequest struct {
	Owner string `json:"owner"`
	At    int64  `json:"at,omitempty"` // unix seconds, defaults to now
}

// CommandResponse reports the outcome of a state-changing call.
type CommandResponse struct {
	Sequence   int64       `json:"sequence"`
	Duplicate  bool        `json:"duplicate,omitempty"`
	Index      fpmath.Wad  `json:"index"`
	EntryIndex *fpmath.Wad `json:"entry_index,omitempty"`
	Settled    *fpmath.Wad `json:"settled,omitempty"` // + received, - paid
}

func commandResponse(res *core.Result) *CommandResponse {
	resp := &CommandResponse{
		Sequence:  res.Sequence,
		Duplicate: res.Duplicate,
		Index:     res.Index,
	}
	if res.Position != nil {
		entry := res.Position.EntryIndex
		resp.EntryIndex = &entry
	}
	if res.Settlement != nil {
		amt := res.Settlement.Amount
		resp.Settled = &amt
	}
	return resp
}

func parseOwner(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, fmt.Errorf("%w: owner is required", errInvalidRequest)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: owner: %v", errInvalidRequest, err)
	}
	return id, nil
}

func parseRequestID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: request_id: %v", errInvalidRequest, err)
	}
	return id, nil
}

func (r *OpenPositionRequest) toCommand() (ingestion.OpenRequest, error) {
	owner, err := parseOwner(r.Owner)
	if err != nil {
		return ingestion.OpenRequest{}, err
	}
	reqID, err := parseRequestID(r.RequestID)
	if err != nil {
		return ingestion.OpenRequest{}, err
	}
	var isLong bool
	switch r.Side {
	case "long":
		isLong = true
	case "short":
	default:
		return ingestion.OpenRequest{}, fmt.Errorf("%w: side must be \"long\" or \"short\", got %q", errInvalidRequest, r.Side)
	}
	return ingestion.OpenRequest{
		RequestID: reqID,
		Owner:     owner,
		Size:      r.Size,
		IsLong:    isLong,
		Sequence:  r.Sequence,
	}, nil
}

func (r *ClosePositionRequest) toCommand() (ingestion.CloseRequest, error) {
	owner, err := parseOwner(r.Owner)
	if err != nil {
		return ingestion.CloseRequest{}, err
	}
	reqID, err := parseRequestID(r.RequestID)
	if err != nil {
		return ingestion.CloseRequest{}, err
	}
	return ingestion.CloseRequest{RequestID: reqID, Owner: owner, Sequence: r.Sequence}, nil
}
