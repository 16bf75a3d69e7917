package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	dcrdt "github.com/brunoga/deep/v3/crdt"
	"github.com/brunoga/deep/v3/crdt/hlc"
)

var (
	ErrEmptyUpdate = errors.New("update has no runs")
	ErrInvalidRun  = errors.New("invalid run")
	ErrConflict    = errors.New("conflicting run")
	ErrForeignRun  = errors.New("run authored under a foreign node id")
)

// Update is the unit of exchange on the wire: the runs a text delta carries
// and the delta's causal timestamp, keyed like crdt.Delta. Edit frames carry
// the runs an edit introduced or tombstoned; the initial sync frame carries
// the whole text.
type Update struct {
	Runs      dcrdt.Text `json:"p"`
	Timestamp hlc.HLC    `json:"t"`
}

// DecodeUpdate parses an edit frame. Unknown fields are rejected so that
// control envelopes and foreign payloads are never mistaken for edits.
func DecodeUpdate(data []byte) (Update, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	var update Update
	if err := decoder.Decode(&update); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	if len(update.Runs) == 0 {
		return Update{}, ErrEmptyUpdate
	}
	if err := update.Validate(); err != nil {
		return Update{}, err
	}
	return update, nil
}

func (u Update) Encode() []byte {
	payload, _ := json.Marshal(u)
	return payload
}

// Validate checks every run for a usable identity. A run's characters take
// the ids ID, ID+1, ... so the logical range must stay inside int32, and a
// run may not follow one of its own characters.
func (u Update) Validate() error {
	for _, run := range u.Runs {
		if err := validateRun(run); err != nil {
			return err
		}
	}
	return nil
}

func validateRun(run dcrdt.TextRun) error {
	switch {
	case run.ID.NodeID == "":
		return fmt.Errorf("%w: missing node id", ErrInvalidRun)
	case run.Value == "":
		return fmt.Errorf("%w: %s is empty", ErrInvalidRun, run.ID)
	case run.ID.Logical < 0 || int64(run.ID.Logical)+int64(len(run.Value)) > math.MaxInt32:
		return fmt.Errorf("%w: %s overflows its logical range", ErrInvalidRun, run.ID)
	case !isRoot(run.Prev) && run.Prev.NodeID == "":
		return fmt.Errorf("%w: %s follows an anonymous character", ErrInvalidRun, run.ID)
	}
	if run.Prev.NodeID == run.ID.NodeID && run.Prev.WallTime == run.ID.WallTime &&
		run.Prev.Logical >= run.ID.Logical && int64(run.Prev.Logical) < int64(run.ID.Logical)+int64(len(run.Value)) {
		return fmt.Errorf("%w: %s follows itself", ErrInvalidRun, run.ID)
	}
	return nil
}

func isRoot(id hlc.HLC) bool {
	return id == hlc.HLC{}
}
