package model

import "time"

// DatasetState is a node of the dataset lifecycle graph.
type DatasetState string

const (
	StateDraft        DatasetState = "draft"
	StateUploading    DatasetState = "uploading"
	StateUploaded     DatasetState = "uploaded"
	StateTransferring DatasetState = "transferring"
	StateTransferred  DatasetState = "transferred"
	StateFailed       DatasetState = "failed"
)

// transitions is the directed edge set. transferring->transferring is the retry edge.
var transitions = map[DatasetState][]DatasetState{
	StateDraft:        {StateUploading},
	StateUploading:    {StateUploaded, StateFailed},
	StateUploaded:     {StateTransferring},
	StateTransferring: {StateTransferring, StateTransferred, StateFailed},
}

// CanTransition reports whether from->to is an edge of the lifecycle graph.
func CanTransition(from, to DatasetState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no edge leaves s.
func (s DatasetState) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s DatasetState) Valid() bool {
	switch s {
	case StateDraft, StateUploading, StateUploaded, StateTransferring, StateTransferred, StateFailed:
		return true
	}
	return false
}

// Dataset is owned by the dataset state machine; other components request transitions.
type Dataset struct {
	ID               string       `json:"id"`
	State            DatasetState `json:"state"`
	OwnerID          string       `json:"owner_id"`
	CreatedAt        time.Time    `json:"created_at"`
	LastTransitionAt time.Time    `json:"last_transition_at"`
}
