package conflict

import (
	"errors"
	"time"
)

var (
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrCaseNotFound      = errors.New("conflict case not found")
	ErrUnknownStrategy   = errors.New("unknown resolution strategy")
	ErrInvalidResolution = errors.New("invalid resolution")
)

type OperationKind string

const (
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
)

type TargetType string

const (
	TargetNode     TargetType = "node"
	TargetEdge     TargetType = "edge"
	TargetDocument TargetType = "document"
)

type ActorClass string

const (
	ActorUser  ActorClass = "user"
	ActorAgent ActorClass = "agent"
)

// Operation is a single requested change. It is never mutated after
// registration and may be shared freely.
type Operation struct {
	ID         string         `json:"id"`
	Kind       OperationKind  `json:"kind"`
	TargetType TargetType     `json:"targetType"`
	TargetID   string         `json:"targetId"`
	DocumentID string         `json:"documentId,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ActorID    string         `json:"actorId"`
	ActorClass ActorClass     `json:"actorClass"`
	Timestamp  time.Time      `json:"timestamp"`
	Priority   int            `json:"priority"`
}

func (op Operation) TargetKey() string {
	return string(op.TargetType) + ":" + op.TargetID
}

type Kind string

const (
	SimultaneousEdit   Kind = "simultaneous-edit"
	ConcurrentDelete   Kind = "concurrent-delete"
	PositionConflict   Kind = "position-conflict"
	DataConflict       Kind = "data-conflict"
	DependencyConflict Kind = "dependency-conflict"
)

type Strategy string

const (
	StrategyLastWriteWins  Strategy = "last-write-wins"
	StrategyFirstWriteWins Strategy = "first-write-wins"
	StrategyUserPriority   Strategy = "user-priority"
	StrategyAgentPriority  Strategy = "agent-priority"
	StrategyMerge          Strategy = "merge"
	StrategyManual         Strategy = "manual"
)

func ParseStrategy(raw string) (Strategy, error) {
	s := Strategy(raw)
	if _, ok := strategies[s]; !ok {
		return "", ErrUnknownStrategy
	}
	return s, nil
}

// Case is a detected collision between operations. Operations are ordered
// newest first.
type Case struct {
	ID         string      `json:"id"`
	Kind       Kind        `json:"kind"`
	DocumentID string      `json:"documentId"`
	Operations []Operation `json:"operations"`
	DetectedAt time.Time   `json:"detectedAt"`
	Resolved   bool        `json:"resolved"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

func (c Case) OperationIDs() []string {
	ids := make([]string, 0, len(c.Operations))
	for _, op := range c.Operations {
		ids = append(ids, op.ID)
	}
	return ids
}

func (c Case) Contains(operationID string) bool {
	for _, op := range c.Operations {
		if op.ID == operationID {
			return true
		}
	}
	return false
}

type Resolution struct {
	Strategy             Strategy       `json:"strategy"`
	WinningOperationID   string         `json:"winningOperationId"`
	RejectedOperationIDs []string       `json:"rejectedOperationIds"`
	MergedPayload        map[string]any `json:"mergedPayload,omitempty"`
	Reason               string         `json:"reason"`
	ResolvedAt           time.Time      `json:"resolvedAt"`
}

func (r Resolution) Rejects(operationID string) bool {
	for _, id := range r.RejectedOperationIDs {
		if id == operationID {
			return true
		}
	}
	return false
}

// ManualChoice carries the caller's decision for StrategyManual.
type ManualChoice struct {
	WinningOperationID string         `json:"winningOperationId"`
	MergedPayload      map[string]any `json:"mergedPayload,omitempty"`
}

type Stats struct {
	TrackedTargets    int          `json:"trackedTargets"`
	HistoryOperations int          `json:"historyOperations"`
	Cases             int          `json:"cases"`
	Unresolved        int          `json:"unresolved"`
	DetectedTotal     uint64       `json:"detectedTotal"`
	ResolvedTotal     uint64       `json:"resolvedTotal"`
	DetectedByKind    map[Kind]int `json:"detectedByKind"`
}
