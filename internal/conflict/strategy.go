package conflict

import (
	"fmt"
	"sort"
)

type outcome struct {
	winner    Operation
	merged    map[string]any
	reason    string
	tieBroken bool
}

type strategyFunc func(ops []Operation, manual *ManualChoice) (outcome, error)

var strategies = map[Strategy]strategyFunc{
	StrategyLastWriteWins:  lastWriteWins,
	StrategyFirstWriteWins: firstWriteWins,
	StrategyUserPriority:   classPriority(ActorUser),
	StrategyAgentPriority:  classPriority(ActorAgent),
	StrategyMerge:          mergeDisjoint,
	StrategyManual:         manualChoice,
}

// lastWriteWins picks the newest operation. Equal timestamps fall back to the
// lexically greatest operation id so the outcome does not depend on arrival
// order.
func lastWriteWins(ops []Operation, _ *ManualChoice) (outcome, error) {
	if len(ops) == 0 {
		return outcome{}, ErrInvalidResolution
	}
	winner := ops[0]
	tie := false
	for _, op := range ops[1:] {
		switch {
		case op.Timestamp.After(winner.Timestamp):
			winner, tie = op, false
		case op.Timestamp.Equal(winner.Timestamp):
			tie = true
			if op.ID > winner.ID {
				winner = op
			}
		}
	}
	return outcome{winner: winner, reason: "latest timestamp wins", tieBroken: tie}, nil
}

func firstWriteWins(ops []Operation, _ *ManualChoice) (outcome, error) {
	if len(ops) == 0 {
		return outcome{}, ErrInvalidResolution
	}
	winner := ops[0]
	tie := false
	for _, op := range ops[1:] {
		switch {
		case op.Timestamp.Before(winner.Timestamp):
			winner, tie = op, false
		case op.Timestamp.Equal(winner.Timestamp):
			tie = true
			if op.ID < winner.ID {
				winner = op
			}
		}
	}
	return outcome{winner: winner, reason: "earliest timestamp wins", tieBroken: tie}, nil
}

func classPriority(class ActorClass) strategyFunc {
	return func(ops []Operation, manual *ManualChoice) (outcome, error) {
		preferred := make([]Operation, 0, len(ops))
		for _, op := range ops {
			if op.ActorClass == class {
				preferred = append(preferred, op)
			}
		}
		if len(preferred) == 0 {
			out, err := lastWriteWins(ops, manual)
			out.reason = fmt.Sprintf("no %s operation involved; fell back to last-write-wins", class)
			return out, err
		}
		out, err := lastWriteWins(preferred, manual)
		out.reason = fmt.Sprintf("most recent %s operation wins", class)
		return out, err
	}
}

// mergeDisjoint only handles two updates on the same target whose payload
// field sets do not overlap; three-way merges are not attempted.
func mergeDisjoint(ops []Operation, manual *ManualChoice) (outcome, error) {
	if reason, ok := mergeable(ops); !ok {
		out, err := lastWriteWins(ops, manual)
		out.reason = "merge not applicable (" + reason + "); fell back to last-write-wins"
		return out, err
	}
	first, err := firstWriteWins(ops, manual)
	if err != nil {
		return outcome{}, err
	}
	earlier := first.winner
	later := ops[0]
	if later.ID == earlier.ID {
		later = ops[1]
	}
	merged := make(map[string]any, len(earlier.Payload)+len(later.Payload))
	for k, v := range earlier.Payload {
		merged[k] = v
	}
	for k, v := range later.Payload {
		merged[k] = v
	}
	return outcome{
		winner: earlier,
		merged: merged,
		reason: fmt.Sprintf("merged non-overlapping fields %v and %v", payloadFields(earlier), payloadFields(later)),
	}, nil
}

func mergeable(ops []Operation) (string, bool) {
	if len(ops) != 2 {
		return fmt.Sprintf("%d operations", len(ops)), false
	}
	a, b := ops[0], ops[1]
	if a.Kind != KindUpdate || b.Kind != KindUpdate {
		return "not both updates", false
	}
	if a.TargetKey() != b.TargetKey() || a.DocumentID != b.DocumentID {
		return "different targets", false
	}
	for field := range a.Payload {
		if field == "id" {
			continue
		}
		if _, overlap := b.Payload[field]; overlap {
			return "overlapping field " + field, false
		}
	}
	return "", true
}

func manualChoice(ops []Operation, manual *ManualChoice) (outcome, error) {
	if manual == nil || manual.WinningOperationID == "" {
		return outcome{}, fmt.Errorf("%w: manual strategy requires a winning operation id", ErrInvalidResolution)
	}
	for _, op := range ops {
		if op.ID == manual.WinningOperationID {
			return outcome{winner: op, merged: manual.MergedPayload, reason: "manually selected"}, nil
		}
	}
	return outcome{}, fmt.Errorf("%w: operation %s is not part of the case", ErrInvalidResolution, manual.WinningOperationID)
}

func payloadFields(op Operation) []string {
	fields := make([]string, 0, len(op.Payload))
	for k := range op.Payload {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}
