package collab

import (
	"fmt"
	"strings"

	"github.com/agentworkforce/relaycollab/internal/conflict"
)

const (
	ActionGetDocument    = "get_document"
	ActionCreateDocument = "create_document"
	ActionUpdateDocument = "update_document"
	ActionDeleteDocument = "delete_document"
	ActionAddNode        = "add_node"
	ActionCreateNode     = "create_node"
	ActionUpdateNode     = "update_node"
	ActionDeleteNode     = "delete_node"
	ActionAddEdge        = "add_edge"
	ActionCreateEdge     = "create_edge"
	ActionUpdateEdge     = "update_edge"
	ActionDeleteEdge     = "delete_edge"
)

var knownActions = map[string]bool{
	ActionGetDocument:    true,
	ActionCreateDocument: true,
	ActionUpdateDocument: true,
	ActionDeleteDocument: true,
	ActionAddNode:        true,
	ActionCreateNode:     true,
	ActionUpdateNode:     true,
	ActionDeleteNode:     true,
	ActionAddEdge:        true,
	ActionCreateEdge:     true,
	ActionUpdateEdge:     true,
	ActionDeleteEdge:     true,
}

// Default priority tiers on the 1–10 scale.
var DefaultPriorities = map[conflict.OperationKind]int{
	conflict.KindDelete: 10,
	conflict.KindCreate: 7,
	conflict.KindUpdate: 5,
}

type actionSpec struct {
	name     string
	kind     conflict.OperationKind
	target   conflict.TargetType
	readOnly bool
}

// parseAction derives the operation kind and target from the action name:
// delete_ prefixes delete, create_/add_ create, anything else update.
func parseAction(action string) (actionSpec, error) {
	action = strings.ToLower(strings.TrimSpace(action))
	if !knownActions[action] {
		return actionSpec{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	spec := actionSpec{name: action, kind: conflict.KindUpdate}
	switch {
	case strings.HasPrefix(action, "delete_"):
		spec.kind = conflict.KindDelete
	case strings.HasPrefix(action, "create_"), strings.HasPrefix(action, "add_"):
		spec.kind = conflict.KindCreate
	}
	switch {
	case strings.HasSuffix(action, "_node"):
		spec.target = conflict.TargetNode
	case strings.HasSuffix(action, "_edge"):
		spec.target = conflict.TargetEdge
	default:
		spec.target = conflict.TargetDocument
	}
	spec.readOnly = action == ActionGetDocument
	return spec, nil
}
