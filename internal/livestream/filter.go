package livestream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/throw-if-null/catalyst/internal/patch"
)

// AgentChecker reports whether a task is internal to agents.
type AgentChecker interface {
	IsAgentTask(ctx context.Context, taskID string) (bool, error)
}

// Filter hides agent tasks from a patch stream.
type Filter struct {
	agents AgentChecker
}

func NewFilter(agents AgentChecker) *Filter {
	return &Filter{agents: agents}
}

type taskRef struct {
	ID string `json:"id"`
}

// Apply returns p with every add or replace of an agent task removed and
// every whole-collection add or replace rewritten as a single replace of
// the filtered collection. Removals and all other operations pass through
// in their original order.
func (f *Filter) Apply(ctx context.Context, p patch.Patch) (patch.Patch, error) {
	out := make(patch.Patch, 0, len(p))
	for _, op := range p {
		switch o := op.(type) {
		case patch.AddOp:
			keep, next, err := f.valued(ctx, o.Path, o.Value, op)
			if err != nil {
				return nil, err
			}
			if keep {
				out = append(out, next)
			}
		case patch.ReplaceOp:
			keep, next, err := f.valued(ctx, o.Path, o.Value, op)
			if err != nil {
				return nil, err
			}
			if keep {
				out = append(out, next)
			}
		case patch.RemoveOp:
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *Filter) valued(ctx context.Context, path string, value json.RawMessage, op patch.Operation) (bool, patch.Operation, error) {
	if path == patch.CollectionPath {
		filtered, err := f.collection(ctx, value)
		if err != nil {
			return false, nil, err
		}
		return true, patch.ReplaceOp{Path: patch.CollectionPath, Value: filtered}, nil
	}
	pathID, ok := patch.TaskID(path)
	if !ok {
		return true, op, nil
	}
	agent, err := f.isAgent(ctx, taskIDOf(value, pathID))
	if err != nil {
		return false, nil, err
	}
	return !agent, op, nil
}

// collection filters a task collection keyed by id. An array of tasks is
// accepted as well and stays an array.
func (f *Filter) collection(ctx context.Context, value json.RawMessage) (json.RawMessage, error) {
	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(value, &keyed); err == nil {
		out := make(map[string]json.RawMessage, len(keyed))
		for key, task := range keyed {
			agent, err := f.isAgent(ctx, taskIDOf(task, key))
			if err != nil {
				return nil, err
			}
			if !agent {
				out[key] = task
			}
		}
		return json.Marshal(out)
	}

	var list []json.RawMessage
	if err := json.Unmarshal(value, &list); err != nil {
		return nil, fmt.Errorf("task collection is neither object nor array: %w", err)
	}
	out := make([]json.RawMessage, 0, len(list))
	for _, task := range list {
		agent, err := f.isAgent(ctx, taskIDOf(task, ""))
		if err != nil {
			return nil, err
		}
		if !agent {
			out = append(out, task)
		}
	}
	return json.Marshal(out)
}

func (f *Filter) isAgent(ctx context.Context, id string) (bool, error) {
	if id == "" || f.agents == nil {
		return false, nil
	}
	agent, err := f.agents.IsAgentTask(ctx, id)
	if err != nil {
		return false, fmt.Errorf("agent task lookup %s: %w", id, err)
	}
	return agent, nil
}

// taskIDOf prefers the id carried by the snapshot over the one in the path.
func taskIDOf(value json.RawMessage, fallback string) string {
	var ref taskRef
	if err := json.Unmarshal(value, &ref); err == nil && ref.ID != "" {
		return ref.ID
	}
	return fallback
}
