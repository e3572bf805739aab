// Package patch models the incremental changes pushed to live clients as
// a closed set of JSON Patch (RFC 6902) operations.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CollectionPath addresses the whole task collection.
const CollectionPath = "/tasks"

// Operation is one of AddOp, ReplaceOp or RemoveOp.
type Operation interface {
	OpPath() string
	sealed()
}

type AddOp struct {
	Path  string
	Value json.RawMessage
}

type ReplaceOp struct {
	Path  string
	Value json.RawMessage
}

type RemoveOp struct {
	Path string
}

func (o AddOp) OpPath() string     { return o.Path }
func (o ReplaceOp) OpPath() string { return o.Path }
func (o RemoveOp) OpPath() string  { return o.Path }

func (AddOp) sealed()     {}
func (ReplaceOp) sealed() {}
func (RemoveOp) sealed()  {}

// Patch is an ordered list of operations applied atomically by clients.
type Patch []Operation

type wireOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

var ErrUnknownOp = errors.New("unsupported patch operation")

func (p Patch) MarshalJSON() ([]byte, error) {
	out := make([]wireOp, 0, len(p))
	for _, op := range p {
		switch o := op.(type) {
		case AddOp:
			out = append(out, wireOp{Op: "add", Path: o.Path, Value: nullIfEmpty(o.Value)})
		case ReplaceOp:
			out = append(out, wireOp{Op: "replace", Path: o.Path, Value: nullIfEmpty(o.Value)})
		case RemoveOp:
			out = append(out, wireOp{Op: "remove", Path: o.Path})
		default:
			return nil, fmt.Errorf("%w: %T", ErrUnknownOp, op)
		}
	}
	return json.Marshal(out)
}

func (p *Patch) UnmarshalJSON(b []byte) error {
	var in []wireOp
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	out := make(Patch, 0, len(in))
	for _, w := range in {
		switch w.Op {
		case "add":
			out = append(out, AddOp{Path: w.Path, Value: w.Value})
		case "replace":
			out = append(out, ReplaceOp{Path: w.Path, Value: w.Value})
		case "remove":
			out = append(out, RemoveOp{Path: w.Path})
		default:
			return fmt.Errorf("%w: %q", ErrUnknownOp, w.Op)
		}
	}
	*p = out
	return nil
}

func nullIfEmpty(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}

// TaskPath returns the pointer addressing a single task entry.
func TaskPath(id string) string {
	return CollectionPath + "/" + escape(id)
}

// TaskID reports the task id addressed by path, if path is exactly
// /tasks/{id}.
func TaskID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, CollectionPath+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return unescape(rest), true
}

// JSON Pointer token escaping (RFC 6901).
func escape(tok string) string {
	return strings.NewReplacer("~", "~0", "/", "~1").Replace(tok)
}

func unescape(tok string) string {
	return strings.NewReplacer("~1", "/", "~0", "~").Replace(tok)
}

// AddTask builds an add for one task snapshot.
func AddTask(id string, task any) (Patch, error) {
	v, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	return Patch{AddOp{Path: TaskPath(id), Value: v}}, nil
}

// ReplaceTask builds a replace for one task snapshot.
func ReplaceTask(id string, task any) (Patch, error) {
	v, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	return Patch{ReplaceOp{Path: TaskPath(id), Value: v}}, nil
}

func RemoveTask(id string) Patch {
	return Patch{RemoveOp{Path: TaskPath(id)}}
}

// ReplaceCollection builds a whole-collection replace from tasks keyed by id.
func ReplaceCollection(tasks map[string]any) (Patch, error) {
	v, err := json.Marshal(tasks)
	if err != nil {
		return nil, err
	}
	return Patch{ReplaceOp{Path: CollectionPath, Value: v}}, nil
}
