// Package tasks holds the registry of catalog-maintenance tasks and turns
// (task_id, options) into a concrete subprocess invocation.
package tasks

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/kballard/go-shellquote"

	"recipejanitor/internal/core"
)

var ErrUnknownTask = errors.New("unknown task")

// OptionKind is the accepted value type of a task option.
type OptionKind int

const (
	OptionBool OptionKind = iota
	OptionInt
	OptionString
)

// OptionSpec describes one accepted option key and the CLI flag it maps to.
type OptionSpec struct {
	Kind OptionKind
	Flag string
}

// Definition is one named maintenance task.
type Definition struct {
	ID         string
	Summary    string
	Subcommand string
	Options    map[string]OptionSpec
}

// Registry maps task ids to definitions and builds execution plans against
// the configured maintenance tool binary.
type Registry struct {
	toolPath string
	defs     map[string]Definition
}

// NewRegistry builds the registry of builtin catalog-maintenance tasks.
// toolPath is the CLI that actually talks to the recipe catalog.
func NewRegistry(toolPath string) *Registry {
	r := &Registry{
		toolPath: toolPath,
		defs:     make(map[string]Definition),
	}
	for _, def := range builtinDefinitions() {
		r.defs[def.ID] = def
	}
	return r
}

func builtinDefinitions() []Definition {
	return []Definition{
		{
			ID:         "tag-cleanup",
			Summary:    "Remove orphaned tags and normalize tag casing across the catalog",
			Subcommand: "tags",
			Options: map[string]OptionSpec{
				"min_uses": {Kind: OptionInt, Flag: "--min-uses"},
			},
		},
		{
			ID:         "ingredient-parse",
			Summary:    "Parse free-text ingredient lines into structured amounts and units",
			Subcommand: "parse-ingredients",
			Options: map[string]OptionSpec{
				"limit":  {Kind: OptionInt, Flag: "--limit"},
				"parser": {Kind: OptionString, Flag: "--parser"},
			},
		},
		{
			ID:         "recipe-dedupe",
			Summary:    "Find and merge duplicate recipes",
			Subcommand: "dedupe",
			Options: map[string]OptionSpec{
				"match": {Kind: OptionString, Flag: "--match"},
			},
		},
		{
			ID:         "image-refresh",
			Summary:    "Re-fetch missing or stale recipe images",
			Subcommand: "images",
			Options: map[string]OptionSpec{
				"force": {Kind: OptionBool, Flag: "--force"},
			},
		},
	}
}

// Has reports whether a task id is registered.
func (r *Registry) Has(taskID string) bool {
	_, ok := r.defs[taskID]
	return ok
}

// Definitions returns all task definitions, ordered by id.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// BuildExecution produces a fresh execution plan for one run attempt.
//
// Every task previews by default; passing dry_run=false adds --apply and
// marks the plan as requesting dangerous (persisting) behavior. Unknown task
// ids and unknown or ill-typed option keys are descriptive errors, never
// fatal to the caller.
func (r *Registry) BuildExecution(taskID string, options core.Options) (*core.ExecutionPlan, error) {
	def, ok := r.defs[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, taskID)
	}

	command := []string{r.toolPath, def.Subcommand}
	dangerous := false

	keys := make([]string, 0, len(options))
	for key := range options {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := options[key]
		if key == "dry_run" {
			apply, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("task %q: option dry_run must be a boolean", taskID)
			}
			if !apply {
				command = append(command, "--apply")
				dangerous = true
			}
			continue
		}
		spec, ok := def.Options[key]
		if !ok {
			return nil, fmt.Errorf("task %q: unsupported option %q", taskID, key)
		}
		flag, err := renderOption(taskID, key, spec, value)
		if err != nil {
			return nil, err
		}
		if flag != "" {
			command = append(command, flag)
		}
	}

	return &core.ExecutionPlan{
		Command:            command,
		Env:                map[string]string{"RJANITOR_TASK_ID": taskID},
		DangerousRequested: dangerous,
	}, nil
}

// Preview renders an execution plan's command as one shell-quoted line.
func Preview(plan *core.ExecutionPlan) string {
	return shellquote.Join(plan.Command...)
}

func renderOption(taskID, key string, spec OptionSpec, value any) (string, error) {
	switch spec.Kind {
	case OptionBool:
		v, ok := value.(bool)
		if !ok {
			return "", fmt.Errorf("task %q: option %q must be a boolean", taskID, key)
		}
		if !v {
			return "", nil
		}
		return spec.Flag, nil
	case OptionInt:
		n, err := intValue(value)
		if err != nil {
			return "", fmt.Errorf("task %q: option %q must be an integer", taskID, key)
		}
		return fmt.Sprintf("%s=%d", spec.Flag, n), nil
	default:
		v, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("task %q: option %q must be a string", taskID, key)
		}
		return fmt.Sprintf("%s=%s", spec.Flag, v), nil
	}
}

// intValue accepts native ints and the float64 form JSON decoding produces.
func intValue(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, errors.New("not an integer")
		}
		return int64(v), nil
	default:
		return 0, errors.New("not an integer")
	}
}
