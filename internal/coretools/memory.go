package coretools

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/devflow/core/internal/errs"
	"github.com/devflow/core/internal/toolregistry"
)

// memoryRoot is the directory every memory_* tool's key is resolved under
// (memory/state, memory/learned, memory/sessions live below it).
const memoryRoot = "memory"

var memoryKeySchema = json.RawMessage(`{
	"type": "object",
	"properties": { "key": { "type": "string" } },
	"required": ["key"]
}`)

func memoryTools(deps Deps) []toolregistry.Tool {
	return []toolregistry.Tool{
		{
			Name:   "memory_read",
			Schema: memoryKeySchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				p, err := memoryPath(args)
				if err != nil {
					return nil, err
				}
				if pointer, ok := args["pointer"].(string); ok && pointer != "" {
					values, err := deps.Store.Query(p, pointer)
					if err != nil {
						return nil, errs.Wrap(errs.KindIO, "memory_read", err)
					}
					return map[string]any{"value": values}, nil
				}
				doc, err := deps.Store.Read(p)
				if err != nil {
					return nil, errs.Wrap(errs.KindIO, "memory_read", err)
				}
				return map[string]any{"value": doc}, nil
			},
		},
		{
			Name:   "memory_write",
			Schema: memoryKeySchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				p, err := memoryPath(args)
				if err != nil {
					return nil, err
				}
				if err := deps.Store.Write(p, args["value"]); err != nil {
					return nil, errs.Wrap(errs.KindIO, "memory_write", err)
				}
				return map[string]any{"written": true}, nil
			},
		},
		{
			Name:   "memory_update",
			Schema: memoryKeySchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				p, err := memoryPath(args)
				if err != nil {
					return nil, err
				}
				pointer, _ := args["pointer"].(string)
				value := args["value"]
				if err := deps.Store.Update(p, pointer, func(current any) (any, error) {
					return value, nil
				}); err != nil {
					return nil, errs.Wrap(errs.KindIO, "memory_update", err)
				}
				return map[string]any{"updated": true}, nil
			},
		},
		{
			Name:   "memory_append",
			Schema: memoryKeySchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				p, err := memoryPath(args)
				if err != nil {
					return nil, err
				}
				pointer, _ := args["pointer"].(string)
				if err := deps.Store.Append(p, pointer, args["item"]); err != nil {
					return nil, errs.Wrap(errs.KindIO, "memory_append", err)
				}
				return map[string]any{"appended": true}, nil
			},
		},
		{
			Name:   "memory_query",
			Schema: memoryKeySchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				p, err := memoryPath(args)
				if err != nil {
					return nil, err
				}
				pointer, _ := args["pointer"].(string)
				values, err := deps.Store.Query(p, pointer)
				if err != nil {
					return nil, errs.Wrap(errs.KindIO, "memory_query", err)
				}
				return map[string]any{"values": values}, nil
			},
		},
	}
}

// memoryPath resolves args["key"] to a document path confined to
// memoryRoot, rejecting any key that would escape it.
func memoryPath(args map[string]any) (string, error) {
	key, _ := args["key"].(string)
	if strings.TrimSpace(key) == "" {
		return "", errs.New(errs.KindValidation, "key is required")
	}
	joined := path.Join(memoryRoot, key)
	if joined != memoryRoot && !strings.HasPrefix(joined, memoryRoot+"/") {
		return "", errs.New(errs.KindValidation, "key escapes the memory root")
	}
	return joined, nil
}
