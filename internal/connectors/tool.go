package connectors

import (
	"context"
	"sync"

	"github.com/pi-cli/exthost/internal/hostcall"
	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
)

// ToolDef is one declarative tool registration.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolRunner executes a registered tool's handler. The bridge supplies a
// runner that re-enters the owning extension's engine; tests supply a plain
// function.
type ToolRunner func(ctx context.Context, extensionID, name string, args map[string]any) (any, error)

// ToolConnector is the declarative tool registry and invocation surface.
type ToolConnector struct {
	mu     sync.Mutex
	defs   map[string]map[string]ToolDef // extension -> tool name -> def
	runner ToolRunner
}

// NewToolConnector creates a ToolConnector with the given runner.
func NewToolConnector(runner ToolRunner) *ToolConnector {
	return &ToolConnector{defs: make(map[string]map[string]ToolDef), runner: runner}
}

func (c *ToolConnector) Capability() hostcall.Capability { return hostcall.CapTool }

func (c *ToolConnector) Methods() []string { return []string{"register", "invoke"} }

// RegisterDef records a tool definition for an extension, failing on a
// duplicate name within the extension.
func (c *ToolConnector) RegisterDef(extensionID string, def ToolDef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	byName, ok := c.defs[extensionID]
	if !ok {
		byName = make(map[string]ToolDef)
		c.defs[extensionID] = byName
	}
	if _, exists := byName[def.Name]; exists {
		return hosterrors.RegistrationConflict(def.Name, false)
	}
	byName[def.Name] = def
	return nil
}

// Lookup returns the tool definition registered by an extension.
func (c *ToolConnector) Lookup(extensionID, name string) (ToolDef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	def, ok := c.defs[extensionID][name]
	return def, ok
}

// DropExtension removes every tool the extension registered; called on
// unload so registrations drop atomically.
func (c *ToolConnector) DropExtension(extensionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.defs, extensionID)
}

// Invoke handles the "register" and "invoke" methods.
func (c *ToolConnector) Invoke(ctx context.Context, req hostcall.Request) (any, error) {
	switch req.Method {
	case "register":
		name, ok := getString(req.Params, "name")
		if !ok || name == "" {
			return nil, hosterrors.UnsupportedValue("tool.register requires a string name")
		}
		def := ToolDef{
			Name:        name,
			Description: optString(req.Params, "description", ""),
		}
		if schema, ok := req.Params["schema"].(map[string]any); ok {
			def.Schema = schema
		}
		if err := c.RegisterDef(req.ExtensionID, def); err != nil {
			return nil, err
		}
		return map[string]any{"registered": name}, nil

	case "invoke":
		name, ok := getString(req.Params, "name")
		if !ok || name == "" {
			return nil, hosterrors.UnsupportedValue("tool.invoke requires a string name")
		}
		if _, exists := c.Lookup(req.ExtensionID, name); !exists {
			return nil, hosterrors.MethodUnknown("tool", name)
		}
		if c.runner == nil {
			return nil, hosterrors.ConnectorError("tool", "no tool runner configured", false, nil)
		}
		args, _ := req.Params["args"].(map[string]any)
		return c.runner(ctx, req.ExtensionID, name, args)

	default:
		return nil, hosterrors.MethodUnknown("tool", req.Method)
	}
}
