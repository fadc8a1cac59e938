package connectors

import (
	"context"

	"github.com/pi-cli/exthost/internal/hostcall"
	hosterrors "github.com/pi-cli/exthost/internal/obs/errors"
	"github.com/pi-cli/exthost/internal/obs/logging"
)

// LogConnector routes extension log emission through the ambient structured
// logger with an extension-scoped field set. It is the one capability that
// never counts as risky: the dispatcher scores it with a zero base score and
// skips the dangerous-capability dimension entirely.
type LogConnector struct {
	logger *logging.Logger
}

// NewLogConnector creates a LogConnector over the given logger.
func NewLogConnector(logger *logging.Logger) *LogConnector {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogConnector{logger: logger}
}

func (c *LogConnector) Capability() hostcall.Capability { return hostcall.CapLog }

func (c *LogConnector) Methods() []string { return []string{"emit"} }

// Invoke handles log.emit.
func (c *LogConnector) Invoke(ctx context.Context, req hostcall.Request) (any, error) {
	if req.Method != "emit" {
		return nil, hosterrors.MethodUnknown("log", req.Method)
	}

	message := optString(req.Params, "message", "")
	level := optString(req.Params, "level", "info")
	fields := map[string]interface{}{
		"extension_id": req.ExtensionID,
	}
	if extra, ok := req.Params["fields"].(map[string]any); ok {
		for k, v := range extra {
			fields[k] = v
		}
	}

	entry := c.logger.WithFields(fields)
	switch level {
	case "debug":
		entry.Debug(message)
	case "warn":
		entry.Warn(message)
	case "error":
		entry.Error(message)
	default:
		entry.Info(message)
	}
	return map[string]any{"emitted": true}, nil
}
