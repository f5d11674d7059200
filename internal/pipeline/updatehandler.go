package pipeline

import (
	"context"

	"github.com/arglab/telemetry/internal/reducer"
)

// BuildUpdateHandler implements update_event_handler, spec.md §4.6's
// closing paragraph: metadata is built from the lock map when it carries a
// source, falling back to the seed event; identity is attached; a per-user
// reducer-runner is instantiated via dispatcher; and the decoder's Merkle
// session is initialized from the resolved student/tool pair.
func BuildUpdateHandler(dispatcher *reducer.Dispatcher) func(ctx context.Context, conn *ConnState, seed map[string]any) error {
	return func(ctx context.Context, conn *ConnState, seed map[string]any) error {
		metadata := map[string]any{}
		if source, ok := conn.LockedFields["source"]; ok && source != nil {
			for k, v := range conn.LockedFields {
				metadata[k] = v
			}
		} else if source, ok := seed["source"]; ok {
			metadata["source"] = source
		}
		if conn.Identity != nil {
			metadata["auth"] = conn.Identity.AsMap()
		}

		handler, closeHandler, err := dispatcher.Build(metadata)
		if err != nil {
			return err
		}
		conn.Handler = handler
		conn.CloseHandler = closeHandler
		conn.Metadata = metadata

		tool, _ := metadata["source"].(string)
		if tool == "" {
			tool = "unknown"
		}
		student := ""
		if conn.Identity != nil {
			student = conn.Identity.UserID
		}
		return conn.Decoder.InitializeSession(ctx, student, tool)
	}
}
