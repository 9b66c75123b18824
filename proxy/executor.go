package proxy

import (
	"context"
	"net/http"

	"github.com/tabrelay/broker/route"
	"github.com/tabrelay/broker/wire"
)

// Executor is the narrow capability each provider dialect implements:
// translate the canonical Anthropic-shaped request, dispatch it
// upstream, and write the response back to w as either the canonical
// SSE event sequence (req.Stream) or a single buffered JSON message.
//
// Implementations live one per subpackage (anthropic, openaiv1, codex,
// gemini, geminicli) so each dialect's translation tables stay
// self-contained; proxy.go only ever talks to this interface.
type Executor interface {
	Execute(ctx context.Context, w http.ResponseWriter, cfg route.Config, req *wire.Request) error
}
