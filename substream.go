package kadhandler

import (
	"context"

	"github.com/kadcore/kadhandler/wire"
)

// SubstreamSink is the bidirectional, frame-oriented channel carrying
// typed request/response messages that this package depends on but does
// not implement end-to-end. wire.CBORSubstream is one concrete
// implementation; a real deployment plugs in whatever the connection
// layer negotiates the protocol over.
type SubstreamSink interface {
	WriteRequest(ctx context.Context, msg wire.RequestMsg) error
	WriteResponse(ctx context.Context, msg wire.ResponseMsg) error
	ReadRequest(ctx context.Context) (wire.RequestMsg, error)
	ReadResponse(ctx context.Context) (wire.ResponseMsg, error)
	Close() error
}
