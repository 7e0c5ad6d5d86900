package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hiveworks/swarmmem/core"
)

// ExchangePath is the HTTP endpoint gossip exchanges are served on.
const ExchangePath = "/gossip/exchange"

// HTTPTransport exchanges gossip messages over HTTP. The peer's AgentNode
// address is used as host:port; exchanges POST to ExchangePath and read the
// reply message from the response body.
type HTTPTransport struct {
	client *http.Client
	logger core.Logger
}

// NewHTTPTransport creates an HTTP transport with a default client.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPTransport{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: &core.NoOpLogger{},
	}
}

// SetLogger configures the logger for this transport
func (t *HTTPTransport) SetLogger(logger core.Logger) {
	if logger != nil {
		t.logger = logger
	}
}

// Exchange POSTs the message to the peer and decodes its reply.
func (t *HTTPTransport) Exchange(ctx context.Context, peer core.AgentNode, msg *Message) (*Message, error) {
	if peer.Address == "" {
		return nil, &core.MemoryError{Op: "HTTPTransport.Exchange", Kind: "gossip",
			Key: peer.AgentID, Err: core.ErrPeerUnreachable}
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, &core.MemoryError{Op: "HTTPTransport.Exchange", Kind: "gossip", Key: peer.AgentID, Err: err}
	}

	url := fmt.Sprintf("http://%s%s", peer.Address, ExchangePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &core.MemoryError{Op: "HTTPTransport.Exchange", Kind: "gossip", Key: peer.AgentID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &core.MemoryError{Op: "HTTPTransport.Exchange", Kind: "gossip", Key: peer.AgentID,
			Err: fmt.Errorf("%w: %v", core.ErrPeerUnreachable, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		// Peer failed to decompress our payload.
		return nil, &core.MemoryError{Op: "HTTPTransport.Exchange", Kind: "gossip", Key: peer.AgentID,
			Err: core.ErrCompressionFailure}
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &core.MemoryError{Op: "HTTPTransport.Exchange", Kind: "gossip", Key: peer.AgentID,
			Err: fmt.Errorf("%w: status %d: %s", core.ErrPeerUnreachable, resp.StatusCode, data)}
	}

	var reply Message
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, &core.MemoryError{Op: "HTTPTransport.Exchange", Kind: "gossip", Key: peer.AgentID, Err: err}
	}
	return &reply, nil
}

// NewExchangeHandler wraps a gossip Handler as an instrumented http.Handler
// serving ExchangePath. Mount it on the node's HTTP mux.
func NewExchangeHandler(h Handler) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reply, err := h(r.Context(), &msg)
		if err != nil {
			if core.IsTypeMismatch(err) {
				http.Error(w, err.Error(), http.StatusConflict)
			} else if isCompressionFailure(err) {
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			} else {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(reply); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return otelhttp.NewHandler(inner, "gossip.exchange")
}
