package proxy

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/vyrodovalexey/avdispatch/internal/config"
	"github.com/vyrodovalexey/avdispatch/internal/observability"
	"github.com/vyrodovalexey/avdispatch/internal/registry"
	"github.com/vyrodovalexey/avdispatch/internal/util"
)

const (
	schemeWS  = "ws"
	schemeWSS = "wss"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// IsWebSocketUpgrade reports whether r requests a websocket upgrade.
// Upgrades bypass the retry controller: once the handshake is relayed
// the connection cannot be replayed against another instance.
func IsWebSocketUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// ForwardWebSocket dials the instance, upgrades the client connection,
// and relays messages in both directions until either side closes.
// Dial failures are charged to the instance like any other transport
// failure; the handshake response has already been written when a
// non-nil error returns.
func (p *Proxy) ForwardWebSocket(w http.ResponseWriter, r *http.Request, route *config.Route, inst *registry.ServiceInstance, path string) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
	}
	if p.transport.TLSClientConfig != nil {
		dialer.TLSClientConfig = p.transport.TLSClientConfig.Clone()
	}

	backend, resp, err := dialer.DialContext(r.Context(), wsTargetURL(inst, path, r.URL.RawQuery), wsForwardHeaders(r))
	if err != nil {
		p.relayDialFailure(w, resp)
		p.metrics.RecordForward(route.Service, protocolWebsocket, outcomeError, 0)
		return util.NewUpstreamErrorWithCause(route.Service, inst.ID, "websocket dial", err)
	}
	defer backend.Close()

	client, err := wsUpgrader.Upgrade(w, r, wsResponseHeaders(resp))
	if err != nil {
		// Upgrade has already written its error response to the client.
		return fmt.Errorf("upgrade client connection: %w", err)
	}
	defer client.Close()

	sent, received := relayWebSocket(client, backend)
	p.metrics.RecordWebsocketMessages(route.Service, sent, received)
	p.logger.Debug("websocket session closed",
		observability.String("service", route.Service),
		observability.String("instance", inst.ID),
		observability.Int64("messagesToClient", sent),
		observability.Int64("messagesToBackend", received),
	)
	return nil
}

// relayDialFailure forwards the instance's handshake rejection when one
// exists, otherwise answers Bad Gateway.
func (p *Proxy) relayDialFailure(w http.ResponseWriter, resp *http.Response) {
	if resp == nil {
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer drainBody(resp.Body)

	header := w.Header()
	for key, values := range resp.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
}

// relayWebSocket copies messages between the two connections until one
// direction fails, returning per-direction message counts.
func relayWebSocket(client, backend *websocket.Conn) (sent, received int64) {
	done := make(chan struct{}, 2)
	var toClient, toBackend atomic.Int64

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			msgType, msg, err := backend.ReadMessage()
			if err != nil {
				_ = client.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			toClient.Add(1)
			if err := client.WriteMessage(msgType, msg); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			msgType, msg, err := client.ReadMessage()
			if err != nil {
				_ = backend.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			toBackend.Add(1)
			if err := backend.WriteMessage(msgType, msg); err != nil {
				return
			}
		}
	}()

	<-done
	return toClient.Load(), toBackend.Load()
}

func wsTargetURL(inst *registry.ServiceInstance, path, rawQuery string) string {
	scheme := schemeWS
	if schemeFor(inst) == schemeHTTPS {
		scheme = schemeWSS
	}

	target := scheme + "://" + inst.Address + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// wsForwardHeaders copies request headers for the backend handshake,
// skipping the websocket negotiation headers the dialer regenerates.
func wsForwardHeaders(r *http.Request) http.Header {
	header := http.Header{}
	for key, values := range r.Header {
		switch strings.ToLower(key) {
		case "upgrade", "connection", "sec-websocket-key",
			"sec-websocket-version", "sec-websocket-extensions",
			"sec-websocket-protocol":
			continue
		}
		for _, value := range values {
			header.Add(key, value)
		}
	}
	return header
}

// wsResponseHeaders extracts backend handshake headers to relay to the
// client, skipping the negotiation headers the upgrader regenerates.
func wsResponseHeaders(resp *http.Response) http.Header {
	if resp == nil {
		return nil
	}
	header := http.Header{}
	for key, values := range resp.Header {
		switch strings.ToLower(key) {
		case "upgrade", "connection", "sec-websocket-accept":
			continue
		}
		for _, value := range values {
			header.Add(key, value)
		}
	}
	return header
}
