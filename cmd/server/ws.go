package main

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"marketdata/internal/stream"
)

// wsBridge upgrades client connections and translates their control
// messages into multiplexer subscriptions. All writes to one socket go
// through a single pump goroutine; gorilla connections allow only one
// concurrent writer.
type wsBridge struct {
	mux       *stream.Mux
	provider  string
	queueSize int
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

func newWSBridge(mux *stream.Mux, providerName string, queueSize int, log zerolog.Logger) *wsBridge {
	return &wsBridge{
		mux:       mux,
		provider:  providerName,
		queueSize: queueSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

type controlReply struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func (b *wsBridge) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	client := stream.NewClient(b.queueSize)
	log := b.log.With().Str("client", client.ID()).Logger()
	log.Info().Msg("client connected")

	replies := make(chan controlReply, 8)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer conn.Close()
		for {
			select {
			case msg, ok := <-client.Out():
				if !ok {
					return
				}
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case rep := <-replies:
				if err := conn.WriteJSON(rep); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		ctl, err := stream.ParseControl(data)
		if err != nil {
			select {
			case replies <- controlReply{Type: "error", Message: "invalid control message"}:
			default:
			}
			continue
		}
		for _, key := range ctl.Keys(b.provider) {
			switch ctl.Action {
			case stream.ActionSubscribe:
				if err := b.mux.Subscribe(r.Context(), client, key); err != nil {
					log.Warn().Err(err).Str("ticker", key.Ticker).Msg("subscribe failed")
					select {
					case replies <- controlReply{Type: "error", Message: "subscription failed"}:
					default:
					}
				}
			case stream.ActionUnsubscribe:
				b.mux.Unsubscribe(client, key)
			}
		}
	}

	b.mux.DetachClient(client)
	<-pumpDone
	log.Info().Uint64("dropped", client.Dropped()).Msg("client disconnected")
}
