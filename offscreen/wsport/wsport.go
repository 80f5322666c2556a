// Package wsport carries the worker port protocol over a WebSocket
// connection. Both ends of the protocol use it: the orchestrator dials the
// worker host with Dialer, the host wraps accepted connections with FromConn.
package wsport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pageglot/pageglot/offscreen"
)

const receiveBuffer = 16

type port struct {
	conn *websocket.Conn

	// writeMu serializes writers; gorilla connections support one
	// concurrent writer only.
	writeMu sync.Mutex

	recv chan offscreen.Message
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// FromConn wraps an established WebSocket connection as an offscreen.Port.
// The wrapper owns conn from here on: the reader starts immediately and
// Close tears the connection down.
func FromConn(conn *websocket.Conn) offscreen.Port {
	p := &port{
		conn: conn,
		recv: make(chan offscreen.Message, receiveBuffer),
		done: make(chan struct{}),
	}
	go p.readLoop()
	return p
}

// Dialer returns an offscreen.Dialer that connects to url (ws:// or wss://)
// with the default gorilla dialer. header may be nil.
func Dialer(url string, header http.Header) offscreen.Dialer {
	return func(ctx context.Context) (offscreen.Port, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, fmt.Errorf("wsport: dial %s: %w", url, err)
		}
		return FromConn(conn), nil
	}
}

func (p *port) Send(msg offscreen.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("wsport: write %s frame: %w", msg.Type, err)
	}
	return nil
}

func (p *port) Receive() <-chan offscreen.Message {
	return p.recv
}

func (p *port) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

// readLoop decodes frames until the connection drops. Malformed frames end
// the connection: the protocol has no way to resynchronize after one.
func (p *port) readLoop() {
	defer close(p.recv)
	for {
		var msg offscreen.Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case p.recv <- msg:
		case <-p.done:
			return
		}
	}
}
