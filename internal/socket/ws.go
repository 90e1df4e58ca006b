package socket

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/arborlabs/arbor/internal/buffer"
	"github.com/arborlabs/arbor/internal/message"
)

// wsFramer speaks RFC 6455 through gorilla/websocket. Client-side
// masking and the handshake are gorilla's job; this layer maps frames to
// owner-service messages per subtype.
type wsFramer struct {
	ws *websocket.Conn
}

func newWSFramer(ws *websocket.Conn) *wsFramer {
	return &wsFramer{ws: ws}
}

func (f *wsFramer) readLoop(c *Conn) string {
	f.ws.SetPingHandler(func(appData string) error {
		c.touch()
		c.deliver(message.SubPing, 0, "", buffer.From([]byte(appData)))
		// Answer the ping ourselves so owners need no boilerplate.
		pong := buffer.From([]byte(appData))
		pong.SetFlag(buffer.FlagWSPong)
		c.Send(pong)
		return nil
	})
	f.ws.SetPongHandler(func(appData string) error {
		c.touch()
		c.deliver(message.SubPong, 0, "", buffer.From([]byte(appData)))
		return nil
	})

	for {
		kind, data, err := f.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrCodeEOF
			}
			return readErrCode(err)
		}
		c.touch()
		buf := buffer.From(data)
		if kind == websocket.TextMessage {
			buf.SetFlag(buffer.FlagWSText)
		}
		c.deliver(message.SubMessage, 0, "", buf)
	}
}

func (f *wsFramer) writeBuffer(_ *Conn, b *buffer.Buffer) error {
	kind := websocket.BinaryMessage
	switch {
	case b.HasFlag(buffer.FlagWSPing):
		kind = websocket.PingMessage
	case b.HasFlag(buffer.FlagWSPong):
		kind = websocket.PongMessage
	case b.HasFlag(buffer.FlagWSText):
		kind = websocket.TextMessage
	}
	if kind == websocket.PingMessage || kind == websocket.PongMessage {
		return f.ws.WriteControl(kind, b.Bytes(), wsControlDeadline())
	}
	return f.ws.WriteMessage(kind, b.Bytes())
}

func (f *wsFramer) shutdown() {
	_ = f.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), wsControlDeadline())
	_ = f.ws.Close()
}

func wsControlDeadline() time.Time {
	return time.Now().Add(5 * time.Second)
}
