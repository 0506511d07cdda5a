package relay

import (
	"net/http"

	"github.com/gorilla/websocket"
)

func websocketDial(url string) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(url, nil)
}
