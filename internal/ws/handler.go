package ws

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	myMiddleware "chat-sync/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// ServeWs upgrades an authenticated request to a websocket connection and
// registers it with the hub. The auth middleware already resolved the
// credential; identity here is trusted input.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(int)
	username, ok2 := r.Context().Value(myMiddleware.UsernameKey).(string)
	if !ok || !ok2 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	client := newClient(h, conn, userID, username)
	h.Register(client)

	go client.writePump()
	go client.readPump()
}
