package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const SendBufferSize = 32

type ServerSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration
	MaxMessageSize     int64
	// nil secret disables token verification
	JwtSecret []byte
	// reject connections without a token when a secret is configured
	RequireAuth bool
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		PingTimeout:        15 * time.Second,
		MaxMessageSize:     16 * 1024 * 1024,
	}
}

// Server exposes the collaboration surface over http: the room websocket
// endpoint, the stored output read endpoint, and metrics.
type Server struct {
	ctx context.Context

	roomManager *RoomManager
	outputs     OutputStore

	upgrader *websocket.Upgrader

	settings *ServerSettings
}

func NewServerWithDefaults(
	ctx context.Context,
	roomManager *RoomManager,
	outputs OutputStore,
) *Server {
	return NewServer(ctx, roomManager, outputs, DefaultServerSettings())
}

func NewServer(
	ctx context.Context,
	roomManager *RoomManager,
	outputs OutputStore,
	settings *ServerSettings,
) *Server {
	return &Server{
		ctx:         ctx,
		roomManager: roomManager,
		outputs:     outputs,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			ReadBufferSize:   4 * 1024,
			WriteBufferSize:  4 * 1024,
		},
		settings: settings,
	}
}

func (self *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/api/collab/rooms/{roomId}", self.handleRoomWs)
	router.HandleFunc("/api/outputs/{fileId}/{cellId}/{index}", self.handleOutput).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())
	return router
}

// token from the Authorization header or, for browser websocket clients
// that cannot set headers, the `token` query parameter
func requestToken(r *http.Request) string {
	authorization := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(authorization, "Bearer "); ok {
		return after
	}
	return r.URL.Query().Get("token")
}

func (self *Server) authenticate(r *http.Request) (*SessionJwt, error) {
	token := requestToken(r)
	if token == "" {
		if self.settings.RequireAuth {
			return nil, fmt.Errorf("missing token")
		}
		return &SessionJwt{}, nil
	}
	return ParseSessionJwt(token, self.settings.JwtSecret)
}

// handleRoomWs upgrades the connection, registers the client with its room,
// and pumps inbound messages into the room queue until the connection or
// the room goes away.
func (self *Server) handleRoomWs(w http.ResponseWriter, r *http.Request) {
	roomId := mux.Vars(r)["roomId"]

	session, err := self.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	room, err := self.roomManager.GetRoom(roomId)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		glog.Infof("[s]get room %s = %s\n", roomId, err)
		http.Error(w, "room unavailable", http.StatusInternalServerError)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade %s = %s\n", roomId, err)
		return
	}

	conn := newWsClientConn(self.ctx, ws, self.settings)
	client, err := room.Register(conn)
	if err != nil {
		conn.Close(CloseGoingAway, "room stopped")
		return
	}
	clientId := client.ClientId()
	glog.V(1).Infof("[s]%s client %s user=%s\n", roomId, clientId, session.UserId)

	defer func() {
		room.RemoveClient(clientId)
		conn.Close(CloseGoingAway, "")
	}()

	ws.SetReadLimit(self.settings.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[s]%s<- %s = %s\n", roomId, clientId, err)
			return
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				continue
			}
			if err := room.AddMessage(clientId, message); err != nil {
				if errors.Is(err, ErrRoomStopped) {
					return
				}
				glog.V(1).Infof("[s]%s<- %s = %s\n", roomId, clientId, err)
			}
		default:
		}
	}
}

// handleOutput serves one stored output record. placeholders in the
// document link here. a cleared or never-stored record is a 404.
func (self *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		http.Error(w, "bad output index", http.StatusBadRequest)
		return
	}

	payload, err := self.outputs.Get(r.Context(), vars["fileId"], vars["cellId"], index)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "output not found", http.StatusNotFound)
			return
		}
		glog.Infof("[s]output %s/%s/%d = %s\n", vars["fileId"], vars["cellId"], index, err)
		http.Error(w, "output unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

// wsClientConn adapts one websocket to the room's client transport. writes
// are serialized through a buffered channel drained by a single writer task
// with deadlines, so a slow client never blocks a broadcast.
type wsClientConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws   *websocket.Conn
	send chan []byte

	settings *ServerSettings
}

func newWsClientConn(ctx context.Context, ws *websocket.Conn, settings *ServerSettings) *wsClientConn {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &wsClientConn{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		send:     make(chan []byte, SendBufferSize),
		settings: settings,
	}
	go conn.run()
	return conn
}

func (self *wsClientConn) run() {
	defer self.ws.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				// a deadline timeout on websocket cannot be recovered
				glog.V(1).Infof("[s]-> error = %s\n", err)
				self.cancel()
				return
			}
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				self.cancel()
				return
			}
		}
	}
}

func (self *wsClientConn) WriteMessage(message []byte) error {
	select {
	case <-self.ctx.Done():
		return fmt.Errorf("connection closed")
	case self.send <- message:
		return nil
	default:
		// the send buffer absorbs bursts. a full buffer means the client
		// stopped reading; the connection is torn down rather than letting
		// backpressure reach the room.
		self.cancel()
		return fmt.Errorf("send buffer full")
	}
}

func (self *wsClientConn) Close(closeCode int, reason string) error {
	defer self.cancel()

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	err := self.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, reason),
		time.Now().Add(self.settings.WriteTimeout),
	)
	closeErr := self.ws.Close()
	if err != nil {
		return err
	}
	return closeErr
}
