package wsgorilla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/LLIEPJIOK/websocket-tools/pkg/ws"
)

type ServerConfig struct {
	Port            int
	Path            string
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Logger          *slog.Logger
}

func DefaultServerConfig(port int, path string) ServerConfig {
	return ServerConfig{
		Port:            port,
		Path:            path,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
		Logger:          slog.Default(),
	}
}

// serverConn - нативный хэндл соединения этого бэкенда: gorilla-соединение
// плюс его собственный замок записи (broadcast и SendTo могут писать в одно
// соединение с разных горутин).
type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *serverConn) sendBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// ownerKey - ключ owner-контекста в контексте HTTP-запроса. Контекст запроса -
// данные, приходящие от бэкенда, по ним трамплин сверяет owner при диспетчеризации.
type ownerKey struct{}

var _ ws.Server = (*Server)(nil)

// Server - сервер на gorilla/websocket: встроенный HTTP-сервер, upgrade по
// фиксированному пути, блокирующий цикл чтения на горутину соединения.
type Server struct {
	cfg        ServerConfig
	upgrader   websocket.Upgrader
	registry   *ws.Registry[*serverConn]
	dispatch   *ws.ServerDispatcher
	owner      any
	listener   net.Listener
	httpServer *http.Server
	completion *ws.Completion
	conns      sync.WaitGroup
	closing    atomic.Bool
	closeOnce  sync.Once
	logger     *slog.Logger
}

// CreateServer поднимает листенер на cfg.Port (0 - эфемерный порт) и начинает
// принимать websocket-соединения по cfg.Path. При неудаче возвращается
// ws.ErrCreateFailed, и ни один обработчик не вызывается.
func CreateServer(cfg ServerConfig, handlers ws.ServerHandlers, owner any) (*Server, error) {
	return ws.Create(func() *Server {
		return newServer(cfg, handlers, owner)
	})
}

func newServer(cfg ServerConfig, handlers ws.ServerHandlers, owner any) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		registry:   ws.NewRegistry[*serverConn](),
		dispatch:   ws.NewServerDispatcher(handlers, owner, cfg.Logger),
		owner:      owner,
		completion: ws.NewCompletion(),
		logger:     cfg.Logger,
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		s.logger.Error("listen failed", "port", cfg.Port, "error", err)
		s.completion.Set(ws.StateClosed)

		return s
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler: s,
		// Учёт соединений ведём от момента accept: Add срабатывает в цикле
		// Serve до его возврата, поэтому conns.Wait в serve не может обогнать
		// регистрацию. Хайджекнутые соединения net/http больше не закрывает,
		// их Done выполняет handleConnection
		ConnState: func(_ net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				s.conns.Add(1)
			case http.StateClosed:
				s.conns.Done()
			}
		},
		// Протаскиваем owner-контекст через данные сервера, как это делает
		// сам бэкенд, чтобы трамплины могли его сверить
		BaseContext: func(net.Listener) context.Context {
			return context.WithValue(context.Background(), ownerKey{}, owner)
		},
	}

	s.completion.Set(ws.StateReady)

	go s.serve()

	return s
}

// Alive сообщает, валиден ли нативный хэндл листенера.
func (s *Server) Alive() bool {
	return s.listener != nil
}

func (s *Server) serve() {
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		s.logger.Error("serve error", "error", err)
	}

	// Листенер закрыт: ждём, пока каждое соединение отработает свой close,
	// и только после этого объявляем сервер закрытым
	s.conns.Wait()
	s.completion.Set(ws.StateClosed)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Path != "" && r.URL.Path != s.cfg.Path {
		http.NotFound(w, r)
		return
	}

	if s.closing.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	// Сверка owner-контекста, восстановленного из данных запроса
	s.dispatch.CheckOwner(r.Context().Value(ownerKey{}))

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s.handleConnection(&serverConn{ws: wsConn})
}

func (s *Server) handleConnection(conn *serverConn) {
	// После хайджека соединение выбыло из учёта net/http, дальше за него
	// отвечаем сами
	defer s.conns.Done()

	id := s.registry.Add(conn)

	// Сервер уже останавливается: соединение могло не попасть в снапшот
	// Close, разрываем его здесь
	if s.closing.Load() {
		_ = conn.ws.Close()
	}

	// У этого бэкенда нативное соединение появляется только после upgrade,
	// поэтому connect и ready следуют друг за другом
	s.dispatch.Connect(id)
	s.dispatch.Ready(id)

	defer func() {
		_ = conn.ws.Close()

		// Сначала снимаем с регистрации, затем зовём close с освобождённым id
		freed := s.registry.Remove(conn)
		s.dispatch.Close(freed)
	}()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
			) {
				s.logger.Error("read error", "error", err)
			}

			return
		}

		s.dispatch.Receive(id, data)
	}
}

// Send отправляет бинарный кадр всем активным соединениям.
func (s *Server) Send(data []byte) error {
	var errs []error

	for _, conn := range s.registry.Snapshot() {
		if err := conn.sendBinary(data); err != nil {
			errs = append(errs, fmt.Errorf("send failed: %w", err))
		}
	}

	return errors.Join(errs...)
}

// SendTo отправляет бинарный кадр одному соединению. Для id, чей close уже
// отработал, возвращается ws.ErrUnknownConnection.
func (s *Server) SendTo(id ws.ConnectionID, data []byte) error {
	conn, ok := s.registry.Find(id)
	if !ok {
		return ws.ErrUnknownConnection
	}

	if err := conn.sendBinary(data); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	return nil
}

// Size возвращает число активных соединений.
func (s *Server) Size() int {
	return s.registry.Size()
}

// Port возвращает фактический порт прослушивания.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}

	return s.listener.Addr().(*net.TCPAddr).Port
}

// Close останавливает листенер, разрывает все соединения и блокирует, пока
// каждое из них не завершит свой обработчик Close.
func (s *Server) Close() error {
	if s.listener == nil {
		s.completion.Set(ws.StateClosed)
		return nil
	}

	s.closeOnce.Do(func() {
		s.closing.Store(true)

		// Закрывает листенер и ещё не апгрейднутые соединения; уже
		// апгрейднутые (hijacked) закрываем сами через реестр
		_ = s.httpServer.Close()

		for _, conn := range s.registry.Snapshot() {
			_ = conn.ws.Close()
		}
	})

	s.completion.WaitForClosed()

	return nil
}
