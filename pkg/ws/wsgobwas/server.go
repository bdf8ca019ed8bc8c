package wsgobwas

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/LLIEPJIOK/websocket-tools/pkg/ws"
)

type ServerConfig struct {
	Port         int
	Path         string
	StartTimeout time.Duration
	Logger       *slog.Logger
}

func DefaultServerConfig(port int, path string) ServerConfig {
	return ServerConfig{
		Port:         port,
		Path:         path,
		StartTimeout: ws.DefaultConnectTimeout,
		Logger:       slog.Default(),
	}
}

// serverConn - нативный хэндл соединения этого бэкенда: сырой net.Conn плюс
// его собственный замок записи.
type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *serverConn) sendBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return wsutil.WriteServerBinary(c.conn, data)
}

var _ ws.Server = (*Server)(nil)

// Server - сервер на gobwas/ws: собственный accept-цикл поверх net.Listener,
// websocket handshake на горутине соединения, все обработчики - на
// последовательной очереди инстанса.
//
// connect вызывается в момент принятия TCP-соединения, до handshake;
// ready - после успешного upgrade.
type Server struct {
	cfg        ServerConfig
	upgrader   gws.Upgrader
	registry   *ws.Registry[*serverConn]
	dispatch   *ws.ServerDispatcher
	owner      any
	listener   net.Listener
	completion *ws.Completion
	queue      *serialQueue
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

	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = ws.DefaultConnectTimeout
	}

	s := &Server{
		cfg:        cfg,
		registry:   ws.NewRegistry[*serverConn](),
		dispatch:   ws.NewServerDispatcher(handlers, owner, cfg.Logger),
		owner:      owner,
		completion: ws.NewCompletion(),
		queue:      newSerialQueue(),
		logger:     cfg.Logger,
	}

	s.upgrader = gws.Upgrader{
		OnRequest: func(uri []byte) error {
			if cfg.Path != "" && string(uri) != cfg.Path {
				return gws.RejectConnectionError(gws.RejectionStatus(http.StatusNotFound))
			}

			return nil
		},
	}

	go s.listen()

	if !s.completion.WaitForCompletion(cfg.StartTimeout) {
		// net.Listen нечем отменить, ждём его исход безусловно
		s.completion.WaitForCompletion(0)
	}

	if !s.completion.Ready() {
		s.queue.close()
	}

	return s
}

func (s *Server) listen() {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		s.logger.Error("listen failed", "port", s.cfg.Port, "error", err)
		s.completion.Set(ws.StateClosed)

		return
	}

	s.listener = listener
	s.completion.Set(ws.StateReady)

	s.acceptLoop()
}

// Alive сообщает, валиден ли нативный хэндл листенера.
func (s *Server) Alive() bool {
	return s.completion.Ready() && s.listener != nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			break // листенер закрыт
		}

		s.conns.Add(1)

		go s.handleConnection(conn)
	}

	// Все продюсеры остановились: доигрываем очередь и объявляем закрытие
	s.conns.Wait()
	s.queue.close()
	s.completion.Set(ws.StateClosed)
}

func (s *Server) handleConnection(raw net.Conn) {
	defer s.conns.Done()

	tuneConn(raw)

	conn := &serverConn{conn: raw}

	// Регистрация строго до события connect
	id := s.registry.Add(conn)
	s.queue.post(func() { s.dispatch.Connect(id) })

	// Сервер уже останавливается: соединение могло не попасть в снапшот
	// Close, разрываем его здесь
	if s.closing.Load() {
		_ = raw.Close()
	}

	deregister := func() {
		_ = raw.Close()

		freed := s.registry.Remove(conn)
		s.queue.post(func() { s.dispatch.Close(freed) })
	}

	if _, err := s.upgrader.Upgrade(raw); err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("upgrade failed", "remote_addr", raw.RemoteAddr(), "error", err)
		}

		deregister()

		return
	}

	s.queue.post(func() { s.dispatch.Ready(id) })

	for {
		data, op, err := wsutil.ReadClientData(raw)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				var closed wsutil.ClosedError
				if !errors.As(err, &closed) {
					s.logger.Error("read error", "error", err)
				}
			}

			deregister()

			return
		}

		if op != gws.OpBinary && op != gws.OpText {
			continue
		}

		s.queue.post(func() { s.dispatch.Receive(id, data) })
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

// Close останавливает листенер, разрывает все соединения (включая те, что
// ещё в handshake) и блокирует, пока каждое не завершит свой обработчик
// Close и очередь событий не опустеет.
func (s *Server) Close() error {
	if s.listener == nil {
		s.completion.Set(ws.StateClosed)
		s.queue.close()

		return nil
	}

	s.closeOnce.Do(func() {
		s.closing.Store(true)
		_ = s.listener.Close()

		for _, conn := range s.registry.Snapshot() {
			_ = conn.conn.Close()
		}
	})

	s.completion.WaitForClosed()

	return nil
}
