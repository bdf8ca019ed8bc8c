package wsgobwas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	gws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/LLIEPJIOK/websocket-tools/pkg/ws"
)

type ClientConfig struct {
	Host           string
	Port           int
	Path           string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

func DefaultClientConfig(host string, port int, path string) ClientConfig {
	return ClientConfig{
		Host:           host,
		Port:           port,
		Path:           path,
		ConnectTimeout: ws.DefaultConnectTimeout,
		Logger:         slog.Default(),
	}
}

var _ ws.Client = (*Client)(nil)

// Client - клиент на gobwas/ws поверх сырого net.Conn. Установка соединения
// идёт на фоновой горутине; CreateClient блокируется на Completion не дольше
// cfg.ConnectTimeout, после чего отменяет установку и безусловно ждёт её
// терминального callback. Все обработчики вызываются на последовательной
// очереди инстанса.
type Client struct {
	cfg        ClientConfig
	conn       net.Conn
	rw         io.ReadWriter
	writeMu    sync.Mutex
	id         ws.ConnectionID
	dispatch   *ws.ClientDispatcher
	completion *ws.Completion
	queue      *serialQueue
	cancel     context.CancelFunc
	closeOnce  sync.Once
	logger     *slog.Logger
}

// CreateClient устанавливает соединение с ws://host:port/path. Если соединение
// не стало готовым за cfg.ConnectTimeout, установка отменяется, возвращается
// ws.ErrCreateFailed, и ни один обработчик не вызывается.
func CreateClient(cfg ClientConfig, handlers ws.ClientHandlers, owner any) (*Client, error) {
	return ws.Create(func() *Client {
		return newClient(cfg, handlers, owner)
	})
}

func newClient(cfg ClientConfig, handlers ws.ClientHandlers, owner any) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = ws.DefaultConnectTimeout
	}

	c := &Client{
		cfg:        cfg,
		dispatch:   ws.NewClientDispatcher(handlers, owner, cfg.Logger),
		completion: ws.NewCompletion(),
		queue:      newSerialQueue(),
		logger:     cfg.Logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   cfg.Path,
	}

	go c.dial(ctx, u.String())

	// Ограниченное ожидание; по таймауту отменяем установку и ждём уже
	// безусловно: бэкенд не должен дозваниваться в отвергнутый объект
	if !c.completion.WaitForCompletion(cfg.ConnectTimeout) {
		cancel()
		c.completion.WaitForCompletion(0)
	}

	if !c.completion.Ready() {
		c.queue.close()
	}

	return c
}

func (c *Client) dial(ctx context.Context, u string) {
	conn, br, _, err := gws.Dialer{}.Dial(ctx, u)
	if err != nil {
		c.logger.Error("dial failed", "url", u, "error", err)
		c.completion.Set(ws.StateClosed)

		return
	}

	tuneConn(conn)

	c.conn = conn
	c.rw = io.ReadWriter(conn)

	// Dial мог заранее вычитать часть данных сервера
	if br != nil {
		c.rw = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(br, conn), conn}
	}

	c.id = ws.AsConnectionID(conn)
	c.completion.Set(ws.StateReady)

	go c.readLoop()
}

// Alive сообщает, валиден ли нативный хэндл соединения.
func (c *Client) Alive() bool {
	return c.completion.Ready() && c.conn != nil
}

func (c *Client) readLoop() {
	defer func() {
		// Терминальное событие уходит в очередь последним; после её закрытия
		// ни один обработчик уже не выполняется
		id := c.id
		c.queue.post(func() { c.dispatch.Close(id) })
		c.queue.close()
		c.completion.Set(ws.StateClosed)
	}()

	for {
		data, op, err := wsutil.ReadServerData(c.rw)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				var closed wsutil.ClosedError
				if !errors.As(err, &closed) {
					c.logger.Error("read error", "error", err)
				}
			}

			_ = c.conn.Close()

			return
		}

		if op != gws.OpBinary && op != gws.OpText {
			continue
		}

		id := c.id
		c.queue.post(func() { c.dispatch.Receive(id, data) })
	}
}

// Send отправляет бинарный кадр серверу. Ошибка записи возвращается
// вызывающему как есть, автоматических повторов нет.
func (c *Client) Send(data []byte) error {
	if c.conn == nil || c.completion.Closed() {
		return ws.ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := wsutil.WriteClientBinary(c.conn, data); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	return nil
}

// Close отменяет соединение и блокирует, пока очередь событий не опустеет:
// после возврата ни один callback не выполняется.
func (c *Client) Close() error {
	c.cancel()

	if c.conn == nil {
		c.completion.Set(ws.StateClosed)
		c.queue.close()

		return nil
	}

	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = wsutil.WriteClientMessage(c.conn, gws.OpClose, gws.NewCloseFrameBody(gws.StatusNormalClosure, ""))
		c.writeMu.Unlock()

		_ = c.conn.Close()
	})

	c.completion.WaitForClosed()

	return nil
}

// Опции сырого TCP-соединения: без алгоритма Нейгла, с агрессивным keep-alive.
func tuneConn(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	_ = tcpConn.SetNoDelay(true)
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(2 * time.Second)
}
