package wsgorilla

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

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

// Client - клиент на gorilla/websocket. Handshake выполняется синхронно
// внутри CreateClient; обработчики вызываются с горутины чтения, а не с
// горутины, вызвавшей CreateClient или Send.
type Client struct {
	cfg        ClientConfig
	conn       *websocket.Conn
	writeMu    sync.Mutex
	id         ws.ConnectionID
	dispatch   *ws.ClientDispatcher
	completion *ws.Completion
	closeOnce  sync.Once
	logger     *slog.Logger
}

// CreateClient устанавливает соединение с ws://host:port/path. Если соединение
// не удалось установить за cfg.ConnectTimeout, возвращается ws.ErrCreateFailed,
// и ни один обработчик не вызывается.
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
		logger:     cfg.Logger,
	}

	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   cfg.Path,
	}

	// Диалер без прокси; таймаут handshake ограничивает весь вызов
	dialer := websocket.Dialer{
		Proxy:            nil,
		HandshakeTimeout: cfg.ConnectTimeout,
	}

	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		c.logger.Error("dial failed", "url", u.String(), "error", err)
		c.completion.Set(ws.StateClosed)

		return c
	}

	c.conn = conn
	c.id = ws.AsConnectionID(conn)
	c.completion.Set(ws.StateReady)

	go c.readLoop()

	return c
}

// Alive сообщает, валиден ли нативный хэндл соединения.
func (c *Client) Alive() bool {
	return c.conn != nil
}

func (c *Client) readLoop() {
	defer func() {
		// close - терминальное событие, после него переключаемся в StateClosed,
		// чтобы разблокировать Close()
		c.dispatch.Close(c.id)
		c.completion.Set(ws.StateClosed)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
			) {
				c.logger.Error("read error", "error", err)
			}

			return
		}

		c.dispatch.Receive(c.id, data)
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

	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	return nil
}

// Close разрывает соединение и блокирует, пока не завершится цикл чтения
// вместе с обработчиком Close: после возврата ни один callback не выполняется.
func (c *Client) Close() error {
	if c.conn == nil {
		c.completion.Set(ws.StateClosed)
		return nil
	}

	var err error

	c.closeOnce.Do(func() {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
		_ = c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))

		err = c.conn.Close()
	})

	c.completion.WaitForClosed()

	return err
}
