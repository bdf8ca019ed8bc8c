package wsgorilla_test

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LLIEPJIOK/websocket-tools/pkg/ws"
	"github.com/LLIEPJIOK/websocket-tools/pkg/ws/wsgorilla"
)

type event struct {
	kind string
	id   ws.ConnectionID
	data []byte
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) record(kind string, id ws.ConnectionID, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event{kind: kind, id: id, data: bytes.Clone(data)})
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]event(nil), r.events...)
}

func (r *recorder) count(kind string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.kind == kind {
			n++
		}
	}

	return n
}

// waitFor опрашивает записанные события, пока не выполнится условие
// или не истекут 2 секунды.
func (r *recorder) waitFor(t *testing.T, what string, cond func([]event) bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(r.snapshot()) {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s; events: %+v", what, r.snapshot())
}

func (r *recorder) serverHandlers() ws.ServerHandlers {
	return ws.ServerHandlers{
		Connect: func(id ws.ConnectionID, owner any) { r.record("connect", id, nil) },
		Ready:   func(id ws.ConnectionID, owner any) { r.record("ready", id, nil) },
		Receive: func(id ws.ConnectionID, data []byte, owner any) { r.record("receive", id, data) },
		Close:   func(id ws.ConnectionID, owner any) { r.record("close", id, nil) },
	}
}

func (r *recorder) clientHandlers() ws.ClientHandlers {
	return ws.ClientHandlers{
		Receive: func(id ws.ConnectionID, data []byte, owner any) { r.record("receive", id, data) },
		Close:   func(id ws.ConnectionID, owner any) { r.record("close", id, nil) },
	}
}

// Порт, на котором заведомо никто не слушает.
func unusedPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to grab a port: %v", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	return port
}

func TestClientServer_Echo(t *testing.T) {
	serverRec := &recorder{}

	handlers := serverRec.serverHandlers()

	var (
		server *wsgorilla.Server
		err    error
	)

	// Эхо: сервер возвращает кадр тому же соединению
	handlers.Receive = func(id ws.ConnectionID, data []byte, owner any) {
		serverRec.record("receive", id, data)

		if sendErr := server.SendTo(id, data); sendErr != nil {
			t.Errorf("echo SendTo failed: %v", sendErr)
		}
	}

	server, err = wsgorilla.CreateServer(wsgorilla.DefaultServerConfig(0, "/ws"), handlers, nil)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	defer server.Close()

	clientRec := &recorder{}

	client, err := wsgorilla.CreateClient(
		wsgorilla.DefaultClientConfig("127.0.0.1", server.Port(), "/ws"),
		clientRec.clientHandlers(),
		nil,
	)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	serverRec.waitFor(t, "connect and ready", func(events []event) bool {
		return serverRec.count("connect") == 1 && serverRec.count("ready") == 1
	})

	if err := client.Send([]byte("ping")); err != nil {
		t.Fatalf("client send failed: %v", err)
	}

	serverRec.waitFor(t, "server receive", func(events []event) bool {
		return serverRec.count("receive") == 1
	})

	var connectID, receiveID ws.ConnectionID

	for _, e := range serverRec.snapshot() {
		switch e.kind {
		case "connect":
			connectID = e.id
		case "receive":
			receiveID = e.id

			if !bytes.Equal(e.data, []byte("ping")) {
				t.Errorf("server received %q, want %q", e.data, "ping")
			}
		}
	}

	if connectID != receiveID {
		t.Errorf("receive id %d does not match connect id %d", receiveID, connectID)
	}

	clientRec.waitFor(t, "echo reply", func(events []event) bool {
		return clientRec.count("receive") == 1
	})

	reply := clientRec.snapshot()[0]
	if !bytes.Equal(reply.data, []byte("ping")) {
		t.Errorf("client received %q, want %q", reply.data, "ping")
	}
}

func TestServer_SizeAndStaleID(t *testing.T) {
	serverRec := &recorder{}

	server, err := wsgorilla.CreateServer(
		wsgorilla.DefaultServerConfig(0, "/ws"),
		serverRec.serverHandlers(),
		nil,
	)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	defer server.Close()

	cfg := wsgorilla.DefaultClientConfig("127.0.0.1", server.Port(), "/ws")

	clients := make([]*wsgorilla.Client, 3)
	for i := range clients {
		clients[i], err = wsgorilla.CreateClient(cfg, ws.ClientHandlers{}, nil)
		if err != nil {
			t.Fatalf("failed to create client %d: %v", i, err)
		}
	}

	serverRec.waitFor(t, "three connects", func(events []event) bool {
		return serverRec.count("ready") == 3
	})

	if server.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", server.Size())
	}

	// Закрываем среднего клиента: его id становится невалидным
	if err := clients[1].Close(); err != nil {
		t.Fatalf("client close failed: %v", err)
	}

	serverRec.waitFor(t, "one close", func(events []event) bool {
		return serverRec.count("close") == 1
	})

	if server.Size() != 2 {
		t.Fatalf("Size() = %d after close, want 2", server.Size())
	}

	var staleID ws.ConnectionID

	for _, e := range serverRec.snapshot() {
		if e.kind == "close" {
			staleID = e.id
		}
	}

	if err := server.SendTo(staleID, []byte("data")); !errors.Is(err, ws.ErrUnknownConnection) {
		t.Fatalf("SendTo(stale id) error = %v, want ErrUnknownConnection", err)
	}

	for _, c := range clients {
		c.Close()
	}
}

func TestCreateClient_UnreachablePort(t *testing.T) {
	rec := &recorder{}

	cfg := wsgorilla.DefaultClientConfig("127.0.0.1", unusedPort(t), "/ws")
	cfg.ConnectTimeout = 200 * time.Millisecond

	client, err := wsgorilla.CreateClient(cfg, rec.clientHandlers(), nil)
	if !errors.Is(err, ws.ErrCreateFailed) {
		t.Fatalf("CreateClient error = %v, want ErrCreateFailed", err)
	}

	if client != nil {
		t.Fatal("CreateClient returned an object after failure")
	}

	// Неудачная попытка не вызывает ни одного обработчика
	time.Sleep(100 * time.Millisecond)

	if events := rec.snapshot(); len(events) != 0 {
		t.Fatalf("handlers fired for a failed attempt: %+v", events)
	}
}

func TestCreateServer_PortInUse(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to occupy a port: %v", err)
	}
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port

	rec := &recorder{}

	server, err := wsgorilla.CreateServer(
		wsgorilla.DefaultServerConfig(port, "/ws"),
		rec.serverHandlers(),
		nil,
	)
	if !errors.Is(err, ws.ErrCreateFailed) {
		t.Fatalf("CreateServer error = %v, want ErrCreateFailed", err)
	}

	if server != nil {
		t.Fatal("CreateServer returned an object after failure")
	}

	if events := rec.snapshot(); len(events) != 0 {
		t.Fatalf("handlers fired for a failed attempt: %+v", events)
	}
}

func TestServer_Broadcast(t *testing.T) {
	serverRec := &recorder{}

	server, err := wsgorilla.CreateServer(
		wsgorilla.DefaultServerConfig(0, "/ws"),
		serverRec.serverHandlers(),
		nil,
	)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	defer server.Close()

	cfg := wsgorilla.DefaultClientConfig("127.0.0.1", server.Port(), "/ws")

	recA := &recorder{}
	clientA, err := wsgorilla.CreateClient(cfg, recA.clientHandlers(), nil)
	if err != nil {
		t.Fatalf("failed to create client A: %v", err)
	}
	defer clientA.Close()

	recB := &recorder{}
	clientB, err := wsgorilla.CreateClient(cfg, recB.clientHandlers(), nil)
	if err != nil {
		t.Fatalf("failed to create client B: %v", err)
	}
	defer clientB.Close()

	// Третий клиент подключается и сразу закрывается: broadcast не должен его касаться
	recC := &recorder{}
	clientC, err := wsgorilla.CreateClient(cfg, recC.clientHandlers(), nil)
	if err != nil {
		t.Fatalf("failed to create client C: %v", err)
	}

	serverRec.waitFor(t, "three ready", func(events []event) bool {
		return serverRec.count("ready") == 3
	})

	if err := clientC.Close(); err != nil {
		t.Fatalf("client C close failed: %v", err)
	}

	serverRec.waitFor(t, "client C close", func(events []event) bool {
		return serverRec.count("close") == 1
	})

	payload := []byte("broadcast")

	if err := server.Send(payload); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	recA.waitFor(t, "client A receive", func(events []event) bool {
		return recA.count("receive") == 1
	})
	recB.waitFor(t, "client B receive", func(events []event) bool {
		return recB.count("receive") == 1
	})

	for name, rec := range map[string]*recorder{"A": recA, "B": recB} {
		for _, e := range rec.snapshot() {
			if e.kind == "receive" && !bytes.Equal(e.data, payload) {
				t.Errorf("client %s received %q, want %q", name, e.data, payload)
			}
		}
	}

	if recC.count("receive") != 0 {
		t.Error("closed client C received the broadcast")
	}
}

func TestServer_CloseWaitsForHandlers(t *testing.T) {
	serverRec := &recorder{}

	server, err := wsgorilla.CreateServer(
		wsgorilla.DefaultServerConfig(0, "/ws"),
		serverRec.serverHandlers(),
		nil,
	)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	clientRec := &recorder{}

	client, err := wsgorilla.CreateClient(
		wsgorilla.DefaultClientConfig("127.0.0.1", server.Port(), "/ws"),
		clientRec.clientHandlers(),
		nil,
	)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	serverRec.waitFor(t, "ready", func(events []event) bool {
		return serverRec.count("ready") == 1
	})

	if err := server.Close(); err != nil {
		t.Fatalf("server close failed: %v", err)
	}

	// К моменту возврата Close обработчик close каждого соединения уже отработал
	if serverRec.count("close") != 1 {
		t.Fatalf("close handler count = %d right after Close, want 1", serverRec.count("close"))
	}

	if server.Size() != 0 {
		t.Fatalf("Size() = %d after Close, want 0", server.Size())
	}

	// И новых событий после возврата Close не появляется
	before := len(serverRec.snapshot())
	time.Sleep(100 * time.Millisecond)

	if after := len(serverRec.snapshot()); after != before {
		t.Fatalf("events kept arriving after Close: %d -> %d", before, after)
	}
}

func TestServer_CloseDuringHandshake(t *testing.T) {
	serverRec := &recorder{}

	server, err := wsgorilla.CreateServer(
		wsgorilla.DefaultServerConfig(0, "/ws"),
		serverRec.serverHandlers(),
		nil,
	)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	// Начатый, но не завершённый upgrade-запрос: соединение принято,
	// но до websocket ещё не дошло
	raw, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", server.Port()))
	if err != nil {
		t.Fatalf("raw dial failed: %v", err)
	}
	defer raw.Close()

	if _, err := raw.Write([]byte("GET /ws HTTP/1.1\r\nHost: localhost\r\n")); err != nil {
		t.Fatalf("raw write failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})

	go func() {
		server.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not finish while a connection was mid-handshake")
	}

	// Каждому connect к моменту возврата Close соответствует свой close
	if connects, closes := serverRec.count("connect"), serverRec.count("close"); connects != closes {
		t.Fatalf("connect count = %d, close count = %d right after Close", connects, closes)
	}

	before := len(serverRec.snapshot())
	time.Sleep(100 * time.Millisecond)

	if after := len(serverRec.snapshot()); after != before {
		t.Fatalf("events kept arriving after Close: %d -> %d", before, after)
	}
}

func TestServer_CloseWhileClientsConnecting(t *testing.T) {
	serverRec := &recorder{}

	server, err := wsgorilla.CreateServer(
		wsgorilla.DefaultServerConfig(0, "/ws"),
		serverRec.serverHandlers(),
		nil,
	)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	cfg := wsgorilla.DefaultClientConfig("127.0.0.1", server.Port(), "/ws")
	cfg.ConnectTimeout = 500 * time.Millisecond

	// Клиенты подключаются одновременно с остановкой сервера: часть успевает,
	// часть получает отказ, но сервер не должен ни зависнуть, ни потерять close
	var eg errgroup.Group

	start := make(chan struct{})

	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			<-start

			client, createErr := wsgorilla.CreateClient(cfg, ws.ClientHandlers{}, nil)
			if createErr == nil {
				client.Close()
			}

			return nil
		})
	}

	close(start)
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})

	go func() {
		server.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not finish while clients were connecting")
	}

	if err := eg.Wait(); err != nil {
		t.Fatalf("client goroutine failed: %v", err)
	}

	if connects, closes := serverRec.count("connect"), serverRec.count("close"); connects != closes {
		t.Fatalf("connect count = %d, close count = %d after Close", connects, closes)
	}

	if server.Size() != 0 {
		t.Fatalf("Size() = %d after Close, want 0", server.Size())
	}
}

func TestOwnerContextThreaded(t *testing.T) {
	type app struct{ name string }

	owner := &app{name: "owner"}

	ownerOK := make(chan bool, 4)

	handlers := ws.ServerHandlers{
		Ready: func(id ws.ConnectionID, got any) {
			ownerOK <- got == owner
		},
	}

	server, err := wsgorilla.CreateServer(wsgorilla.DefaultServerConfig(0, "/ws"), handlers, owner)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	defer server.Close()

	client, err := wsgorilla.CreateClient(
		wsgorilla.DefaultClientConfig("127.0.0.1", server.Port(), "/ws"),
		ws.ClientHandlers{},
		nil,
	)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	select {
	case ok := <-ownerOK:
		if !ok {
			t.Fatal("ready handler got a different owner context")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ready handler never fired")
	}
}

func TestServer_Port(t *testing.T) {
	server, err := wsgorilla.CreateServer(wsgorilla.DefaultServerConfig(0, "/ws"), ws.ServerHandlers{}, nil)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	defer server.Close()

	if server.Port() == 0 {
		t.Fatal("Port() = 0 for a live server on an ephemeral port")
	}
}
