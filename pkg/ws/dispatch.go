package ws

import "log/slog"

// dispatcher - общая часть обёрток вызова обработчиков: паника из
// пользовательского обработчика не должна раскручивать стек внутрь кода
// бэкенда, поэтому каждая диспетчеризация перехватывает её и логирует.
type dispatcher struct {
	owner  any
	logger *slog.Logger
}

func (d *dispatcher) recoverPanic(handler string) {
	if r := recover(); r != nil {
		d.logger.Error("handler panic recovered", "handler", handler, "panic", r)
	}
}

// CheckOwner сверяет owner-контекст, восстановленный из данных бэкенда,
// со значением, зафиксированным при создании. Расхождение означает нарушение
// контракта бэкенд-библиотекой, а не восстановимую ошибку.
func (d *dispatcher) CheckOwner(got any) {
	if got != d.owner {
		panic("ws: owner context mismatch")
	}
}

// ClientDispatcher вызывает клиентские обработчики с owner-контекстом,
// переданным при создании. nil-обработчики пропускаются.
type ClientDispatcher struct {
	dispatcher
	handlers ClientHandlers
}

func NewClientDispatcher(handlers ClientHandlers, owner any, logger *slog.Logger) *ClientDispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &ClientDispatcher{
		dispatcher: dispatcher{owner: owner, logger: logger},
		handlers:   handlers,
	}
}

func (d *ClientDispatcher) Receive(id ConnectionID, data []byte) {
	if d.handlers.Receive == nil {
		return
	}

	defer d.recoverPanic("receive")
	d.handlers.Receive(id, data, d.owner)
}

func (d *ClientDispatcher) Close(id ConnectionID) {
	if d.handlers.Close == nil {
		return
	}

	defer d.recoverPanic("close")
	d.handlers.Close(id, d.owner)
}

// ServerDispatcher вызывает серверные обработчики с owner-контекстом,
// переданным при создании. nil-обработчики пропускаются.
type ServerDispatcher struct {
	dispatcher
	handlers ServerHandlers
}

func NewServerDispatcher(handlers ServerHandlers, owner any, logger *slog.Logger) *ServerDispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &ServerDispatcher{
		dispatcher: dispatcher{owner: owner, logger: logger},
		handlers:   handlers,
	}
}

func (d *ServerDispatcher) Connect(id ConnectionID) {
	if d.handlers.Connect == nil {
		return
	}

	defer d.recoverPanic("connect")
	d.handlers.Connect(id, d.owner)
}

func (d *ServerDispatcher) Ready(id ConnectionID) {
	if d.handlers.Ready == nil {
		return
	}

	defer d.recoverPanic("ready")
	d.handlers.Ready(id, d.owner)
}

func (d *ServerDispatcher) Receive(id ConnectionID, data []byte) {
	if d.handlers.Receive == nil {
		return
	}

	defer d.recoverPanic("receive")
	d.handlers.Receive(id, data, d.owner)
}

func (d *ServerDispatcher) Close(id ConnectionID) {
	if d.handlers.Close == nil {
		return
	}

	defer d.recoverPanic("close")
	d.handlers.Close(id, d.owner)
}
