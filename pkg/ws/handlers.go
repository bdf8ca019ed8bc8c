package ws

// ReceiveHandler вызывается при получении кадра данных.
type ReceiveHandler func(id ConnectionID, data []byte, owner any)

// EventHandler вызывается на событиях жизненного цикла соединения.
type EventHandler func(id ConnectionID, owner any)

// ClientHandlers - фиксированный набор обработчиков клиента.
// Набор неизменяем после создания объекта; nil-обработчики игнорируются.
type ClientHandlers struct {
	Receive ReceiveHandler
	Close   EventHandler
}

// ServerHandlers - фиксированный набор обработчиков сервера.
//
// Connect вызывается сразу после принятия нового соединения (оно уже
// зарегистрировано в Registry), Ready - после завершения handshake этого
// соединения, Close - последним, после снятия соединения с регистрации.
type ServerHandlers struct {
	Connect EventHandler
	Ready   EventHandler
	Receive ReceiveHandler
	Close   EventHandler
}
