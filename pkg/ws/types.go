package ws

import "reflect"

// ConnectionID - непрозрачный идентификатор соединения, стабильный на время его жизни.
// Нулевое значение зарезервировано и никогда не выдаётся живому соединению.
type ConnectionID uint64

// ConnectionNone - значение "нет соединения".
const ConnectionNone ConnectionID = 0

// AsConnectionID выводит идентификатор из адреса нативного хэндла.
//
// Это соглашение только для клиентов: у клиента ровно одно нативное соединение,
// поэтому адрес стабилен на время жизни объекта. Уникальность между разными
// объектами не гарантируется, для серверов используется Registry.
func AsConnectionID(handle any) ConnectionID {
	return ConnectionID(reflect.ValueOf(handle).Pointer())
}

// Client - единый клиентский API, который реализует каждый бэкенд.
type Client interface {
	// Send отправляет бинарный кадр серверу
	Send(data []byte) error
	// Close разрывает соединение и ждёт завершения всех обработчиков
	Close() error
}

// Server - единый серверный API, который реализует каждый бэкенд.
type Server interface {
	// Send отправляет бинарный кадр всем активным соединениям
	Send(data []byte) error
	// SendTo отправляет бинарный кадр одному соединению
	SendTo(id ConnectionID, data []byte) error
	// Size возвращает число активных соединений
	Size() int
	// Port возвращает фактический порт прослушивания (полезно при запросе порта 0)
	Port() int
	// Close останавливает сервер и ждёт завершения всех обработчиков
	Close() error
}
