// Package ws предоставляет единый API для WebSocket клиентов и серверов
// поверх двух структурно разных транспортных бэкендов:
//   - pkg/ws/wsgorilla — блокирующий бэкенд на github.com/gorilla/websocket
//     (HTTP upgrade внутри встроенного веб-сервера)
//   - pkg/ws/wsgobwas — асинхронный бэкенд на github.com/gobwas/ws
//     (сырой net.Conn и последовательная очередь событий на инстанс)
//
// Ядро не зависит от бэкенда и содержит:
//   - ConnectionID — непрозрачный идентификатор соединения
//   - Registry — двунаправленное отображение ConnectionID <-> нативное соединение
//   - Completion — синхронизатор асинхронного запуска (connecting -> ready|closed)
//   - Create — протокол создания «построить и проверить»
//   - ClientHandlers / ServerHandlers — фиксированные наборы обработчиков событий
//
// # Сервер
//
//	handlers := ws.ServerHandlers{
//	    Connect: func(id ws.ConnectionID, owner any) { log.Println("connect", id) },
//	    Ready:   func(id ws.ConnectionID, owner any) { log.Println("ready", id) },
//	    Receive: func(id ws.ConnectionID, data []byte, owner any) {
//	        app := owner.(*App)
//	        app.OnMessage(id, data)
//	    },
//	    Close: func(id ws.ConnectionID, owner any) { log.Println("close", id) },
//	}
//	server, err := wsgorilla.CreateServer(wsgorilla.DefaultServerConfig(0, "/ws"), handlers, app)
//	if err != nil {
//	    // сервер не запустился: порт занят и т.п.
//	}
//	defer server.Close()
//	server.Send([]byte{...})        // broadcast всем соединениям
//	server.SendTo(id, []byte{...})  // отправка одному соединению
//
// # Клиент
//
//	handlers := ws.ClientHandlers{
//	    Receive: func(id ws.ConnectionID, data []byte, owner any) { ... },
//	    Close:   func(id ws.ConnectionID, owner any) { ... },
//	}
//	client, err := wsgobwas.CreateClient(wsgobwas.DefaultClientConfig("localhost", server.Port(), "/ws"), handlers, app)
//	if err != nil {
//	    // соединение не установилось за ConnectTimeout, обработчики не вызывались
//	}
//	defer client.Close()
//	client.Send([]byte("ping"))
//
// # Порядок событий
//
// Для каждого соединения гарантируется порядок connect -> ready -> receive* -> close;
// после возврата close никакие обработчики для этого id не вызываются. События разных
// соединений могут перемежаться произвольно. Обработчики вызываются на горутинах
// бэкенда, а не на горутине, вызвавшей Create*/Send.
//
// ConnectionID валиден только до завершения обработчика Close: освобождённый id может
// быть переиспользован следующим соединением.
//
// Все кадры передаются как бинарные; содержимое буферов ядро не интерпретирует.
package ws
