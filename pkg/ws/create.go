package ws

// Backend - минимальная способность, которой обладает каждый клиент/сервер
// конкретного бэкенда: проверка валидности нативного хэндла и освобождение
// ресурсов с ожиданием завершения асинхронного закрытия.
type Backend interface {
	// Alive сообщает, успешно ли бэкенд завершил установку
	Alive() bool
	// Close освобождает нативные ресурсы и ждёт, пока не завершатся
	// все обработчики, уже запущенные бэкендом
	Close() error
}

// Create - общий протокол создания «построить и проверить»: конструкторы
// бэкендов не сообщают об ошибке напрямую, а оставляют хэндл невалидным.
// Create строит объект, проверяет хэндл и при неудаче уничтожает объект,
// возвращая ErrCreateFailed. Наружу никогда не выходит полусозданный объект,
// и неудачная попытка не течёт ресурсами.
func Create[T Backend](construct func() T) (T, error) {
	object := construct()

	if !object.Alive() {
		_ = object.Close()

		var none T

		return none, ErrCreateFailed
	}

	return object, nil
}
