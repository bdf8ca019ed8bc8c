package ws

import "sync"

// Registry - двунаправленное отображение между ConnectionID и нативными
// соединениями бэкенда. Все операции безопасны для конкурентного вызова:
// бэкенд мутирует реестр из контекста событий connect/close, а Send/Size
// читают его с произвольных горутин.
type Registry[C comparable] struct {
	mu     sync.RWMutex
	byID   map[ConnectionID]C
	byConn map[C]ConnectionID
}

func NewRegistry[C comparable]() *Registry[C] {
	return &Registry[C]{
		byID:   make(map[ConnectionID]C),
		byConn: make(map[C]ConnectionID),
	}
}

// Add регистрирует соединение и возвращает свежий идентификатор.
//
// Идентификаторы выдаются линейным поиском от 1 вверх с пропуском занятых,
// поэтому id, освобождённый Remove, может быть переиспользован следующим Add.
// Поиск O(n) от числа активных соединений; для интерактивных масштабов этого
// достаточно.
func (r *Registry[C]) Add(conn C) ConnectionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ConnectionNone
	for {
		id++
		if _, busy := r.byID[id]; !busy {
			break
		}
	}

	r.byID[id] = conn
	r.byConn[conn] = id
	r.checkInvariant()

	return id
}

// Remove снимает соединение с регистрации и возвращает освобождённый id.
// Вызов для незарегистрированного соединения - нарушение контракта бэкенда
// (connect всегда предшествует close), а не ошибка времени выполнения.
func (r *Registry[C]) Remove(conn C) ConnectionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[conn]
	if !ok {
		panic("ws: Remove of unregistered connection")
	}

	delete(r.byConn, conn)
	delete(r.byID, id)
	r.checkInvariant()

	return id
}

// Find возвращает нативное соединение по идентификатору.
func (r *Registry[C]) Find(id ConnectionID) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byID[id]

	return conn, ok
}

// ID возвращает идентификатор по нативному соединению.
func (r *Registry[C]) ID(conn C) (ConnectionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byConn[conn]

	return id, ok
}

// Size возвращает число зарегистрированных соединений.
func (r *Registry[C]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byID)
}

// Snapshot возвращает срез всех соединений для итерации вне блокировки
// (broadcast-отправка не должна держать реестр запертым).
func (r *Registry[C]) Snapshot() []C {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]C, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}

	return conns
}

// Оба отображения всегда одинакового размера; расхождение означает, что Add
// был вызван для уже зарегистрированного соединения.
func (r *Registry[C]) checkInvariant() {
	if len(r.byID) != len(r.byConn) {
		panic("ws: registry maps out of sync")
	}
}
