package ws

import (
	"sync"
	"time"
)

// DefaultConnectTimeout - время ожидания установки соединения по умолчанию.
const DefaultConnectTimeout = 400 * time.Millisecond

// CompletionState - состояние асинхронной установки соединения/листенера.
type CompletionState int

const (
	// StateConnecting - установка ещё идёт
	StateConnecting CompletionState = iota
	// StateReady - установка завершилась успешно
	StateReady
	// StateClosed - соединение закрыто (терминальное состояние)
	StateClosed
)

// Completion - трёхпозиционный синхронизатор, превращающий асинхронную,
// callback-управляемую установку соединения в блокирующий вызов создающей
// горутины. Переходы однонаправленные: connecting -> ready -> closed или
// connecting -> closed; обратные переходы игнорируются. Ожидание построено
// на каналах, без busy-wait.
type Completion struct {
	mu        sync.Mutex
	state     CompletionState
	completed chan struct{} // закрывается при выходе из StateConnecting
	closed    chan struct{} // закрывается при переходе в StateClosed
}

func NewCompletion() *Completion {
	return &Completion{
		completed: make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// Set переводит синхронизатор в новое состояние. Вызывается с горутин
// бэкенда; немонотонные переходы игнорируются, поэтому повторные и
// конкурирующие вызовы безопасны.
func (c *Completion) Set(state CompletionState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch state {
	case StateReady:
		if c.state != StateConnecting {
			return
		}

		c.state = StateReady
		close(c.completed)

	case StateClosed:
		if c.state == StateClosed {
			return
		}

		if c.state == StateConnecting {
			close(c.completed)
		}

		c.state = StateClosed
		close(c.closed)

	case StateConnecting:
		// начальное состояние, в него нельзя вернуться
	}
}

// WaitForCompletion блокирует вызывающую горутину, пока состояние не покинет
// StateConnecting либо не истечёт timeout. Возвращает true, если установка
// завершилась (неважно, успехом или закрытием). timeout <= 0 означает
// безусловное ожидание.
func (c *Completion) WaitForCompletion(timeout time.Duration) bool {
	if timeout <= 0 {
		<-c.completed
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.completed:
		return true
	case <-timer.C:
		return c.Completed()
	}
}

// WaitForClosed блокирует до терминального состояния. Используется при
// остановке, чтобы гарантировать, что ни один асинхронный callback уже
// не выполняется.
func (c *Completion) WaitForClosed() {
	<-c.closed
}

// State возвращает текущее состояние.
func (c *Completion) State() CompletionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Completed сообщает, покинуло ли состояние StateConnecting.
func (c *Completion) Completed() bool {
	return c.State() != StateConnecting
}

// Ready сообщает, успешна ли установка.
func (c *Completion) Ready() bool {
	return c.State() == StateReady
}

// Closed сообщает, достигнуто ли терминальное состояние.
func (c *Completion) Closed() bool {
	return c.State() == StateClosed
}
