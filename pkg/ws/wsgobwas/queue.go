package wsgobwas

import "sync"

// serialQueue - последовательная очередь событий на инстанс клиента/сервера.
// Все вызовы обработчиков проходят через неё, поэтому события одного
// соединения никогда не выполняются конкурентно; порядок постановки
// сохраняется.
type serialQueue struct {
	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
	}

	go q.run()

	return q
}

func (q *serialQueue) run() {
	defer close(q.done)

	for task := range q.tasks {
		task()
	}
}

// post ставит задачу в конец очереди. Вызывать после close нельзя:
// продюсеры должны остановиться до закрытия очереди.
func (q *serialQueue) post(task func()) {
	q.tasks <- task
}

// close дожидается, пока очередь опустеет, и останавливает её.
func (q *serialQueue) close() {
	q.closeOnce.Do(func() {
		close(q.tasks)
	})

	<-q.done
}
