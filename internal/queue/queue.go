package queue

import (
	"sync"

	"fwdmail/relay/internal/domain"
)

// Queue 是投递事件的无界并发队列。
//
// 多个监听协程并发入队，仅核算任务一个消费者出队。
// Drain 以快照方式一次取走当前全部事件，消费者无需加锁遍历。
type Queue struct {
	mu     sync.Mutex
	events []domain.DeliveryEvent
}

// New 创建一个空的事务队列。
func New() *Queue {
	return &Queue{}
}

// Enqueue 追加一个投递事件，可被任意多个协程并发调用。
func (q *Queue) Enqueue(event domain.DeliveryEvent) {
	q.mu.Lock()
	q.events = append(q.events, event)
	q.mu.Unlock()
}

// Drain 取走并返回当前队列中的全部事件。
//
// 返回的切片归调用方独占；Drain 之后入队的事件留待下次消费。
// 每个事件恰好被取走一次。
func (q *Queue) Drain() []domain.DeliveryEvent {
	q.mu.Lock()
	drained := q.events
	q.events = nil
	q.mu.Unlock()
	return drained
}

// Len 返回当前未消费的事件数量。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
