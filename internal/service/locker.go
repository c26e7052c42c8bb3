// Package service 提供业务逻辑层的实现
package service

import (
	"context"
	"sync"
)

// Locker 按对话加锁
// 同一对话的"读取最大序号 + 写入消息"必须串行执行
// Lock 返回的 unlock 可以重复调用
type Locker interface {
	Lock(ctx context.Context, conversationID int64) (unlock func(), err error)
}

// KeyedMutex 进程内的按对话互斥锁
// 不同对话之间互不阻塞，没有等待者的锁会被回收
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex 创建 KeyedMutex 实例
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[int64]*keyedLock)}
}

// Lock 获取对话锁，ctx 取消时放弃等待
func (m *KeyedMutex) Lock(ctx context.Context, conversationID int64) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[conversationID]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		m.locks[conversationID] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(conversationID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.release(conversationID, l)
		})
	}, nil
}

func (m *KeyedMutex) release(conversationID int64, l *keyedLock) {
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, conversationID)
	}
	m.mu.Unlock()
}

// size 返回当前持有或等待中的锁数量
func (m *KeyedMutex) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// ChainLocker 依次获取多把锁，释放时逆序
// 典型用法是进程内锁在前、Redis 分布式锁在后，同进程的竞争不会打到 Redis
type ChainLocker []Locker

// Lock 实现 Locker
func (c ChainLocker) Lock(ctx context.Context, conversationID int64) (func(), error) {
	unlocks := make([]func(), 0, len(c))
	unlockAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		unlock, err := l.Lock(ctx, conversationID)
		if err != nil {
			unlockAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	var once sync.Once
	return func() { once.Do(unlockAll) }, nil
}
