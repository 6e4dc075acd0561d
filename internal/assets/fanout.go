package assets

import (
	"context"
	"errors"
	"io"
	"sync"
)

var errNoListeners = errors.New("no listeners left for asset flight")

// member 是一次回源的输出端。detach 或 finish 之后 leader 不再写入其 sink。
type member struct {
	mu      sync.Mutex
	sink    io.Writer
	written int64
	err     error
	closed  bool
	done    chan struct{}
}

func newMember(sink io.Writer) *member {
	return &member{sink: sink, done: make(chan struct{})}
}

func (m *member) write(p []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil || m.closed {
		return false
	}
	n, err := m.sink.Write(p)
	m.written += int64(n)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		m.err = sinkAborted(err)
		return false
	}
	return true
}

func (m *member) live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err == nil && !m.closed
}

func (m *member) detach(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil && !m.closed {
		m.err = err
	}
}

func (m *member) finish(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.err == nil {
		m.err = err
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)
}

func (m *member) result() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written, m.err
}

// fanout 把 leader 读到的字节同步写给所有成员：members[0] 为 leader 自己的 sink，
// 其余是首字节写出之前加入的 follower。首字节之后不再接纳新成员。
// 任一成员失败只会使其脱离；全部成员脱离后回源被取消。
type fanout struct {
	mu      sync.Mutex
	sealed  bool
	members []*member
	stop    context.CancelFunc
}

func newFanout(primary *member, stop context.CancelFunc) *fanout {
	return &fanout{members: []*member{primary}, stop: stop}
}

func (f *fanout) attach(sink io.Writer) (*member, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sealed {
		return nil, false
	}
	m := newMember(sink)
	f.members = append(f.members, m)
	return m, true
}

func (f *fanout) seal() []*member {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sealed = true
	return f.members
}

func (f *fanout) Write(p []byte) (int, error) {
	live := 0
	for _, m := range f.seal() {
		if m.write(p) {
			live++
		}
	}
	if live == 0 {
		_, err := f.members[0].result()
		if err == nil {
			err = errNoListeners
		}
		return 0, err
	}
	return len(p), nil
}

// release 在成员脱离后调用；没有存活成员时封闭 fanout 并取消回源。
func (f *fanout) release() {
	f.mu.Lock()
	for _, m := range f.members {
		if m.live() {
			f.mu.Unlock()
			return
		}
	}
	f.sealed = true
	f.mu.Unlock()
	f.stop()
}

func (f *fanout) finish(err error) {
	for _, m := range f.seal() {
		m.finish(err)
	}
}
