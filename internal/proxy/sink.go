package proxy

import (
	"io"
	"sync"
)

// streamState 描述响应能否开始写出：started 为 true 时已有字节待发送，
// 否则交付在写出任何字节之前就结束了（err 为 nil 表示空资产）。
type streamState struct {
	started bool
	err     error
}

// streamSink 通过 io.Pipe 把 AssetServer 的写入交给 fasthttp 的 body stream。
// Fiber handler 必须在 fasthttp 读取 body 之前返回，因此交付在独立 goroutine 中进行，
// handler 只等待 ready 决定返回错误码还是流式响应。
type streamSink struct {
	reader *io.PipeReader
	writer *io.PipeWriter

	size     int64
	filename string

	ready chan streamState
	once  sync.Once
}

func newStreamSink() *streamSink {
	pr, pw := io.Pipe()
	return &streamSink{
		reader: pr,
		writer: pw,
		ready:  make(chan streamState, 1),
	}
}

func (s *streamSink) Declare(size int64, filename string) error {
	s.size = size
	s.filename = filename
	return nil
}

func (s *streamSink) Write(p []byte) (int, error) {
	s.signal(streamState{started: true})
	return s.writer.Write(p)
}

// finish 结束写端；err 非空时客户端读取会失败，连接被中断而不是收到截断的 200。
func (s *streamSink) finish(err error) {
	if err != nil {
		s.writer.CloseWithError(err)
	} else {
		s.writer.Close()
	}
	s.signal(streamState{err: err})
}

func (s *streamSink) signal(state streamState) {
	s.once.Do(func() {
		s.ready <- state
	})
}
