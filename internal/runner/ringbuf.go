package runner

import "sync"

// defaultTailBytes stderr 尾部缓冲默认容量。
const defaultTailBytes = 64 * 1024

// RingBuffer 字节环形缓冲区, 只保留最近 limit 字节。
type RingBuffer struct {
	mu    sync.Mutex
	data  []byte
	limit int
}

// NewRingBuffer 创建容量为 limitBytes 的缓冲区; limitBytes<=0 时使用默认值。
func NewRingBuffer(limitBytes int) *RingBuffer {
	if limitBytes <= 0 {
		limitBytes = defaultTailBytes
	}
	return &RingBuffer{
		data:  make([]byte, 0, min(limitBytes, 4096)),
		limit: limitBytes,
	}
}

// Write 追加数据, 超出容量则丢弃最旧的字节。
func (rb *RingBuffer) Write(p []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data = append(rb.data, p...)
	if len(rb.data) > rb.limit {
		excess := len(rb.data) - rb.limit
		// 左移截断, 复用底层数组
		n := copy(rb.data, rb.data[excess:])
		rb.data = rb.data[:n]
	}
}

// WriteLine 追加一行 (自动补换行)。
func (rb *RingBuffer) WriteLine(line string) {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	rb.Write(buf)
}

// Bytes 返回缓冲区内容的副本。
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, len(rb.data))
	copy(out, rb.data)
	return out
}

// String 返回缓冲区内容。
func (rb *RingBuffer) String() string {
	return string(rb.Bytes())
}

// Len 当前字节数。
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.data)
}

// Reset 清空缓冲区。
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.data = rb.data[:0]
}
