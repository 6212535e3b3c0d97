package detect

// window is a fixed-capacity FIFO buffer of float64 samples. Oldest samples
// are evicted once capacity is reached.
type window struct {
	data     []float64
	head     int
	size     int
	capacity int
}

func newWindow(capacity int) *window {
	if capacity < 1 {
		capacity = 1
	}
	return &window{
		data:     make([]float64, capacity),
		capacity: capacity,
	}
}

// push appends a sample, evicting the oldest when full.
func (w *window) push(v float64) {
	idx := (w.head + w.size) % w.capacity
	w.data[idx] = v
	if w.size < w.capacity {
		w.size++
	} else {
		w.head = (w.head + 1) % w.capacity
	}
}

// fill seeds the buffer from a slice, keeping at most capacity samples.
func (w *window) fill(values []float64) {
	for _, v := range values {
		w.push(v)
	}
}

// values returns all samples in chronological order.
func (w *window) values() []float64 {
	out := make([]float64, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.data[(w.head+i)%w.capacity]
	}
	return out
}

// tail returns the most recent n samples in chronological order.
func (w *window) tail(n int) []float64 {
	if n > w.size {
		n = w.size
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = w.data[(w.head+w.size-n+i)%w.capacity]
	}
	return out
}

func (w *window) len() int { return w.size }
