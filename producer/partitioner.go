package producer

import (
	"sync"
)

// murmur2 is the hash the Java client's default partitioner applies to
// record keys.
func murmur2(data []byte) int32 {
	const (
		seed uint32 = 0x9747b28c
		m    uint32 = 0x5bd1e995
		r           = 24
	)
	length := len(data)
	h := seed ^ uint32(length)
	for i := 0; i+4 <= length; i += 4 {
		k := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		k *= m
		k ^= k >> r
		k *= m
		h *= m
		h ^= k
	}
	tail := length &^ 3
	switch length % 4 {
	case 3:
		h ^= uint32(data[tail+2]) << 16
		fallthrough
	case 2:
		h ^= uint32(data[tail+1]) << 8
		fallthrough
	case 1:
		h ^= uint32(data[tail])
		h *= m
	}
	h ^= h >> 13
	h *= m
	h ^= h >> 15
	return int32(h)
}

// KeyPartition returns the partition for key among n partitions, the same one
// the Java client picks.
func KeyPartition(key []byte, n int) int32 {
	return int32(int(murmur2(key)&0x7fffffff) % n)
}

// partitioner picks partitions for records with no explicit partition: by key
// hash, or round robin per topic for records without a key.
type partitioner struct {
	mu   sync.Mutex
	next map[string]int
}

func newPartitioner() *partitioner {
	return &partitioner{next: make(map[string]int)}
}

// partition picks one of partitions (sorted ids, not empty).
func (p *partitioner) partition(topic string, key []byte, partitions []int32) int32 {
	if key != nil {
		return partitions[KeyPartition(key, len(partitions))]
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.next[topic] % len(partitions)
	p.next[topic] = i + 1
	return partitions[i]
}
