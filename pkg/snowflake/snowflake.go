// Package snowflake generates the opaque, time-sortable int64 ids used
// for projects, mappings and corrections. Layout is the classic
// 41-bit millisecond timestamp, 10-bit worker id, 12-bit sequence.
package snowflake

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

const (
	// epoch: 2025-01-01 00:00:00 UTC
	epoch int64 = 1735689600000

	workerIDBits = 10
	sequenceBits = 12

	maxWorkerID = (1 << workerIDBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	timestampShift = workerIDBits + sequenceBits
	workerIDShift  = sequenceBits
)

var (
	ErrInvalidWorkerID = errors.New("worker ID must be between 0 and 1023")
	ErrClockMovedBack  = errors.New("clock moved backwards")
)

// Generator hands out unique ids for one worker.
type Generator struct {
	mu       sync.Mutex
	workerID int64
	sequence int64
	lastTime int64
}

func NewGenerator(workerID int64) (*Generator, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, ErrInvalidWorkerID
	}
	return &Generator{workerID: workerID}, nil
}

// NewGeneratorFromString derives a worker id by hashing an arbitrary
// worker name, so config can pass hostname-pid strings directly.
func NewGeneratorFromString(workerName string) *Generator {
	h := fnv.New32a()
	h.Write([]byte(workerName))
	g, _ := NewGenerator(int64(h.Sum32()) & maxWorkerID)
	return g
}

func (g *Generator) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < g.lastTime {
		return 0, ErrClockMovedBack
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for now <= g.lastTime {
				time.Sleep(100 * time.Microsecond)
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = now

	return ((now - epoch) << timestampShift) |
		(g.workerID << workerIDShift) |
		g.sequence, nil
}

func (g *Generator) MustGenerate() int64 {
	id, err := g.Generate()
	if err != nil {
		panic(err)
	}
	return id
}

// Timestamp recovers the creation time embedded in an id.
func Timestamp(id int64) time.Time {
	return time.UnixMilli((id >> timestampShift) + epoch)
}
