package connection

import (
	"fmt"
	"math"
	"sync"
)

// MaxTimeout is the largest millisecond timeout a connection can represent.
const MaxTimeout = math.MaxInt32

// MinPipeSpeed is the assumed named pipe throughput in bits per second when no
// network interface reports a faster speed.
const MinPipeSpeed = 10_000_000

func transferBits(numberOfBytes int64) (int64, error) {
	if numberOfBytes < 0 || numberOfBytes > math.MaxInt64/8 {
		return 0, fmt.Errorf("connection: %w: cannot estimate transfer of %d bytes", ErrOutOfRange, numberOfBytes)
	}
	return numberOfBytes * 8, nil
}

// estimateSerial returns ceil(bits / baudRate) * 1000.
func estimateSerial(numberOfBytes int64, baudRate int) (int, error) {
	bits, err := transferBits(numberOfBytes)
	if err != nil {
		return 0, err
	}
	if baudRate <= 0 {
		return 0, fmt.Errorf("connection: %w: baud rate %d", ErrOutOfRange, baudRate)
	}

	seconds := bits / int64(baudRate)
	if bits%int64(baudRate) != 0 {
		seconds++
	}
	if seconds > MaxTimeout/1000 {
		return 0, fmt.Errorf("connection: %w: transfer of %d bytes exceeds maximum timeout", ErrOutOfRange, numberOfBytes)
	}
	return int(seconds * 1000), nil
}

// estimateAtSpeed returns ceil(bits * 1000 / bitsPerSecond).
func estimateAtSpeed(numberOfBytes int64, bitsPerSecond int64) (int, error) {
	bits, err := transferBits(numberOfBytes)
	if err != nil {
		return 0, err
	}
	if bitsPerSecond <= 0 {
		return 0, fmt.Errorf("connection: %w: speed %d", ErrOutOfRange, bitsPerSecond)
	}

	// split to keep bits*1000 from overflowing:
	whole := bits / bitsPerSecond
	if whole > MaxTimeout/1000 {
		return 0, fmt.Errorf("connection: %w: transfer of %d bytes exceeds maximum timeout", ErrOutOfRange, numberOfBytes)
	}
	rem := (bits % bitsPerSecond) * 1000
	ms := whole*1000 + rem/bitsPerSecond
	if rem%bitsPerSecond != 0 {
		ms++
	}
	if ms > MaxTimeout {
		return 0, fmt.Errorf("connection: %w: transfer of %d bytes exceeds maximum timeout", ErrOutOfRange, numberOfBytes)
	}
	return int(ms), nil
}

var (
	pipeSpeedOnce sync.Once
	pipeSpeed     int64
)

// namedPipeSpeed is computed once for the lifetime of the process.
func namedPipeSpeed() int64 {
	pipeSpeedOnce.Do(func() {
		pipeSpeed = pipeSpeedFrom(slowestInterfaceSpeed())
	})
	return pipeSpeed
}

func pipeSpeedFrom(slowest int64) int64 {
	speed := slowest / 4
	if speed < MinPipeSpeed {
		speed = MinPipeSpeed
	}
	return speed
}
