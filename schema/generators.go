package schema

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// GenerateFunc produces a key value in process, without a database round trip.
type GenerateFunc func() (any, error)

var generators = struct {
	sync.RWMutex
	byName map[string]GenerateFunc
}{byName: map[string]GenerateFunc{
	"uuid":      newUUID,
	"ulid":      newULIDSource().next,
	"snowflake": NewSnowflakeGenerator(1).Generate,
	"nanoid":    nanoID(21, nanoAlphabet),
}}

// RegisterGenerator makes fn available to select keys under name, replacing
// any generator already registered there.
func RegisterGenerator(name string, fn GenerateFunc) {
	generators.Lock()
	defer generators.Unlock()
	generators.byName[name] = fn
}

// GenerateID runs the generator registered under name.
func GenerateID(name string) (any, error) {
	generators.RLock()
	fn, ok := generators.byName[name]
	generators.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown generator type: %s", name)
	}
	return fn()
}

func newUUID() (any, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate UUID: %w", err)
	}
	return id, nil
}

// ulidSource hands out monotonic ULIDs; the entropy source is not safe for
// concurrent use.
type ulidSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newULIDSource() *ulidSource {
	return &ulidSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *ulidSource) next() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), s.entropy)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ULID: %w", err)
	}
	return id, nil
}

var snowflakeEpoch = uint64(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli())

// SnowflakeGenerator generates int64 ids ordered by time:
// 41 bits of milliseconds, 10 bits of machine id, 12 bits of sequence.
type SnowflakeGenerator struct {
	mu       sync.Mutex
	machine  uint64
	sequence uint64
	last     uint64
}

func NewSnowflakeGenerator(machineID uint64) *SnowflakeGenerator {
	return &SnowflakeGenerator{machine: machineID & 0x3FF}
}

func (g *SnowflakeGenerator) Generate() (any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := uint64(time.Now().UnixMilli())
	switch {
	case now < g.last:
		return nil, fmt.Errorf("clock moved backwards")
	case now == g.last:
		g.sequence = (g.sequence + 1) & 0xFFF
		for g.sequence == 0 && now <= g.last {
			now = uint64(time.Now().UnixMilli())
		}
	default:
		g.sequence = 0
	}
	g.last = now
	return int64((now-snowflakeEpoch)<<22 | g.machine<<12 | g.sequence), nil
}

const nanoAlphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// nanoID returns a generator of random size-character strings over alphabet.
func nanoID(size int, alphabet string) GenerateFunc {
	return func() (any, error) {
		buf := make([]byte, size)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate random bytes: %w", err)
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf), nil
	}
}
