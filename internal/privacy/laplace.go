package privacy

import (
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"
	"math"
	mathrand "math/rand"
	"time"
)

// NoiseSource draws Laplace noise for the central-DP aggregation path. The
// reducer takes this as an interface so tests can substitute a deterministic
// or zero source.
type NoiseSource interface {
	// Laplace returns one draw from Laplace(0, scale).
	Laplace(scale float64) float64
}

// CryptoSource draws from crypto/rand. This is the production source: noise
// protecting published aggregates must not be predictable.
type CryptoSource struct{}

func (CryptoSource) Laplace(scale float64) float64 {
	return laplaceFromUniform(cryptoUniform(), scale)
}

// cryptoUniform returns a uniform float64 in [0, 1) with 53 random bits.
func cryptoUniform() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failure means the process cannot produce safe noise.
		panic("privacy: crypto/rand unavailable: " + err.Error())
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

// SeededSource draws from a deterministic stream. Only for replay and tests;
// never used for published aggregates.
type SeededSource struct {
	rng *mathrand.Rand
}

// NewSeededSource returns a deterministic noise source for the given seed.
func NewSeededSource(seed int64) *SeededSource {
	return &SeededSource{rng: mathrand.New(mathrand.NewSource(seed))}
}

func (s *SeededSource) Laplace(scale float64) float64 {
	return laplaceFromUniform(s.rng.Float64(), scale)
}

// ZeroSource emits no noise. Test-only: makes reducer output exact.
type ZeroSource struct{}

func (ZeroSource) Laplace(scale float64) float64 { return 0 }

// BucketSource derives an independent noise stream per aggregation bucket.
// The reducer checks for this interface; a source implementing it has its
// draws keyed to the bucket identity, so replaying one bucket reproduces
// its noise no matter what else the run contains.
type BucketSource interface {
	ForBucket(siteID, metric string, windowStart time.Time) NoiseSource
}

// ReplaySource is the deterministic BucketSource for replay runs and tests.
// Production always uses CryptoSource.
type ReplaySource struct{}

// Laplace draws from a fixed stream. Only reached when a caller ignores
// ForBucket; still deterministic.
func (ReplaySource) Laplace(scale float64) float64 {
	return NewSeededSource(0).Laplace(scale)
}

func (ReplaySource) ForBucket(siteID, metric string, windowStart time.Time) NoiseSource {
	return NewSeededSource(BucketSeed(siteID, metric, windowStart))
}

// BucketSeed derives a stable seed from a bucket identity.
func BucketSeed(siteID, metric string, windowStart time.Time) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(siteID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(metric))
	_, _ = h.Write([]byte{0})
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(windowStart.UTC().Unix()))
	_, _ = h.Write(ts[:])
	return int64(h.Sum64())
}

// laplaceFromUniform maps u ∈ [0,1) through the inverse Laplace CDF.
func laplaceFromUniform(u, scale float64) float64 {
	v := u - 0.5
	// Keep |v| strictly below 0.5 so the log argument stays positive.
	if v >= 0.5 {
		v = math.Nextafter(0.5, 0)
	}
	if v <= -0.5 {
		v = math.Nextafter(-0.5, 0)
	}
	if v >= 0 {
		return -scale * math.Log(1.0-2.0*v)
	}
	return scale * math.Log(1.0+2.0*v)
}
