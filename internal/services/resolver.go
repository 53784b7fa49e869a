package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"

	"pi-plinko-backend/internal/config"
	"pi-plinko-backend/internal/models"
)

const (
	// floatBits is the width of the uniform draw taken from the round digest.
	floatBits  = 52
	floatSpace = uint64(1) << floatBits

	PathLeft  = "L"
	PathRight = "R"
)

type Bin struct {
	Multiplier decimal.Decimal `json:"multiplier"`
	Weight     decimal.Decimal `json:"weight"`
}

// Paytable is a fixed set of bins whose weights sum to exactly 1.
type Paytable struct {
	Name       string `json:"name"`
	Bins       []Bin  `json:"bins"`
	thresholds []uint64
}

func NewPaytable(name string, multipliers, weights []decimal.Decimal) (*Paytable, error) {
	if len(multipliers) != len(weights) {
		return nil, &ValidationError{Field: "paytable", Reason: "multipliers and weights differ in length"}
	}
	if len(multipliers) < 2 {
		return nil, &ValidationError{Field: "paytable", Reason: "at least two bins are required"}
	}

	p := &Paytable{
		Name:       name,
		Bins:       make([]Bin, len(multipliers)),
		thresholds: make([]uint64, len(multipliers)),
	}

	space := decimal.NewFromInt(int64(floatSpace))
	cumulative := decimal.Zero
	for i := range multipliers {
		if multipliers[i].IsNegative() {
			return nil, &ValidationError{Field: "paytable", Reason: fmt.Sprintf("bin %d has a negative multiplier", i)}
		}
		if weights[i].IsNegative() {
			return nil, &ValidationError{Field: "paytable", Reason: fmt.Sprintf("bin %d has a negative weight", i)}
		}
		cumulative = cumulative.Add(weights[i])
		p.Bins[i] = Bin{Multiplier: multipliers[i], Weight: weights[i]}
		p.thresholds[i] = uint64(cumulative.Mul(space).Floor().IntPart())
	}

	if !cumulative.Equal(decimal.NewFromInt(1)) {
		return nil, &ValidationError{Field: "paytable", Reason: fmt.Sprintf("weights sum to %s, expected 1", cumulative.String())}
	}

	return p, nil
}

func PaytableFromConfig(cfg *config.PaytableConfig) (*Paytable, error) {
	multipliers, weights, err := cfg.Decimals()
	if err != nil {
		return nil, &ValidationError{Field: "paytable", Reason: err.Error()}
	}
	return NewPaytable(cfg.Name, multipliers, weights)
}

func DefaultPaytable() *Paytable {
	p, err := PaytableFromConfig(config.DefaultPaytable())
	if err != nil {
		panic(err)
	}
	return p
}

// Rows is the number of peg rows of a board whose bins are reachable by right-move count.
func (p *Paytable) Rows() int {
	return len(p.Bins) - 1
}

func (p *Paytable) WeightSum() decimal.Decimal {
	sum := decimal.Zero
	for _, b := range p.Bins {
		sum = sum.Add(b.Weight)
	}
	return sum
}

// RTP is the expected payout per unit staked, Σ weight × multiplier.
func (p *Paytable) RTP() decimal.Decimal {
	rtp := decimal.Zero
	for _, b := range p.Bins {
		rtp = rtp.Add(b.Weight.Mul(b.Multiplier))
	}
	return rtp
}

func (p *Paytable) HouseEdge() decimal.Decimal {
	return decimal.NewFromInt(1).Sub(p.RTP())
}

// Pick returns the bin whose probability interval contains u, u in [0, 2^52).
func (p *Paytable) Pick(u uint64) int {
	for i, t := range p.thresholds {
		if u < t {
			return i
		}
	}
	return len(p.thresholds) - 1
}

// Resolver maps round inputs to a payout bin. It holds no mutable state.
type Resolver struct {
	paytable *Paytable
}

func NewResolver(paytable *Paytable) *Resolver {
	return &Resolver{paytable: paytable}
}

func (r *Resolver) Paytable() *Paytable {
	return r.paytable
}

// RoundDigest is HMAC-SHA256(secret, "clientSeed:nonce:roundID").
func RoundDigest(secret string, in models.RoundInput) []byte {
	message := fmt.Sprintf("%s:%d:%s", in.ClientSeed, in.Nonce, in.RoundID)
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return h.Sum(nil)
}

// Resolve is a pure function of (secret, input): same arguments, same outcome, on any machine.
func (r *Resolver) Resolve(secret string, in models.RoundInput) (models.Outcome, error) {
	if secret == "" {
		return models.Outcome{}, &ValidationError{Field: "secret", Reason: "empty seed secret"}
	}
	if in.RoundID == "" {
		return models.Outcome{}, &ValidationError{Field: "round_id", Reason: "required"}
	}

	digest := RoundDigest(secret, in)
	u := binary.BigEndian.Uint64(digest[:8]) >> (64 - floatBits)
	bin := r.paytable.Pick(u)

	return models.Outcome{
		Bin:        bin,
		Multiplier: r.paytable.Bins[bin].Multiplier,
		Float:      float64(u) / float64(floatSpace),
		Digest:     hex.EncodeToString(digest),
		Path:       Path(digest, bin, r.paytable.Rows()),
	}, nil
}

// ResolveSeed refuses to open new rounds against a seed that is no longer active.
func (r *Resolver) ResolveSeed(seed *models.Seed, in models.RoundInput) (models.Outcome, error) {
	const op = "services.Resolver.ResolveSeed"

	if seed == nil {
		return models.Outcome{}, &ValidationError{Field: "seed", Reason: "required"}
	}
	if !seed.IsActive() {
		return models.Outcome{}, &StateError{Op: op, Reason: fmt.Sprintf("seed %s is %s", seed.ID, seed.Status)}
	}
	return r.Resolve(seed.Secret, in)
}

// Path lays out a peg trajectory ending in bin: exactly bin right moves out of rows,
// ordered by a shuffle driven by the digest bytes after the ones used for the bin.
func Path(digest []byte, bin, rows int) []string {
	if rows <= 0 {
		return []string{}
	}
	if bin < 0 {
		bin = 0
	}
	if bin > rows {
		bin = rows
	}

	moves := make([]string, rows)
	for i := range moves {
		if i < bin {
			moves[i] = PathRight
		} else {
			moves[i] = PathLeft
		}
	}

	stream := newByteStream(digest[8:])
	for i := rows - 1; i > 0; i-- {
		j := int(stream.next()) % (i + 1)
		moves[i], moves[j] = moves[j], moves[i]
	}

	return moves
}

// byteStream extends a seed buffer by chained SHA-256 once exhausted.
type byteStream struct {
	buf []byte
	pos int
}

func newByteStream(seed []byte) *byteStream {
	buf := make([]byte, len(seed))
	copy(buf, seed)
	return &byteStream{buf: buf}
}

func (s *byteStream) next() byte {
	if s.pos >= len(s.buf) {
		sum := sha256.Sum256(s.buf)
		s.buf = sum[:]
		s.pos = 0
	}
	b := s.buf[s.pos]
	s.pos++
	return b
}
