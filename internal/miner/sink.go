package miner

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/rs/zerolog"
)

// Share is a nonce found for a work unit, ready for submission to a pool.
type Share struct {
	Job    string
	Nonce2 uint64
	NTime  uint32
	Nonce  uint32
	// Hash is zero when host verification is disabled.
	Hash   chainhash.Hash
	Device int
}

// ShareSink consumes shares. The pool protocol implements it.
type ShareSink interface {
	Submit(ctx context.Context, s Share) error
}

// LogSink logs every share and accepts it.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink { return &LogSink{log: log} }

func (s *LogSink) Submit(_ context.Context, sh Share) error {
	s.log.Info().
		Str("job", sh.Job).
		Uint64("nonce2", sh.Nonce2).
		Uint32("ntime", sh.NTime).
		Uint32("nonce", sh.Nonce).
		Str("hash", sh.Hash.String()).
		Int("device", sh.Device).
		Msg("share found")
	return nil
}
