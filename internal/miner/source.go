package miner

import (
	"context"

	"github.com/bardlex/gompminer/internal/stratum"
	"github.com/bardlex/gompminer/pkg/errors"
)

// ShareSource hands the tx pump one share per tick
type ShareSource interface {
	Next(ctx context.Context) (stratum.Share, error)
}

// PlaceholderSource yields the same synthetic share forever. It stands in for
// the ASIC result collector.
type PlaceholderSource struct{}

// Next returns job 01, extranonce2 00000001, a fixed ntime and nonce 0
func (PlaceholderSource) Next(context.Context) (stratum.Share, error) {
	return stratum.Share{
		JobID:       "01",
		ExtraNonce2: []byte{0x00, 0x00, 0x00, 0x01},
		NTime:       1722789905,
		Nonce:       0,
	}, nil
}

// ErrSourceClosed is returned once a ChannelSource's channel is closed
var ErrSourceClosed = errors.New(errors.ErrorTypeInternal, "share_source", "share source closed")

// ChannelSource hands out shares produced by an external collector. Each share
// is received, and therefore submitted, exactly once.
type ChannelSource struct {
	shares <-chan stratum.Share
}

// NewChannelSource wraps a share channel
func NewChannelSource(shares <-chan stratum.Share) *ChannelSource {
	return &ChannelSource{shares: shares}
}

// Next blocks until a share is available
func (s *ChannelSource) Next(ctx context.Context) (stratum.Share, error) {
	select {
	case share, ok := <-s.shares:
		if !ok {
			return stratum.Share{}, ErrSourceClosed
		}
		return share, nil
	case <-ctx.Done():
		return stratum.Share{}, ctx.Err()
	}
}
