// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package paranet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ava-labs/paranet/utils/logging"
)

var ErrChannelNotAccepted = errors.New("channel was not accepted on chain")

// ChannelError scopes a registration failure to a single declared channel.
type ChannelError struct {
	Sender    uint32
	Recipient uint32
	Err       error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %d -> %d: %s", e.Sender, e.Recipient, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// ChannelRecord is the persisted outcome of one channel registration.
type ChannelRecord struct {
	Sender    uint32       `json:"sender"`
	Recipient uint32       `json:"recipient"`
	Phase     ChannelPhase `json:"phase"`
	Error     string       `json:"error,omitempty"`
}

// registerChannels registers every declared channel against the relay chain
// in declaration order. Channels with an endpoint on a parachain that failed
// to start are recorded as failed without an admin call. One channel failing
// does not block the remaining channels; failures are aggregated into the
// returned error and every outcome is recorded on the network.
func (n *Network) registerChannels(ctx context.Context, log logging.Logger, failedParas map[uint32]error) error {
	channels := n.Topology.HRMPChannels
	n.Channels = make([]ChannelRecord, 0, len(channels))
	if len(channels) == 0 {
		return nil
	}

	var (
		admin   ChannelAdmin
		dialErr error
		errs    []error
	)
	for _, spec := range channels {
		record := ChannelRecord{
			Sender:    spec.Sender,
			Recipient: spec.Recipient,
			Phase:     ChannelNone,
		}

		if err := channelEndpointsRunning(spec, failedParas); err != nil {
			record.Error = err.Error()
			n.Channels = append(n.Channels, record)
			errs = append(errs, &ChannelError{Sender: spec.Sender, Recipient: spec.Recipient, Err: err})
			continue
		}

		// The admin connection is dialed once and shared by every channel
		// that can be attempted.
		if admin == nil && dialErr == nil {
			admin, dialErr = n.NewChannelAdmin(ctx, n.RelayWSEndpoint())
			if dialErr != nil {
				dialErr = fmt.Errorf("failed to dial channel admin endpoint: %w", dialErr)
			}
		}
		if dialErr != nil {
			record.Error = dialErr.Error()
			n.Channels = append(n.Channels, record)
			errs = append(errs, &ChannelError{Sender: spec.Sender, Recipient: spec.Recipient, Err: dialErr})
			continue
		}

		phase, err := n.registerChannel(ctx, log, admin, spec)
		record.Phase = phase
		if err != nil {
			record.Error = err.Error()
			errs = append(errs, &ChannelError{Sender: spec.Sender, Recipient: spec.Recipient, Err: err})
			log.Error("channel registration failed",
				zap.Uint32("sender", spec.Sender),
				zap.Uint32("recipient", spec.Recipient),
				zap.Error(err),
			)
		} else {
			log.Info("channel accepted",
				zap.Uint32("sender", spec.Sender),
				zap.Uint32("recipient", spec.Recipient),
				zap.Uint32("maxCapacity", spec.MaxCapacity),
				zap.Uint32("maxMessageSize", spec.MaxMessageSize),
			)
		}
		n.Channels = append(n.Channels, record)
	}

	if admin != nil {
		if err := admin.Close(); err != nil {
			log.Warn("failed to close channel admin connection", zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

// registerChannel requests a channel open and polls its on-chain status
// until it reports accepted or the configured attempts are exhausted.
func (n *Network) registerChannel(ctx context.Context, log logging.Logger, admin ChannelAdmin, spec ChannelSpec) (ChannelPhase, error) {
	if err := admin.OpenChannel(ctx, spec); err != nil {
		return ChannelNone, fmt.Errorf("failed to request channel open: %w", err)
	}

	ticker := time.NewTicker(n.ChannelPollInterval)
	defer ticker.Stop()

	phase := ChannelRequested
	for attempt := uint(1); ; attempt++ {
		current, err := admin.ChannelStatus(ctx, spec.Sender, spec.Recipient)
		switch {
		case err != nil && ctx.Err() != nil:
			return phase, ctx.Err()
		case err != nil:
			log.Verbo("channel status query failed",
				zap.Uint32("sender", spec.Sender),
				zap.Uint32("recipient", spec.Recipient),
				zap.Error(err),
			)
		default:
			phase = current
		}
		if phase == ChannelAccepted {
			return phase, nil
		}
		if attempt >= n.ChannelPollAttempts {
			return phase, fmt.Errorf("%w after %d attempts", ErrChannelNotAccepted, n.ChannelPollAttempts)
		}

		select {
		case <-ctx.Done():
			return phase, ctx.Err()
		case <-ticker.C:
		}
	}
}

// channelEndpointsRunning reports an error naming each endpoint of the
// channel that belongs to a parachain that failed to start.
func channelEndpointsRunning(spec ChannelSpec, failedParas map[uint32]error) error {
	var errs []error
	if _, ok := failedParas[spec.Sender]; ok {
		errs = append(errs, fmt.Errorf("sender parachain %d is not running", spec.Sender))
	}
	if _, ok := failedParas[spec.Recipient]; ok {
		errs = append(errs, fmt.Errorf("recipient parachain %d is not running", spec.Recipient))
	}
	return errors.Join(errs...)
}
