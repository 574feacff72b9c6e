// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package paranet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/paranet/utils/logging"
)

// fakeChannelAdmin stands in for the relay chain's channel administration
// endpoint. acceptAfter is the number of status queries before a channel
// reports accepted; zero means it never does.
type fakeChannelAdmin struct {
	lock        sync.Mutex
	acceptAfter uint
	failOpenFor map[[2]uint32]error

	endpoint    string
	dialCount   int
	opened      []ChannelSpec
	statusCalls map[[2]uint32]uint
	closed      bool
}

func newFakeChannelAdmin(acceptAfter uint) *fakeChannelAdmin {
	return &fakeChannelAdmin{
		acceptAfter: acceptAfter,
		failOpenFor: make(map[[2]uint32]error),
		statusCalls: make(map[[2]uint32]uint),
	}
}

// dial returns a NewChannelAdmin implementation handing out this fake.
func (a *fakeChannelAdmin) dial() func(context.Context, string) (ChannelAdmin, error) {
	return func(_ context.Context, endpoint string) (ChannelAdmin, error) {
		a.lock.Lock()
		defer a.lock.Unlock()
		a.dialCount++
		a.endpoint = endpoint
		return a, nil
	}
}

func (a *fakeChannelAdmin) OpenChannel(_ context.Context, channel ChannelSpec) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if err := a.failOpenFor[[2]uint32{channel.Sender, channel.Recipient}]; err != nil {
		return err
	}
	a.opened = append(a.opened, channel)
	return nil
}

func (a *fakeChannelAdmin) ChannelStatus(_ context.Context, sender uint32, recipient uint32) (ChannelPhase, error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	key := [2]uint32{sender, recipient}
	a.statusCalls[key]++
	if a.acceptAfter > 0 && a.statusCalls[key] >= a.acceptAfter {
		return ChannelAccepted, nil
	}
	return ChannelRequested, nil
}

func (a *fakeChannelAdmin) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.closed = true
	return nil
}

// newChannelTestNetwork returns an unlaunched network carrying only what
// channel registration consumes.
func newChannelTestNetwork(channels []ChannelSpec, admin *fakeChannelAdmin) *Network {
	return &Network{
		Topology:            &Topology{HRMPChannels: channels},
		ChannelPollInterval: time.Millisecond,
		ChannelPollAttempts: 3,
		NewChannelAdmin:     admin.dial(),
	}
}

func TestRegisterChannelsAllAccepted(t *testing.T) {
	require := require.New(t)

	channels := []ChannelSpec{
		{Sender: 1000, Recipient: 2000, MaxCapacity: 8, MaxMessageSize: 1 << 20},
		{Sender: 2000, Recipient: 1000, MaxCapacity: 8, MaxMessageSize: 1 << 20},
	}
	admin := newFakeChannelAdmin(2)
	network := newChannelTestNetwork(channels, admin)

	err := network.registerChannels(context.Background(), logging.NoLog{}, nil)
	require.NoError(err)

	require.Equal([]ChannelRecord{
		{Sender: 1000, Recipient: 2000, Phase: ChannelAccepted},
		{Sender: 2000, Recipient: 1000, Phase: ChannelAccepted},
	}, network.Channels)
	require.Equal(channels, admin.opened)
	require.Equal(1, admin.dialCount)
	require.True(admin.closed)
}

func TestRegisterChannelExhaustsAttempts(t *testing.T) {
	require := require.New(t)

	channels := []ChannelSpec{
		{Sender: 1000, Recipient: 2000, MaxCapacity: 8, MaxMessageSize: 1 << 20},
	}
	admin := newFakeChannelAdmin(0)
	network := newChannelTestNetwork(channels, admin)

	err := network.registerChannels(context.Background(), logging.NoLog{}, nil)
	require.ErrorIs(err, ErrChannelNotAccepted)

	channelErr := &ChannelError{}
	require.ErrorAs(err, &channelErr)
	require.Equal(uint32(1000), channelErr.Sender)
	require.Equal(uint32(2000), channelErr.Recipient)

	require.Len(network.Channels, 1)
	require.Equal(ChannelRequested, network.Channels[0].Phase)
	require.Contains(network.Channels[0].Error, "not accepted")
	// The status query runs once per configured attempt.
	require.Equal(network.ChannelPollAttempts, admin.statusCalls[[2]uint32{1000, 2000}])
	require.True(admin.closed)
}

func TestRegisterChannelsSkipsFailedParachains(t *testing.T) {
	require := require.New(t)

	channels := []ChannelSpec{
		{Sender: 1000, Recipient: 2000, MaxCapacity: 8, MaxMessageSize: 1 << 20},
		{Sender: 2000, Recipient: 3000, MaxCapacity: 8, MaxMessageSize: 1 << 20},
		{Sender: 3000, Recipient: 1000, MaxCapacity: 8, MaxMessageSize: 1 << 20},
	}
	admin := newFakeChannelAdmin(1)
	network := newChannelTestNetwork(channels, admin)

	failed := map[uint32]error{2000: errors.New("collators never became ready")}
	err := network.registerChannels(context.Background(), logging.NoLog{}, failed)
	require.Error(err)

	require.Len(network.Channels, 3)
	require.Equal(ChannelNone, network.Channels[0].Phase)
	require.Contains(network.Channels[0].Error, "recipient parachain 2000 is not running")
	require.Equal(ChannelNone, network.Channels[1].Phase)
	require.Contains(network.Channels[1].Error, "sender parachain 2000 is not running")
	// The channel between healthy parachains still goes through.
	require.Equal(ChannelAccepted, network.Channels[2].Phase)
	require.Empty(network.Channels[2].Error)

	require.Equal([]ChannelSpec{channels[2]}, admin.opened)
	require.Equal(1, admin.dialCount)
}

func TestRegisterChannelsSkipsDialWhenNothingToAttempt(t *testing.T) {
	require := require.New(t)

	channels := []ChannelSpec{
		{Sender: 1000, Recipient: 2000, MaxCapacity: 8, MaxMessageSize: 1 << 20},
	}
	admin := newFakeChannelAdmin(1)
	network := newChannelTestNetwork(channels, admin)

	failed := map[uint32]error{1000: errors.New("collators never became ready")}
	err := network.registerChannels(context.Background(), logging.NoLog{}, failed)
	require.Error(err)

	require.Zero(admin.dialCount)
	require.False(admin.closed)
}

func TestRegisterChannelsDialFailure(t *testing.T) {
	require := require.New(t)

	channels := []ChannelSpec{
		{Sender: 1000, Recipient: 2000, MaxCapacity: 8, MaxMessageSize: 1 << 20},
		{Sender: 2000, Recipient: 1000, MaxCapacity: 8, MaxMessageSize: 1 << 20},
	}
	dials := 0
	network := &Network{
		Topology:            &Topology{HRMPChannels: channels},
		ChannelPollInterval: time.Millisecond,
		ChannelPollAttempts: 3,
		NewChannelAdmin: func(context.Context, string) (ChannelAdmin, error) {
			dials++
			return nil, errors.New("connection refused")
		},
	}

	err := network.registerChannels(context.Background(), logging.NoLog{}, nil)
	require.Error(err)

	// One dial failure is reported against every channel without redialing.
	require.Equal(1, dials)
	require.Len(network.Channels, 2)
	for _, record := range network.Channels {
		require.Equal(ChannelNone, record.Phase)
		require.Contains(record.Error, "failed to dial channel admin endpoint")
	}
}

func TestRegisterChannelsOpenFailure(t *testing.T) {
	require := require.New(t)

	channels := []ChannelSpec{
		{Sender: 1000, Recipient: 2000, MaxCapacity: 8, MaxMessageSize: 1 << 20},
		{Sender: 2000, Recipient: 1000, MaxCapacity: 8, MaxMessageSize: 1 << 20},
	}
	admin := newFakeChannelAdmin(1)
	admin.failOpenFor[[2]uint32{1000, 2000}] = errors.New("rpc error -32000: bad origin")
	network := newChannelTestNetwork(channels, admin)

	err := network.registerChannels(context.Background(), logging.NoLog{}, nil)
	require.Error(err)

	require.Len(network.Channels, 2)
	require.Equal(ChannelNone, network.Channels[0].Phase)
	require.Contains(network.Channels[0].Error, "failed to request channel open")
	require.Equal(ChannelAccepted, network.Channels[1].Phase)
	require.True(admin.closed)
}
