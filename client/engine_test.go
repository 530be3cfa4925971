package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/leasenet/message"
	"github.com/opd-ai/leasenet/metrics"
	"github.com/opd-ai/leasenet/server"
	"github.com/opd-ai/leasenet/transport/simchan"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func newTestEngine(t *testing.T) (*Engine, *simchan.Channel, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	ch := simchan.New()
	cfg := DefaultConfig()
	cfg.Name = t.Name()
	cfg.Clock = mock
	e, err := New(ch, cfg)
	require.NoError(t, err)
	t.Cleanup(e.cancelTimers)
	return e, ch, mock
}

func offerFor(tid1, tid2, ip string) *message.Message {
	return message.NewOffer(message.Unassigned, tid1, tid2, ip)
}

func waitState(t *testing.T, e *Engine, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Status().State == s }, waitFor, tick,
		"expected state %s, have %s", s, e.Status().State)
}

func lastSent(t *testing.T, ch *simchan.Channel, typ message.Type) *message.Message {
	t.Helper()
	msgs := ch.SentOfType(typ)
	require.NotEmpty(t, msgs, "no %s sent", typ)
	return msgs[len(msgs)-1]
}

// bind drives e to BOUND through a single offer for ip.
func bind(t *testing.T, e *Engine, ch *simchan.Channel, mock *clock.Mock, ip string) (tid1, tid2 string) {
	t.Helper()
	require.NoError(t, e.RequestAddress())
	tid1 = e.Status().TID1
	tid2 = "srv00001"
	e.Handle(offerFor(tid1, tid2, ip))

	mock.Add(5 * time.Second)
	waitState(t, e, StateRequesting)

	e.Handle(message.NewAck(message.Unassigned, tid1, tid2, ip))
	require.Equal(t, StateBound, e.Status().State)
	return tid1, tid2
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.SelectionWindow = 0
	_, err = New(simchan.New(), cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.NotNeededSpacing = -time.Second
	_, err = New(simchan.New(), cfg)
	assert.Error(t, err)
}

func TestRequestAddressSendsDiscover(t *testing.T) {
	e, ch, _ := newTestEngine(t)

	require.NoError(t, e.RequestAddress())

	st := e.Status()
	assert.Equal(t, StateDiscovering, st.State)
	assert.True(t, message.ValidTID(st.TID1))

	disc := lastSent(t, ch, message.TypeDiscover)
	assert.Equal(t, st.TID1, disc.TID1())
	assert.Equal(t, message.Unassigned, disc.CurrentIP())
	_, hasTID2 := disc.TID2()
	assert.False(t, hasTID2)
}

func TestTwoOfferSelection(t *testing.T) {
	e, ch, mock := newTestEngine(t)
	require.NoError(t, e.RequestAddress())
	tid1 := e.Status().TID1

	offers := map[string]string{
		"AAAA1111": "192.168.1.2",
		"BBBB2222": "192.168.2.2",
	}
	e.Handle(offerFor(tid1, "AAAA1111", offers["AAAA1111"]))
	e.Handle(offerFor(tid1, "BBBB2222", offers["BBBB2222"]))
	assert.Equal(t, 2, e.Status().PendingOffers)

	mock.Add(5 * time.Second)
	waitState(t, e, StateRequesting)

	req := lastSent(t, ch, message.TypeRequest)
	chosen, _ := req.TID2()
	require.Contains(t, offers, chosen)
	ip, _ := req.OfferingIP()
	assert.Equal(t, offers[chosen], ip)
	assert.Equal(t, tid1, req.TID1())
	assert.Zero(t, e.Status().PendingOffers)

	// The decline is spaced after the REQUEST.
	assert.Empty(t, ch.SentOfType(message.TypeNotNeeded))
	mock.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		return len(ch.SentOfType(message.TypeNotNeeded)) == 1
	}, waitFor, tick)

	nn := lastSent(t, ch, message.TypeNotNeeded)
	declined, _ := nn.TID2()
	assert.NotEqual(t, chosen, declined)
	declinedIP, _ := nn.OfferingIP()
	assert.Equal(t, offers[declined], declinedIP)

	e.Handle(message.NewAck(message.Unassigned, tid1, chosen, offers[chosen]))
	st := e.Status()
	assert.Equal(t, StateBound, st.State)
	assert.Equal(t, offers[chosen], st.CurrentIP)
	assert.Equal(t, 200*time.Second, st.LeaseRemaining)
}

func TestNoOffersReturnsToUnbound(t *testing.T) {
	e, ch, mock := newTestEngine(t)
	noOffers := metrics.ClientEvents.WithLabelValues("no_offers")
	before := testutil.ToFloat64(noOffers)

	require.NoError(t, e.RequestAddress())
	mock.Add(5 * time.Second)

	waitState(t, e, StateUnbound)
	assert.Empty(t, e.Status().TID1)
	assert.Empty(t, ch.SentOfType(message.TypeRequest))
	assert.Equal(t, before+1, testutil.ToFloat64(noOffers))
}

func TestAckBindsOnlyOnce(t *testing.T) {
	e, ch, mock := newTestEngine(t)
	bound := metrics.ClientEvents.WithLabelValues("bound")
	before := testutil.ToFloat64(bound)

	tid1, tid2 := bind(t, e, ch, mock, "192.168.1.2")
	e.Handle(message.NewAck(message.Unassigned, tid1, tid2, "192.168.1.2"))

	assert.Equal(t, before+1, testutil.ToFloat64(bound))
	assert.Equal(t, StateBound, e.Status().State)
}

func TestAckForOtherTransactionIgnored(t *testing.T) {
	e, _, mock := newTestEngine(t)
	require.NoError(t, e.RequestAddress())
	tid1 := e.Status().TID1
	e.Handle(offerFor(tid1, "AAAA1111", "192.168.1.2"))
	mock.Add(5 * time.Second)
	waitState(t, e, StateRequesting)

	e.Handle(message.NewAck(message.Unassigned, tid1, "ZZZZ9999", "192.168.9.9"))
	e.Handle(message.NewAck(message.Unassigned, "other001", "AAAA1111", "192.168.1.2"))

	st := e.Status()
	assert.Equal(t, StateRequesting, st.State)
	assert.Equal(t, message.Unassigned, st.CurrentIP)
}

func TestRequestAddressWhileBoundIsNoop(t *testing.T) {
	e, ch, mock := newTestEngine(t)
	tid1, _ := bind(t, e, ch, mock, "192.168.1.2")

	require.NoError(t, e.RequestAddress())

	assert.Len(t, ch.SentOfType(message.TypeDiscover), 1)
	assert.Equal(t, tid1, e.Status().TID1)
}

func TestReleaseKeepsAddressUntilCloseAck(t *testing.T) {
	e, ch, mock := newTestEngine(t)
	tid1, tid2 := bind(t, e, ch, mock, "192.168.1.2")

	require.NoError(t, e.ReleaseAddress())
	rel := lastSent(t, ch, message.TypeRelease)
	assert.Equal(t, "192.168.1.2", rel.CurrentIP())
	got, _ := rel.TID2()
	assert.Equal(t, tid2, got)

	st := e.Status()
	assert.Equal(t, StateReleasing, st.State)
	assert.Equal(t, "192.168.1.2", st.CurrentIP)

	e.Handle(message.NewCloseAck(message.Unassigned, tid1, "ZZZZ9999"))
	assert.Equal(t, StateReleasing, e.Status().State)

	e.Handle(message.NewCloseAck(message.Unassigned, tid1, tid2))
	st = e.Status()
	assert.Equal(t, StateUnbound, st.State)
	assert.Equal(t, message.Unassigned, st.CurrentIP)
	assert.Empty(t, st.TID1)
	assert.Empty(t, st.TID2)
}

func TestReleaseWithoutLeaseIsNoop(t *testing.T) {
	e, ch, _ := newTestEngine(t)
	require.NoError(t, e.ReleaseAddress())
	require.NoError(t, e.RefreshLease())
	assert.Empty(t, ch.Sent())
}

func TestRefreshLeaseRearmsExpiry(t *testing.T) {
	e, ch, mock := newTestEngine(t)
	bind(t, e, ch, mock, "192.168.1.2")

	mock.Add(150 * time.Second)
	require.NoError(t, e.RefreshLease())
	lastSent(t, ch, message.TypeKeepalive)
	assert.Equal(t, 200*time.Second, e.Status().LeaseRemaining)

	mock.Add(199 * time.Second)
	assert.Never(t, func() bool {
		return len(ch.SentOfType(message.TypeRelease)) > 0
	}, 50*time.Millisecond, tick)

	mock.Add(time.Second)
	waitState(t, e, StateReleasing)
	assert.Len(t, ch.SentOfType(message.TypeRelease), 1)
}

func TestLeaseExpiryReleases(t *testing.T) {
	e, ch, mock := newTestEngine(t)
	bind(t, e, ch, mock, "192.168.1.2")

	mock.Add(200 * time.Second)
	waitState(t, e, StateReleasing)

	rel := lastSent(t, ch, message.TypeRelease)
	assert.Equal(t, "192.168.1.2", rel.CurrentIP())
	assert.Equal(t, "192.168.1.2", e.Status().CurrentIP)
}

func TestLateOfferDeclined(t *testing.T) {
	e, ch, mock := newTestEngine(t)
	tid1, tid2 := bind(t, e, ch, mock, "192.168.1.2")

	e.Handle(offerFor(tid1, "LATE0001", "192.168.4.2"))
	nn := lastSent(t, ch, message.TypeNotNeeded)
	got, _ := nn.TID2()
	assert.Equal(t, "LATE0001", got)

	// A duplicate of the accepted offer is not declined.
	e.Handle(offerFor(tid1, tid2, "192.168.1.2"))
	assert.Len(t, ch.SentOfType(message.TypeNotNeeded), 1)
	assert.Equal(t, StateBound, e.Status().State)
}

func TestOfferForOtherTransactionIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Handle(offerFor("nobody01", "AAAA1111", "192.168.1.2"))

	require.NoError(t, e.RequestAddress())
	e.Handle(offerFor("nobody01", "AAAA1111", "192.168.1.2"))
	e.Handle(message.New(message.TypeOffer, message.Unassigned, e.Status().TID1))

	assert.Zero(t, e.Status().PendingOffers)
}

func TestProbeEcho(t *testing.T) {
	e, ch, _ := newTestEngine(t)

	e.Handle(message.NewTest("anything"))
	assert.Empty(t, ch.Sent(), "no transaction, nothing to echo")

	require.NoError(t, e.RequestAddress())
	tid1 := e.Status().TID1

	e.Handle(message.NewTest("other001"))
	assert.Empty(t, ch.SentOfType(message.TypeTest))

	probe := message.NewTest(tid1)
	e.Handle(probe)
	echo := lastSent(t, ch, message.TypeTest)
	assert.True(t, probe.Equal(echo))
}

func TestRequestRestartCancelsSelection(t *testing.T) {
	e, ch, mock := newTestEngine(t)

	require.NoError(t, e.RequestAddress())
	first := e.Status().TID1
	mock.Add(3 * time.Second)

	require.NoError(t, e.RequestAddress())
	second := e.Status().TID1
	assert.NotEqual(t, first, second)
	assert.Len(t, ch.SentOfType(message.TypeDiscover), 2)

	e.Handle(offerFor(first, "AAAA1111", "192.168.1.2"))
	assert.Zero(t, e.Status().PendingOffers, "offers for the abandoned cycle are ignored")

	mock.Add(2 * time.Second)
	assert.Never(t, func() bool {
		return e.Status().State != StateDiscovering
	}, 50*time.Millisecond, tick)

	mock.Add(3 * time.Second)
	waitState(t, e, StateUnbound)
}

func TestDisconnectReleasesBoundAddress(t *testing.T) {
	e, ch, mock := newTestEngine(t)
	bind(t, e, ch, mock, "192.168.1.2")

	require.NoError(t, e.Disconnect())

	assert.Len(t, ch.SentOfType(message.TypeRelease), 1)
	assert.True(t, ch.Closed())

	mock.Add(300 * time.Second)
	assert.Never(t, func() bool {
		return len(ch.SentOfType(message.TypeRelease)) > 1
	}, 50*time.Millisecond, tick)
}

func TestRunStopsWhenChannelCloses(t *testing.T) {
	e, ch, _ := newTestEngine(t)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	require.NoError(t, e.RequestAddress())
	ch.Deliver(message.NewTest(e.Status().TID1))
	require.Eventually(t, func() bool {
		return len(ch.SentOfType(message.TypeTest)) == 1
	}, waitFor, tick)

	require.NoError(t, e.Disconnect())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
}

func TestWaitFor(t *testing.T) {
	e, ch, mock := newTestEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.WaitFor(ctx, Status.Bound)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	result := make(chan Status, 1)
	go func() {
		st, _ := e.WaitFor(context.Background(), Status.Bound)
		result <- st
	}()

	bind(t, e, ch, mock, "192.168.1.2")
	select {
	case st := <-result:
		assert.Equal(t, "192.168.1.2", st.CurrentIP)
	case <-time.After(waitFor):
		t.Fatal("WaitFor did not observe the binding")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "UNBOUND", StateUnbound.String())
	assert.Equal(t, "RELEASING", StateReleasing.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestRequestAddressAbandonsUnconfirmedRelease(t *testing.T) {
	e, ch, mock := newTestEngine(t)
	oldTID1, oldTID2 := bind(t, e, ch, mock, "192.168.1.2")
	require.NoError(t, e.ReleaseAddress())
	require.Equal(t, StateReleasing, e.Status().State)

	require.NoError(t, e.RequestAddress())

	st := e.Status()
	assert.Equal(t, StateDiscovering, st.State)
	assert.Equal(t, message.Unassigned, st.CurrentIP)
	assert.NotEqual(t, oldTID1, st.TID1)
	assert.Empty(t, st.TID2)
	assert.Zero(t, st.LeaseRemaining)

	disc := lastSent(t, ch, message.TypeDiscover)
	assert.Equal(t, message.Unassigned, disc.CurrentIP())
	assert.Len(t, ch.SentOfType(message.TypeDiscover), 2)

	// A confirmation for the abandoned lease arriving now is ignored.
	e.Handle(message.NewCloseAck(message.Unassigned, oldTID1, oldTID2))
	assert.Equal(t, StateDiscovering, e.Status().State)
	assert.Equal(t, st.TID1, e.Status().TID1)
}

// With default timings the server's lease hold starts at REQUEST while the
// client's lease starts at ACK, so the server reclaims first and the
// client's expiry RELEASE goes unanswered.
func TestLeaseAgainAfterServerReclaimedFirst(t *testing.T) {
	mock := clock.NewMock()
	cliCh, srvCh := simchan.New(), simchan.New()

	ccfg := DefaultConfig()
	ccfg.Name = t.Name()
	ccfg.Clock = mock
	cli, err := New(cliCh, ccfg)
	require.NoError(t, err)
	t.Cleanup(cli.cancelTimers)

	scfg := server.DefaultConfig(77)
	scfg.Clock = mock
	srv, err := server.New(srvCh, scfg)
	require.NoError(t, err)

	lease := func() {
		t.Helper()
		require.NoError(t, cli.RequestAddress())
		srv.Handle(lastSent(t, cliCh, message.TypeDiscover))
		cli.Handle(lastSent(t, srvCh, message.TypeOffer))
		mock.Add(5 * time.Second)
		waitState(t, cli, StateRequesting)
		srv.Handle(lastSent(t, cliCh, message.TypeRequest))
	}

	lease()
	mock.Add(3 * time.Second)
	cli.Handle(lastSent(t, srvCh, message.TypeAck))
	require.Equal(t, StateBound, cli.Status().State)
	assert.Equal(t, "192.168.77.2", cli.Status().CurrentIP)

	// 200s after the REQUEST the server hold lapses; the client still has 3s.
	mock.Add(197 * time.Second)
	srv.ReclaimSweep()
	assert.Empty(t, srv.Held())
	assert.Equal(t, StateBound, cli.Status().State)

	mock.Add(3 * time.Second)
	waitState(t, cli, StateReleasing)
	srv.Handle(lastSent(t, cliCh, message.TypeRelease))
	assert.Empty(t, srvCh.SentOfType(message.TypeCloseAck))

	lease()
	cli.Handle(lastSent(t, srvCh, message.TypeAck))
	st := cli.Status()
	assert.Equal(t, StateBound, st.State)
	assert.Equal(t, "192.168.77.3", st.CurrentIP)
	assert.Len(t, srv.Held(), 1)
}

func TestZeroSpacingDeclinesFollowRequest(t *testing.T) {
	mock := clock.NewMock()
	ch := simchan.New()
	cfg := DefaultConfig()
	cfg.Clock = mock
	cfg.NotNeededSpacing = 0
	e, err := New(ch, cfg)
	require.NoError(t, err)
	t.Cleanup(e.cancelTimers)

	require.NoError(t, e.RequestAddress())
	tid1 := e.Status().TID1
	e.Handle(offerFor(tid1, "AAAA1111", "192.168.1.2"))
	e.Handle(offerFor(tid1, "BBBB2222", "192.168.2.2"))
	e.Handle(offerFor(tid1, "CCCC3333", "192.168.3.2"))

	mock.Add(5 * time.Second)
	waitState(t, e, StateRequesting)

	var types []message.Type
	for _, m := range ch.Sent() {
		types = append(types, m.Type())
	}
	assert.Equal(t, []message.Type{
		message.TypeDiscover,
		message.TypeRequest,
		message.TypeNotNeeded,
		message.TypeNotNeeded,
	}, types)
}

func TestRunSkipsUndecodableMessages(t *testing.T) {
	e, ch, _ := newTestEngine(t)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	require.NoError(t, e.RequestAddress())
	ch.DeliverError(fmt.Errorf("%w: garbage frame", message.ErrDecode))
	ch.Deliver(message.NewTest(e.Status().TID1))

	require.Eventually(t, func() bool {
		return len(ch.SentOfType(message.TypeTest)) == 1
	}, waitFor, tick)

	require.NoError(t, e.Disconnect())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
}
