package netwatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestStatus_Quality(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   Quality
	}{
		{"wifi", Status{Connected: true, Transport: TransportWifi}, QualityExcellent},
		{"ethernet", Status{Connected: true, Transport: TransportEthernet}, QualityExcellent},
		{"cellular 4g", Status{Connected: true, Transport: TransportCellular, CellularGeneration: Cellular4G}, QualityGood},
		{"cellular unknown gen", Status{Connected: true, Transport: TransportCellular}, QualityGood},
		{"cellular 2g", Status{Connected: true, Transport: TransportCellular, CellularGeneration: Cellular2G}, QualityPoor},
		{"bluetooth", Status{Connected: true, Transport: TransportBluetooth}, QualityFair},
		{"other", Status{Connected: true, Transport: TransportOther}, QualityFair},
		{"disconnected", Status{Connected: false, Transport: TransportWifi}, QualityOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Quality())
		})
	}
}

func TestStatus_SuitableForAuth(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{"wifi reachable", Status{Connected: true, InternetReachable: boolPtr(true), Transport: TransportWifi}, true},
		{"reachability unknown is optimistic", Status{Connected: true, Transport: TransportWifi}, true},
		{"disconnected", Status{Connected: false}, false},
		{"captive portal", Status{Connected: true, InternetReachable: boolPtr(false), Transport: TransportWifi}, false},
		{"cellular 2g", Status{Connected: true, Transport: TransportCellular, CellularGeneration: Cellular2G}, false},
		{"cellular 3g", Status{Connected: true, Transport: TransportCellular, CellularGeneration: Cellular3G}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.SuitableForAuth())
		})
	}
}

func TestObserver_StartsDisconnected(t *testing.T) {
	o := NewObserver(ProbeFunc(func(ctx context.Context) Status {
		return Status{Connected: true, Transport: TransportWifi}
	}))

	st := o.Current()
	assert.False(t, st.Connected)
	assert.Equal(t, TransportNone, st.Transport)
}

func TestObserver_RefreshAppliesProbe(t *testing.T) {
	o := NewObserver(ProbeFunc(func(ctx context.Context) Status {
		return Status{Connected: true, Transport: TransportWifi}
	}))

	st := o.Refresh(context.Background())
	assert.True(t, st.Connected)
	assert.True(t, o.SuitableForAuth())
	assert.Equal(t, QualityExcellent, o.Quality())
}

func TestObserver_SubscribeReceivesChanges(t *testing.T) {
	o := NewObserver(ProbeFunc(func(ctx context.Context) Status {
		return Status{}
	}))

	ch, unsubscribe := o.Subscribe()
	defer unsubscribe()

	o.SetStatus(Status{Connected: true, Transport: TransportCellular})

	select {
	case st := <-ch:
		assert.True(t, st.Connected)
		assert.Equal(t, TransportCellular, st.Transport)
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}
}

func TestObserver_NoNotificationWithoutChange(t *testing.T) {
	o := NewObserver(ProbeFunc(func(ctx context.Context) Status {
		return Status{}
	}))

	o.SetStatus(Status{Connected: true, Transport: TransportWifi})

	ch, unsubscribe := o.Subscribe()
	defer unsubscribe()

	// Same connectivity and transport: not a meaningful change.
	o.SetStatus(Status{Connected: true, Transport: TransportWifi, CellularGeneration: Cellular4G})

	select {
	case st := <-ch:
		t.Fatalf("unexpected notification: %+v", st)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestObserver_TransportFlipNotifies(t *testing.T) {
	o := NewObserver(ProbeFunc(func(ctx context.Context) Status {
		return Status{}
	}))

	o.SetStatus(Status{Connected: true, Transport: TransportWifi})

	ch, unsubscribe := o.Subscribe()
	defer unsubscribe()

	o.SetStatus(Status{Connected: true, Transport: TransportCellular})

	select {
	case st := <-ch:
		assert.Equal(t, TransportCellular, st.Transport)
	case <-time.After(time.Second):
		t.Fatal("transport change not delivered")
	}
}

func TestObserver_ReachabilityFlipNotifies(t *testing.T) {
	o := NewObserver(ProbeFunc(func(ctx context.Context) Status {
		return Status{}
	}))

	reachable := true
	unreachable := false

	// Connected but behind a captive portal.
	o.SetStatus(Status{Connected: true, Transport: TransportWifi, InternetReachable: &unreachable})

	ch, unsubscribe := o.Subscribe()
	defer unsubscribe()

	// Same link, but the internet became reachable: subscribers (the
	// recovery engine among them) must hear about it.
	o.SetStatus(Status{Connected: true, Transport: TransportWifi, InternetReachable: &reachable})

	select {
	case st := <-ch:
		require.NotNil(t, st.InternetReachable)
		assert.True(t, *st.InternetReachable)
	case <-time.After(time.Second):
		t.Fatal("reachability change not delivered")
	}
}

func TestObserver_UnsubscribeIsIdempotent(t *testing.T) {
	o := NewObserver(ProbeFunc(func(ctx context.Context) Status {
		return Status{}
	}))

	_, unsubscribe := o.Subscribe()
	unsubscribe()
	unsubscribe()

	// Delivery after unsubscribe must not panic.
	o.SetStatus(Status{Connected: true, Transport: TransportWifi})
}

func TestWaitForConnection_FastPathWhenConnected(t *testing.T) {
	o := NewObserver(ProbeFunc(func(ctx context.Context) Status {
		return Status{}
	}))

	o.SetStatus(Status{Connected: true, Transport: TransportWifi})

	start := time.Now()
	ok := o.WaitForConnection(context.Background(), 5*time.Second)

	assert.True(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForConnection_UnblocksOnRestore(t *testing.T) {
	o := NewObserver(ProbeFunc(func(ctx context.Context) Status {
		return Status{}
	}))

	done := make(chan bool, 1)

	go func() {
		done <- o.WaitForConnection(context.Background(), 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	o.SetStatus(Status{Connected: true, Transport: TransportWifi})

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForConnection did not return after restore")
	}
}

func TestWaitForConnection_TimesOutOffline(t *testing.T) {
	o := NewObserver(ProbeFunc(func(ctx context.Context) Status {
		return Status{}
	}))

	ok := o.WaitForConnection(context.Background(), 50*time.Millisecond)
	assert.False(t, ok)
}

func TestWaitForConnection_HonorsContextCancellation(t *testing.T) {
	o := NewObserver(ProbeFunc(func(ctx context.Context) Status {
		return Status{}
	}))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)

	go func() {
		done <- o.WaitForConnection(ctx, time.Minute)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForConnection ignored cancellation")
	}
}

func TestObserver_RunPollsUntilCancelled(t *testing.T) {
	var probes atomic.Int32

	o := NewObserver(ProbeFunc(func(ctx context.Context) Status {
		probes.Add(1)
		return Status{Connected: true, Transport: TransportOther}
	}), WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := o.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.GreaterOrEqual(t, probes.Load(), int32(2), "immediate probe plus ticks")
	assert.True(t, o.Current().Connected)
}

func TestDialProber_ReportsUnreachable(t *testing.T) {
	// Port 1 on loopback is essentially never listening.
	p := DialProber{Address: "127.0.0.1:1", Timeout: 200 * time.Millisecond}

	st := p.Probe(context.Background())
	assert.False(t, st.Connected)
	require.NotNil(t, st.InternetReachable)
	assert.False(t, *st.InternetReachable)
	assert.Equal(t, TransportNone, st.Transport)
}
