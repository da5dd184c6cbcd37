package usecase

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgfleet/internal/domain"
	"wgfleet/internal/executor"
)

func randomPublicKey(t *testing.T) string {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return k.PublicKey().String()
}

func prefixes(values ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(values))
	for i, v := range values {
		out[i] = netip.MustParsePrefix(v)
	}
	return out
}

func TestReconcile_ConvergesAddUpdateRemove(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()
	srv := fx.createServer(t)
	a := fx.createPeer(t, srv.ID, "alice", "10.8.0.2/32")
	b := fx.createPeer(t, srv.ID, "bob", "10.8.0.3/32")
	c := fx.createPeer(t, srv.ID, "carol", "10.8.0.4/32")
	orphan := randomPublicKey(t)

	fx.kernel.addLive(a.KeyPair.PublicKey, 25, "10.8.0.2/32")
	fx.kernel.addLive(b.KeyPair.PublicKey, 25, "10.8.0.99/32")
	fx.kernel.addLive(orphan, 0, "10.8.0.50/32")

	res, err := fx.reconcile.Reconcile(ctx, srv.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != domain.PassStateConverged {
		t.Errorf("want state converged, got %s", res.State)
	}
	if len(res.Diff.ToAdd) != 1 || res.Diff.ToAdd[0].PeerID != c.ID {
		t.Errorf("want add %s, got %+v", c.ID, res.Diff.ToAdd)
	}
	if len(res.Diff.ToUpdate) != 1 || res.Diff.ToUpdate[0].PeerID != b.ID {
		t.Errorf("want update %s, got %+v", b.ID, res.Diff.ToUpdate)
	}
	if len(res.Diff.ToRemove) != 1 || res.Diff.ToRemove[0].PublicKey != orphan {
		t.Errorf("want remove orphan, got %+v", res.Diff.ToRemove)
	}

	calls := fx.kernel.corrective()
	if len(calls) != 3 {
		t.Fatalf("want 3 corrective calls, got %d", len(calls))
	}
	if set, ok := calls[0].(executor.SetPeer); !ok || set.PublicKey != b.KeyPair.PublicKey {
		t.Errorf("want first call set bob, got %#v", calls[0])
	}
	if set, ok := calls[1].(executor.SetPeer); !ok || set.PublicKey != c.KeyPair.PublicKey || set.PersistentKeepalive != 25 {
		t.Errorf("want second call set carol with keepalive 25, got %#v", calls[1])
	}
	if rm, ok := calls[2].(executor.RemovePeer); !ok || rm.PublicKey != orphan {
		t.Errorf("want third call remove orphan, got %#v", calls[2])
	}

	lp, ok := fx.kernel.peers[b.KeyPair.PublicKey]
	if !ok || !domain.SamePrefixes(lp.AllowedIPs, prefixes("10.8.0.3/32")) {
		t.Errorf("want bob at 10.8.0.3/32, got %+v", lp)
	}
	if _, ok := fx.kernel.peers[orphan]; ok {
		t.Error("want orphan removed from live interface")
	}
}

func TestReconcile_SecondPassIsNoop(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()
	srv := fx.createServer(t)
	fx.createPeer(t, srv.ID, "alice", "10.8.0.2/32")
	fx.createPeer(t, srv.ID, "bob", "10.8.0.3/32")

	if _, err := fx.reconcile.Reconcile(ctx, srv.ID); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	fx.kernel.reset()

	res, err := fx.reconcile.Reconcile(ctx, srv.ID)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if !res.Converged() {
		t.Errorf("want converged, got %s", res.State)
	}
	if !res.Diff.Empty() {
		t.Errorf("want empty diff, got %+v", res.Diff)
	}
	if n := len(fx.kernel.corrective()); n != 0 {
		t.Errorf("want 0 corrective calls, got %d", n)
	}
}

func TestReconcile_VersionConflictAppliesNothing(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()
	srv := fx.createServer(t)
	fx.createPeer(t, srv.ID, "alice", "10.8.0.2/32")

	fx.store.afterLoad = func() {
		fx.store.mu.Lock()
		fx.store.bump(srv.ID)
		fx.store.mu.Unlock()
	}

	res, err := fx.reconcile.Reconcile(ctx, srv.ID)
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("want ErrVersionConflict, got %v", err)
	}
	if res.State != domain.PassStateFailed {
		t.Errorf("want state failed, got %s", res.State)
	}
	if n := len(fx.kernel.corrective()); n != 0 {
		t.Errorf("want 0 corrective calls, got %d", n)
	}
	if len(fx.kernel.peers) != 0 {
		t.Errorf("want live state untouched, got %d peers", len(fx.kernel.peers))
	}
}

func TestReconcile_PartialFailureContinues(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()
	srv := fx.createServer(t)
	a := fx.createPeer(t, srv.ID, "alice", "10.8.0.2/32")
	b := fx.createPeer(t, srv.ID, "bob", "10.8.0.3/32")
	c := fx.createPeer(t, srv.ID, "carol", "10.8.0.4/32")

	fx.kernel.failKeys[b.KeyPair.PublicKey] = &domain.ExecutionError{Command: "set_peer", ExitCode: 1, Stderr: "Operation not permitted"}

	res, err := fx.reconcile.Reconcile(ctx, srv.ID)
	if !errors.Is(err, domain.ErrExecution) {
		t.Fatalf("want ErrExecution, got %v", err)
	}
	if res.State != domain.PassStateFailed {
		t.Errorf("want state failed, got %s", res.State)
	}
	if len(res.Applied) != 2 {
		t.Errorf("want 2 applied changes, got %d", len(res.Applied))
	}
	if len(res.Failures) != 1 || res.Failures[0].PeerID != b.ID {
		t.Fatalf("want 1 failure for %s, got %+v", b.ID, res.Failures)
	}
	for _, p := range []*domain.Peer{a, c} {
		if _, ok := fx.kernel.peers[p.KeyPair.PublicKey]; !ok {
			t.Errorf("want %s applied despite failure", p.Name)
		}
	}
}

func TestReconcile_ConvergenceError(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()
	srv := fx.createServer(t)
	a := fx.createPeer(t, srv.ID, "alice", "10.8.0.2/32")

	fx.kernel.ignoreKeys[a.KeyPair.PublicKey] = true

	res, err := fx.reconcile.Reconcile(ctx, srv.ID)
	if !errors.Is(err, domain.ErrConvergence) {
		t.Fatalf("want ErrConvergence, got %v", err)
	}
	if len(res.Failures) != 1 || res.Failures[0].PublicKey != a.KeyPair.PublicKey {
		t.Errorf("want 1 convergence failure, got %+v", res.Failures)
	}
	var ce *domain.ConvergenceError
	if !errors.As(err, &ce) {
		t.Errorf("want ConvergenceError in chain, got %T", err)
	}
	if domain.Kind(err) != "CONVERGENCE_ERROR" {
		t.Errorf("want kind CONVERGENCE_ERROR, got %s", domain.Kind(err))
	}
}

func TestReconcile_InterfaceDown(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()
	srv := fx.createServer(t)
	fx.createPeer(t, srv.ID, "alice", "10.8.0.2/32")
	fx.kernel.up = false

	res, err := fx.reconcile.Reconcile(ctx, srv.ID)
	if !errors.Is(err, domain.ErrInterfaceDown) {
		t.Fatalf("want ErrInterfaceDown, got %v", err)
	}
	if !errors.Is(err, domain.ErrExecution) {
		t.Errorf("want interface down to be an execution error, got %v", err)
	}
	if res.State != domain.PassStateFailed {
		t.Errorf("want state failed, got %s", res.State)
	}
	if n := len(fx.kernel.corrective()); n != 0 {
		t.Errorf("want 0 corrective calls, got %d", n)
	}
}

func TestReconcile_ServerNotFound(t *testing.T) {
	fx := newTestFixture(t)

	_, err := fx.reconcile.Reconcile(context.Background(), "missing")
	if !errors.Is(err, domain.ErrServerNotFound) {
		t.Errorf("want ErrServerNotFound, got %v", err)
	}
	if len(fx.kernel.callNames()) != 0 {
		t.Errorf("want no privileged calls, got %v", fx.kernel.callNames())
	}
}

func TestReconcile_DisabledPeerRemoved(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()
	srv := fx.createServer(t)
	a := fx.createPeer(t, srv.ID, "alice", "10.8.0.2/32")
	if _, err := fx.reconcile.Reconcile(ctx, srv.ID); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	disabled := false
	if _, err := fx.peers.UpdatePeer(ctx, a.ID, UpdatePeerInput{Enabled: &disabled, ExpectedVersion: a.Version}); err != nil {
		t.Fatalf("failed to disable peer: %v", err)
	}
	res, err := fx.reconcile.Reconcile(ctx, srv.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Applied) != 1 || res.Applied[0].Action != domain.PeerActionRemove {
		t.Errorf("want 1 remove, got %+v", res.Applied)
	}
	if _, ok := fx.kernel.peers[a.KeyPair.PublicKey]; ok {
		t.Error("want disabled peer removed from live interface")
	}

	fx.kernel.reset()
	if _, err := fx.reconcile.Reconcile(ctx, srv.ID); err != nil {
		t.Fatalf("third pass failed: %v", err)
	}
	if n := len(fx.kernel.corrective()); n != 0 {
		t.Errorf("want disabled and absent peer left alone, got %d calls", n)
	}
}

func TestReconcile_CoalescesQueuedTriggers(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()
	srv := fx.createServer(t)
	fx.createPeer(t, srv.ID, "alice", "10.8.0.2/32")

	fx.kernel.block = make(chan struct{})
	fx.kernel.started = make(chan struct{}, 1)

	type outcome struct {
		res *domain.PassResult
		err error
	}
	results := make(chan outcome, 3)
	trigger := func() {
		res, err := fx.reconcile.Reconcile(ctx, srv.ID)
		results <- outcome{res, err}
	}

	go trigger()
	<-fx.kernel.started

	go trigger()
	sl := fx.reconcile.slot(srv.ID)
	deadline := time.Now().Add(2 * time.Second)
	for {
		sl.mu.Lock()
		queued := sl.waiting != nil
		sl.mu.Unlock()
		if queued {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second trigger never queued")
		}
		time.Sleep(time.Millisecond)
	}
	go trigger()
	time.Sleep(50 * time.Millisecond)
	close(fx.kernel.block)

	coalesced := 0
	for range 3 {
		o := <-results
		if o.err != nil {
			t.Errorf("unexpected error: %v", o.err)
			continue
		}
		if o.res.Coalesced {
			coalesced++
		}
	}
	if coalesced != 1 {
		t.Errorf("want 1 coalesced result, got %d", coalesced)
	}

	shows := 0
	for _, n := range fx.kernel.callNames() {
		if n == executor.CmdShowInterface {
			shows++
		}
	}
	// 2パス分のReadingとVerifying。2回目のパスは差分がないためVerifyingしない
	if shows != 3 {
		t.Errorf("want 3 show calls for 2 passes, got %d", shows)
	}
}

func TestReconcile_WithServerLockExcludesPass(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()
	srv := fx.createServer(t)

	release := make(chan struct{})
	locked := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- fx.reconcile.WithServerLock(ctx, srv.ID, func() error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	passCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := fx.reconcile.WithServerLock(passCtx, srv.ID, func() error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want lock held, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := fx.reconcile.Reconcile(ctx, srv.ID); err != nil {
		t.Errorf("pass after lock released failed: %v", err)
	}
}

func TestReconcile_CancelWhileWaitingForLock(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()
	srv := fx.createServer(t)
	fx.createPeer(t, srv.ID, "alice", "10.8.0.2/32")

	release := make(chan struct{})
	locked := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- fx.reconcile.WithServerLock(ctx, srv.ID, func() error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	passCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	first := make(chan error, 1)
	go func() {
		_, err := fx.reconcile.Reconcile(passCtx, srv.ID)
		first <- err
	}()

	// 待機中のパスに合流するトリガーは、キャンセル後に自身でパスを実行する
	sl := fx.reconcile.slot(srv.ID)
	for {
		sl.mu.Lock()
		waiting := sl.waiting != nil
		sl.mu.Unlock()
		if waiting {
			break
		}
		time.Sleep(time.Millisecond)
	}
	second := make(chan *domain.PassResult, 1)
	go func() {
		res, _ := fx.reconcile.Reconcile(ctx, srv.ID)
		second <- res
	}()

	select {
	case err := <-first:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("want DeadlineExceeded, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled pass still waiting for the lock")
	}
	if n := len(fx.kernel.callNames()); n != 0 {
		t.Errorf("want no privileged calls while locked, got %v", fx.kernel.callNames())
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	res := <-second
	if res == nil || res.State != domain.PassStateConverged {
		t.Fatalf("want queued trigger to run its own pass, got %+v", res)
	}
	if res.Coalesced {
		t.Error("want queued trigger not coalesced into the cancelled pass")
	}
}

func TestReconcile_InterfaceKeyMismatch(t *testing.T) {
	fx := newTestFixture(t)
	ctx := context.Background()
	srv := fx.createServer(t)
	fx.createPeer(t, srv.ID, "alice", "10.8.0.2/32")
	fx.kernel.publicKey = randomPublicKey(t)

	res, err := fx.reconcile.Reconcile(ctx, srv.ID)
	if !errors.Is(err, domain.ErrConvergence) {
		t.Fatalf("want ErrConvergence, got %v", err)
	}
	var ce *domain.ConvergenceError
	if !errors.As(err, &ce) || ce.Interface != "wg0" {
		t.Errorf("want interface convergence error for wg0, got %v", err)
	}
	if res.State != domain.PassStateFailed {
		t.Errorf("want state failed, got %s", res.State)
	}
	if n := len(fx.kernel.corrective()); n != 0 {
		t.Errorf("want 0 corrective calls, got %d", n)
	}
}

func TestComputeDiff(t *testing.T) {
	server := &domain.Server{ID: "srv", PersistentKeepalive: 25}
	peer := func(id, pk string, enabled bool, ips ...string) *domain.Peer {
		return &domain.Peer{ID: id, KeyPair: domain.KeyPair{PublicKey: pk}, Enabled: enabled, AllowedIPs: prefixes(ips...)}
	}
	live := func(pk string, keepalive int, ips ...string) domain.LivePeer {
		return domain.LivePeer{PublicKey: pk, Keepalive: keepalive, AllowedIPs: prefixes(ips...)}
	}

	tests := []struct {
		name       string
		peers      []*domain.Peer
		live       []domain.LivePeer
		wantAdd    int
		wantUpdate int
		wantRemove int
	}{
		{
			name:  "in sync",
			peers: []*domain.Peer{peer("p1", "A", true, "10.0.0.2/32")},
			live:  []domain.LivePeer{live("A", 25, "10.0.0.2/32")},
		},
		{
			name:    "missing peer is added",
			peers:   []*domain.Peer{peer("p1", "A", true, "10.0.0.2/32")},
			wantAdd: 1,
		},
		{
			name:       "allowed ips differ",
			peers:      []*domain.Peer{peer("p1", "A", true, "10.0.0.2/32")},
			live:       []domain.LivePeer{live("A", 25, "10.0.0.3/32")},
			wantUpdate: 1,
		},
		{
			name:       "keepalive differs",
			peers:      []*domain.Peer{peer("p1", "A", true, "10.0.0.2/32")},
			live:       []domain.LivePeer{live("A", 0, "10.0.0.2/32")},
			wantUpdate: 1,
		},
		{
			name:  "prefix order is irrelevant",
			peers: []*domain.Peer{peer("p1", "A", true, "10.0.1.0/24", "10.0.0.2/32")},
			live:  []domain.LivePeer{live("A", 25, "10.0.0.2/32", "10.0.1.0/24")},
		},
		{
			name:       "disabled and live is removed",
			peers:      []*domain.Peer{peer("p1", "A", false, "10.0.0.2/32")},
			live:       []domain.LivePeer{live("A", 25, "10.0.0.2/32")},
			wantRemove: 1,
		},
		{
			name:  "disabled and absent is ignored",
			peers: []*domain.Peer{peer("p1", "A", false, "10.0.0.2/32")},
		},
		{
			name:       "orphans are removed",
			live:       []domain.LivePeer{live("Z", 0, "10.0.0.9/32"), live("Y", 0, "10.0.0.8/32")},
			wantRemove: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := ComputeDiff(
				&domain.DesiredState{Server: server, Peers: tt.peers},
				&domain.LiveState{Up: true, Peers: tt.live},
			)
			if len(diff.ToAdd) != tt.wantAdd {
				t.Errorf("want %d adds, got %d", tt.wantAdd, len(diff.ToAdd))
			}
			if len(diff.ToUpdate) != tt.wantUpdate {
				t.Errorf("want %d updates, got %d", tt.wantUpdate, len(diff.ToUpdate))
			}
			if len(diff.ToRemove) != tt.wantRemove {
				t.Errorf("want %d removes, got %d", tt.wantRemove, len(diff.ToRemove))
			}
		})
	}
}

func TestComputeDiff_OrphansSortedByPublicKey(t *testing.T) {
	diff := ComputeDiff(
		&domain.DesiredState{Server: &domain.Server{}},
		&domain.LiveState{Up: true, Peers: []domain.LivePeer{{PublicKey: "Z"}, {PublicKey: "B"}, {PublicKey: "M"}}},
	)
	var got []string
	for _, c := range diff.ToRemove {
		got = append(got, c.PublicKey)
	}
	want := []string{"B", "M", "Z"}
	if len(got) != len(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("want %v, got %v", want, got)
			break
		}
	}
}
