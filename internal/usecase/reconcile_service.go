// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"wgfleet/internal/domain"
	"wgfleet/internal/executor"
)

// DesiredStateStore はリコンシリエーションが参照する期待状態のストア。
type DesiredStateStore interface {
	GetServer(ctx context.Context, id string) (*domain.Server, error)
	LoadDesiredState(ctx context.Context, serverID string) (*domain.DesiredState, error)
	StateVersion(ctx context.Context, serverID string) (uint64, error)
}

// CommandInvoker は特権コマンドを実行するインターフェース。
type CommandInvoker interface {
	Invoke(ctx context.Context, cmd executor.Command) (*executor.Result, error)
}

// ReconcileService はライブインターフェースを期待状態に収束させる。
// 同一サーバーに対するパスは同時に1つまでしか実行されない。
type ReconcileService struct {
	store   DesiredStateStore
	invoker CommandInvoker
	tracer  trace.Tracer

	mu    sync.Mutex
	slots map[string]*serverSlot
}

// serverSlot はサーバー単位の直列化状態。
type serverSlot struct {
	run chan struct{} // 容量1のセマフォ。パス実行中に保持される

	mu      sync.Mutex
	iface   string
	waiting *pendingPass // 開始待ちのパス。到着したトリガーはこれに合流する
}

type pendingPass struct {
	done   chan struct{}
	result *domain.PassResult
}

// NewReconcileService は新しいReconcileServiceを生成する。
func NewReconcileService(store DesiredStateStore, invoker CommandInvoker) *ReconcileService {
	return &ReconcileService{
		store:   store,
		invoker: invoker,
		tracer:  otel.Tracer("wgfleet/usecase"),
		slots:   make(map[string]*serverSlot),
	}
}

func (s *ReconcileService) slot(serverID string) *serverSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[serverID]
	if !ok {
		sl = &serverSlot{run: make(chan struct{}, 1)}
		s.slots[serverID] = sl
	}
	return sl
}

// Reconcile はリコンシリエーションパスを1回実行し、その結果を返す。
//
// 他のパスが実行中の場合は終了を待つ。開始待ちのパスが既にある場合はそれに合流し、
// 同じ結果をCoalesced=trueで受け取る。自動リトライは行わない。
func (s *ReconcileService) Reconcile(ctx context.Context, serverID string) (*domain.PassResult, error) {
	sl := s.slot(serverID)

	for {
		sl.mu.Lock()
		if p := sl.waiting; p != nil {
			sl.mu.Unlock()
			select {
			case <-p.done:
				if p.result == nil {
					continue // 待機中のパスが開始前にキャンセルされた
				}
				r := *p.result
				r.Coalesced = true
				return &r, r.Err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		p := &pendingPass{done: make(chan struct{})}
		sl.waiting = p
		sl.mu.Unlock()

		select {
		case sl.run <- struct{}{}:
		case <-ctx.Done():
			sl.mu.Lock()
			if sl.waiting == p {
				sl.waiting = nil
			}
			sl.mu.Unlock()
			close(p.done)
			return nil, ctx.Err()
		}
		sl.mu.Lock()
		sl.waiting = nil
		sl.mu.Unlock()

		result := s.runPass(ctx, sl, serverID)
		<-sl.run

		p.result = result
		close(p.done)
		return result, result.Err
	}
}

// WithServerLock はパスと排他してfnを実行する。
// インターフェースの再起動など、パスと並行させてはならない操作に使う。
func (s *ReconcileService) WithServerLock(ctx context.Context, serverID string, fn func() error) error {
	sl := s.slot(serverID)
	select {
	case sl.run <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sl.run }()
	return fn()
}

func (s *ReconcileService) runPass(ctx context.Context, sl *serverSlot, serverID string) *domain.PassResult {
	ctx, span := s.tracer.Start(ctx, "reconcile.pass", trace.WithAttributes(attribute.String("server.id", serverID)))
	defer span.End()

	res := &domain.PassResult{ServerID: serverID, State: domain.PassStateIdle, StartedAt: time.Now()}
	finish := func(state domain.PassState, err error) *domain.PassResult {
		res.State = state
		res.Err = err
		res.FinishedAt = time.Now()
		span.SetAttributes(
			attribute.String("reconcile.state", string(state)),
			attribute.Int("reconcile.changes", res.Diff.Len()),
			attribute.Int("reconcile.applied", len(res.Applied)),
			attribute.Int("reconcile.failures", len(res.Failures)),
		)
		attrs := []any{
			"operation", "reconcile",
			"server_id", serverID,
			"state", state,
			"version", res.Version,
			"to_add", len(res.Diff.ToAdd),
			"to_remove", len(res.Diff.ToRemove),
			"to_update", len(res.Diff.ToUpdate),
			"applied", len(res.Applied),
			"failures", len(res.Failures),
			"duration_ms", res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, domain.Kind(err))
			slog.WarnContext(ctx, "reconciliation pass failed", append(attrs, "error_kind", domain.Kind(err), "error", err)...)
		} else {
			slog.InfoContext(ctx, "reconciliation pass finished", attrs...)
		}
		return res
	}

	// Reading
	res.State = domain.PassStateReading
	iface, err := s.interfaceName(ctx, sl, serverID)
	if err != nil {
		return finish(domain.PassStateFailed, err)
	}
	var (
		desired *domain.DesiredState
		live    *domain.LiveState
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := s.store.LoadDesiredState(gctx, serverID)
		if err != nil {
			return fmt.Errorf("loading desired state: %w", err)
		}
		desired = d
		return nil
	})
	g.Go(func() error {
		l, err := s.showInterface(gctx, iface)
		if err != nil {
			return fmt.Errorf("reading live state: %w", err)
		}
		live = l
		return nil
	})
	if err := g.Wait(); err != nil {
		return finish(domain.PassStateFailed, err)
	}
	res.Version = desired.Version

	// Diffing
	res.State = domain.PassStateDiffing
	if !live.Up {
		return finish(domain.PassStateFailed, fmt.Errorf("%s: %w", iface, domain.ErrInterfaceDown))
	}
	// 秘密鍵が期待状態と異なるインターフェースにはピアを適用しない
	if live.PublicKey != "" && live.PublicKey != desired.Server.KeyPair.PublicKey {
		return finish(domain.PassStateFailed, &domain.ConvergenceError{
			Interface: iface,
			PublicKey: live.PublicKey,
			Detail:    fmt.Sprintf("interface runs public key %s, want %s", domain.ShortKey(live.PublicKey), domain.ShortKey(desired.Server.KeyPair.PublicKey)),
		})
	}
	res.Diff = ComputeDiff(desired, live)
	if res.Diff.Empty() {
		return finish(domain.PassStateConverged, nil)
	}

	// Applying
	res.State = domain.PassStateApplying
	current, err := s.store.StateVersion(ctx, serverID)
	if err != nil {
		return finish(domain.PassStateFailed, fmt.Errorf("checking state version: %w", err))
	}
	if current != desired.Version {
		return finish(domain.PassStateFailed, fmt.Errorf("%w: desired state moved from version %d to %d during the pass", domain.ErrVersionConflict, desired.Version, current))
	}

	changes := orderedChanges(res.Diff)
	for i, c := range changes {
		if ctx.Err() != nil {
			for _, skipped := range changes[i:] {
				res.Failures = append(res.Failures, &domain.PeerError{
					PeerID: skipped.PeerID, PublicKey: skipped.PublicKey, Action: skipped.Action,
					Err: fmt.Errorf("skipped: %w", ctx.Err()),
				})
			}
			break
		}
		// 実行中の1件はキャンセルされても完了させる
		if _, err := s.invoker.Invoke(context.WithoutCancel(ctx), commandFor(iface, c)); err != nil {
			res.Failures = append(res.Failures, &domain.PeerError{PeerID: c.PeerID, PublicKey: c.PublicKey, Action: c.Action, Err: err})
			continue
		}
		res.Applied = append(res.Applied, c)
	}

	// Verifying
	res.State = domain.PassStateVerifying
	after, err := s.showInterface(context.WithoutCancel(ctx), iface)
	if err != nil {
		return finish(domain.PassStateFailed, fmt.Errorf("verifying live state: %w", err))
	}
	failed := make(map[string]bool, len(res.Failures))
	for _, f := range res.Failures {
		failed[f.PublicKey] = true
	}
	post := ComputeDiff(desired, after)
	for _, c := range orderedChanges(post) {
		if failed[c.PublicKey] {
			continue
		}
		res.Failures = append(res.Failures, &domain.PeerError{
			PeerID: c.PeerID, PublicKey: c.PublicKey, Action: c.Action,
			Err: &domain.ConvergenceError{PublicKey: c.PublicKey, Detail: "still requires " + string(c.Action) + " after apply"},
		})
	}

	if len(res.Failures) > 0 || !post.Empty() {
		errs := make([]error, len(res.Failures))
		for i, f := range res.Failures {
			errs[i] = f
		}
		return finish(domain.PassStateFailed, errors.Join(errs...))
	}
	return finish(domain.PassStateConverged, nil)
}

// interfaceName はサーバーのインターフェース名を返す。作成後に変わらないためキャッシュする。
func (s *ReconcileService) interfaceName(ctx context.Context, sl *serverSlot, serverID string) (string, error) {
	sl.mu.Lock()
	iface := sl.iface
	sl.mu.Unlock()
	if iface != "" {
		return iface, nil
	}
	server, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return "", err
	}
	sl.mu.Lock()
	sl.iface = server.InterfaceName
	sl.mu.Unlock()
	return server.InterfaceName, nil
}

func (s *ReconcileService) showInterface(ctx context.Context, iface string) (*domain.LiveState, error) {
	r, err := s.invoker.Invoke(ctx, executor.ShowInterface{Interface: iface})
	if err != nil {
		return nil, err
	}
	if r.Live == nil {
		return nil, fmt.Errorf("%s returned no live state", executor.CmdShowInterface)
	}
	return r.Live, nil
}

// ComputeDiff は期待状態とライブ状態の差分を計算する。
//
// 無効化されたピアはライブに存在する場合のみ削除対象になる。
// 期待状態に存在しないライブピア（孤児）は常に削除対象になる。
func ComputeDiff(desired *domain.DesiredState, live *domain.LiveState) domain.Diff {
	var diff domain.Diff
	keepalive := desired.Server.PersistentKeepalive

	known := make(map[string]bool, len(desired.Peers))
	for _, p := range desired.Peers {
		pk := p.KeyPair.PublicKey
		known[pk] = true
		lp, present := live.Peer(pk)

		if !p.Enabled {
			if present {
				diff.ToRemove = append(diff.ToRemove, domain.PeerChange{PeerID: p.ID, PublicKey: pk, Action: domain.PeerActionRemove})
			}
			continue
		}

		change := domain.PeerChange{
			PeerID:     p.ID,
			PublicKey:  pk,
			AllowedIPs: domain.NormalizePrefixes(p.AllowedIPs),
			Keepalive:  keepalive,
		}
		switch {
		case !present:
			change.Action = domain.PeerActionAdd
			diff.ToAdd = append(diff.ToAdd, change)
		case !domain.SamePrefixes(lp.AllowedIPs, p.AllowedIPs) || lp.Keepalive != keepalive:
			change.Action = domain.PeerActionUpdate
			diff.ToUpdate = append(diff.ToUpdate, change)
		}
	}

	var orphans []domain.PeerChange
	for _, lp := range live.Peers {
		if !known[lp.PublicKey] {
			orphans = append(orphans, domain.PeerChange{PublicKey: lp.PublicKey, Action: domain.PeerActionRemove})
		}
	}
	slices.SortFunc(orphans, func(a, b domain.PeerChange) int { return cmp.Compare(a.PublicKey, b.PublicKey) })
	diff.ToRemove = append(diff.ToRemove, orphans...)
	return diff
}

// orderedChanges は適用順（ピアID順、その後に孤児を公開鍵順）に並べた変更を返す。
func orderedChanges(d domain.Diff) []domain.PeerChange {
	known := make([]domain.PeerChange, 0, d.Len())
	var orphans []domain.PeerChange
	for _, list := range [][]domain.PeerChange{d.ToAdd, d.ToUpdate, d.ToRemove} {
		for _, c := range list {
			if c.PeerID == "" {
				orphans = append(orphans, c)
			} else {
				known = append(known, c)
			}
		}
	}
	slices.SortStableFunc(known, func(a, b domain.PeerChange) int { return cmp.Compare(a.PeerID, b.PeerID) })
	slices.SortStableFunc(orphans, func(a, b domain.PeerChange) int { return cmp.Compare(a.PublicKey, b.PublicKey) })
	return append(known, orphans...)
}

func commandFor(iface string, c domain.PeerChange) executor.Command {
	if c.Action == domain.PeerActionRemove {
		return executor.RemovePeer{Interface: iface, PublicKey: c.PublicKey}
	}
	return executor.SetPeer{
		Interface:           iface,
		PublicKey:           c.PublicKey,
		AllowedIPs:          c.AllowedIPs,
		PersistentKeepalive: c.Keepalive,
	}
}
