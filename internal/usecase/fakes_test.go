package usecase

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgfleet/internal/domain"
	"wgfleet/internal/executor"
	"wgfleet/internal/vault"
)

// fakeStore はサーバー・ピア・マスター鍵を保持するインメモリストア。
type fakeStore struct {
	mu         sync.Mutex
	servers    map[string]*domain.Server
	peers      map[string]*domain.Peer
	masterKeys []*domain.MasterKey
	nextID     int

	// afterLoad はLoadDesiredStateがスナップショットを返した直後に一度だけ呼ばれる。
	afterLoad func()
	lastSeen  map[string]string
	loadErr   error
	keyErr    error // UpdateServerKeyPairの失敗
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		servers:  make(map[string]*domain.Server),
		peers:    make(map[string]*domain.Peer),
		lastSeen: make(map[string]string),
	}
}

func cloneServer(s *domain.Server) *domain.Server {
	c := *s
	c.DNS = slices.Clone(s.DNS)
	c.ClientAllowedIPs = slices.Clone(s.ClientAllowedIPs)
	c.KeyPair.EncryptedPrivateKey = bytes.Clone(s.KeyPair.EncryptedPrivateKey)
	return &c
}

func clonePeer(p *domain.Peer) *domain.Peer {
	c := *p
	c.AllowedIPs = slices.Clone(p.AllowedIPs)
	c.KeyPair.EncryptedPrivateKey = bytes.Clone(p.KeyPair.EncryptedPrivateKey)
	return &c
}

func (f *fakeStore) bump(serverID string) {
	f.servers[serverID].StateVersion++
}

func (f *fakeStore) CreateServer(ctx context.Context, server *domain.Server) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.servers {
		if s.InterfaceName == server.InterfaceName {
			return domain.ErrAlreadyExists
		}
	}
	if f.keyInUse(server.KeyPair.PublicKey, "") {
		return domain.ErrAlreadyExists
	}
	f.nextID++
	server.ID = fmt.Sprintf("srv-%02d", f.nextID)
	server.StateVersion = 1
	server.CreatedAt = time.Now()
	f.servers[server.ID] = cloneServer(server)
	return nil
}

func (f *fakeStore) GetServer(ctx context.Context, id string) (*domain.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return nil, domain.ErrServerNotFound
	}
	return cloneServer(s), nil
}

func (f *fakeStore) GetServerByInterface(ctx context.Context, iface string) (*domain.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.servers {
		if s.InterfaceName == iface {
			return cloneServer(s), nil
		}
	}
	return nil, domain.ErrServerNotFound
}

func (f *fakeStore) ListServers(ctx context.Context) ([]*domain.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Server
	for _, s := range f.servers {
		out = append(out, cloneServer(s))
	}
	slices.SortFunc(out, func(a, b *domain.Server) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (f *fakeStore) UpdateServerKeyPair(ctx context.Context, id string, kp domain.KeyPair) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return 0, domain.ErrServerNotFound
	}
	if f.keyErr != nil {
		return 0, f.keyErr
	}
	if f.keyInUse(kp.PublicKey, "") {
		return 0, domain.ErrAlreadyExists
	}
	s.KeyPair = kp
	f.bump(id)
	return s.StateVersion, nil
}

// keyInUse はサーバーまたはexceptPeer以外のピアが公開鍵を使っているかを返す。
func (f *fakeStore) keyInUse(publicKey, exceptPeer string) bool {
	for _, s := range f.servers {
		if s.KeyPair.PublicKey == publicKey {
			return true
		}
	}
	for _, p := range f.peers {
		if p.ID != exceptPeer && p.KeyPair.PublicKey == publicKey {
			return true
		}
	}
	return false
}

func (f *fakeStore) PublicKeyInUse(ctx context.Context, publicKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keyInUse(publicKey, ""), nil
}

// runCheck はストアのロックを保持したままcheckを呼ぶ。
func (f *fakeStore) runCheck(peer *domain.Peer, check domain.PeerCheck) error {
	if check == nil {
		return nil
	}
	var siblings []*domain.Peer
	for _, p := range f.listPeers(peer.ServerID) {
		if peer.ID == "" || p.ID != peer.ID {
			siblings = append(siblings, p)
		}
	}
	return check(cloneServer(f.servers[peer.ServerID]), siblings)
}

func (f *fakeStore) CreatePeer(ctx context.Context, peer *domain.Peer, check domain.PeerCheck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[peer.ServerID]; !ok {
		return domain.ErrServerNotFound
	}
	if err := f.runCheck(peer, check); err != nil {
		return err
	}
	if f.keyInUse(peer.KeyPair.PublicKey, "") {
		return domain.ErrAlreadyExists
	}
	f.nextID++
	peer.ID = fmt.Sprintf("peer-%02d", f.nextID)
	peer.Version = 1
	f.peers[peer.ID] = clonePeer(peer)
	f.bump(peer.ServerID)
	return nil
}

func (f *fakeStore) GetPeer(ctx context.Context, id string) (*domain.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.peers[id]
	if !ok {
		return nil, domain.ErrPeerNotFound
	}
	return clonePeer(p), nil
}

func (f *fakeStore) ListPeers(ctx context.Context, serverID string) ([]*domain.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listPeers(serverID), nil
}

func (f *fakeStore) listPeers(serverID string) []*domain.Peer {
	var out []*domain.Peer
	for _, p := range f.peers {
		if p.ServerID == serverID {
			out = append(out, clonePeer(p))
		}
	}
	slices.SortFunc(out, func(a, b *domain.Peer) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (f *fakeStore) UpdatePeer(ctx context.Context, peer *domain.Peer, expectedVersion uint64, check domain.PeerCheck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.peers[peer.ID]
	if !ok {
		return domain.ErrPeerNotFound
	}
	if err := f.runCheck(peer, check); err != nil {
		return err
	}
	if f.keyInUse(peer.KeyPair.PublicKey, peer.ID) {
		return domain.ErrAlreadyExists
	}
	if cur.Version != expectedVersion {
		return domain.ErrVersionConflict
	}
	peer.Version = expectedVersion + 1
	f.peers[peer.ID] = clonePeer(peer)
	f.bump(peer.ServerID)
	return nil
}

func (f *fakeStore) DeletePeer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.peers[id]
	if !ok {
		return domain.ErrPeerNotFound
	}
	delete(f.peers, id)
	f.bump(p.ServerID)
	return nil
}

func (f *fakeStore) LoadDesiredState(ctx context.Context, serverID string) (*domain.DesiredState, error) {
	f.mu.Lock()
	if f.loadErr != nil {
		f.mu.Unlock()
		return nil, f.loadErr
	}
	s, ok := f.servers[serverID]
	if !ok {
		f.mu.Unlock()
		return nil, domain.ErrServerNotFound
	}
	state := &domain.DesiredState{Server: cloneServer(s), Peers: f.listPeers(serverID), Version: s.StateVersion}
	hook := f.afterLoad
	f.afterLoad = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return state, nil
}

func (f *fakeStore) StateVersion(ctx context.Context, serverID string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[serverID]
	if !ok {
		return 0, domain.ErrServerNotFound
	}
	return s.StateVersion, nil
}

func (f *fakeStore) RecordLastSeen(ctx context.Context, serverID string, endpoints map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pk, ep := range endpoints {
		f.lastSeen[pk] = ep
		for _, p := range f.peers {
			if p.ServerID == serverID && p.KeyPair.PublicKey == pk {
				p.LastSeenEndpoint = ep
			}
		}
	}
	return nil
}

func (f *fakeStore) FindActiveMasterKey(ctx context.Context) (*domain.MasterKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, mk := range f.masterKeys {
		if mk.Status == domain.MasterKeyStatusActive {
			return mk, nil
		}
	}
	return nil, domain.ErrMasterKeyNotFound
}

func (f *fakeStore) CreateMasterKey(ctx context.Context, key *domain.MasterKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key.CreatedAt = time.Now()
	f.masterKeys = append(f.masterKeys, key)
	return nil
}

func (f *fakeStore) FindAllMasterKeys(ctx context.Context) ([]*domain.MasterKeyMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*domain.MasterKeyMetadata, len(f.masterKeys))
	for i, mk := range f.masterKeys {
		out[i] = &domain.MasterKeyMetadata{Version: mk.Version, Status: mk.Status, CreatedAt: mk.CreatedAt}
	}
	return out, nil
}

func (f *fakeStore) RotateMasterKey(ctx context.Context, next *domain.MasterKey, reseal func(kp *domain.KeyPair) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	servers := make(map[string]domain.KeyPair, len(f.servers))
	for id, s := range f.servers {
		kp := s.KeyPair
		kp.EncryptedPrivateKey = bytes.Clone(kp.EncryptedPrivateKey)
		if err := reseal(&kp); err != nil {
			return err
		}
		servers[id] = kp
	}
	peers := make(map[string]domain.KeyPair, len(f.peers))
	for id, p := range f.peers {
		kp := p.KeyPair
		kp.EncryptedPrivateKey = bytes.Clone(kp.EncryptedPrivateKey)
		if err := reseal(&kp); err != nil {
			return err
		}
		peers[id] = kp
	}
	for id, kp := range servers {
		f.servers[id].KeyPair = kp
	}
	for id, kp := range peers {
		f.peers[id].KeyPair = kp
	}
	for _, mk := range f.masterKeys {
		mk.Status = domain.MasterKeyStatusRetired
	}
	next.CreatedAt = time.Now()
	f.masterKeys = append(f.masterKeys, next)
	return nil
}

// fakeWrapper はマスター鍵を接頭辞付きで「ラップ」する。
type fakeWrapper struct{}

func (fakeWrapper) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return append([]byte("wrapped:"), plaintext...), nil
}

func (fakeWrapper) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return bytes.Clone(bytes.TrimPrefix(ciphertext, []byte("wrapped:"))), nil
}

func openTestVault(t *testing.T, store *fakeStore) *vault.Vault {
	t.Helper()
	v := vault.New(store, fakeWrapper{})
	if err := v.Open(context.Background()); err != nil {
		t.Fatalf("failed to open vault: %v", err)
	}
	return v
}

// fakeKernel はカーネルのWireGuardインターフェースを模倣するCommandInvoker。
type fakeKernel struct {
	mu        sync.Mutex
	up        bool
	publicKey string // 起動時に最後に書き込まれた設定から導出する
	peers     map[string]domain.LivePeer
	calls     []executor.Command
	writes    [][]byte

	failKeys   map[string]error // 公開鍵ごとの失敗
	ignoreKeys map[string]bool  // 受け付けるが反映しない公開鍵
	showErr    error
	writeErr   error
	upErr      error // 次のInterfaceUpだけを失敗させる
	// beforeSet は最初のSetPeer/RemovePeerの直前に一度だけ呼ばれる。
	beforeSet func()
	// block が閉じられるまでShowInterfaceを待たせる。
	block   chan struct{}
	started chan struct{}
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		up:         true,
		peers:      make(map[string]domain.LivePeer),
		failKeys:   make(map[string]error),
		ignoreKeys: make(map[string]bool),
	}
}

func (k *fakeKernel) addLive(publicKey string, keepalive int, ips ...string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	lp := domain.LivePeer{PublicKey: publicKey, Keepalive: keepalive}
	for _, ip := range ips {
		lp.AllowedIPs = append(lp.AllowedIPs, netip.MustParsePrefix(ip))
	}
	k.peers[publicKey] = lp
}

func (k *fakeKernel) Invoke(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if _, ok := cmd.(executor.ShowInterface); ok && k.block != nil {
		if k.started != nil {
			select {
			case k.started <- struct{}{}:
			default:
			}
		}
		<-k.block
	}

	k.mu.Lock()
	var hook func()
	switch cmd.(type) {
	case executor.SetPeer, executor.RemovePeer:
		hook = k.beforeSet
		k.beforeSet = nil
	}
	k.mu.Unlock()
	if hook != nil {
		hook()
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, cmd)
	res := &executor.Result{Command: cmd.Name()}

	switch c := cmd.(type) {
	case executor.ShowInterface:
		if k.showErr != nil {
			return nil, k.showErr
		}
		live := &domain.LiveState{Interface: c.Interface, Up: k.up, ListenPort: 51820}
		if k.up {
			live.PublicKey = k.publicKey
			for _, p := range k.peers {
				live.Peers = append(live.Peers, p)
			}
			slices.SortFunc(live.Peers, func(a, b domain.LivePeer) int { return cmp.Compare(a.PublicKey, b.PublicKey) })
		}
		res.Live = live
	case executor.SetPeer:
		if err := k.failKeys[c.PublicKey]; err != nil {
			return nil, err
		}
		if k.ignoreKeys[c.PublicKey] {
			return res, nil
		}
		lp := k.peers[c.PublicKey]
		lp.PublicKey = c.PublicKey
		lp.AllowedIPs = slices.Clone(c.AllowedIPs)
		lp.Keepalive = c.PersistentKeepalive
		k.peers[c.PublicKey] = lp
	case executor.RemovePeer:
		if err := k.failKeys[c.PublicKey]; err != nil {
			return nil, err
		}
		if k.ignoreKeys[c.PublicKey] {
			return res, nil
		}
		delete(k.peers, c.PublicKey)
	case executor.InterfaceUp:
		if err := k.upErr; err != nil {
			k.upErr = nil
			return nil, err
		}
		k.up = true
		if n := len(k.writes); n > 0 {
			k.publicKey = derivePublicKey(k.writes[n-1])
		}
	case executor.InterfaceDown:
		k.up = false
	case executor.WriteConfigFile:
		if k.writeErr != nil {
			return nil, k.writeErr
		}
		k.writes = append(k.writes, bytes.Clone(c.Content))
	}
	return res, nil
}

// derivePublicKey は設定ファイルの秘密鍵から公開鍵を導出する。
func derivePublicKey(content []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "PrivateKey = "); ok {
			if k, err := wgtypes.ParseKey(v); err == nil {
				return k.PublicKey().String()
			}
		}
	}
	return ""
}

// corrective はSetPeerとRemovePeerの呼び出しを返す。
func (k *fakeKernel) corrective() []executor.Command {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []executor.Command
	for _, c := range k.calls {
		switch c.(type) {
		case executor.SetPeer, executor.RemovePeer:
			out = append(out, c)
		}
	}
	return out
}

func (k *fakeKernel) callNames() []executor.CommandName {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]executor.CommandName, len(k.calls))
	for i, c := range k.calls {
		out[i] = c.Name()
	}
	return out
}

func (k *fakeKernel) reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = nil
	k.writes = nil
}

// testFixture はユースケースのテストで使う依存関係一式。
type testFixture struct {
	store     *fakeStore
	kernel    *fakeKernel
	vault     *vault.Vault
	reconcile *ReconcileService
	servers   *ServerService
	peers     *PeerService
	render    *RenderService
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	store := newFakeStore()
	kernel := newFakeKernel()
	v := openTestVault(t, store)
	rec := NewReconcileService(store, kernel)
	return &testFixture{
		store:     store,
		kernel:    kernel,
		vault:     v,
		reconcile: rec,
		servers:   NewServerService(store, store, store, v, kernel, rec),
		peers:     NewPeerService(store, store, v),
		render:    NewRenderService(store, store, v),
	}
}

func (fx *testFixture) createServer(t *testing.T) *domain.Server {
	t.Helper()
	s, err := fx.servers.CreateServer(context.Background(), CreateServerInput{
		InterfaceName:       "wg0",
		Address:             "10.8.0.1/24",
		Endpoint:            "vpn.example.com",
		DNS:                 []string{"1.1.1.1"},
		PersistentKeepalive: 25,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return s
}

func (fx *testFixture) createPeer(t *testing.T, serverID, name string, ips ...string) *domain.Peer {
	t.Helper()
	in := CreatePeerInput{Name: name}
	for _, ip := range ips {
		in.AllowedIPs = append(in.AllowedIPs, netip.MustParsePrefix(ip))
	}
	p, err := fx.peers.CreatePeer(context.Background(), serverID, in)
	if err != nil {
		t.Fatalf("failed to create peer %s: %v", name, err)
	}
	return p
}
