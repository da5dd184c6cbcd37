package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"wgfleet/internal/domain"
	"wgfleet/internal/usecase"
)

const (
	testServerID = "01920000-0000-7000-8000-000000000001"
	testPeerID   = "01920000-0000-7000-8000-000000000002"
	testPubKey   = "xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg="
)

// mockServerUsecase はテスト用のモック。
type mockServerUsecase struct {
	createResult *domain.Server
	createErr    error
	createInput  usecase.CreateServerInput
	getResult    *domain.Server
	getErr       error
	listResult   []*domain.Server
	applyErr     error
	applyUp      bool
	rotateResult *domain.Server
	rotateErr    error
	statusResult *usecase.ServerStatus
	statusErr    error
}

func (m *mockServerUsecase) CreateServer(ctx context.Context, in usecase.CreateServerInput) (*domain.Server, error) {
	m.createInput = in
	return m.createResult, m.createErr
}

func (m *mockServerUsecase) GetServer(ctx context.Context, id string) (*domain.Server, error) {
	return m.getResult, m.getErr
}

func (m *mockServerUsecase) ListServers(ctx context.Context) ([]*domain.Server, error) {
	return m.listResult, nil
}

func (m *mockServerUsecase) ApplyServerConfig(ctx context.Context, id string, up bool) error {
	m.applyUp = up
	return m.applyErr
}

func (m *mockServerUsecase) RotateServerKey(ctx context.Context, id string) (*domain.Server, error) {
	return m.rotateResult, m.rotateErr
}

func (m *mockServerUsecase) Status(ctx context.Context, id string) (*usecase.ServerStatus, error) {
	return m.statusResult, m.statusErr
}

// mockReconciler はテスト用のモック。
type mockReconciler struct {
	result *domain.PassResult
	err    error
}

func (m *mockReconciler) Reconcile(ctx context.Context, serverID string) (*domain.PassResult, error) {
	return m.result, m.err
}

// mockPeerUsecase はテスト用のモック。
type mockPeerUsecase struct {
	createResult   *domain.Peer
	createErr      error
	createInput    usecase.CreatePeerInput
	getResult      *domain.Peer
	getErr         error
	listResult     []*domain.Peer
	listErr        error
	updateResult   *domain.Peer
	updateErr      error
	updateInput    usecase.UpdatePeerInput
	deleteErr      error
	rotateResult   *domain.Peer
	rotateErr      error
	rotateExpected uint64
}

func (m *mockPeerUsecase) CreatePeer(ctx context.Context, serverID string, in usecase.CreatePeerInput) (*domain.Peer, error) {
	m.createInput = in
	return m.createResult, m.createErr
}

func (m *mockPeerUsecase) GetPeer(ctx context.Context, id string) (*domain.Peer, error) {
	return m.getResult, m.getErr
}

func (m *mockPeerUsecase) ListPeers(ctx context.Context, serverID string) ([]*domain.Peer, error) {
	return m.listResult, m.listErr
}

func (m *mockPeerUsecase) UpdatePeer(ctx context.Context, id string, in usecase.UpdatePeerInput) (*domain.Peer, error) {
	m.updateInput = in
	return m.updateResult, m.updateErr
}

func (m *mockPeerUsecase) DeletePeer(ctx context.Context, id string) error {
	return m.deleteErr
}

func (m *mockPeerUsecase) RotatePeerKey(ctx context.Context, id string, expectedVersion uint64) (*domain.Peer, error) {
	m.rotateExpected = expectedVersion
	return m.rotateResult, m.rotateErr
}

// mockRenderer はテスト用のモック。
type mockRenderer struct {
	result []byte
	err    error
	format usecase.ConfigFormat
}

func (m *mockRenderer) RenderPeerConfig(ctx context.Context, peerID string, format usecase.ConfigFormat) ([]byte, error) {
	m.format = format
	if m.err != nil {
		return nil, m.err
	}
	// ハンドラは書き込み後にバッファをゼロ化するため複製を返す
	return append([]byte(nil), m.result...), nil
}

// mockMasterKeyUsecase はテスト用のモック。
type mockMasterKeyUsecase struct {
	rotateResult *domain.MasterKeyMetadata
	rotateErr    error
	listResult   []*domain.MasterKeyMetadata
}

func (m *mockMasterKeyUsecase) RotateMasterKey(ctx context.Context) (*domain.MasterKeyMetadata, error) {
	return m.rotateResult, m.rotateErr
}

func (m *mockMasterKeyUsecase) ListMasterKeys(ctx context.Context) ([]*domain.MasterKeyMetadata, error) {
	return m.listResult, nil
}

func newRequest(method, target, body string, params map[string]string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func testServer() *domain.Server {
	return &domain.Server{
		ID:               testServerID,
		InterfaceName:    "wg0",
		ListenPort:       51820,
		AddressCIDR:      netip.MustParsePrefix("10.8.0.1/24"),
		ClientAllowedIPs: []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
		KeyPair:          domain.KeyPair{PublicKey: testPubKey, EncryptedPrivateKey: []byte("sealed"), KeyVersion: 1},
		StateVersion:     3,
		CreatedAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func testPeer() *domain.Peer {
	return &domain.Peer{
		ID:         testPeerID,
		ServerID:   testServerID,
		Name:       "alice",
		KeyPair:    domain.KeyPair{PublicKey: testPubKey, EncryptedPrivateKey: []byte("sealed"), KeyVersion: 1},
		AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.8.0.2/32")},
		Enabled:    true,
		Version:    2,
	}
}

func TestCreateServer_Success(t *testing.T) {
	svc := &mockServerUsecase{createResult: testServer()}
	h := NewServerHandler(svc, &mockReconciler{})

	req := newRequest(http.MethodPost, "/v1/servers", `{"interface":"wg0","address":"10.8.0.1/24","dns":["1.1.1.1"]}`, nil)
	rec := httptest.NewRecorder()
	h.CreateServer(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d", rec.Code)
	}
	if svc.createInput.InterfaceName != "wg0" || svc.createInput.Address != "10.8.0.1/24" {
		t.Errorf("want input passed through, got %+v", svc.createInput)
	}
	resp := decodeBody(t, rec)
	if resp["public_key"] != testPubKey {
		t.Errorf("want public_key %s, got %v", testPubKey, resp["public_key"])
	}
	if _, ok := resp["encrypted_private_key"]; ok {
		t.Error("want no ciphertext in response")
	}
}

func TestCreateServer_InvalidBody(t *testing.T) {
	h := NewServerHandler(&mockServerUsecase{}, &mockReconciler{})

	for _, body := range []string{`{`, `{"unknown":1}`, ``} {
		req := newRequest(http.MethodPost, "/v1/servers", body, nil)
		rec := httptest.NewRecorder()
		h.CreateServer(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: want status 400, got %d", body, rec.Code)
		}
	}
}

func TestCreateServer_ValidationError(t *testing.T) {
	svc := &mockServerUsecase{createErr: domain.NewValidationError("interface", "bad")}
	h := NewServerHandler(svc, &mockReconciler{})

	req := newRequest(http.MethodPost, "/v1/servers", `{"interface":"bad name"}`, nil)
	rec := httptest.NewRecorder()
	h.CreateServer(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
	if resp := decodeBody(t, rec); resp["code"] != "VALIDATION_ERROR" {
		t.Errorf("want code VALIDATION_ERROR, got %v", resp["code"])
	}
}

func TestGetServer(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		svc        *mockServerUsecase
		wantStatus int
		wantCode   string
	}{
		{name: "found", id: testServerID, svc: &mockServerUsecase{getResult: testServer()}, wantStatus: http.StatusOK},
		{name: "not found", id: testServerID, svc: &mockServerUsecase{getErr: domain.ErrServerNotFound}, wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
		{name: "invalid id", id: "not-a-uuid", svc: &mockServerUsecase{}, wantStatus: http.StatusBadRequest, wantCode: "VALIDATION_ERROR"},
		{name: "internal", id: testServerID, svc: &mockServerUsecase{getErr: errors.New("db down")}, wantStatus: http.StatusInternalServerError, wantCode: "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewServerHandler(tt.svc, &mockReconciler{})
			req := newRequest(http.MethodGet, "/v1/servers/"+tt.id, "", map[string]string{"server_id": tt.id})
			rec := httptest.NewRecorder()
			h.GetServer(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("want status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantCode != "" {
				resp := decodeBody(t, rec)
				if resp["code"] != tt.wantCode {
					t.Errorf("want code %s, got %v", tt.wantCode, resp["code"])
				}
				if tt.wantCode == "INTERNAL_ERROR" && resp["message"] != "internal server error" {
					t.Errorf("want internal details hidden, got %v", resp["message"])
				}
			}
		})
	}
}

func TestReconcile_Converged(t *testing.T) {
	result := &domain.PassResult{
		ServerID: testServerID,
		State:    domain.PassStateConverged,
		Version:  4,
		Applied:  []domain.PeerChange{{PeerID: testPeerID, PublicKey: testPubKey, Action: domain.PeerActionAdd}},
	}
	h := NewServerHandler(&mockServerUsecase{}, &mockReconciler{result: result})

	req := newRequest(http.MethodPost, "/v1/servers/"+testServerID+"/reconcile", "", map[string]string{"server_id": testServerID})
	rec := httptest.NewRecorder()
	h.Reconcile(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["state"] != "converged" {
		t.Errorf("want state converged, got %v", resp["state"])
	}
	if applied, _ := resp["applied"].([]interface{}); len(applied) != 1 {
		t.Errorf("want 1 applied change, got %v", resp["applied"])
	}
}

func TestReconcile_PartialFailure(t *testing.T) {
	failure := &domain.PeerError{
		PeerID: testPeerID, PublicKey: testPubKey, Action: domain.PeerActionAdd,
		Err: &domain.ExecutionError{Command: "set_peer", ExitCode: 1, Stderr: "Operation not permitted"},
	}
	result := &domain.PassResult{ServerID: testServerID, State: domain.PassStateFailed, Failures: []*domain.PeerError{failure}}
	h := NewServerHandler(&mockServerUsecase{}, &mockReconciler{result: result, err: errors.Join(failure)})

	req := newRequest(http.MethodPost, "/v1/servers/"+testServerID+"/reconcile", "", map[string]string{"server_id": testServerID})
	rec := httptest.NewRecorder()
	h.Reconcile(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("want status 502, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	failures, _ := resp["failures"].([]interface{})
	if len(failures) != 1 {
		t.Fatalf("want 1 failure, got %v", resp["failures"])
	}
	if f := failures[0].(map[string]interface{}); f["code"] != "EXECUTION_ERROR" {
		t.Errorf("want failure code EXECUTION_ERROR, got %v", f["code"])
	}
}

func TestReconcile_VersionConflict(t *testing.T) {
	err := errors.New("desired state moved")
	err = errors.Join(domain.ErrVersionConflict, err)
	result := &domain.PassResult{ServerID: testServerID, State: domain.PassStateFailed, Err: err}
	h := NewServerHandler(&mockServerUsecase{}, &mockReconciler{result: result, err: err})

	req := newRequest(http.MethodPost, "/v1/servers/"+testServerID+"/reconcile", "", map[string]string{"server_id": testServerID})
	rec := httptest.NewRecorder()
	h.Reconcile(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("want status 409, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	body, _ := resp["error"].(map[string]interface{})
	if body["code"] != "VERSION_CONFLICT" {
		t.Errorf("want error code VERSION_CONFLICT, got %v", resp["error"])
	}
}

func TestReconcile_NoResult(t *testing.T) {
	h := NewServerHandler(&mockServerUsecase{}, &mockReconciler{err: domain.ErrServerNotFound})

	req := newRequest(http.MethodPost, "/v1/servers/"+testServerID+"/reconcile", "", map[string]string{"server_id": testServerID})
	rec := httptest.NewRecorder()
	h.Reconcile(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
}

func TestApply(t *testing.T) {
	svc := &mockServerUsecase{}
	h := NewServerHandler(svc, &mockReconciler{})

	req := newRequest(http.MethodPost, "/v1/servers/"+testServerID+"/apply?up=true", "", map[string]string{"server_id": testServerID})
	rec := httptest.NewRecorder()
	h.Apply(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("want status 204, got %d", rec.Code)
	}
	if !svc.applyUp {
		t.Error("want up=true passed through")
	}

	req = newRequest(http.MethodPost, "/v1/servers/"+testServerID+"/apply?up=maybe", "", map[string]string{"server_id": testServerID})
	rec = httptest.NewRecorder()
	h.Apply(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400 for invalid up, got %d", rec.Code)
	}
}

func TestApply_Timeout(t *testing.T) {
	svc := &mockServerUsecase{applyErr: &domain.TimeoutError{Command: "write_config_file", Limit: "5s"}}
	h := NewServerHandler(svc, &mockReconciler{})

	req := newRequest(http.MethodPost, "/v1/servers/"+testServerID+"/apply", "", map[string]string{"server_id": testServerID})
	rec := httptest.NewRecorder()
	h.Apply(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("want status 504, got %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	st := &usecase.ServerStatus{
		Server:       testServer(),
		Up:           true,
		EnabledPeers: 1,
		Peers:        []usecase.PeerStatus{{ID: testPeerID, Name: "alice", PublicKey: testPubKey, Enabled: true, Live: true, RxBytes: 10}},
	}
	h := NewServerHandler(&mockServerUsecase{statusResult: st}, &mockReconciler{})

	req := newRequest(http.MethodGet, "/v1/servers/"+testServerID+"/status", "", map[string]string{"server_id": testServerID})
	rec := httptest.NewRecorder()
	h.Status(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["up"] != true {
		t.Errorf("want up true, got %v", resp["up"])
	}
	if peers, _ := resp["peers"].([]interface{}); len(peers) != 1 {
		t.Errorf("want 1 peer, got %v", resp["peers"])
	}
}

func TestCreatePeer(t *testing.T) {
	svc := &mockPeerUsecase{createResult: testPeer()}
	h := NewPeerHandler(svc, &mockRenderer{})

	req := newRequest(http.MethodPost, "/v1/servers/"+testServerID+"/peers", `{"name":"alice","allowed_ips":["10.8.0.2/32"]}`, map[string]string{"server_id": testServerID})
	rec := httptest.NewRecorder()
	h.CreatePeer(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d", rec.Code)
	}
	if len(svc.createInput.AllowedIPs) != 1 || svc.createInput.AllowedIPs[0].String() != "10.8.0.2/32" {
		t.Errorf("want allowed ips parsed, got %v", svc.createInput.AllowedIPs)
	}
	resp := decodeBody(t, rec)
	if resp["version"] != float64(2) {
		t.Errorf("want version 2, got %v", resp["version"])
	}
}

func TestCreatePeer_InvalidAllowedIPs(t *testing.T) {
	svc := &mockPeerUsecase{}
	h := NewPeerHandler(svc, &mockRenderer{})

	req := newRequest(http.MethodPost, "/v1/servers/"+testServerID+"/peers", `{"name":"alice","allowed_ips":["10.8.0.2"]}`, map[string]string{"server_id": testServerID})
	rec := httptest.NewRecorder()
	h.CreatePeer(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestUpdatePeer(t *testing.T) {
	svc := &mockPeerUsecase{updateResult: testPeer()}
	h := NewPeerHandler(svc, &mockRenderer{})

	req := newRequest(http.MethodPatch, "/v1/peers/"+testPeerID, `{"enabled":false,"version":2}`, map[string]string{"peer_id": testPeerID})
	rec := httptest.NewRecorder()
	h.UpdatePeer(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if svc.updateInput.ExpectedVersion != 2 {
		t.Errorf("want expected version 2, got %d", svc.updateInput.ExpectedVersion)
	}
	if svc.updateInput.Enabled == nil || *svc.updateInput.Enabled {
		t.Error("want enabled=false passed through")
	}
	if svc.updateInput.AllowedIPs != nil {
		t.Errorf("want allowed ips unchanged, got %v", svc.updateInput.AllowedIPs)
	}
}

func TestUpdatePeer_EmptyAllowedIPsIsExplicit(t *testing.T) {
	svc := &mockPeerUsecase{updateResult: testPeer()}
	h := NewPeerHandler(svc, &mockRenderer{})

	req := newRequest(http.MethodPatch, "/v1/peers/"+testPeerID, `{"allowed_ips":[],"version":2}`, map[string]string{"peer_id": testPeerID})
	rec := httptest.NewRecorder()
	h.UpdatePeer(rec, req)

	if svc.updateInput.AllowedIPs == nil || len(svc.updateInput.AllowedIPs) != 0 {
		t.Errorf("want explicit empty allowed ips, got %v", svc.updateInput.AllowedIPs)
	}
}

func TestUpdatePeer_VersionConflict(t *testing.T) {
	svc := &mockPeerUsecase{updateErr: domain.ErrVersionConflict}
	h := NewPeerHandler(svc, &mockRenderer{})

	req := newRequest(http.MethodPatch, "/v1/peers/"+testPeerID, `{"name":"bob","version":1}`, map[string]string{"peer_id": testPeerID})
	rec := httptest.NewRecorder()
	h.UpdatePeer(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("want status 409, got %d", rec.Code)
	}
	if resp := decodeBody(t, rec); resp["code"] != "VERSION_CONFLICT" {
		t.Errorf("want code VERSION_CONFLICT, got %v", resp["code"])
	}
}

func TestDeletePeer(t *testing.T) {
	h := NewPeerHandler(&mockPeerUsecase{}, &mockRenderer{})

	req := newRequest(http.MethodDelete, "/v1/peers/"+testPeerID, "", map[string]string{"peer_id": testPeerID})
	rec := httptest.NewRecorder()
	h.DeletePeer(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("want status 204, got %d", rec.Code)
	}

	h = NewPeerHandler(&mockPeerUsecase{deleteErr: domain.ErrPeerNotFound}, &mockRenderer{})
	rec = httptest.NewRecorder()
	h.DeletePeer(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
}

func TestGetConfig_Text(t *testing.T) {
	renderer := &mockRenderer{result: []byte("[Interface]\nPrivateKey = secret\n")}
	h := NewPeerHandler(&mockPeerUsecase{}, renderer)

	req := newRequest(http.MethodGet, "/v1/peers/"+testPeerID+"/config", "", map[string]string{"peer_id": testPeerID})
	rec := httptest.NewRecorder()
	h.GetConfig(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("want Cache-Control no-store, got %q", got)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("want text/plain, got %q", rec.Header().Get("Content-Type"))
	}
	if rec.Body.String() != "[Interface]\nPrivateKey = secret\n" {
		t.Errorf("want rendered config, got %q", rec.Body.String())
	}
	if renderer.format != usecase.ConfigFormatText {
		t.Errorf("want format text, got %s", renderer.format)
	}
}

func TestGetConfig_QR(t *testing.T) {
	renderer := &mockRenderer{result: []byte("\x89PNG\r\n\x1a\n")}
	h := NewPeerHandler(&mockPeerUsecase{}, renderer)

	req := newRequest(http.MethodGet, "/v1/peers/"+testPeerID+"/config?format=qr", "", map[string]string{"peer_id": testPeerID})
	rec := httptest.NewRecorder()
	h.GetConfig(rec, req)

	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("want image/png, got %q", got)
	}
	if renderer.format != usecase.ConfigFormatQR {
		t.Errorf("want format qr, got %s", renderer.format)
	}
}

func TestGetConfig_InvalidFormat(t *testing.T) {
	h := NewPeerHandler(&mockPeerUsecase{}, &mockRenderer{})

	req := newRequest(http.MethodGet, "/v1/peers/"+testPeerID+"/config?format=svg", "", map[string]string{"peer_id": testPeerID})
	rec := httptest.NewRecorder()
	h.GetConfig(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("want status 400, got %d", rec.Code)
	}
}

func TestGetConfig_DecryptionErrorHidesDetail(t *testing.T) {
	renderer := &mockRenderer{err: errors.Join(domain.ErrDecryption, errors.New("tag mismatch for key version 3"))}
	h := NewPeerHandler(&mockPeerUsecase{}, renderer)

	req := newRequest(http.MethodGet, "/v1/peers/"+testPeerID+"/config", "", map[string]string{"peer_id": testPeerID})
	rec := httptest.NewRecorder()
	h.GetConfig(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("want status 500, got %d", rec.Code)
	}
	resp := decodeBody(t, rec)
	if resp["code"] != "DECRYPTION_ERROR" {
		t.Errorf("want code DECRYPTION_ERROR, got %v", resp["code"])
	}
	if strings.Contains(resp["message"].(string), "tag mismatch") {
		t.Errorf("want detail hidden, got %v", resp["message"])
	}
}

func TestRotatePeerKey(t *testing.T) {
	svc := &mockPeerUsecase{rotateResult: testPeer()}
	h := NewPeerHandler(svc, &mockRenderer{})

	req := newRequest(http.MethodPost, "/v1/peers/"+testPeerID+"/rotate-key", "", map[string]string{"peer_id": testPeerID})
	rec := httptest.NewRecorder()
	h.RotateKey(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	if svc.rotateExpected != 0 {
		t.Errorf("want no expected version, got %d", svc.rotateExpected)
	}

	req = newRequest(http.MethodPost, "/v1/peers/"+testPeerID+"/rotate-key", `{"version":5}`, map[string]string{"peer_id": testPeerID})
	rec = httptest.NewRecorder()
	h.RotateKey(rec, req)
	if svc.rotateExpected != 5 {
		t.Errorf("want expected version 5, got %d", svc.rotateExpected)
	}
}

func TestRotateMasterKey(t *testing.T) {
	keys := &mockMasterKeyUsecase{rotateResult: &domain.MasterKeyMetadata{Version: 2, Status: domain.MasterKeyStatusActive}}
	h := NewMasterKeyHandler(keys)

	req := newRequest(http.MethodPost, "/v1/master-key/rotate", "", nil)
	rec := httptest.NewRecorder()
	h.Rotate(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d", rec.Code)
	}
	if resp := decodeBody(t, rec); resp["version"] != float64(2) {
		t.Errorf("want version 2, got %v", resp["version"])
	}
}

func TestRotateMasterKey_Entropy(t *testing.T) {
	keys := &mockMasterKeyUsecase{rotateErr: errors.Join(domain.ErrEntropy, errors.New("read failed"))}
	h := NewMasterKeyHandler(keys)

	req := newRequest(http.MethodPost, "/v1/master-key/rotate", "", nil)
	rec := httptest.NewRecorder()
	h.Rotate(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("want status 503, got %d", rec.Code)
	}
}

func TestRouter(t *testing.T) {
	servers := &mockServerUsecase{getResult: testServer(), listResult: []*domain.Server{testServer()}}
	peers := &mockPeerUsecase{listResult: []*domain.Peer{testPeer()}}
	keys := &mockMasterKeyUsecase{listResult: []*domain.MasterKeyMetadata{{Version: 1, Status: domain.MasterKeyStatusActive}}}
	router := NewRouter(
		NewServerHandler(servers, &mockReconciler{}),
		NewPeerHandler(peers, &mockRenderer{}),
		NewMasterKeyHandler(keys),
	)

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/v1/servers", http.StatusOK},
		{http.MethodGet, "/v1/servers/" + testServerID, http.StatusOK},
		{http.MethodGet, "/v1/servers/" + testServerID + "/peers", http.StatusOK},
		{http.MethodGet, "/v1/master-keys", http.StatusOK},
		{http.MethodGet, "/v1/unknown", http.StatusNotFound},
		{http.MethodPut, "/v1/peers/" + testPeerID, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("want status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}
