package threshold

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zuzalu/api/internal/ability"
	"zuzalu/api/internal/acc"
	"zuzalu/api/internal/blocks"
)

const testAddress = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type fakeNetwork struct {
	connectErr   error
	omitURI      bool
	sessionDelay time.Duration
	blockhash    string
	decryptFn    func(blocks.Envelope, Credential) (string, error)

	connects     atomic.Int32
	disconnects  atomic.Int32
	sessionCalls atomic.Int32

	mu       sync.Mutex
	lastAuth AuthSig
}

func (f *fakeNetwork) Connect(context.Context) error {
	f.connects.Add(1)
	return f.connectErr
}

func (f *fakeNetwork) Disconnect(context.Context) error {
	f.disconnects.Add(1)
	return nil
}

func (f *fakeNetwork) LatestBlockhash(context.Context) (string, error) {
	if f.blockhash == "" {
		return "0xb10cb10cb10cb10c", nil
	}
	return f.blockhash, nil
}

func (f *fakeNetwork) SessionSigs(ctx context.Context, params SessionSigsParams) (Credential, error) {
	f.sessionCalls.Add(1)
	if f.sessionDelay > 0 {
		select {
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		case <-time.After(f.sessionDelay):
		}
	}
	uri := params.URI
	if uri == "" {
		uri = "lit:session:test"
	}
	if f.omitURI {
		uri = ""
	}
	authSig, err := params.AuthNeeded(ctx, AuthCallbackParams{
		URI:                     uri,
		Expiration:              params.Expiration,
		ResourceAbilityRequests: params.ResourceAbilityRequests,
	})
	if err != nil {
		return Credential{}, err
	}
	f.mu.Lock()
	f.lastAuth = authSig
	f.mu.Unlock()
	return Credential{
		Address:   authSig.Address,
		Sigs:      map[string]SessionSig{"node-1": {Sig: authSig.Sig, Address: authSig.Address}},
		Abilities: params.ResourceAbilityRequests,
		ExpiresAt: params.Expiration,
	}, nil
}

func (f *fakeNetwork) EncryptString(_ context.Context, plaintext string, _ acc.Set) (blocks.Envelope, error) {
	return blocks.Envelope{Ciphertext: base64.StdEncoding.EncodeToString([]byte(plaintext)), DataToEncryptHash: "hash"}, nil
}

func (f *fakeNetwork) DecryptToString(_ context.Context, env blocks.Envelope, _ acc.Set, cred Credential) (string, error) {
	if f.decryptFn != nil {
		return f.decryptFn(env, cred)
	}
	plain, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	return string(plain), err
}

type fakeWallet struct {
	address string
	signs   atomic.Int32
}

func (w *fakeWallet) ConnectedAddress(context.Context) (string, bool) {
	return w.address, w.address != ""
}

func (w *fakeWallet) SignMessage(_ context.Context, message string) (string, error) {
	w.signs.Add(1)
	return "sig:" + message[:8], nil
}

type memoryCache struct {
	mu    sync.Mutex
	items map[string]Credential
}

func (m *memoryCache) LoadCredential(_ context.Context, chain, address string) (Credential, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.items[chain+"|"+address]
	return cred, ok, nil
}

func (m *memoryCache) SaveCredential(_ context.Context, cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = map[string]Credential{}
	}
	m.items[cred.Chain+"|"+cred.Address] = cred
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestClient(network Network, wallet Wallet, clk *clock) *Client {
	opts := Options{Chain: "ethereum", ChainID: 1, Domain: "zuzalu.city"}
	if clk != nil {
		opts.Now = clk.Now
	}
	return NewClient(network, wallet, opts)
}

var testConditions = acc.Set{acc.NewCondition(testAddress, "ethereum", "", "", "")}

func TestClientLifecycle(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	network := &fakeNetwork{blockhash: "0xfeedfacecafebeef"}
	wallet := &fakeWallet{address: testAddress}
	client := newTestClient(network, wallet, clk)

	if client.State() != StateDisconnected {
		t.Fatalf("initial state = %s", client.State())
	}
	if _, err := client.EncryptString(ctx, "x", testConditions); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("EncryptString before connect: expected ErrNotConnected, got %v", err)
	}

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if network.connects.Load() != 1 {
		t.Fatalf("expected idempotent connect, got %d network connects", network.connects.Load())
	}
	if client.State() != StateConnected {
		t.Fatalf("state after connect = %s", client.State())
	}

	env, err := client.EncryptString(ctx, "secret body", testConditions)
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	if _, err := client.DecryptString(ctx, env, testConditions); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("DecryptString without session: expected ErrNotConnected, got %v", err)
	}

	cred, err := client.Session(ctx)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if client.State() != StateSessionReady {
		t.Fatalf("state after session = %s", client.State())
	}
	if !cred.ExpiresAt.Equal(clk.Now().Add(24 * time.Hour)) {
		t.Fatalf("expected 24h expiry, got %s", cred.ExpiresAt)
	}

	msg, err := ParseSignIn(network.lastAuth.SignedMessage)
	if err != nil {
		t.Fatalf("ParseSignIn() error = %v", err)
	}
	if msg.Nonce != "0xfeedfacecafebeef" || msg.Address != testAddress || msg.URI != "lit:session:test" {
		t.Fatalf("unexpected sign-in message: %+v", msg)
	}
	if !msg.ExpirationTime.Equal(clk.Now().Add(24 * time.Hour)) {
		t.Fatalf("sign-in expiration = %s", msg.ExpirationTime)
	}
	if !ability.Can(msg.Requests, ability.ResourceAccessControlCondition, "any", ability.AbilityDecryption) {
		t.Fatalf("expected decryption ability in recap, got %+v", msg.Requests)
	}

	plain, err := client.DecryptString(ctx, env, testConditions)
	if err != nil || plain != "secret body" {
		t.Fatalf("DecryptString() = %q, %v", plain, err)
	}

	if err := client.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if client.State() != StateDisconnected {
		t.Fatalf("state after disconnect = %s", client.State())
	}
	if _, ok := client.Credential(); !ok {
		t.Fatal("credential must survive disconnect")
	}

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	if client.State() != StateSessionReady {
		t.Fatalf("reconnect with valid credential should be session-ready, got %s", client.State())
	}
	if wallet.signs.Load() != 1 {
		t.Fatalf("expected a single wallet signature, got %d", wallet.signs.Load())
	}

	if err := client.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := client.Credential(); ok {
		t.Fatal("Close must discard the credential")
	}
}

func TestClientConnectFailure(t *testing.T) {
	client := newTestClient(&fakeNetwork{connectErr: errors.New("nodes unreachable")}, &fakeWallet{address: testAddress}, nil)
	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if client.State() != StateDisconnected {
		t.Fatalf("state after failed connect = %s", client.State())
	}
	if _, err := client.Session(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSessionRequiresWallet(t *testing.T) {
	tests := []struct {
		name   string
		wallet Wallet
	}{
		{name: "no wallet", wallet: nil},
		{name: "wallet without address", wallet: &fakeWallet{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(&fakeNetwork{}, tc.wallet, nil)
			if err := client.Connect(context.Background()); err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			_, err := client.Session(context.Background())
			if !errors.Is(err, ErrAuthorization) || !IsSignInRequired(err) {
				t.Fatalf("expected ErrAuthorization, got %v", err)
			}
			if client.State() != StateConnected {
				t.Fatalf("state = %s, want connected", client.State())
			}
		})
	}
}

func TestSessionMissingCallbackParameter(t *testing.T) {
	client := newTestClient(&fakeNetwork{omitURI: true}, &fakeWallet{address: testAddress}, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_, err := client.Session(context.Background())
	var missing *MissingParameterError
	if !errors.As(err, &missing) || missing.Param != "uri" {
		t.Fatalf("expected MissingParameterError(uri), got %v", err)
	}
	if !IsSignInRequired(err) {
		t.Fatal("missing parameters should prompt sign in")
	}
	if client.State() != StateConnected {
		t.Fatalf("state = %s, want connected", client.State())
	}
}

func TestConcurrentSessionNegotiatesOnce(t *testing.T) {
	network := &fakeNetwork{sessionDelay: 50 * time.Millisecond}
	wallet := &fakeWallet{address: testAddress}
	client := newTestClient(network, wallet, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Session(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Session() error = %v", err)
		}
	}
	if got := network.sessionCalls.Load(); got != 1 {
		t.Fatalf("expected one negotiation, got %d", got)
	}
	if got := wallet.signs.Load(); got != 1 {
		t.Fatalf("expected one signature, got %d", got)
	}
}

func TestSessionOutlivesFirstCallersContext(t *testing.T) {
	network := &fakeNetwork{sessionDelay: 50 * time.Millisecond}
	client := newTestClient(network, &fakeWallet{address: testAddress}, nil)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	first := make(chan error, 1)
	go func() {
		_, err := client.Session(shortCtx)
		first <- err
	}()
	time.Sleep(5 * time.Millisecond)

	cred, err := client.Session(context.Background())
	if err != nil {
		t.Fatalf("second caller Session() error = %v", err)
	}
	if !cred.Valid(time.Now()) {
		t.Fatalf("second caller got an unusable credential: %+v", cred)
	}
	if err := <-first; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("first caller error = %v, want deadline exceeded", err)
	}
	if got := network.sessionCalls.Load(); got != 1 {
		t.Fatalf("expected one shared negotiation, got %d", got)
	}
	if client.State() != StateSessionReady {
		t.Fatalf("state = %s, want session ready", client.State())
	}
}

func TestConcurrentDecrypts(t *testing.T) {
	const workers = 4
	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	network := &fakeNetwork{decryptFn: func(env blocks.Envelope, _ Credential) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if n == workers {
			close(release)
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		inFlight.Add(-1)
		return env.Ciphertext, nil
	}}
	client := newTestClient(network, &fakeWallet{address: testAddress}, nil)
	if _, err := client.EnsureSession(context.Background()); err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.DecryptString(context.Background(), blocks.Envelope{Ciphertext: "c", DataToEncryptHash: "h"}, testConditions); err != nil {
				t.Errorf("DecryptString() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if peak.Load() != workers {
		t.Fatalf("expected %d concurrent decrypts, peak was %d", workers, peak.Load())
	}
}

func TestExpiredCredentialRenegotiates(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	network := &fakeNetwork{}
	client := newTestClient(network, &fakeWallet{address: testAddress}, clk)
	if _, err := client.EnsureSession(ctx); err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}

	clk.Advance(25 * time.Hour)
	if _, err := client.DecryptString(ctx, blocks.Envelope{Ciphertext: "eA==", DataToEncryptHash: "h"}, testConditions); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected for expired session, got %v", err)
	}
	if client.State() != StateConnected {
		t.Fatalf("expired session should fall back to connected, got %s", client.State())
	}
	if _, err := client.Session(ctx); err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if network.sessionCalls.Load() != 2 {
		t.Fatalf("expected renegotiation, got %d calls", network.sessionCalls.Load())
	}
}

func TestSharedCredentialCache(t *testing.T) {
	ctx := context.Background()
	cache := &memoryCache{}
	network := &fakeNetwork{}
	opts := Options{Chain: "ethereum", Cache: cache}

	first := NewClient(network, &fakeWallet{address: testAddress}, opts)
	if _, err := first.EnsureSession(ctx); err != nil {
		t.Fatalf("first EnsureSession() error = %v", err)
	}
	second := NewClient(network, &fakeWallet{address: testAddress}, opts)
	if _, err := second.EnsureSession(ctx); err != nil {
		t.Fatalf("second EnsureSession() error = %v", err)
	}
	if network.sessionCalls.Load() != 1 {
		t.Fatalf("expected cached credential reuse, got %d negotiations", network.sessionCalls.Load())
	}
	if second.State() != StateSessionReady {
		t.Fatalf("state = %s", second.State())
	}
}

func TestOpenSessionForRemoteWallet(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	var seen atomic.Value
	network := &fakeNetwork{decryptFn: func(env blocks.Envelope, cred Credential) (string, error) {
		seen.Store(cred.Address)
		plain, err := base64.StdEncoding.DecodeString(env.Ciphertext)
		return string(plain), err
	}}
	client := newTestClient(network, nil, clk)
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	msg, err := client.PrepareSignIn(ctx, strings.ToLower(testAddress))
	if err != nil {
		t.Fatalf("PrepareSignIn() error = %v", err)
	}
	if msg.Address != testAddress || !strings.HasPrefix(msg.URI, sessionPrefix) || msg.Nonce != "0xb10cb10cb10cb10c" {
		t.Fatalf("unexpected sign-in message: %+v", msg)
	}
	text, err := msg.Text()
	if err != nil {
		t.Fatalf("Text() error = %v", err)
	}

	cred, err := client.OpenSession(ctx, text, "0xsigned")
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	if cred.Address != testAddress || cred.Chain != "ethereum" || !cred.ExpiresAt.Equal(clk.Now().Add(24*time.Hour)) {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if network.lastAuth.Sig != "0xsigned" || network.lastAuth.SignedMessage != text {
		t.Fatalf("network saw auth sig %+v", network.lastAuth)
	}
	if _, ok := client.Credential(); ok {
		t.Fatal("a reader's credential must not become the client's own session")
	}
	if client.State() != StateConnected {
		t.Fatalf("state = %s, want connected", client.State())
	}

	reader, err := client.ReaderFor(cred)
	if err != nil {
		t.Fatalf("ReaderFor() error = %v", err)
	}
	env, _ := client.EncryptString(ctx, "members only", testConditions)
	plain, err := reader.DecryptString(ctx, env, testConditions)
	if err != nil || plain != "members only" {
		t.Fatalf("Reader.DecryptString() = %q, %v", plain, err)
	}
	if got, _ := seen.Load().(string); got != testAddress {
		t.Fatalf("network decrypted for %q, want the reader", got)
	}

	clk.Advance(25 * time.Hour)
	if _, err := reader.DecryptString(ctx, env, testConditions); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expired reader: expected ErrNotConnected, got %v", err)
	}
	if _, err := client.ReaderFor(cred); !errors.Is(err, ErrSignInRejected) {
		t.Fatalf("ReaderFor(expired) error = %v", err)
	}
}

func TestOpenSessionRejectsMismatchedMessages(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	base := SignInMessage{
		Domain:         "zuzalu.city",
		Address:        testAddress,
		URI:            "lit:session:5b1c",
		ChainID:        1,
		Nonce:          "0xb10cb10cb10cb10c",
		IssuedAt:       now,
		ExpirationTime: now.Add(time.Hour),
		Requests:       []ability.Request{ability.DecryptAny()},
	}
	tests := []struct {
		name   string
		mutate func(*SignInMessage)
	}{
		{name: "other domain", mutate: func(m *SignInMessage) { m.Domain = "evil.example" }},
		{name: "other chain", mutate: func(m *SignInMessage) { m.ChainID = 137 }},
		{name: "expired", mutate: func(m *SignInMessage) { m.ExpirationTime = now.Add(-time.Minute) }},
		{name: "too long", mutate: func(m *SignInMessage) { m.ExpirationTime = now.Add(72 * time.Hour) }},
		{name: "not a session uri", mutate: func(m *SignInMessage) { m.URI = "https://zuzalu.city" }},
		{name: "no requests", mutate: func(m *SignInMessage) { m.Requests = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			network := &fakeNetwork{}
			client := newTestClient(network, nil, &clock{now: now})
			if err := client.Connect(ctx); err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			msg := base
			tc.mutate(&msg)
			text, err := msg.Text()
			if err != nil {
				t.Fatalf("Text() error = %v", err)
			}
			_, err = client.OpenSession(ctx, text, "0xsigned")
			if !IsSignInRequired(err) {
				t.Fatalf("OpenSession() error = %v, want a sign-in rejection", err)
			}
			if network.sessionCalls.Load() != 0 {
				t.Fatal("rejected messages must not reach the network")
			}
		})
	}

	client := newTestClient(&fakeNetwork{}, nil, &clock{now: now})
	if _, err := client.OpenSession(ctx, "not a message", "0x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("OpenSession before connect: %v", err)
	}
	_ = client.Connect(ctx)
	if _, err := client.OpenSession(ctx, "not a message", "0x"); !errors.Is(err, ErrSignInRejected) {
		t.Fatalf("OpenSession(garbage) error = %v", err)
	}
	if _, err := client.PrepareSignIn(ctx, "0x12"); !errors.Is(err, ErrSignInRejected) {
		t.Fatalf("PrepareSignIn(bad address) error = %v", err)
	}
}

func TestReaderForOtherChain(t *testing.T) {
	client := newTestClient(&fakeNetwork{}, nil, nil)
	cred := Credential{Address: testAddress, Chain: "polygon", Sigs: map[string]SessionSig{"n": {}}, ExpiresAt: time.Now().Add(time.Hour)}
	if _, err := client.ReaderFor(cred); !errors.Is(err, ErrSignInRejected) {
		t.Fatalf("ReaderFor(other chain) error = %v", err)
	}
}

func TestCredentialToken(t *testing.T) {
	cred := Credential{
		Address:   testAddress,
		Chain:     "ethereum",
		Sigs:      map[string]SessionSig{"node-1": {Sig: "0xab", Address: testAddress}},
		Abilities: []ability.Request{ability.DecryptAny()},
		ExpiresAt: time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC),
	}
	token, err := cred.Token()
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	got, err := ParseCredentialToken(token)
	if err != nil {
		t.Fatalf("ParseCredentialToken() error = %v", err)
	}
	if got.Address != cred.Address || got.Chain != cred.Chain || !got.ExpiresAt.Equal(cred.ExpiresAt) || len(got.Sigs) != 1 {
		t.Fatalf("token round trip = %+v", got)
	}

	unsigned, _ := Credential{Address: testAddress}.Token()
	for _, bad := range []string{"", "!!!", base64.RawURLEncoding.EncodeToString([]byte("{")), unsigned} {
		if _, err := ParseCredentialToken(bad); !errors.Is(err, ErrSignInRejected) {
			t.Fatalf("ParseCredentialToken(%q) error = %v", bad, err)
		}
	}
}
