package flow

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/idport/idport/internal/core"
	"github.com/idport/idport/internal/issuer"
	"github.com/idport/idport/internal/keys"
	"github.com/idport/idport/internal/store"
)

const (
	testTenant   = "acme"
	testClient   = "web-app"
	testSecret   = "secret"
	testCallback = "https://rp.example.com/callback"
	testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

var (
	keysOnce   sync.Once
	signingSet []core.SigningKey
)

type env struct {
	coordinator *Coordinator
	sessions    *store.MemorySessionStore
	tokens      *store.MemoryTokenStore
	hook        *stubHook
}

// stubHook lets a test veto the next login.
type stubHook struct {
	veto *core.Veto
}

func (h *stubHook) VetoLogin(context.Context, core.LoginAttempt) (*core.Veto, error) {
	return h.veto, nil
}

func (h *stubHook) CustomizeIDClaims(context.Context, core.ClaimsContext, map[string]any) error {
	return nil
}

func newEnv(t *testing.T) *env {
	t.Helper()

	cfg := store.NewMemoryTenantConfig()
	cfg.SetTenant(testTenant, "https://idp.example.com", core.ExpirySettings{
		FirstParty: 12 * time.Hour,
		Persistent: 14 * 24 * time.Hour,
		ThirdParty: time.Hour,
	})
	keysOnce.Do(func() {
		mgr := keys.NewManager(cfg, store.NewMemoryLocker())
		set, err := mgr.EnsureKeys(context.Background(), testTenant)
		if err != nil {
			panic(err)
		}
		signingSet = set.All
	})
	if err := cfg.SaveSigningKeys(context.Background(), testTenant, signingSet); err != nil {
		t.Fatalf("seeding signing keys: %v", err)
	}

	directory := store.NewMemoryDirectory(
		[]store.Subject{
			{ID: 42, Status: core.AccountStatusActive, Attributes: map[string]string{"guid": "guid-42"}},
		},
		[]core.ClientRegistration{
			{
				ClientID:     testClient,
				CallbackURLs: []string{testCallback},
				// sha256("secret")
				SecretHashes: []string{"2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b"},
			},
		},
		true,
	)

	tokens := store.NewMemoryTokenStore()
	sessions := store.NewMemorySessionStore()
	mgr := keys.NewManager(cfg, store.NewMemoryLocker())
	iss := issuer.New(mgr, tokens, sessions, directory, cfg, nil, nil)
	hook := &stubHook{}

	return &env{
		coordinator: NewCoordinator(iss, sessions, directory, hook, nil, Options{
			ControlKey: []byte("0123456789abcdef0123456789abcdef"),
		}),
		sessions: sessions,
		tokens:   tokens,
		hook:     hook,
	}
}

func startS256(t *testing.T, e *env) *StartResult {
	t.Helper()
	challenge, err := CreateChallenge(testVerifier, core.ChallengeS256)
	if err != nil {
		t.Fatalf("CreateChallenge: %v", err)
	}
	res, err := e.coordinator.Start(context.Background(), testTenant, AuthorizeRequest{
		ClientID:            testClient,
		Scope:               "openid profile",
		RedirectURI:         testCallback,
		State:               "xyzzy",
		Nonce:               "n-0S6_WzA2Mj",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return res
}

func TestHappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	started := startS256(t, e)
	if started.SessionID == "" || started.ControlToken == "" {
		t.Fatalf("incomplete start result %+v", started)
	}

	// the control token resolves back to the session
	sid, err := e.coordinator.OpenControl(started.ControlToken)
	if err != nil || sid != started.SessionID {
		t.Fatalf("OpenControl: %v (sid %q)", err, sid)
	}

	ret, err := e.coordinator.Return(ctx, testTenant, started.SessionID, 42)
	if err != nil {
		t.Fatalf("Return: %v", err)
	}
	if ret.Denied {
		t.Fatalf("unexpected denial: %s", ret.Reason)
	}

	redirect, err := url.Parse(ret.RedirectURL)
	if err != nil {
		t.Fatalf("parsing redirect: %v", err)
	}
	if got := redirect.Query().Get("code"); got != started.SessionID {
		t.Errorf("code = %q, want session id %q", got, started.SessionID)
	}
	if got := redirect.Query().Get("state"); got != "xyzzy" {
		t.Errorf("state = %q, want xyzzy", got)
	}

	resp, err := e.coordinator.Exchange(ctx, testTenant, ExchangeRequest{
		ClientID:     testClient,
		ClientSecret: testSecret,
		GrantType:    GrantAuthorizationCode,
		Code:         started.SessionID,
		CodeVerifier: testVerifier,
	})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.AccessToken == "" || resp.IDToken == "" {
		t.Error("exchange must return access and ID tokens for scope openid")
	}
	if !strings.HasPrefix(resp.AccessToken, issuer.DefaultTokenPrefix) {
		t.Errorf("access token %q lacks scheme prefix", resp.AccessToken)
	}
	if resp.ExpiresIn <= 0 {
		t.Errorf("expires_in = %d", resp.ExpiresIn)
	}
}

func TestExchangeConsumesSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	started := startS256(t, e)
	if _, err := e.coordinator.Return(ctx, testTenant, started.SessionID, 42); err != nil {
		t.Fatalf("Return: %v", err)
	}

	req := ExchangeRequest{
		ClientID:     testClient,
		ClientSecret: testSecret,
		GrantType:    GrantAuthorizationCode,
		Code:         started.SessionID,
		CodeVerifier: testVerifier,
	}
	if _, err := e.coordinator.Exchange(ctx, testTenant, req); err != nil {
		t.Fatalf("first Exchange: %v", err)
	}

	// replaying the code must fail: the session was consumed by the
	// first exchange
	if _, err := e.coordinator.Exchange(ctx, testTenant, req); !errors.Is(err, core.ErrInvalidCode) {
		t.Fatalf("replayed exchange: got %v, want ErrInvalidCode", err)
	}
}

func TestExchangeConcurrentSingleUse(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	started := startS256(t, e)
	if _, err := e.coordinator.Return(ctx, testTenant, started.SessionID, 42); err != nil {
		t.Fatalf("Return: %v", err)
	}

	req := ExchangeRequest{
		ClientID:     testClient,
		ClientSecret: testSecret,
		GrantType:    GrantAuthorizationCode,
		Code:         started.SessionID,
		CodeVerifier: testVerifier,
	}

	const racers = 8
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.coordinator.Exchange(ctx, testTenant, req)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var minted, rejected int
	for err := range errs {
		switch {
		case err == nil:
			minted++
		case errors.Is(err, core.ErrInvalidCode):
			rejected++
		default:
			t.Errorf("unexpected exchange error: %v", err)
		}
	}
	if minted != 1 || rejected != racers-1 {
		t.Fatalf("minted=%d rejected=%d, want exactly one mint", minted, rejected)
	}

	active, err := e.tokens.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Errorf("issued %d token records, want 1", len(active))
	}
}

func TestExchangeWrongVerifier(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	started := startS256(t, e)
	if _, err := e.coordinator.Return(ctx, testTenant, started.SessionID, 42); err != nil {
		t.Fatalf("Return: %v", err)
	}

	_, err := e.coordinator.Exchange(ctx, testTenant, ExchangeRequest{
		ClientID:     testClient,
		ClientSecret: testSecret,
		GrantType:    GrantAuthorizationCode,
		Code:         started.SessionID,
		CodeVerifier: strings.Repeat("z", 43),
	})
	if !errors.Is(err, core.ErrWrongVerifier) {
		t.Fatalf("got %v, want ErrWrongVerifier", err)
	}

	// no token may have been issued
	active, _ := e.tokens.ListActive(ctx)
	if len(active) != 0 {
		t.Errorf("failed exchange issued %d tokens", len(active))
	}
}

func TestExchangeMalformedVerifier(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	started := startS256(t, e)
	if _, err := e.coordinator.Return(ctx, testTenant, started.SessionID, 42); err != nil {
		t.Fatalf("Return: %v", err)
	}

	for _, verifier := range []string{"", "short", strings.Repeat("a", 42) + "!"} {
		_, err := e.coordinator.Exchange(ctx, testTenant, ExchangeRequest{
			ClientID:     testClient,
			ClientSecret: testSecret,
			GrantType:    GrantAuthorizationCode,
			Code:         started.SessionID,
			CodeVerifier: verifier,
		})
		var flowErr *core.FlowError
		if !errors.As(err, &flowErr) {
			t.Errorf("verifier %q: got %v, want FlowError", verifier, err)
		}
	}
}

func TestExchangeUnknownCode(t *testing.T) {
	e := newEnv(t)

	_, err := e.coordinator.Exchange(context.Background(), testTenant, ExchangeRequest{
		ClientID:     testClient,
		ClientSecret: testSecret,
		GrantType:    GrantAuthorizationCode,
		Code:         "never-created",
	})
	if !errors.Is(err, core.ErrInvalidCode) {
		t.Fatalf("got %v, want ErrInvalidCode", err)
	}
	if err.Error() != "Invalid or expired code" {
		t.Errorf("error message %q leaks detail", err.Error())
	}
}

func TestExchangeUnauthenticatedSession(t *testing.T) {
	e := newEnv(t)

	// exchange before the return step bound a subject
	started := startS256(t, e)
	_, err := e.coordinator.Exchange(context.Background(), testTenant, ExchangeRequest{
		ClientID:     testClient,
		ClientSecret: testSecret,
		GrantType:    GrantAuthorizationCode,
		Code:         started.SessionID,
		CodeVerifier: testVerifier,
	})
	if !errors.Is(err, core.ErrInvalidCode) {
		t.Fatalf("got %v, want ErrInvalidCode", err)
	}
}

func TestExchangeClientChecks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	started := startS256(t, e)
	if _, err := e.coordinator.Return(ctx, testTenant, started.SessionID, 42); err != nil {
		t.Fatalf("Return: %v", err)
	}

	_, err := e.coordinator.Exchange(ctx, testTenant, ExchangeRequest{
		ClientID:     testClient,
		ClientSecret: "wrong",
		GrantType:    GrantAuthorizationCode,
		Code:         started.SessionID,
		CodeVerifier: testVerifier,
	})
	var clientErr *core.ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("wrong secret: got %v, want ClientError", err)
	}

	_, err = e.coordinator.Exchange(ctx, testTenant, ExchangeRequest{
		ClientID:     "unknown",
		ClientSecret: testSecret,
		GrantType:    GrantAuthorizationCode,
		Code:         started.SessionID,
	})
	if !errors.As(err, &clientErr) {
		t.Fatalf("unknown client: got %v, want ClientError", err)
	}

	_, err = e.coordinator.Exchange(ctx, testTenant, ExchangeRequest{
		ClientID:     testClient,
		ClientSecret: testSecret,
		GrantType:    "client_credentials",
		Code:         started.SessionID,
	})
	var flowErr *core.FlowError
	if !errors.As(err, &flowErr) {
		t.Fatalf("bad grant type: got %v, want FlowError", err)
	}
}

func TestStartValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  AuthorizeRequest
	}{
		{
			name: "unknown client",
			req:  AuthorizeRequest{ClientID: "ghost", RedirectURI: testCallback},
		},
		{
			name: "unregistered redirect uri",
			req:  AuthorizeRequest{ClientID: testClient, RedirectURI: "https://evil.example.com/cb"},
		},
		{
			name: "redirect uri prefix is not enough",
			req:  AuthorizeRequest{ClientID: testClient, RedirectURI: testCallback + "/extra"},
		},
		{
			name: "challenge without method",
			req:  AuthorizeRequest{ClientID: testClient, RedirectURI: testCallback, CodeChallenge: "abc"},
		},
		{
			name: "invalid challenge method",
			req: AuthorizeRequest{
				ClientID: testClient, RedirectURI: testCallback,
				CodeChallenge: "abc", CodeChallengeMethod: "S512",
			},
		},
		{
			name: "method without challenge",
			req:  AuthorizeRequest{ClientID: testClient, RedirectURI: testCallback, CodeChallengeMethod: "S256"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.coordinator.Start(ctx, testTenant, tt.req); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestReturnUnknownSession(t *testing.T) {
	e := newEnv(t)
	_, err := e.coordinator.Return(context.Background(), testTenant, "never-created", 42)
	if !errors.Is(err, core.ErrInvalidCode) {
		t.Fatalf("got %v, want ErrInvalidCode", err)
	}
}

func TestReturnVetoClosesSession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	started := startS256(t, e)
	e.hook.veto = &core.Veto{Reason: "mfa required", RedirectURL: "https://idp.example.com/mfa"}

	ret, err := e.coordinator.Return(ctx, testTenant, started.SessionID, 42)
	if err != nil {
		t.Fatalf("Return: %v", err)
	}
	if !ret.Denied || ret.RedirectURL != "https://idp.example.com/mfa" {
		t.Fatalf("unexpected result %+v", ret)
	}

	// the vetoed session is gone
	if _, err := e.sessions.Get(ctx, started.SessionID); !errors.Is(err, core.ErrSessionNotFound) {
		t.Errorf("vetoed session still resolvable: %v", err)
	}
}

func TestPlainChallengeFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.coordinator.Start(ctx, testTenant, AuthorizeRequest{
		ClientID:            testClient,
		Scope:               "openid",
		RedirectURI:         testCallback,
		CodeChallenge:       testVerifier,
		CodeChallengeMethod: "plain",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := e.coordinator.Return(ctx, testTenant, res.SessionID, 42); err != nil {
		t.Fatalf("Return: %v", err)
	}
	if _, err := e.coordinator.Exchange(ctx, testTenant, ExchangeRequest{
		ClientID:     testClient,
		ClientSecret: testSecret,
		GrantType:    GrantAuthorizationCode,
		Code:         res.SessionID,
		CodeVerifier: testVerifier,
	}); err != nil {
		t.Fatalf("Exchange: %v", err)
	}
}
