package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"quickfix/internal/ratelimit"
	"quickfix/internal/usertoken"
	"quickfix/pkg/changefeed"
	"quickfix/pkg/domain"
	"quickfix/pkg/kv"
	"quickfix/pkg/store"
	"quickfix/services/gateway/internal/booking"
	"quickfix/services/gateway/internal/chat"
	"quickfix/services/gateway/internal/identityclient"
	"quickfix/services/gateway/internal/metrics"
	"quickfix/services/gateway/internal/session"
)

const testPassword = "Secret#123"

type stubGenerator struct {
	mu    sync.Mutex
	reply string
	err   error
}

func (g *stubGenerator) Reply(context.Context, []domain.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reply, g.err
}

func (g *stubGenerator) set(reply string, err error) {
	g.mu.Lock()
	g.reply, g.err = reply, err
	g.mu.Unlock()
}

// fakeIdentity stands in for the identity service over HTTP.
type fakeIdentity struct {
	mu         sync.Mutex
	principals map[string]domain.Principal // email -> principal
	tokens     map[string]domain.Principal // access token -> principal
	signed     map[string]string           // principal id -> access token
}

func (f *fakeIdentity) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /identity/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Email, Password string }
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		p, ok := f.principals[req.Email]
		token := f.signed[p.ID]
		if ok {
			f.tokens[token] = p
		}
		f.mu.Unlock()
		if !ok || req.Password != testPassword {
			writeError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		writeJSON(w, http.StatusOK, identityclient.AuthResult{
			AccessToken:  token,
			RefreshToken: "refresh-" + p.ID,
			TokenType:    "Bearer",
			ExpiresIn:    900,
			User:         p,
		})
	})
	mux.HandleFunc("POST /identity/logout", func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Lock()
		delete(f.tokens, token)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /identity/me", func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Lock()
		p, ok := f.tokens[token]
		f.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		writeJSON(w, http.StatusOK, p)
	})
	mux.HandleFunc("POST /identity/password/reset", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /identity/admin/users", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		items := make([]domain.Principal, 0, len(f.principals))
		for _, p := range f.principals {
			items = append(items, p)
		}
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
	})
	return mux
}

type harness struct {
	t       *testing.T
	url     string
	store   *store.MemoryStore
	feed    *changefeed.MemoryFeed
	gen     *stubGenerator
	metrics *metrics.Metrics
	tokens  map[string]string // principal id -> access token
}

func newHarness(t *testing.T, limiters Limiters) *harness {
	t.Helper()
	verifier, key := newJWKSVerifier(t)
	people := []domain.Principal{
		{ID: "u-asha", Email: "asha@example.com", Role: domain.RoleUser, Status: domain.StatusActive,
			Metadata: map[string]string{domain.MetaFirstName: "Asha", domain.MetaLastName: "Rao"}},
		{ID: "u-ravi", Email: "ravi@example.com", Role: domain.RoleUser, Status: domain.StatusActive},
		{ID: "u-ops", Email: "ops@example.com", Role: domain.RoleAdmin, Status: domain.StatusActive},
	}
	fake := &fakeIdentity{
		principals: make(map[string]domain.Principal),
		tokens:     make(map[string]domain.Principal),
		signed:     make(map[string]string),
	}
	tokens := make(map[string]string)
	for _, p := range people {
		tok := mustSignUserToken(t, key, p.ID)
		fake.principals[p.Email] = p
		fake.tokens[tok] = p
		fake.signed[p.ID] = tok
		tokens[p.ID] = tok
	}
	identitySrv := httptest.NewServer(fake.handler())
	t.Cleanup(identitySrv.Close)
	identity := identityclient.NewClient(identitySrv.URL)

	provider, err := session.NewProvider(session.Config{Identity: identity, Verifier: verifier})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	mem := store.NewMemoryStore()
	feed := changefeed.NewMemoryFeed()
	bookings := store.NewPublishingBookingStore(mem, feed)
	access := booking.NewOperatorAccess(kv.NewMemoryStore(), time.Minute)
	gen := &stubGenerator{reply: "Sounds like a weak battery."}
	relay, err := chat.NewRelay(chat.Config{Store: kv.NewMemoryStore(), Generator: gen, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	m := metrics.New()

	gw, err := New(Config{
		Sessions:        provider,
		Account:         identity,
		Submitter:       booking.NewSubmitter(bookings),
		Lister:          booking.NewLister(bookings, access),
		Access:          access,
		Feed:            feed,
		Chat:            relay,
		Metrics:         m,
		Limiters:        limiters,
		StreamHeartbeat: time.Hour,
	})
	if err != nil {
		t.Fatalf("new gateway server: %v", err)
	}
	srv := httptest.NewServer(gw.Router())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = feed.Close() })
	return &harness{t: t, url: srv.URL, store: mem, feed: feed, gen: gen, metrics: m, tokens: tokens}
}

func (h *harness) do(method, path, principalID string, body any, headers ...string) (*http.Response, map[string]any) {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req, _ := http.NewRequest(method, h.url+path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if principalID != "" {
		req.Header.Set("Authorization", "Bearer "+h.tokens[principalID])
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func bookingForm() domain.BookingForm {
	return domain.BookingForm{
		Name:         "Asha Rao",
		Email:        "asha@example.com",
		Phone:        "9876543210",
		ServiceType:  "Oil Change",
		VehicleMake:  "Honda",
		VehicleModel: "City",
		VehicleYear:  2019,
		Date:         time.Now().UTC().AddDate(0, 0, 10).Format(domain.DateLayout),
		Address:      "12 MG Road",
		Area:         "Gachibowli",
		ServiceMode:  "onsite",
	}
}

func TestSubmitBookingRequiresSession(t *testing.T) {
	h := newHarness(t, Limiters{})

	resp, body := h.do(http.MethodPost, "/api/bookings", "", bookingForm())
	if resp.StatusCode != http.StatusUnauthorized || body["redirect"] != "/auth" {
		t.Fatalf("expected 401 with redirect, got %d %v", resp.StatusCode, body)
	}
	invalid := bookingForm()
	invalid.VehicleYear = 1899
	resp, body = h.do(http.MethodPost, "/api/bookings", "", invalid)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "validation failed" {
		t.Fatalf("expected validation failure first, got %d %v", resp.StatusCode, body)
	}
	fields, _ := body["fields"].(map[string]any)
	if _, ok := fields["vehicleYear"]; !ok {
		t.Fatalf("expected vehicleYear field error, got %v", body)
	}
	if rows, _ := h.store.ListBookings(context.Background(), store.BookingQuery{}); len(rows) != 0 {
		t.Fatalf("rows written without session: %d", len(rows))
	}
}

func TestBookingLifecycle(t *testing.T) {
	h := newHarness(t, Limiters{})

	form := bookingForm()
	form.Status = "completed"
	resp, created := h.do(http.MethodPost, "/api/bookings", "u-asha", form)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit expected 201, got %d %v", resp.StatusCode, created)
	}
	if created["status"] != "pending" || created["userId"] != "u-asha" {
		t.Fatalf("unexpected booking: %v", created)
	}
	id, _ := created["id"].(string)
	if profile, ok, _ := h.store.GetProfile(context.Background(), "u-asha"); !ok || profile.PhoneNumber != "9876543210" {
		t.Fatalf("profile not upserted: %+v", profile)
	}

	_, list := h.do(http.MethodGet, "/api/bookings", "u-ravi", nil)
	if list["count"] != float64(0) {
		t.Fatalf("ravi sees foreign bookings: %v", list)
	}
	_, list = h.do(http.MethodGet, "/api/bookings", "u-asha", nil)
	if list["count"] != float64(1) {
		t.Fatalf("asha list: %v", list)
	}
	if resp, _ := h.do(http.MethodGet, "/api/bookings?scope=all", "u-asha", nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-operator scope=all expected 403, got %d", resp.StatusCode)
	}
	if _, all := h.do(http.MethodGet, "/api/bookings?scope=all", "u-ops", nil); all["count"] != float64(1) {
		t.Fatalf("operator list: %v", all)
	}
	if resp, _ := h.do(http.MethodGet, "/api/bookings", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous list expected 401, got %d", resp.StatusCode)
	}

	if resp, _ := h.do(http.MethodDelete, "/api/bookings/"+id, "u-asha", nil); resp.StatusCode != http.StatusPreconditionRequired {
		t.Fatalf("unconfirmed delete expected 428, got %d", resp.StatusCode)
	}
	resp, body := h.do(http.MethodDelete, "/api/bookings/"+id+"?confirm=true", "u-ravi", nil)
	if resp.StatusCode != http.StatusNotFound || body["count"] != float64(0) {
		t.Fatalf("foreign delete expected 404, got %d %v", resp.StatusCode, body)
	}
	if _, ok, _ := h.store.GetBooking(context.Background(), id); !ok {
		t.Fatalf("foreign delete removed the booking")
	}
	resp, body = h.do(http.MethodDelete, "/api/bookings/"+id, "u-asha", nil, "X-Confirm-Delete", "true")
	if resp.StatusCode != http.StatusOK || body["status"] != "deleted" || body["count"] != float64(0) {
		t.Fatalf("delete expected 200, got %d %v", resp.StatusCode, body)
	}
	if _, list = h.do(http.MethodGet, "/api/bookings", "u-asha", nil); list["count"] != float64(0) {
		t.Fatalf("booking survived delete: %v", list)
	}

	rec := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `quickfix_bookings_submitted_total{outcome="ok"} 1`) {
		t.Fatalf("submission not counted")
	}
}

func TestOperatorStatusUpdate(t *testing.T) {
	h := newHarness(t, Limiters{})
	_, created := h.do(http.MethodPost, "/api/bookings", "u-asha", bookingForm())
	id, _ := created["id"].(string)

	if resp, _ := h.do(http.MethodPatch, "/api/admin/bookings/"+id, "u-asha", map[string]string{"status": "completed"}); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("customer status change expected 403, got %d", resp.StatusCode)
	}
	if resp, _ := h.do(http.MethodPatch, "/api/admin/bookings/"+id, "u-ops", map[string]string{"status": "archived"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown status expected 400, got %d", resp.StatusCode)
	}
	resp, body := h.do(http.MethodPatch, "/api/admin/bookings/"+id, "u-ops", map[string]string{"status": "Completed"})
	if resp.StatusCode != http.StatusOK || body["status"] != "completed" {
		t.Fatalf("status change expected 200, got %d %v", resp.StatusCode, body)
	}
	_, users := h.do(http.MethodGet, "/api/admin/users", "u-ops", nil)
	if users["count"] != float64(3) {
		t.Fatalf("admin users: %v", users)
	}
}

func TestBookingStreamPushesChanges(t *testing.T) {
	h := newHarness(t, Limiters{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.url+"/api/bookings/stream", nil)
	req.Header.Set("Authorization", "Bearer "+h.tokens["u-asha"])
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if resp.Header.Get("X-Accel-Buffering") != "no" || resp.Header.Get("Cache-Control") != "no-cache, no-transform" {
		t.Fatalf("stream headers allow proxy buffering: %v", resp.Header)
	}
	frames := newFrameReader(resp.Body)

	event, data := frames.next(t)
	if event != "bookings" || data["count"] != float64(0) {
		t.Fatalf("unexpected first frame: %s %v", event, data)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.feed.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if r, body := h.do(http.MethodPost, "/api/bookings", "u-asha", bookingForm()); r.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %v", r.StatusCode, body)
	}
	event, data = frames.next(t)
	if event != "bookings" || data["count"] != float64(1) {
		t.Fatalf("unexpected change frame: %s %v", event, data)
	}
}

func TestChatAnonymousTranscript(t *testing.T) {
	h := newHarness(t, Limiters{})

	resp, body := h.do(http.MethodGet, "/api/chat", "", nil)
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == clientCookieName {
			cookie = c
		}
	}
	if cookie == nil || !cookie.HttpOnly {
		t.Fatalf("client cookie not issued: %v", resp.Cookies())
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("expected greeting, got %v", body)
	}

	withCookie := func(method string, payload any) (*http.Response, map[string]any) {
		var reader io.Reader
		if payload != nil {
			data, _ := json.Marshal(payload)
			reader = bytes.NewReader(data)
		}
		req, _ := http.NewRequest(method, h.url+"/api/chat", reader)
		req.AddCookie(cookie)
		r, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("chat request: %v", err)
		}
		defer r.Body.Close()
		out := map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&out)
		return r, out
	}

	resp, body = withCookie(http.MethodPost, map[string]string{"text": "car won't start"})
	reply, _ := body["reply"].(map[string]any)
	if resp.StatusCode != http.StatusOK || reply["text"] != "Sounds like a weak battery." {
		t.Fatalf("unexpected reply: %d %v", resp.StatusCode, body)
	}

	h.gen.set("", io.ErrUnexpectedEOF)
	resp, body = withCookie(http.MethodPost, map[string]string{"text": "still dead"})
	reply, _ = body["reply"].(map[string]any)
	if resp.StatusCode != http.StatusOK || reply["fallback"] != true || reply["text"] != chat.Fallback {
		t.Fatalf("expected fallback reply, got %d %v", resp.StatusCode, body)
	}
	if resp, _ = withCookie(http.MethodPost, map[string]string{"text": "   "}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message expected 400, got %d", resp.StatusCode)
	}

	_, body = withCookie(http.MethodGet, nil)
	if msgs, _ := body["messages"].([]any); len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if _, other := h.do(http.MethodGet, "/api/chat", "", nil); len(other["messages"].([]any)) != 1 {
		t.Fatalf("transcript leaked to another visitor")
	}
	_, body = withCookie(http.MethodDelete, nil)
	if msgs, _ := body["messages"].([]any); len(msgs) != 1 {
		t.Fatalf("clear should leave the greeting, got %v", body)
	}
}

func TestLoginMeLogout(t *testing.T) {
	h := newHarness(t, Limiters{})
	creds := map[string]string{"email": "asha@example.com", "password": testPassword}

	if resp, body := h.do(http.MethodPost, "/api/auth/login", "", map[string]string{"email": "asha@example.com", "password": "nope"}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password expected 401, got %d %v", resp.StatusCode, body)
	}
	resp, body := h.do(http.MethodPost, "/api/auth/login", "", creds)
	if resp.StatusCode != http.StatusOK || body["accessToken"] != h.tokens["u-asha"] || body["tokenType"] != "Bearer" {
		t.Fatalf("login: %d %v", resp.StatusCode, body)
	}
	var refresh *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "qf_refresh" {
			refresh = c
		}
	}
	if refresh == nil || !refresh.HttpOnly || refresh.Value != "refresh-u-asha" {
		t.Fatalf("refresh cookie not set: %v", resp.Cookies())
	}

	if resp, me := h.do(http.MethodGet, "/api/auth/me", "u-asha", nil); resp.StatusCode != http.StatusOK || me["email"] != "asha@example.com" {
		t.Fatalf("me: %d %v", resp.StatusCode, me)
	}
	resp, body = h.do(http.MethodPost, "/api/auth/logout", "u-asha", nil)
	if resp.StatusCode != http.StatusOK || body["redirect"] != "/auth" {
		t.Fatalf("logout: %d %v", resp.StatusCode, body)
	}
	if resp, _ := h.do(http.MethodGet, "/api/auth/me", "u-asha", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("me after logout expected 401, got %d", resp.StatusCode)
	}
}

func TestPasswordResetIsUniform(t *testing.T) {
	h := newHarness(t, Limiters{})
	for _, email := range []string{"asha@example.com", "nobody@example.com"} {
		if resp, _ := h.do(http.MethodPost, "/api/auth/password/reset", "", map[string]string{"email": email}); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("reset for %s expected 202, got %d", email, resp.StatusCode)
		}
	}
	if resp, _ := h.do(http.MethodPost, "/api/auth/password/reset", "", map[string]string{"email": " "}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank email expected 400, got %d", resp.StatusCode)
	}
}

func TestWhatsAppLinkAndCatalog(t *testing.T) {
	h := newHarness(t, Limiters{})
	resp, body := h.do(http.MethodPost, "/api/bookings/whatsapp-link", "", map[string]string{
		"name": "Asha", "phone": "9876543210", "issue": "flat tyre", "location": "Kondapur",
	})
	link, _ := body["url"].(string)
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(link, "https://wa.me/917337243180?text=") {
		t.Fatalf("whatsapp link: %d %v", resp.StatusCode, body)
	}
	if resp, body := h.do(http.MethodPost, "/api/bookings/whatsapp-link", "", map[string]string{"name": "Asha"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("incomplete request expected 400, got %d %v", resp.StatusCode, body)
	}
	_, catalog := h.do(http.MethodGet, "/api/catalog", "", nil)
	if areas, _ := catalog["serviceAreas"].([]any); len(areas) != len(domain.ServiceAreas) {
		t.Fatalf("catalog: %v", catalog)
	}
}

func TestLoginRateLimit(t *testing.T) {
	limiter := mustLocalLimiter(t, 1)
	h := newHarness(t, Limiters{Login: limiter})
	creds := map[string]string{"email": "asha@example.com", "password": testPassword}
	if resp, _ := h.do(http.MethodPost, "/api/auth/login", "", creds); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", resp.StatusCode)
	}
	resp, _ := h.do(http.MethodPost, "/api/auth/login", "", creds)
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("second request expected 429, got %d", resp.StatusCode)
	}
}

func mustLocalLimiter(t *testing.T, limit int) ratelimit.Limiter {
	t.Helper()
	limiter, err := ratelimit.NewLocalFixedWindowLimiter(limit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter
}

type frameReader struct {
	lines chan string
}

func newFrameReader(r io.Reader) *frameReader {
	fr := &frameReader{lines: make(chan string, 64)}
	go func() {
		defer close(fr.lines)
		buf := make([]byte, 0, 4096)
		chunk := make([]byte, 1024)
		for {
			n, err := r.Read(chunk)
			buf = append(buf, chunk[:n]...)
			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				fr.lines <- string(buf[:idx])
				buf = buf[idx+1:]
			}
			if err != nil {
				return
			}
		}
	}()
	return fr
}

// next returns the next event frame, skipping comments.
func (fr *frameReader) next(t *testing.T) (string, map[string]any) {
	t.Helper()
	var event string
	var data map[string]any
	timeout := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-fr.lines:
			if !ok {
				t.Fatalf("stream closed")
			}
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				_ = json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data)
			case line == "" && event != "":
				return event, data
			}
		case <-timeout:
			t.Fatalf("no frame within timeout")
		}
	}
}

func newJWKSVerifier(t *testing.T) (*usertoken.Verifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{
					"kty": "RSA",
					"kid": "kid-1",
					"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
				},
			},
		})
	}))
	t.Cleanup(jwksServer.Close)

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "quickfix-identity",
		Audience: "quickfix-web",
		Leeway:   30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return verifier, key
}

func mustSignUserToken(t *testing.T, key *rsa.PrivateKey, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "quickfix-identity",
		Audience:  jwt.ClaimStrings{"quickfix-web"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
		ID:        subject + "-jti",
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
