package login

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"github.com/harborside-tech/marina/core/client"
	"github.com/harborside-tech/marina/core/store"
)

const (
	testSubject = "108365467826931247510"
	testIDToken = "test-id-token"
	goodCode    = "good-code"
)

// stubVerifier accepts exactly one raw token.
type stubVerifier struct {
	subject string
}

func (v stubVerifier) Verify(ctx context.Context, rawToken string) (string, error) {
	if rawToken != testIDToken {
		return "", errors.New("unexpected token")
	}
	return v.subject, nil
}

// newFakeProvider serves the provider's token and profile endpoints. The
// token endpoint only accepts goodCode.
func newFakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			r.ParseForm()
			if r.Form.Get("code") != goodCode {
				http.Error(w, `{"error": "invalid_grant"}`, http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"access_token": "at", "token_type": "Bearer", "expires_in": 3600, "id_token": %q}`, testIDToken)
		case "/profile":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"names": [{"displayName": "Alice Waters", "givenName": "Alice", "familyName": "Waters"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestFlow(t *testing.T) (client.Client, *store.MemStore) {
	t.Helper()
	provider := newFakeProvider(t)
	router := mux.NewRouter()
	memStore := store.NewMemStore()
	New(&Builder{
		Config: &oauth2.Config{
			ClientID:     "marina-client-id",
			ClientSecret: "secret",
			RedirectURL:  "http://localhost/oauth",
			Scopes:       []string{"openid", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   provider.URL + "/auth",
				TokenURL:  provider.URL + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		Store:      memStore,
		Verifier:   stubVerifier{subject: testSubject},
		ProfileURL: provider.URL + "/profile",
		Router:     router,
	})
	return client.NewWithRouter(router), memStore
}

// beginLogin requests an authorization URL and returns the state it carries.
func beginLogin(t *testing.T, cl client.Client) string {
	t.Helper()
	response := map[string]string{}
	status, err := cl.RawGet("/login", &response)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	oauthURL, err := url.Parse(response["oauth_url"])
	require.NoError(t, err)
	state := oauthURL.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestBanner(t *testing.T) {
	cl, _ := newTestFlow(t)
	response := map[string]string{}
	status, err := cl.RawGet("/", &response)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/login", response["login"])
}

func TestLoginRoundTrip(t *testing.T) {
	cl, memStore := newTestFlow(t)
	state := beginLogin(t, cl)

	result := LoginResult{}
	status, err := cl.RawGet("/oauth?code="+goodCode+"&state="+state, &result)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, testSubject, result.Subject)
	assert.Equal(t, testIDToken, result.IDToken)
	require.Len(t, result.Profile.Names, 1)
	assert.Equal(t, "Alice Waters", result.Profile.Names[0].DisplayName)

	// the user got registered under the truncated subject
	users, err := memStore.Run(context.Background(), store.Query{Kind: "Users"})
	require.NoError(t, err)
	require.Len(t, users.Items, 1)
	assert.Contains(t, string(users.Items[0]), testSubject[:16])
	assert.Contains(t, string(users.Items[0]), "Alice Waters")
}

func TestLoginStateCannotBeReplayed(t *testing.T) {
	cl, _ := newTestFlow(t)
	state := beginLogin(t, cl)

	status, err := cl.RawGet("/oauth?code="+goodCode+"&state="+state, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)

	status, _ = cl.RawGet("/oauth?code="+goodCode+"&state="+state, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestLoginUnknownState(t *testing.T) {
	cl, _ := newTestFlow(t)

	status, _ := cl.RawGet("/oauth?code="+goodCode+"&state=never-issued", nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = cl.RawGet("/oauth?code="+goodCode, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestLoginExchangeFailure(t *testing.T) {
	cl, _ := newTestFlow(t)
	state := beginLogin(t, cl)

	status, _ := cl.RawGet("/oauth?code=bad-code&state="+state, nil)
	assert.Equal(t, http.StatusBadGateway, status)
}
