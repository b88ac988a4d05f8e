/*
Package login implements the OAuth2 authorization-code flow against the
identity provider. It hands the browser an authorization URL, keeps the
issued state tokens in the document store, and on callback exchanges the
code, loads the user's profile and registers the user.
*/
package login

import (
	"context"
	"crypto/sha1"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"github.com/harborside-tech/marina/core/access"
	"github.com/harborside-tech/marina/core/backend"
	"github.com/harborside-tech/marina/core/logger"
	"github.com/harborside-tech/marina/core/store"
)

const kindState = "States"

// Flow drives the authorization-code flow.
type Flow struct {
	config     *oauth2.Config
	store      store.Store
	verifier   access.Verifier
	profileURL string
}

// Builder is a builder helper for the Flow
type Builder struct {
	// Config is the OAuth2 client configuration. This is mandatory.
	Config *oauth2.Config
	// Store keeps the issued state tokens. This is mandatory.
	Store store.Store
	// Verifier extracts the subject from the returned identity token.
	// This is mandatory.
	Verifier access.Verifier
	// ProfileURL is the provider endpoint serving the user's profile.
	// This is mandatory.
	ProfileURL string
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// New realizes the login flow and adds its routes to the router.
func New(bb *Builder) *Flow {
	if bb.Config == nil {
		panic("Config is missing")
	}
	if bb.Store == nil {
		panic("Store is missing")
	}
	if bb.Verifier == nil {
		panic("Verifier is missing")
	}
	if bb.ProfileURL == "" {
		panic("ProfileURL is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}

	f := &Flow{
		config:     bb.Config,
		store:      bb.Store,
		verifier:   bb.Verifier,
		profileURL: bb.ProfileURL,
	}
	logger.AddRequestID(bb.Router)
	bb.Router.HandleFunc("/", f.bannerHandler).Methods(http.MethodGet)
	bb.Router.HandleFunc("/login", f.loginHandler).Methods(http.MethodGet)
	bb.Router.HandleFunc("/oauth", f.callbackHandler).Methods(http.MethodGet)
	return f
}

// stateDocument is what gets persisted per issued state token.
type stateDocument struct {
	State string `json:"state"`
}

// stateKey derives a stable numeric store key from the state token.
func stateKey(state string) store.Key {
	sum := sha1.Sum([]byte(state))
	var id int64
	for _, b := range sum[:8] {
		id = id<<8 | int64(b)
	}
	if id < 0 {
		id = -id
	}
	return store.Key{Kind: kindState, ID: id}
}

// issueState creates and persists a fresh state token.
func (f *Flow) issueState(ctx context.Context) (string, error) {
	state := uuid.NewString()
	if err := f.store.Put(ctx, stateKey(state), stateDocument{State: state}); err != nil {
		return "", err
	}
	return state, nil
}

// consumeState reports whether the state token was issued by us, and
// removes it so it cannot be replayed.
func (f *Flow) consumeState(ctx context.Context, state string) (bool, error) {
	key := stateKey(state)
	var doc stateDocument
	err := f.store.Get(ctx, key, &doc)
	if err == store.ErrNoSuchEntity {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if doc.State != state {
		return false, nil
	}
	if err := f.store.Delete(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}

func (f *Flow) bannerHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "marina login",
		"login":   "/login",
	})
}

func (f *Flow) loginHandler(w http.ResponseWriter, r *http.Request) {
	state, err := f.issueState(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3001: cannot persist state")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"oauth_url": f.config.AuthCodeURL(state),
	})
}

// Profile is the subset of the provider profile the callback returns.
type Profile struct {
	Names []struct {
		DisplayName string `json:"displayName"`
		GivenName   string `json:"givenName"`
		FamilyName  string `json:"familyName"`
	} `json:"names"`
}

// LoginResult is the callback response.
type LoginResult struct {
	Subject string  `json:"sub"`
	IDToken string  `json:"id_token"`
	Profile Profile `json:"profile"`
}

func (f *Flow) callbackHandler(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	query := r.URL.Query()
	state := query.Get("state")
	code := query.Get("code")

	known, err := f.consumeState(r.Context(), state)
	if err != nil {
		rlog.WithError(err).Errorln("Error 3002: cannot look up state")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if state == "" || !known {
		writeError(w, http.StatusForbidden, "unknown state")
		return
	}

	token, err := f.config.Exchange(r.Context(), code)
	if err != nil {
		rlog.WithError(err).Errorln("Error 3003: code exchange failed")
		writeError(w, http.StatusBadGateway, "code exchange failed")
		return
	}

	idToken, _ := token.Extra("id_token").(string)
	subject, err := f.verifier.Verify(r.Context(), idToken)
	if err != nil {
		rlog.WithError(err).Errorln("Error 3004: invalid identity token")
		writeError(w, http.StatusBadGateway, "invalid identity token")
		return
	}

	profile, err := f.fetchProfile(r.Context(), token)
	if err != nil {
		rlog.WithError(err).Errorln("Error 3005: cannot fetch profile")
		writeError(w, http.StatusBadGateway, "cannot fetch profile")
		return
	}

	name := subject
	if len(profile.Names) > 0 {
		name = profile.Names[0].DisplayName
	}
	if _, err := backend.UpsertUser(r.Context(), f.store, subject, name); err != nil {
		rlog.WithError(err).Errorln("Error 3006: cannot register user")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, LoginResult{
		Subject: subject,
		IDToken: idToken,
		Profile: *profile,
	})
}

func (f *Flow) fetchProfile(ctx context.Context, token *oauth2.Token) (*Profile, error) {
	client := f.config.Client(ctx, token)
	res, err := client.Get(f.profileURL)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	var profile Profile
	if err := json.NewDecoder(res.Body).Decode(&profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func writeJSON(w http.ResponseWriter, status int, object interface{}) {
	jsonData, _ := json.Marshal(object)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
