package backend

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gorilla/mux"

	"github.com/harborside-tech/marina/core/client"
	"github.com/harborside-tech/marina/core/store"
)

const (
	aliceSubject = "108365467826931247510"
	bobSubject   = "204775867826930011473"
)

func newTestBackend(t *testing.T) (client.Client, *store.MemStore) {
	t.Helper()
	router := mux.NewRouter()
	memStore := store.NewMemStore()
	New(&Builder{
		Store:  memStore,
		Router: router,
	})
	return client.NewWithRouter(router), memStore
}

func createBoat(t *testing.T, cl client.Client, name string) Boat {
	t.Helper()
	boat := Boat{}
	_, err := cl.RawPost("/boats", map[string]interface{}{
		"name":   name,
		"type":   "Sailboat",
		"length": 28.5,
	}, &boat)
	require.NoError(t, err)
	return boat
}

func createLoad(t *testing.T, cl client.Client, item string) Load {
	t.Helper()
	load := Load{}
	_, err := cl.RawPost("/loads", map[string]interface{}{
		"volume":        4.5,
		"item":          item,
		"creation_date": "2024-03-01",
	}, &load)
	require.NoError(t, err)
	return load
}

func TestBoatCreate(t *testing.T) {
	cl, _ := newTestBackend(t)
	alice := cl.WithSubject(aliceSubject)

	boat := Boat{}
	status, err := alice.RawPost("/boats", map[string]interface{}{
		"name":   "Orca",
		"type":   "Sailboat",
		"length": 40,
	}, &boat)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "Orca", boat.Name)
	assert.Equal(t, 40.0, boat.Length)
	assert.Equal(t, aliceSubject, boat.Owner)
	assert.NotZero(t, boat.ID)
	assert.Equal(t, []LoadRef{}, boat.Loads)
	assert.True(t, strings.HasSuffix(boat.Self, fmt.Sprintf("/boats/%d", boat.ID)))
}

func TestBoatCreateMissingAttributes(t *testing.T) {
	cl, _ := newTestBackend(t)
	alice := cl.WithSubject(aliceSubject)

	for _, body := range []map[string]interface{}{
		{},
		{"name": "Orca"},
		{"name": "Orca", "type": "Sailboat"},
		{"name": "Orca", "length": 40},
		{"type": "Sailboat", "length": 40},
	} {
		status, _ := alice.RawPost("/boats", body, nil)
		assert.Equal(t, http.StatusBadRequest, status)
	}
}

func TestBoatRequiresAuthentication(t *testing.T) {
	cl, _ := newTestBackend(t)

	status, _ := cl.RawPost("/boats", map[string]interface{}{
		"name": "Orca", "type": "Sailboat", "length": 40,
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = cl.RawGet("/boats", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = cl.RawDelete("/boats/1")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestBoatGetOwnership(t *testing.T) {
	cl, _ := newTestBackend(t)
	alice := cl.WithSubject(aliceSubject)
	bob := cl.WithSubject(bobSubject)

	boat := createBoat(t, alice, "Orca")

	got := Boat{}
	status, err := alice.RawGet(fmt.Sprintf("/boats/%d", boat.ID), &got)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, boat.ID, got.ID)

	// existence is checked before ownership, so a non-owner gets 401
	status, _ = bob.RawGet(fmt.Sprintf("/boats/%d", boat.ID), nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = alice.RawGet("/boats/424242", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestBoatListPagination(t *testing.T) {
	cl, _ := newTestBackend(t)
	alice := cl.WithSubject(aliceSubject)
	bob := cl.WithSubject(bobSubject)

	for i := 0; i < 12; i++ {
		createBoat(t, alice, fmt.Sprintf("Boat %d", i))
	}
	// another owner's boats must not show up in alice's listing
	createBoat(t, bob, "Intruder")

	seen := map[int64]bool{}
	path := "/boats"
	pages := 0
	for path != "" {
		page := BoatPage{}
		_, err := alice.RawGet(path, &page)
		require.NoError(t, err)
		assert.Equal(t, 12, page.Total)
		assert.LessOrEqual(t, len(page.Boats), pageLimit)
		for _, boat := range page.Boats {
			assert.False(t, seen[boat.ID], "boat %d repeated", boat.ID)
			seen[boat.ID] = true
		}
		pages++
		path = ""
		if page.Next != "" {
			next, err := url.Parse(page.Next)
			require.NoError(t, err)
			path = next.Path + "?" + next.RawQuery
		}
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 12)
}

func TestBoatPutReplaces(t *testing.T) {
	cl, _ := newTestBackend(t)
	alice := cl.WithSubject(aliceSubject)

	boat := createBoat(t, alice, "Orca")
	load := createLoad(t, cl, "Herring")
	status, err := alice.RawPut(fmt.Sprintf("/boats/%d/loads/%d", boat.ID, load.ID), nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, status)

	status, err = alice.RawPut(fmt.Sprintf("/boats/%d", boat.ID), map[string]interface{}{
		"name":   "Orca II",
		"type":   "Catamaran",
		"length": 36,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	got := Boat{}
	_, err = alice.RawGet(fmt.Sprintf("/boats/%d", boat.ID), &got)
	require.NoError(t, err)
	assert.Equal(t, "Orca II", got.Name)
	assert.Equal(t, "Catamaran", got.Type)
	assert.Equal(t, 36.0, got.Length)
	// owner, loads and self survive the replace
	assert.Equal(t, aliceSubject, got.Owner)
	assert.Equal(t, boat.Self, got.Self)
	require.Len(t, got.Loads, 1)
	assert.Equal(t, load.ID, got.Loads[0].ID)
}

func TestBoatPutUpsert(t *testing.T) {
	cl, _ := newTestBackend(t)
	alice := cl.WithSubject(aliceSubject)

	created := Boat{}
	status, err := alice.RawPut("/boats/424242", map[string]interface{}{
		"name":   "Phantom",
		"type":   "Dinghy",
		"length": 12,
	}, &created)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "Phantom", created.Name)
	assert.Equal(t, aliceSubject, created.Owner)
}

func TestBoatPutNotOwner(t *testing.T) {
	cl, _ := newTestBackend(t)
	alice := cl.WithSubject(aliceSubject)
	bob := cl.WithSubject(bobSubject)

	boat := createBoat(t, alice, "Orca")
	status, _ := bob.RawPut(fmt.Sprintf("/boats/%d", boat.ID), map[string]interface{}{
		"name": "Stolen", "type": "Sloop", "length": 1,
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestBoatPatch(t *testing.T) {
	cl, _ := newTestBackend(t)
	alice := cl.WithSubject(aliceSubject)
	bob := cl.WithSubject(bobSubject)

	boat := createBoat(t, alice, "Orca")

	status, err := alice.RawPatch(fmt.Sprintf("/boats/%d", boat.ID), map[string]interface{}{
		"name": "Orca Renamed",
		// neither of these may change anything
		"id":      424242,
		"unknown": "field",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	got := Boat{}
	_, err = alice.RawGet(fmt.Sprintf("/boats/%d", boat.ID), &got)
	require.NoError(t, err)
	assert.Equal(t, "Orca Renamed", got.Name)
	assert.Equal(t, boat.ID, got.ID)
	assert.Equal(t, boat.Type, got.Type)
	assert.Equal(t, boat.Length, got.Length)

	status, _ = alice.RawPatch("/boats/424242", map[string]interface{}{"name": "x"}, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = bob.RawPatch(fmt.Sprintf("/boats/%d", boat.ID), map[string]interface{}{"name": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = alice.RawPatch(fmt.Sprintf("/boats/%d", boat.ID), map[string]interface{}{"length": "not a number"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAssignAndUnassignLoad(t *testing.T) {
	cl, _ := newTestBackend(t)
	alice := cl.WithSubject(aliceSubject)

	boat := createBoat(t, alice, "Orca")
	load := createLoad(t, cl, "Herring")
	assert.Nil(t, load.Carrier)

	status, err := alice.RawPut(fmt.Sprintf("/boats/%d/loads/%d", boat.ID, load.ID), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	gotBoat := Boat{}
	_, err = alice.RawGet(fmt.Sprintf("/boats/%d", boat.ID), &gotBoat)
	require.NoError(t, err)
	require.Len(t, gotBoat.Loads, 1)
	assert.Equal(t, load.ID, gotBoat.Loads[0].ID)
	assert.Equal(t, load.Self, gotBoat.Loads[0].Self)

	gotLoad := Load{}
	_, err = cl.RawGet(fmt.Sprintf("/loads/%d", load.ID), &gotLoad)
	require.NoError(t, err)
	require.NotNil(t, gotLoad.Carrier)
	assert.Equal(t, boat.ID, gotLoad.Carrier.ID)
	assert.Equal(t, boat.Name, gotLoad.Carrier.Name)
	assert.Equal(t, boat.Self, gotLoad.Carrier.Self)

	status, err = alice.RawDelete(fmt.Sprintf("/boats/%d/loads/%d", boat.ID, load.ID))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	gotBoat = Boat{}
	_, err = alice.RawGet(fmt.Sprintf("/boats/%d", boat.ID), &gotBoat)
	require.NoError(t, err)
	assert.Empty(t, gotBoat.Loads)

	gotLoad = Load{}
	_, err = cl.RawGet(fmt.Sprintf("/loads/%d", load.ID), &gotLoad)
	require.NoError(t, err)
	assert.Nil(t, gotLoad.Carrier)

	// the load is no longer carried, so a second unassign cannot resolve it
	status, _ = alice.RawDelete(fmt.Sprintf("/boats/%d/loads/%d", boat.ID, load.ID))
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAssignLoadAlreadyCarried(t *testing.T) {
	cl, _ := newTestBackend(t)
	alice := cl.WithSubject(aliceSubject)

	first := createBoat(t, alice, "Orca")
	second := createBoat(t, alice, "Beluga")
	load := createLoad(t, cl, "Herring")

	status, err := alice.RawPut(fmt.Sprintf("/boats/%d/loads/%d", first.ID, load.ID), nil, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, status)

	status, _ = alice.RawPut(fmt.Sprintf("/boats/%d/loads/%d", second.ID, load.ID), nil, nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestAssignLoadErrors(t *testing.T) {
	cl, _ := newTestBackend(t)
	alice := cl.WithSubject(aliceSubject)
	bob := cl.WithSubject(bobSubject)

	boat := createBoat(t, alice, "Orca")
	load := createLoad(t, cl, "Herring")

	status, _ := bob.RawPut(fmt.Sprintf("/boats/%d/loads/%d", boat.ID, load.ID), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = alice.RawPut(fmt.Sprintf("/boats/424242/loads/%d", load.ID), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = alice.RawPut(fmt.Sprintf("/boats/%d/loads/424242", boat.ID), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestBoatDeleteClearsCarriers(t *testing.T) {
	cl, _ := newTestBackend(t)
	alice := cl.WithSubject(aliceSubject)

	boat := createBoat(t, alice, "Orca")
	first := createLoad(t, cl, "Herring")
	second := createLoad(t, cl, "Mackerel")
	for _, load := range []Load{first, second} {
		_, err := alice.RawPut(fmt.Sprintf("/boats/%d/loads/%d", boat.ID, load.ID), nil, nil)
		require.NoError(t, err)
	}

	status, err := alice.RawDelete(fmt.Sprintf("/boats/%d", boat.ID))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = alice.RawGet(fmt.Sprintf("/boats/%d", boat.ID), nil)
	assert.Equal(t, http.StatusNotFound, status)

	for _, load := range []Load{first, second} {
		got := Load{}
		_, err := cl.RawGet(fmt.Sprintf("/loads/%d", load.ID), &got)
		require.NoError(t, err)
		assert.Nil(t, got.Carrier)
	}
}

func TestLoadCreateAndGet(t *testing.T) {
	cl, _ := newTestBackend(t)

	load := Load{}
	status, err := cl.RawPost("/loads", map[string]interface{}{
		"volume":        4.5,
		"item":          "Herring",
		"creation_date": "2024-03-01",
	}, &load)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.NotZero(t, load.ID)
	assert.Nil(t, load.Carrier)
	assert.True(t, strings.HasSuffix(load.Self, fmt.Sprintf("/loads/%d", load.ID)))

	got := Load{}
	_, err = cl.RawGet(fmt.Sprintf("/loads/%d", load.ID), &got)
	require.NoError(t, err)
	assert.Equal(t, load, got)

	status, _ = cl.RawGet("/loads/424242", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestLoadCreateMissingAttributes(t *testing.T) {
	cl, _ := newTestBackend(t)

	status, _ := cl.RawPost("/loads", map[string]interface{}{"item": "Herring"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestLoadListPagination(t *testing.T) {
	cl, _ := newTestBackend(t)

	for i := 0; i < 7; i++ {
		createLoad(t, cl, fmt.Sprintf("Crate %d", i))
	}

	page := LoadPage{}
	_, err := cl.RawGet("/loads", &page)
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	assert.Len(t, page.Loads, pageLimit)
	require.NotEmpty(t, page.Next)

	next, err := url.Parse(page.Next)
	require.NoError(t, err)
	rest := LoadPage{}
	_, err = cl.RawGet(next.Path+"?"+next.RawQuery, &rest)
	require.NoError(t, err)
	assert.Len(t, rest.Loads, 2)
	assert.Empty(t, rest.Next)
}

func TestLoadPutPreservesCarrier(t *testing.T) {
	cl, _ := newTestBackend(t)
	alice := cl.WithSubject(aliceSubject)

	boat := createBoat(t, alice, "Orca")
	load := createLoad(t, cl, "Herring")
	_, err := alice.RawPut(fmt.Sprintf("/boats/%d/loads/%d", boat.ID, load.ID), nil, nil)
	require.NoError(t, err)

	status, err := cl.RawPut(fmt.Sprintf("/loads/%d", load.ID), map[string]interface{}{
		"volume":        9.0,
		"item":          "Mackerel",
		"creation_date": "2024-04-01",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	got := Load{}
	_, err = cl.RawGet(fmt.Sprintf("/loads/%d", load.ID), &got)
	require.NoError(t, err)
	assert.Equal(t, "Mackerel", got.Item)
	assert.Equal(t, load.Self, got.Self)
	require.NotNil(t, got.Carrier)
	assert.Equal(t, boat.ID, got.Carrier.ID)
}

func TestLoadPutUpsert(t *testing.T) {
	cl, _ := newTestBackend(t)

	created := Load{}
	status, err := cl.RawPut("/loads/424242", map[string]interface{}{
		"volume":        1.0,
		"item":          "Rope",
		"creation_date": "2024-05-01",
	}, &created)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.NotZero(t, created.ID)
	assert.Equal(t, "Rope", created.Item)
}

func TestLoadPatch(t *testing.T) {
	cl, _ := newTestBackend(t)

	load := createLoad(t, cl, "Herring")
	status, err := cl.RawPatch(fmt.Sprintf("/loads/%d", load.ID), map[string]interface{}{
		"item": "Mackerel",
		"id":   424242,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	got := Load{}
	_, err = cl.RawGet(fmt.Sprintf("/loads/%d", load.ID), &got)
	require.NoError(t, err)
	assert.Equal(t, "Mackerel", got.Item)
	assert.Equal(t, load.ID, got.ID)
	assert.Equal(t, load.Volume, got.Volume)

	status, _ = cl.RawPatch("/loads/424242", map[string]interface{}{"item": "x"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestLoadDeleteRemovesBoatReference(t *testing.T) {
	cl, _ := newTestBackend(t)
	alice := cl.WithSubject(aliceSubject)

	boat := createBoat(t, alice, "Orca")
	load := createLoad(t, cl, "Herring")
	_, err := alice.RawPut(fmt.Sprintf("/boats/%d/loads/%d", boat.ID, load.ID), nil, nil)
	require.NoError(t, err)

	status, err := cl.RawDelete(fmt.Sprintf("/loads/%d", load.ID))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	gotBoat := Boat{}
	_, err = alice.RawGet(fmt.Sprintf("/boats/%d", boat.ID), &gotBoat)
	require.NoError(t, err)
	assert.Empty(t, gotBoat.Loads)

	status, _ = cl.RawGet(fmt.Sprintf("/loads/%d", load.ID), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUserUpsert(t *testing.T) {
	cl, memStore := newTestBackend(t)

	user := User{}
	status, err := cl.RawPost("/users", map[string]interface{}{
		"name": "Alice",
		"id":   aliceSubject,
	}, &user)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, aliceSubject[:16], user.ID)
	assert.Equal(t, "Alice", user.Name)
	assert.Equal(t, []int64{}, user.Boats)

	// registering again with a new name overwrites, it does not duplicate
	status, err = cl.RawPost("/users", map[string]interface{}{
		"name": "Alice B.",
		"id":   aliceSubject,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	result, err := memStore.Run(cl.Context(), store.Query{Kind: kindUser, KeysOnly: true})
	require.NoError(t, err)
	assert.Len(t, result.Keys, 1)
}

func TestUserCreateRejectsNonNumericSubject(t *testing.T) {
	cl, _ := newTestBackend(t)

	status, _ := cl.RawPost("/users", map[string]interface{}{
		"name": "Mallory",
		"id":   "not-a-subject-id-at-all",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUserListOrderedByName(t *testing.T) {
	cl, _ := newTestBackend(t)

	for name, id := range map[string]string{
		"Charlie": "3044755678269300114",
		"Alice":   aliceSubject,
		"Bob":     bobSubject,
	} {
		_, err := cl.RawPost("/users", map[string]interface{}{"name": name, "id": id}, nil)
		require.NoError(t, err)
	}

	listing := struct {
		Users []User `json:"users"`
	}{}
	_, err := cl.RawGet("/users", &listing)
	require.NoError(t, err)
	require.Len(t, listing.Users, 3)
	assert.Equal(t, "Alice", listing.Users[0].Name)
	assert.Equal(t, "Bob", listing.Users[1].Name)
	assert.Equal(t, "Charlie", listing.Users[2].Name)
}

func TestContentNegotiation(t *testing.T) {
	cl, _ := newTestBackend(t)

	status, _ := cl.WithHeader("Accept", "text/html").RawGet("/loads", nil)
	assert.Equal(t, http.StatusNotAcceptable, status)

	status, err := cl.WithHeader("Accept", "*/*").RawGet("/loads", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}
