package backend

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/harborside-tech/marina/core/access"
	"github.com/harborside-tech/marina/core/logger"
	"github.com/harborside-tech/marina/core/store"
)

// Boat is a boat owned by a single user. Loads carries references to the
// loads currently assigned to this boat.
type Boat struct {
	ID     int64     `json:"id"`
	Name   string    `json:"name"`
	Type   string    `json:"type"`
	Length float64   `json:"length"`
	Owner  string    `json:"owner"`
	Loads  []LoadRef `json:"loads"`
	Self   string    `json:"self"`
}

// LoadRef is the boat-side half of the boat and load relation.
type LoadRef struct {
	ID   int64  `json:"id"`
	Self string `json:"self"`
}

// BoatPage is one page of a boat listing.
type BoatPage struct {
	Boats []Boat `json:"boats"`
	Next  string `json:"next,omitempty"`
	Total int    `json:"total"`
}

func (b *Backend) handleBoatRoutes(router *mux.Router) {
	logger.Default().Debugln("backend: handle boat routes: /boats")

	router.HandleFunc("/boats", b.boatsPostHandler).Methods(http.MethodPost)
	router.HandleFunc("/boats", b.boatsListHandler).Methods(http.MethodGet)
	router.HandleFunc("/boats/{boat_id}", b.boatGetHandler).Methods(http.MethodGet)
	router.HandleFunc("/boats/{boat_id}", b.boatPutHandler).Methods(http.MethodPut)
	router.HandleFunc("/boats/{boat_id}", b.boatPatchHandler).Methods(http.MethodPatch)
	router.HandleFunc("/boats/{boat_id}", b.boatDeleteHandler).Methods(http.MethodDelete)
	router.HandleFunc("/boats/{boat_id}/loads/{load_id}", b.boatAssignLoadHandler).Methods(http.MethodPut)
	router.HandleFunc("/boats/{boat_id}/loads/{load_id}", b.boatUnassignLoadHandler).Methods(http.MethodDelete)
}

// ---- repository ----

func (b *Backend) putBoat(ctx context.Context, boat *Boat) error {
	return b.store.Put(ctx, store.Key{Kind: kindBoat, ID: boat.ID}, boat)
}

// getBoat fetches a boat without any ownership check.
func (b *Backend) getBoat(ctx context.Context, id int64) (*Boat, error) {
	var boat Boat
	err := b.store.Get(ctx, store.Key{Kind: kindBoat, ID: id}, &boat)
	if err == store.ErrNoSuchEntity {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	boat.ID = id
	return &boat, nil
}

// readBoat fetches a boat on behalf of subject. Existence is checked
// before ownership, so a non-owner learns that the boat exists.
func (b *Backend) readBoat(ctx context.Context, id int64, subject string) (*Boat, error) {
	boat, err := b.getBoat(ctx, id)
	if err != nil {
		return nil, err
	}
	if boat.Owner != subject {
		return nil, ErrNotOwner
	}
	return boat, nil
}

// createBoat allocates an identifier and persists the boat twice. The
// second write stamps the self link, which embeds the identifier that is
// only known after the first write.
func (b *Backend) createBoat(ctx context.Context, name, boatType string, length float64, baseURL, owner string) (*Boat, error) {
	key, err := b.store.GenerateKey(ctx, kindBoat)
	if err != nil {
		return nil, err
	}
	boat := &Boat{
		ID:     key.ID,
		Name:   name,
		Type:   boatType,
		Length: length,
		Owner:  owner,
		Loads:  []LoadRef{},
	}
	if err := b.putBoat(ctx, boat); err != nil {
		return nil, err
	}
	boat.Self = baseURL + strconv.FormatInt(boat.ID, 10)
	if err := b.putBoat(ctx, boat); err != nil {
		return nil, err
	}
	return boat, nil
}

// listBoats returns one page of the subject's boats. Total is computed
// with a second keys-only query and is not exact under concurrent writes.
func (b *Backend) listBoats(ctx context.Context, subject, cursor string) (*BoatPage, string, error) {
	result, err := b.store.Run(ctx, store.Query{
		Kind:    kindBoat,
		Filters: []store.Filter{{Field: "owner", Value: subject}},
		Limit:   pageLimit,
		Cursor:  cursor,
	})
	if err != nil {
		return nil, "", err
	}
	page := &BoatPage{Boats: []Boat{}}
	for i, item := range result.Items {
		var boat Boat
		if err := json.Unmarshal(item, &boat); err != nil {
			return nil, "", err
		}
		boat.ID = result.Keys[i].ID
		page.Boats = append(page.Boats, boat)
	}
	count, err := b.store.Run(ctx, store.Query{
		Kind:     kindBoat,
		Filters:  []store.Filter{{Field: "owner", Value: subject}},
		KeysOnly: true,
	})
	if err != nil {
		return nil, "", err
	}
	page.Total = len(count.Keys)
	if result.More {
		return page, result.NextCursor, nil
	}
	return page, "", nil
}

// replaceBoat overwrites the mutable attributes of an existing boat,
// preserving owner, loads and self. If no boat with this id exists, a new
// boat is created instead and returned; the caller then reports 201.
func (b *Backend) replaceBoat(ctx context.Context, id int64, name, boatType string, length float64, baseURL, subject string) (*Boat, error) {
	boat, err := b.readBoat(ctx, id, subject)
	if err == ErrNotFound {
		return b.createBoat(ctx, name, boatType, length, baseURL, subject)
	}
	if err != nil {
		return nil, err
	}
	boat.Name = name
	boat.Type = boatType
	boat.Length = length
	if err := b.putBoat(ctx, boat); err != nil {
		return nil, err
	}
	return nil, nil
}

// patchBoat merges the allowed fields into an existing boat. Unknown
// fields are silently ignored; the id is never mutable.
func (b *Backend) patchBoat(ctx context.Context, id int64, fields map[string]json.RawMessage, subject string) error {
	boat, err := b.readBoat(ctx, id, subject)
	if err != nil {
		return err
	}
	if raw, ok := fields["name"]; ok {
		if err := json.Unmarshal(raw, &boat.Name); err != nil {
			return fmt.Errorf("%w for name", ErrBadValue)
		}
	}
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &boat.Type); err != nil {
			return fmt.Errorf("%w for type", ErrBadValue)
		}
	}
	if raw, ok := fields["length"]; ok {
		if err := json.Unmarshal(raw, &boat.Length); err != nil {
			return fmt.Errorf("%w for length", ErrBadValue)
		}
	}
	return b.putBoat(ctx, boat)
}

// deleteBoat removes a boat and clears the carrier of every load it
// carries. The writes are sequential with no rollback; a failure midway
// leaves some loads still pointing at the deleted boat.
func (b *Backend) deleteBoat(ctx context.Context, id int64, subject string) error {
	boat, err := b.readBoat(ctx, id, subject)
	if err != nil {
		return err
	}
	for _, ref := range boat.Loads {
		load, err := b.getLoad(ctx, ref.ID)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		load.Carrier = nil
		if err := b.putLoad(ctx, load); err != nil {
			return err
		}
	}
	return b.store.Delete(ctx, store.Key{Kind: kindBoat, ID: id})
}

// assignLoad puts a load onto a boat, maintaining the back-reference on
// both sides. The two writes are sequential and best-effort.
func (b *Backend) assignLoad(ctx context.Context, boatID, loadID int64, subject string) error {
	boat, err := b.readBoat(ctx, boatID, subject)
	if err != nil {
		return err
	}
	load, err := b.getLoad(ctx, loadID)
	if err != nil {
		return err
	}
	if load.Carrier != nil {
		return ErrAlreadyCarried
	}
	boat.Loads = append(boat.Loads, LoadRef{ID: load.ID, Self: load.Self})
	load.Carrier = &CarrierRef{ID: boat.ID, Name: boat.Name, Self: boat.Self}
	if err := b.putBoat(ctx, boat); err != nil {
		return err
	}
	return b.putLoad(ctx, load)
}

// unassignLoad takes a load off a boat. The load's carrier is cleared
// even when it points at a different boat.
func (b *Backend) unassignLoad(ctx context.Context, boatID, loadID int64, subject string) error {
	load, err := b.getLoad(ctx, loadID)
	if err != nil && err != ErrNotFound {
		return err
	}
	boat, err := b.readBoat(ctx, boatID, subject)
	if err != nil {
		return err
	}
	if load == nil || load.Carrier == nil {
		return ErrNotFound
	}
	loads := boat.Loads[:0]
	for _, ref := range boat.Loads {
		if ref.ID != loadID {
			loads = append(loads, ref)
		}
	}
	boat.Loads = loads
	load.Carrier = nil
	if err := b.putBoat(ctx, boat); err != nil {
		return err
	}
	return b.putLoad(ctx, load)
}

// ---- handlers ----

type boatAttributes struct {
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Length float64 `json:"length"`
}

func (b *Backend) boatsPostHandler(w http.ResponseWriter, r *http.Request) {
	subject := access.SubjectFromContext(r.Context())
	if subject == "" {
		writeError(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	attributes, ok := b.decodeBoatAttributes(w, r)
	if !ok {
		return
	}
	boat, err := b.createBoat(r.Context(), attributes.Name, attributes.Type, attributes.Length,
		requestURL(r)+"/", subject)
	if err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	writeCreated(w, boat.Self, boat)
}

func (b *Backend) boatsListHandler(w http.ResponseWriter, r *http.Request) {
	subject := access.SubjectFromContext(r.Context())
	if subject == "" {
		writeError(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	cursor := r.URL.Query().Get("cursor")
	page, nextCursor, err := b.listBoats(r.Context(), subject, cursor)
	if err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	if nextCursor != "" {
		page.Next = requestURL(r) + "?cursor=" + nextCursor
	}
	writeJSON(w, http.StatusOK, page)
}

func (b *Backend) boatGetHandler(w http.ResponseWriter, r *http.Request) {
	subject := access.SubjectFromContext(r.Context())
	if subject == "" {
		writeError(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	id, err := pathID(r, "boat_id")
	if err != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	boat, err := b.readBoat(r.Context(), id, subject)
	if err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, boat)
}

func (b *Backend) boatPutHandler(w http.ResponseWriter, r *http.Request) {
	subject := access.SubjectFromContext(r.Context())
	if subject == "" {
		writeError(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	id, err := pathID(r, "boat_id")
	if err != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	attributes, ok := b.decodeBoatAttributes(w, r)
	if !ok {
		return
	}
	created, err := b.replaceBoat(r.Context(), id, attributes.Name, attributes.Type, attributes.Length,
		collectionURL(r, "boats"), subject)
	if err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	if created != nil {
		writeCreated(w, created.Self, created)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) boatPatchHandler(w http.ResponseWriter, r *http.Request) {
	subject := access.SubjectFromContext(r.Context())
	if subject == "" {
		writeError(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	id, err := pathID(r, "boat_id")
	if err != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return
	}
	if err := b.patchBoat(r.Context(), id, fields, subject); err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) boatDeleteHandler(w http.ResponseWriter, r *http.Request) {
	subject := access.SubjectFromContext(r.Context())
	if subject == "" {
		writeError(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	id, err := pathID(r, "boat_id")
	if err != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	if err := b.deleteBoat(r.Context(), id, subject); err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) boatAssignLoadHandler(w http.ResponseWriter, r *http.Request) {
	subject := access.SubjectFromContext(r.Context())
	if subject == "" {
		writeError(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	boatID, err := pathID(r, "boat_id")
	if err != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	loadID, err := pathID(r, "load_id")
	if err != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	if err := b.assignLoad(r.Context(), boatID, loadID, subject); err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) boatUnassignLoadHandler(w http.ResponseWriter, r *http.Request) {
	subject := access.SubjectFromContext(r.Context())
	if subject == "" {
		writeError(w, http.StatusUnauthorized, msgUnauthorized)
		return
	}
	boatID, err := pathID(r, "boat_id")
	if err != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	loadID, err := pathID(r, "load_id")
	if err != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	if err := b.unassignLoad(r.Context(), boatID, loadID, subject); err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBoatAttributes validates the request body against the boat schema
// and decodes it. On failure it writes a 400 response and returns false.
func (b *Backend) decodeBoatAttributes(w http.ResponseWriter, r *http.Request) (boatAttributes, bool) {
	var attributes boatAttributes
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return attributes, false
	}
	if err := b.validator.ValidateBytes(body, boatSchemaID); err != nil {
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return attributes, false
	}
	if err := json.Unmarshal(body, &attributes); err != nil {
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return attributes, false
	}
	return attributes, true
}
