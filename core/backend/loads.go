package backend

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/harborside-tech/marina/core/logger"
	"github.com/harborside-tech/marina/core/store"
)

// Load is a cargo load. Carrier points at the boat currently carrying it,
// or is null while the load sits on the dock.
type Load struct {
	ID           int64       `json:"id"`
	Volume       float64     `json:"volume"`
	Item         string      `json:"item"`
	CreationDate string      `json:"creation_date"`
	Carrier      *CarrierRef `json:"carrier"`
	Self         string      `json:"self"`
}

// CarrierRef is the load-side half of the boat and load relation.
type CarrierRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Self string `json:"self"`
}

// LoadPage is one page of a load listing.
type LoadPage struct {
	Loads []Load `json:"loads"`
	Next  string `json:"next,omitempty"`
	Total int    `json:"total"`
}

func (b *Backend) handleLoadRoutes(router *mux.Router) {
	logger.Default().Debugln("backend: handle load routes: /loads")

	router.HandleFunc("/loads", b.loadsPostHandler).Methods(http.MethodPost)
	router.HandleFunc("/loads", b.loadsListHandler).Methods(http.MethodGet)
	router.HandleFunc("/loads/{load_id}", b.loadGetHandler).Methods(http.MethodGet)
	router.HandleFunc("/loads/{load_id}", b.loadPutHandler).Methods(http.MethodPut)
	router.HandleFunc("/loads/{load_id}", b.loadPatchHandler).Methods(http.MethodPatch)
	router.HandleFunc("/loads/{load_id}", b.loadDeleteHandler).Methods(http.MethodDelete)
}

// ---- repository ----

func (b *Backend) putLoad(ctx context.Context, load *Load) error {
	return b.store.Put(ctx, store.Key{Kind: kindLoad, ID: load.ID}, load)
}

func (b *Backend) getLoad(ctx context.Context, id int64) (*Load, error) {
	var load Load
	err := b.store.Get(ctx, store.Key{Kind: kindLoad, ID: id}, &load)
	if err == store.ErrNoSuchEntity {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	load.ID = id
	return &load, nil
}

// createLoad uses the same two-phase write as createBoat to stamp the
// self link with the generated identifier.
func (b *Backend) createLoad(ctx context.Context, volume float64, item, creationDate, baseURL string) (*Load, error) {
	key, err := b.store.GenerateKey(ctx, kindLoad)
	if err != nil {
		return nil, err
	}
	load := &Load{
		ID:           key.ID,
		Volume:       volume,
		Item:         item,
		CreationDate: creationDate,
	}
	if err := b.putLoad(ctx, load); err != nil {
		return nil, err
	}
	load.Self = baseURL + strconv.FormatInt(load.ID, 10)
	if err := b.putLoad(ctx, load); err != nil {
		return nil, err
	}
	return load, nil
}

func (b *Backend) listLoads(ctx context.Context, cursor string) (*LoadPage, string, error) {
	result, err := b.store.Run(ctx, store.Query{
		Kind:   kindLoad,
		Limit:  pageLimit,
		Cursor: cursor,
	})
	if err != nil {
		return nil, "", err
	}
	page := &LoadPage{Loads: []Load{}}
	for i, item := range result.Items {
		var load Load
		if err := json.Unmarshal(item, &load); err != nil {
			return nil, "", err
		}
		load.ID = result.Keys[i].ID
		page.Loads = append(page.Loads, load)
	}
	count, err := b.store.Run(ctx, store.Query{Kind: kindLoad, KeysOnly: true})
	if err != nil {
		return nil, "", err
	}
	page.Total = len(count.Keys)
	if result.More {
		return page, result.NextCursor, nil
	}
	return page, "", nil
}

// replaceLoad overwrites all attributes of an existing load except
// carrier and self. If no load with this id exists, a new load is
// created instead and returned.
func (b *Backend) replaceLoad(ctx context.Context, id int64, volume float64, item, creationDate, baseURL string) (*Load, error) {
	load, err := b.getLoad(ctx, id)
	if err == ErrNotFound {
		return b.createLoad(ctx, volume, item, creationDate, baseURL)
	}
	if err != nil {
		return nil, err
	}
	load.Volume = volume
	load.Item = item
	load.CreationDate = creationDate
	if err := b.putLoad(ctx, load); err != nil {
		return nil, err
	}
	return nil, nil
}

func (b *Backend) patchLoad(ctx context.Context, id int64, fields map[string]json.RawMessage) error {
	load, err := b.getLoad(ctx, id)
	if err != nil {
		return err
	}
	if raw, ok := fields["volume"]; ok {
		if err := json.Unmarshal(raw, &load.Volume); err != nil {
			return fmt.Errorf("%w for volume", ErrBadValue)
		}
	}
	if raw, ok := fields["item"]; ok {
		if err := json.Unmarshal(raw, &load.Item); err != nil {
			return fmt.Errorf("%w for item", ErrBadValue)
		}
	}
	if raw, ok := fields["creation_date"]; ok {
		if err := json.Unmarshal(raw, &load.CreationDate); err != nil {
			return fmt.Errorf("%w for creation_date", ErrBadValue)
		}
	}
	return b.putLoad(ctx, load)
}

// deleteLoad removes a load. If the load is carried, the reference is
// first removed from the carrier boat; a failure between the two writes
// leaves a dangling reference on the boat.
func (b *Backend) deleteLoad(ctx context.Context, id int64) error {
	load, err := b.getLoad(ctx, id)
	if err != nil {
		return err
	}
	if load.Carrier != nil {
		boat, err := b.getBoat(ctx, load.Carrier.ID)
		if err != nil && err != ErrNotFound {
			return err
		}
		if boat != nil {
			loads := boat.Loads[:0]
			for _, ref := range boat.Loads {
				if ref.ID != id {
					loads = append(loads, ref)
				}
			}
			boat.Loads = loads
			if err := b.putBoat(ctx, boat); err != nil {
				return err
			}
		}
	}
	return b.store.Delete(ctx, store.Key{Kind: kindLoad, ID: id})
}

// ---- handlers ----

type loadAttributes struct {
	Volume       float64 `json:"volume"`
	Item         string  `json:"item"`
	CreationDate string  `json:"creation_date"`
}

func (b *Backend) loadsPostHandler(w http.ResponseWriter, r *http.Request) {
	attributes, ok := b.decodeLoadAttributes(w, r)
	if !ok {
		return
	}
	load, err := b.createLoad(r.Context(), attributes.Volume, attributes.Item, attributes.CreationDate,
		requestURL(r)+"/")
	if err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	writeCreated(w, load.Self, load)
}

func (b *Backend) loadsListHandler(w http.ResponseWriter, r *http.Request) {
	cursor := r.URL.Query().Get("cursor")
	page, nextCursor, err := b.listLoads(r.Context(), cursor)
	if err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	if nextCursor != "" {
		page.Next = requestURL(r) + "?cursor=" + nextCursor
	}
	writeJSON(w, http.StatusOK, page)
}

func (b *Backend) loadGetHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "load_id")
	if err != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	load, err := b.getLoad(r.Context(), id)
	if err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, load)
}

func (b *Backend) loadPutHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "load_id")
	if err != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	attributes, ok := b.decodeLoadAttributes(w, r)
	if !ok {
		return
	}
	created, err := b.replaceLoad(r.Context(), id, attributes.Volume, attributes.Item, attributes.CreationDate,
		collectionURL(r, "loads"))
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

func (b *Backend) loadPatchHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "load_id")
	if err != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return
	}
	if err := b.patchLoad(r.Context(), id, fields); err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) loadDeleteHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "load_id")
	if err != nil {
		writeError(w, http.StatusNotFound, msgNotFound)
		return
	}
	if err := b.deleteLoad(r.Context(), id); err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) decodeLoadAttributes(w http.ResponseWriter, r *http.Request) (loadAttributes, bool) {
	var attributes loadAttributes
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return attributes, false
	}
	if err := b.validator.ValidateBytes(body, loadSchemaID); err != nil {
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return attributes, false
	}
	if err := json.Unmarshal(body, &attributes); err != nil {
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return attributes, false
	}
	return attributes, true
}
