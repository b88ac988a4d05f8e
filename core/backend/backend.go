/*
Package backend implements the marina REST backend.

The backend tracks boats, the cargo loads they carry and the users who own
the boats. Boats are owner-scoped: only the authenticated owner can see or
mutate a boat. Boats and loads reference each other; the relationship
protocol in boats.go keeps the two sides consistent with sequential
best-effort writes against the document store.
*/
package backend

import (
	"embed"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/harborside-tech/marina/core/logger"
	"github.com/harborside-tech/marina/core/schema"
	"github.com/harborside-tech/marina/core/store"
)

// document kinds
const (
	kindBoat = "Boats"
	kindLoad = "Loads"
	kindUser = "Users"
)

// pageLimit is the fixed page size for collection listings.
const pageLimit = 5

//go:embed schemas
var schemaFS embed.FS

// schema ids, see the schemas directory
const (
	boatSchemaID = "https://marina.harborside.tech/schemas/boat.json"
	loadSchemaID = "https://marina.harborside.tech/schemas/load.json"
	userSchemaID = "https://marina.harborside.tech/schemas/user.json"
)

// Backend is the marina rest backend
type Backend struct {
	store     store.Store
	router    *mux.Router
	validator *schema.Validator
}

// Builder is a builder helper for the Backend
type Builder struct {
	// Store is the document store. This is mandatory.
	Store store.Store
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// New realizes the actual backend. It adds all routes to the router.
func New(bb *Builder) *Backend {
	if bb.Store == nil {
		panic("Store is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}

	schemas, err := schemaFiles()
	if err != nil {
		panic(err)
	}
	validator, err := schema.NewValidator(schemas)
	if err != nil {
		panic(err)
	}

	b := &Backend{
		store:     bb.Store,
		router:    bb.Router,
		validator: validator,
	}

	logger.AddRequestID(b.router)
	b.handleCompression()
	b.handleContentNegotiation()
	b.handleBoatRoutes(b.router)
	b.handleLoadRoutes(b.router)
	b.handleUserRoutes(b.router)
	return b
}

func schemaFiles() ([]string, error) {
	files, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	var schemas []string
	for _, f := range files {
		data, err := schemaFS.ReadFile("schemas/" + f.Name())
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, string(data))
	}
	return schemas, nil
}

func (b *Backend) handleCompression() {
	compressionMiddleware := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlers.CompressHandler(h).ServeHTTP(w, r)
		})
	}
	b.router.Use(compressionMiddleware)
}

// handleContentNegotiation rejects requests which do not accept JSON
// responses. An absent Accept header counts as accepting anything.
func (b *Backend) handleContentNegotiation() {
	acceptMiddleware := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !acceptsJSON(r) {
				writeError(w, http.StatusNotAcceptable, msgNotAcceptable)
				return
			}
			h.ServeHTTP(w, r)
		})
	}
	b.router.Use(acceptMiddleware)
}

func acceptsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(part)
		if i := strings.IndexRune(mediaType, ';'); i >= 0 {
			mediaType = strings.TrimSpace(mediaType[:i])
		}
		switch mediaType {
		case "application/json", "application/*", "*/*":
			return true
		}
	}
	return false
}

// requestURL reconstructs the external URL of the request, honoring the
// proxy protocol header.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// collectionURL returns the canonical base URL for a collection, with a
// trailing slash so that appending an id yields the item's self link.
func collectionURL(r *http.Request, collection string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + "/" + collection + "/"
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func pathID(r *http.Request, name string) (int64, error) {
	params := mux.Vars(r)
	return strconv.ParseInt(params[name], 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, object interface{}) {
	jsonData, _ := json.Marshal(object)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

func writeCreated(w http.ResponseWriter, self string, object interface{}) {
	w.Header().Set("Location", self)
	writeJSON(w, http.StatusCreated, object)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
