package backend

import (
	"context"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/harborside-tech/marina/core/logger"
	"github.com/harborside-tech/marina/core/store"
)

// User is a registered boat owner. The id is the first 16 characters of
// the identity provider's subject identifier, which keeps it inside the
// numeric range the store accepts as a key.
type User struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Boats []int64 `json:"boats"`
}

// userIDLength is the number of subject digits kept as the user id.
const userIDLength = 16

func (b *Backend) handleUserRoutes(router *mux.Router) {
	logger.Default().Debugln("backend: handle user routes: /users")

	router.HandleFunc("/users", b.usersPostHandler).Methods(http.MethodPost)
	router.HandleFunc("/users", b.usersListHandler).Methods(http.MethodGet)
}

// UserID derives the stored user id from a subject identifier.
func UserID(subject string) string {
	if len(subject) > userIDLength {
		return subject[:userIDLength]
	}
	return subject
}

// UpsertUser registers a user, overwriting any previous registration with
// the same id. The subject must be numeric after truncation. The login
// service calls this directly after a successful authentication.
func UpsertUser(ctx context.Context, s store.Store, subject, name string) (*User, error) {
	id := UserID(subject)
	keyID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, ErrBadValue
	}
	user := &User{ID: id, Name: name, Boats: []int64{}}
	if err := s.Put(ctx, store.Key{Kind: kindUser, ID: keyID}, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (b *Backend) listUsers(ctx context.Context) ([]User, error) {
	result, err := b.store.Run(ctx, store.Query{Kind: kindUser, Order: "name"})
	if err != nil {
		return nil, err
	}
	users := []User{}
	for _, item := range result.Items {
		var user User
		if err := json.Unmarshal(item, &user); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

func (b *Backend) usersPostHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return
	}
	if err := b.validator.ValidateBytes(body, userSchemaID); err != nil {
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return
	}
	var attributes struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(body, &attributes); err != nil {
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return
	}
	user, err := UpsertUser(r.Context(), b.store, attributes.ID, attributes.Name)
	if err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (b *Backend) usersListHandler(w http.ResponseWriter, r *http.Request) {
	users, err := b.listUsers(r.Context())
	if err != nil {
		writeRepositoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}
