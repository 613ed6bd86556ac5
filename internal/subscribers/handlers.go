package subscribers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/dispatch-engine/internal/pkg/httputil"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// Handlers provides HTTP handlers for the subscribe workflow and mailing
// list queries.
type Handlers struct {
	store *Store
}

// NewHandlers creates subscriber handlers backed by the given store.
func NewHandlers(store *Store) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes mounts the subscriber endpoints on the given router.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Post("/subscribe", h.HandleSubscribe)
	r.Get("/lists", h.HandleGetLists)
}

type subscribeRequest struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// normalize splits a unified name into first/last when the explicit fields
// are blank.
func (req *subscribeRequest) normalize() {
	if req.Name == "" {
		return
	}
	first, last, _ := strings.Cut(strings.TrimSpace(req.Name), " ")
	if req.FirstName == "" {
		req.FirstName = first
	}
	if req.LastName == "" {
		req.LastName = last
	}
}

// HandleSubscribe performs the idempotent subscribe upsert. Accepts a JSON
// body or form fields; a unified "name" field is split into first/last.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(w, "invalid request body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			httputil.BadRequest(w, "invalid form")
			return
		}
		req.Email = r.PostFormValue("email")
		req.Name = r.PostFormValue("name")
		req.FirstName = r.PostFormValue("first_name")
		req.LastName = r.PostFormValue("last_name")
	}
	req.normalize()

	if !ValidateEmail(req.Email) {
		httputil.BadRequest(w, "a valid email address is required")
		return
	}

	sub, err := h.store.Subscribe(r.Context(), req.Email, req.FirstName, req.LastName)
	if err != nil {
		logger.Error("subscribe failed", "email", req.Email, "error", err)
		httputil.InternalError(w, err)
		return
	}
	logger.Info("subscribed", "subscriber_id", sub.ID, "email", sub.Email)
	httputil.OK(w, sub)
}

// HandleGetLists returns all mailing lists with their subscribed-member
// counts.
func (h *Handlers) HandleGetLists(w http.ResponseWriter, r *http.Request) {
	lists, err := h.store.GetLists(r.Context())
	if err != nil {
		logger.Error("get lists failed", "error", err)
		httputil.InternalError(w, err)
		return
	}
	if lists == nil {
		lists = []*MailingList{}
	}
	httputil.OK(w, lists)
}
