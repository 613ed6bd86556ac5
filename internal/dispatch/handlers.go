package dispatch

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// SubscriberUnsubscriber is the slice of the subscriber store the
// unsubscribe action needs.
type SubscriberUnsubscriber interface {
	Unsubscribe(ctx context.Context, id int64) error
}

// Handlers provides the HTTP surface for the guard-protected unsubscribe and
// hosted email views. All four endpoints validate the same signed tuple and
// answer 404 for every validation failure.
type Handlers struct {
	guard *Guard
	reg   *Registry
	subs  SubscriberUnsubscriber
}

// NewHandlers creates handlers around the given guard and subscriber store.
func NewHandlers(guard *Guard, reg *Registry, subs SubscriberUnsubscriber) *Handlers {
	return &Handlers{guard: guard, reg: reg, subs: subs}
}

// RegisterRoutes mounts the guarded endpoints on the given router.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/unsubscribe/{typeTag}/{objectID}/{subscriberID}/{hash}", h.HandleUnsubscribePrompt)
	r.Post("/unsubscribe/{typeTag}/{objectID}/{subscriberID}/{hash}", h.HandleUnsubscribe)
	r.Get("/unsubscribe/{typeTag}/{objectID}/{subscriberID}/{hash}/success", h.HandleUnsubscribeSuccess)
	r.Get("/email/{typeTag}/{objectID}/{subscriberID}/{hash}", h.HandleEmailDetail)
	r.Get("/email/{typeTag}/{objectID}/{subscriberID}/{hash}/txt", h.HandleEmailDetailTxt)
}

// authorize pulls the tuple out of the URL and runs it through the guard.
// Returns nil after writing the response when the request does not pass.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request) *Authorized {
	subscriberID, err := strconv.ParseInt(chi.URLParam(r, "subscriberID"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return nil
	}
	auth, err := h.guard.Authorize(r.Context(),
		chi.URLParam(r, "typeTag"),
		chi.URLParam(r, "objectID"),
		subscriberID,
		chi.URLParam(r, "hash"),
	)
	if err == ErrNotFound {
		http.NotFound(w, r)
		return nil
	}
	if err != nil {
		logger.Error("guard authorize failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil
	}
	return auth
}

// HandleUnsubscribePrompt renders the confirmation prompt. The actual
// unsubscribe only happens on POST, so mail scanners following links do not
// unsubscribe people by accident.
func (h *Handlers) HandleUnsubscribePrompt(w http.ResponseWriter, r *http.Request) {
	auth := h.authorize(w, r)
	if auth == nil {
		return
	}
	writeHTML(w, fmt.Sprintf(`<html><body>
<h1>Unsubscribe</h1>
<p>Stop sending %s to %s?</p>
<form method="post"><button type="submit">Unsubscribe</button></form>
</body></html>`,
		html.EscapeString(auth.Object.ObjectTitle()),
		html.EscapeString(auth.Subscriber.Email)))
}

// HandleUnsubscribe flips the subscription flag and redirects to the success
// resource addressed by the same signed tuple.
func (h *Handlers) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	auth := h.authorize(w, r)
	if auth == nil {
		return
	}
	if err := h.subs.Unsubscribe(r.Context(), auth.Subscriber.ID); err != nil {
		logger.Error("unsubscribe failed", "subscriber_id", auth.Subscriber.ID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	logger.Info("unsubscribed", "subscriber_id", auth.Subscriber.ID, "email", auth.Subscriber.Email)
	http.Redirect(w, r, r.URL.Path+"/success", http.StatusSeeOther)
}

// HandleUnsubscribeSuccess displays the unsubscribe success message.
func (h *Handlers) HandleUnsubscribeSuccess(w http.ResponseWriter, r *http.Request) {
	auth := h.authorize(w, r)
	if auth == nil {
		return
	}
	writeHTML(w, fmt.Sprintf(`<html><body>
<h1>Unsubscribed</h1>
<p>%s will no longer receive %s.</p>
</body></html>`,
		html.EscapeString(auth.Subscriber.Email),
		html.EscapeString(auth.Object.ObjectTitle())))
}

// HandleEmailDetail serves the hosted HTML rendering of the email.
func (h *Handlers) HandleEmailDetail(w http.ResponseWriter, r *http.Request) {
	auth := h.authorize(w, r)
	if auth == nil {
		return
	}
	content, err := auth.Binding.Adapter.ContentHTML(auth.Object, auth.Subscriber)
	if err != nil {
		logger.Error("render email html failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if content == "" {
		// Text-only email type; fall back to the plain rendering.
		h.HandleEmailDetailTxt(w, r)
		return
	}
	writeHTML(w, content)
}

// HandleEmailDetailTxt serves the plain text rendering of the email.
func (h *Handlers) HandleEmailDetailTxt(w http.ResponseWriter, r *http.Request) {
	auth := h.authorize(w, r)
	if auth == nil {
		return
	}
	content, err := auth.Binding.Adapter.Content(auth.Object, auth.Subscriber)
	if err != nil {
		logger.Error("render email text failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

func writeHTML(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}
