package httpadmin

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sipmesh/scscf/internal/audit"
	"github.com/sipmesh/scscf/pkg/aor"
	"github.com/sipmesh/scscf/pkg/registrar"
)

type handlers struct {
	store     *aor.Store
	registrar *registrar.Registrar
	audit     *audit.Writer
	logger    *slog.Logger
}

// deregRequest is the body of DELETE /registrations/<impu>.
type deregRequest struct {
	Registrations []struct {
		PrimaryImpu string `json:"primary-impu"`
		Impi        string `json:"impi"`
	} `json:"registrations"`
}

// deleteRegistration implements DELETE /registrations/<impu>: deregister
// each listed (primary-impu, impi) pair, optionally notifying subscribers
// of the change.
func (h *handlers) deleteRegistration(w http.ResponseWriter, r *http.Request) {
	impu := chi.URLParam(r, "impu")
	sendNotifications := r.URL.Query().Get("send-notifications") == "true"

	body, err := io.ReadAll(r.Body)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "reading request body")
		return
	}

	var req deregRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			RespondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
	}

	if len(req.Registrations) == 0 {
		req.Registrations = append(req.Registrations, struct {
			PrimaryImpu string `json:"primary-impu"`
			Impi        string `json:"impi"`
		}{PrimaryImpu: impu})
	}

	for _, reg := range req.Registrations {
		target := reg.PrimaryImpu
		if target == "" {
			target = impu
		}
		if err := h.registrar.AdminDeregister(r.Context(), target, reg.Impi, sendNotifications); err != nil {
			h.logger.Error("admin deregister failed", "impu", target, "error", err)
			RespondError(w, http.StatusInternalServerError, "internal", "deregistration failed")
			return
		}
		h.audit.LogFromRequest(r, "deregister", "registration", target)
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// deleteImpu implements DELETE /impu/<impu>: wipe the AoR record entirely,
// the harder reset than deleteRegistration's binding-level removal.
func (h *handlers) deleteImpu(w http.ResponseWriter, r *http.Request) {
	impu := chi.URLParam(r, "impu")

	if err := h.registrar.AdminDeregister(r.Context(), impu, "", true); err != nil {
		h.logger.Error("admin impu deregister failed", "impu", impu, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "deregistration failed")
		return
	}
	if err := h.store.Delete(r.Context(), impu); err != nil {
		h.logger.Error("admin impu delete failed", "impu", impu, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "deleting AoR record failed")
		return
	}

	h.audit.LogFromRequest(r, "delete", "impu", impu)
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// bindingView and subscriptionView are the cache-inspection JSON shapes
// for GET /impu/<impu>/bindings and /subscriptions.
type bindingView struct {
	ID         string  `json:"id"`
	Contact    string  `json:"contact"`
	PrivateID  string  `json:"private-id"`
	Expires    string  `json:"expires"`
	InstanceID string  `json:"instance-id,omitempty"`
	QValue     float64 `json:"q-value"`
}

type subscriptionView struct {
	SubscriberURI string `json:"subscriber-uri"`
	RequestingURI string `json:"requesting-uri"`
	Expires       string `json:"expires"`
}

func (h *handlers) getBindings(w http.ResponseWriter, r *http.Request) {
	impu := chi.URLParam(r, "impu")

	a, _, err := h.store.Get(r.Context(), impu)
	if err != nil {
		h.logger.Error("reading AoR for bindings view failed", "impu", impu, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "reading registration state failed")
		return
	}

	out := make([]bindingView, 0, len(a.Bindings))
	for _, b := range a.ActiveBindings(time.Now()) {
		out = append(out, bindingView{
			ID:         b.ID,
			Contact:    b.Contact,
			PrivateID:  b.PrivateID,
			Expires:    b.Expires.UTC().Format(time.RFC3339),
			InstanceID: b.InstanceID,
			QValue:     b.QValue,
		})
	}

	Respond(w, http.StatusOK, map[string]any{"bindings": out})
}

func (h *handlers) getSubscriptions(w http.ResponseWriter, r *http.Request) {
	impu := chi.URLParam(r, "impu")

	a, _, err := h.store.Get(r.Context(), impu)
	if err != nil {
		h.logger.Error("reading AoR for subscriptions view failed", "impu", impu, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "reading registration state failed")
		return
	}

	now := time.Now()
	out := make([]subscriptionView, 0, len(a.Subscriptions))
	for _, s := range a.Subscriptions {
		if s.Expired(now) {
			continue
		}
		out = append(out, subscriptionView{
			SubscriberURI: s.SubscriberURI,
			RequestingURI: s.RequestingURI,
			Expires:       s.Expires.UTC().Format(time.RFC3339),
		})
	}

	Respond(w, http.StatusOK, map[string]any{"subscriptions": out})
}

// pushProfileRequest is the body of PUT /registrations/<impu>.
type pushProfileRequest struct {
	UserDataXML string `json:"user-data-xml"`
}

// putRegistration implements PUT /registrations/<impu>: push an updated
// subscriber profile. The pushed payload is the HSS's native
// IMSSubscription XML, a different wire format from the JSON
// iFC criteria pkg/ifc.DecodeCriteria reads out of IFCMap; XML parsing of
// the full subscriber profile is out of scope, so
// this accepts and logs the pushed profile without re-evaluating cached
// iFCs against it.
func (h *handlers) putRegistration(w http.ResponseWriter, r *http.Request) {
	impu := chi.URLParam(r, "impu")

	var req pushProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.UserDataXML == "" {
		RespondError(w, http.StatusBadRequest, "bad_request", "user-data-xml is required")
		return
	}

	h.logger.Info("push-profile received", "impu", impu, "bytes", len(req.UserDataXML))
	h.audit.LogFromRequest(r, "push-profile", "registration", impu)

	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}
