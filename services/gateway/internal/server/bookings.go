package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"quickfix/internal/util"
	"quickfix/pkg/domain"
	"quickfix/pkg/store"
	"quickfix/services/gateway/internal/booking"
	"quickfix/services/gateway/internal/metrics"
	"quickfix/services/gateway/internal/whatsapp"
)

var errStreamClosed = errors.New("booking stream closed")

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, map[string]any{
		"serviceTypes": domain.ServiceTypes,
		"serviceAreas": domain.ServiceAreas,
		"serviceModes": []domain.ServiceMode{domain.ModeOnsite, domain.ModePickup},
	})
}

// handleSubmitBooking validates before it checks the session so an anonymous
// visitor still sees field errors.
func (s *Server) handleSubmitBooking(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.limiters.Booking, "gateway.booking.submit", "too many booking attempts") {
		return
	}
	var form domain.BookingForm
	if !decodeJSON(w, r, &form) {
		return
	}
	var principal *domain.Principal
	if p, ok := s.currentPrincipal(r); ok {
		principal = &p
	}
	created, err := s.submitter.Submit(r.Context(), principal, form)
	s.metrics.BookingSubmitted(outcomeFor(err))
	if err != nil {
		writeBookingError(w, err, nil)
		return
	}
	util.LoggerFromContext(r.Context()).Info("booking submitted", "booking_id", created.ID, "user_id", created.OwnerID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	scope, err := booking.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeBookingError(w, err, nil)
		return
	}
	items, err := s.lister.List(r.Context(), scope, &principal)
	if err != nil {
		writeBookingError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, listPayload(items))
}

// handleBookingStream serves the live booking list as server-sent events.
// The feed subscription opens before the first read. The first frame is the
// current list; every later "bookings" frame is a
// full re-fetch after a change. Failed re-fetches are sent as "error"
// frames and the previous list stays valid.
func (s *Server) handleBookingStream(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	scope, err := booking.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeBookingError(w, err, nil)
		return
	}
	ctx := r.Context()
	view := s.lister.NewView(scope, principal, s.feed)
	if s.feed != nil {
		if err := view.Subscribe(ctx); err != nil {
			writeBookingError(w, err, nil)
			return
		}
		defer view.Close()
	}
	items, err := view.Load(ctx)
	if err != nil {
		writeBookingError(w, err, nil)
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var mu sync.Mutex
	write := func(frame string) error {
		mu.Lock()
		defer mu.Unlock()
		if _, err := io.WriteString(w, frame); err != nil {
			return err
		}
		return rc.Flush()
	}
	send := func(event string, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return write(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
	}

	if err := send("bookings", listPayload(items)); err != nil {
		return
	}
	if s.feed == nil {
		_ = send("error", map[string]string{"error": "live updates are unavailable"})
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := view.Watch(gctx, func(items []domain.Booking, err error) {
			if err != nil {
				s.metrics.ViewRefetched(metrics.OutcomeError)
				_ = send("error", map[string]string{"error": err.Error()})
				return
			}
			s.metrics.ViewRefetched(metrics.OutcomeOK)
			_ = send("bookings", listPayload(items))
		})
		if err != nil {
			return err
		}
		return errStreamClosed
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := write(": ping\n\n"); err != nil {
					return err
				}
			}
		}
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errStreamClosed) {
		util.LoggerFromContext(ctx).Debug("booking stream ended", "user_id", principal.ID, "err", err)
	}
}

// handleDeleteBooking requires an explicit confirmation. The response carries
// the reconciled list: the local list minus the deleted booking, or a fresh
// read from the store when the delete failed.
func (s *Server) handleDeleteBooking(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if !deleteConfirmed(r) {
		writeError(w, http.StatusPreconditionRequired, "deletion must be confirmed")
		return
	}
	scope, err := booking.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeBookingError(w, err, nil)
		return
	}
	id := r.PathValue("id")
	view := s.lister.NewView(scope, principal, nil)
	if _, err := view.Load(r.Context()); err != nil {
		writeBookingError(w, err, nil)
		return
	}
	items, err := view.Delete(r.Context(), id)
	s.metrics.BookingDeleted(outcomeFor(err))
	if err != nil {
		writeBookingError(w, err, listPayload(items))
		return
	}
	util.LoggerFromContext(r.Context()).Info("booking deleted", "booking_id", id, "user_id", principal.ID)
	payload := listPayload(items)
	payload["status"] = "deleted"
	payload["id"] = id
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleBookingStatus(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	var req statusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status := domain.BookingStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	updated, err := s.lister.SetStatus(r.Context(), &principal, r.PathValue("id"), status)
	if err != nil {
		writeBookingError(w, err, nil)
		return
	}
	s.metrics.StatusChanged(string(status))
	s.audit(r, "gateway.booking.status", "success", "user_id", principal.ID, "booking_id", updated.ID, "status", status)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleWhatsAppLink(w http.ResponseWriter, r *http.Request) {
	var req whatsapp.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	link, err := s.whatsapp.Link(req)
	if err != nil {
		if fields := whatsapp.FieldErrors(err); fields != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": fields})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": link})
}

func deleteConfirmed(r *http.Request) bool {
	for _, v := range []string{r.Header.Get("X-Confirm-Delete"), r.URL.Query().Get("confirm")} {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true
		}
	}
	return false
}

func listPayload(items []domain.Booking) map[string]any {
	if items == nil {
		items = []domain.Booking{}
	}
	return map[string]any{"items": items, "count": len(items)}
}

// writeBookingError maps booking errors onto HTTP. extra is merged into the
// error body.
func writeBookingError(w http.ResponseWriter, err error, extra map[string]any) {
	status := http.StatusInternalServerError
	body := map[string]any{"error": err.Error()}
	var verr *booking.ValidationError
	var serr *booking.StoreError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		body["error"] = "validation failed"
		body["fields"] = verr.Fields
	case errors.Is(err, booking.ErrAuthRequired):
		status = http.StatusUnauthorized
		body["redirect"] = authRedirect
	case errors.Is(err, booking.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, booking.ErrInvalidScope):
		status = http.StatusBadRequest
	case errors.Is(err, booking.ErrSubmissionInFlight):
		status = http.StatusConflict
	case errors.Is(err, store.ErrBookingNotFound):
		status = http.StatusNotFound
		body["error"] = store.ErrBookingNotFound.Error()
	case errors.As(err, &serr):
		status = http.StatusBadGateway
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func outcomeFor(err error) string {
	var verr *booking.ValidationError
	var serr *booking.StoreError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &verr):
		return metrics.OutcomeInvalid
	case errors.Is(err, booking.ErrAuthRequired):
		return metrics.OutcomeUnauth
	case errors.Is(err, booking.ErrForbidden):
		return metrics.OutcomeForbidden
	case errors.Is(err, booking.ErrSubmissionInFlight):
		return metrics.OutcomeDuplicate
	case errors.As(err, &serr):
		return metrics.OutcomeStoreError
	default:
		return metrics.OutcomeError
	}
}
