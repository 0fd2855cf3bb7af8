package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kernelci/kernelci-api-core/internal/apierror"
	"github.com/kernelci/kernelci-api-core/internal/eventenvelope"
)

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// subscribeResponse is the wire shape of POST /subscribe/{channel}.
type subscribeResponse struct {
	SubscriptionID int64 `json:"subscription_id"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if channel == "" {
		writeError(w, apierror.New(apierror.KindInvalidInput, "channel is required"))
		return
	}
	principal := principalFrom(r)

	subscriberID := r.URL.Query().Get("subscriber_id")
	promiscuous := false
	if v := r.URL.Query().Get("promisc"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, apierror.Wrap(apierror.KindInvalidInput, "promisc must be a boolean", err))
			return
		}
		promiscuous = parsed
	}

	sub, err := s.registry.Subscribe(r.Context(), channel, principal.Subject, principal.Groups, promiscuous, subscriberID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscribeResponse{SubscriptionID: sub.ID})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := parseSubscriptionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Unsubscribe(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleListen implements the spec.md §6 /listen/{id} long-poll: it waits
// at most the configured server-side wait budget (s.waitBudget), applied on
// top of the request context so a client-side deadline ends it sooner, and
// returns a CloudEvent on delivery or 204 on a clean timeout. A client
// disconnect cancels ctx, which the Delivery Engine's Wait step observes
// directly — no acknowledgement is written, so the event redelivers on
// the subscriber's next Listen (spec §4.4 Cancellation).
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	id, err := parseSubscriptionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.waitBudget)
	defer cancel()

	sub, err := s.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	rec, ok, err := s.delivery.Listen(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	event, err := eventenvelope.Encode(sub.Channel, rec)
	if err != nil {
		writeError(w, apierror.Wrap(apierror.KindInvalidInput, "encoding event", err))
		return
	}
	body, err := event.MarshalJSON()
	if err != nil {
		s.logger.Error("marshaling cloudevent response")
		writeError(w, apierror.Wrap(apierror.KindInvalidInput, "encoding event", err))
		return
	}
	w.Header().Set("Content-Type", "application/cloudevents+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if channel == "" {
		writeError(w, apierror.New(apierror.KindInvalidInput, "channel is required"))
		return
	}
	principal := principalFrom(r)

	raw, err := readAll(r)
	if err != nil {
		writeError(w, apierror.Wrap(apierror.KindInvalidInput, "reading publish body", err))
		return
	}
	body, err := eventenvelope.DecodePublishBody(raw)
	if err != nil {
		writeError(w, apierror.Wrap(apierror.KindInvalidInput, "malformed publish body", err))
		return
	}
	payload, err := eventenvelope.EncodePayload(body)
	if err != nil {
		writeError(w, apierror.Wrap(apierror.KindInvalidInput, "encoding publish payload", err))
		return
	}

	rec, err := s.log.Append(r.Context(), channel, principal.Subject, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notifyPublished(channel, rec.SequenceID)

	event, err := eventenvelope.Encode(channel, rec)
	if err != nil {
		writeError(w, apierror.Wrap(apierror.KindInvalidInput, "encoding event", err))
		return
	}
	body2, err := event.MarshalJSON()
	if err != nil {
		writeError(w, apierror.Wrap(apierror.KindInvalidInput, "encoding event", err))
		return
	}
	w.Header().Set("Content-Type", "application/cloudevents+json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body2)
}

func parseSubscriptionID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apierror.Wrap(apierror.KindInvalidInput, "subscription id must be an integer", err)
	}
	return id, nil
}
