// Package push receives Gmail change notifications, either as Pub/Sub push
// callbacks over HTTP or via a pull subscription, and dispatches sync runs.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/driftline/mailwatch/internal/state"
)

// Dispatcher runs one sync pass for an account. hint carries the ordering
// value from the notification, zero when unknown.
type Dispatcher interface {
	Run(ctx context.Context, accountID string, hint uint64) error
}

// Verifier checks the authenticity of an incoming push request.
type Verifier interface {
	VerifyRequest(r *http.Request) error
}

// envelope is the Pub/Sub push wrapper; Data is base64 in the wire JSON and
// decoded by encoding/json.
type envelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// notification is the Gmail payload inside the envelope.
type notification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// Handler answers Pub/Sub push callbacks. Acknowledgement is decoupled from
// processing: the response is sent as soon as the notification is decoded and
// the sync pass runs in the background, so slow mailbox fetches never push
// the relay into redelivery.
type Handler struct {
	store    *state.Store
	dispatch Dispatcher
	verifier Verifier
	logger   zerolog.Logger
}

// NewHandler creates a push handler. verifier may be nil to skip
// authenticity checks (local development).
func NewHandler(store *state.Store, dispatch Dispatcher, verifier Verifier, logger zerolog.Logger) *Handler {
	return &Handler{
		store:    store,
		dispatch: dispatch,
		verifier: verifier,
		logger:   logger.With().Str("component", "push").Logger(),
	}
}

// Handle is the gin handler for POST callbacks.
func (h *Handler) Handle(c *gin.Context) {
	if h.verifier != nil {
		if err := h.verifier.VerifyRequest(c.Request); err != nil {
			h.logger.Warn().Err(err).Msg("push token rejected")
			c.Status(http.StatusUnauthorized)
			return
		}
	}

	var env envelope
	if err := json.NewDecoder(c.Request.Body).Decode(&env); err != nil {
		h.logger.Warn().Err(err).Msg("malformed push envelope")
		c.Status(http.StatusBadRequest)
		return
	}

	var note notification
	if err := json.Unmarshal(env.Message.Data, &note); err != nil || note.EmailAddress == "" {
		h.logger.Warn().Err(err).Msg("malformed notification payload")
		c.Status(http.StatusBadRequest)
		return
	}

	acct, err := h.store.FindByAddress(c.Request.Context(), note.EmailAddress)
	if err != nil {
		if errors.Is(err, state.ErrAccountNotFound) {
			// Ack so the relay stops redelivering for a mailbox we no
			// longer track.
			h.logger.Info().Str("address", note.EmailAddress).Msg("notification for unknown account")
			c.Status(http.StatusNoContent)
			return
		}
		h.logger.Error().Err(err).Msg("account lookup failed")
		c.Status(http.StatusInternalServerError)
		return
	}

	go func() {
		if err := h.dispatch.Run(context.Background(), acct.ID, note.HistoryID); err != nil {
			h.logger.Warn().Err(err).Str("account", acct.ID).Msg("push-triggered sync failed")
		}
	}()

	c.Status(http.StatusNoContent)
}
