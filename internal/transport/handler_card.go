package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/formcard/internal/card"
	"github.com/pitabwire/formcard/internal/definition"
	"github.com/pitabwire/formcard/internal/observability"
	"github.com/pitabwire/formcard/model"
)

// inputRequest is the body of a field or row input.
type inputRequest struct {
	Value any `json:"value"`
}

// submitResponse is returned by a successful submit.
type submitResponse struct {
	Call   *model.ServiceCall `json:"call,omitempty"`
	Status model.CardStatus   `json:"status"`
}

func handleGetCard(host *card.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := host.Card(chi.URLParam(r, "cardId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handlePutCardConfig(host *card.Host, validator *definition.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := host.Card(chi.URLParam(r, "cardId"))
		if err != nil {
			WriteError(w, err)
			return
		}

		var cfg model.CardConfig
		if err := decodeBody(r, &cfg); err != nil {
			WriteError(w, err)
			return
		}
		if err := definition.AsError(validator.ValidateCard("config", cfg)); err != nil {
			observability.LoggerFrom(r.Context(), zap.NewNop()).Warn("card config rejected",
				zap.String("card_id", c.ID()),
				zap.Error(err),
			)
			WriteError(w, err)
			return
		}

		if err := c.SetConfig(r.Context(), cfg); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handlePutCardValue(host *card.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := host.Card(chi.URLParam(r, "cardId"))
		if err != nil {
			WriteError(w, err)
			return
		}

		var v model.FormValue
		if err := decodeBody(r, &v); err != nil {
			WriteError(w, err)
			return
		}
		if v.Action == "" {
			v.Action = model.DefaultFormAction
		}
		if v.Data == nil {
			v.Data = map[string]any{}
		}
		c.SetValue(v)
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handleFieldInput(host *card.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := host.Card(chi.URLParam(r, "cardId"))
		if err != nil {
			WriteError(w, err)
			return
		}

		var in inputRequest
		if err := decodeBody(r, &in); err != nil {
			WriteError(w, err)
			return
		}
		if err := c.Input(chi.URLParam(r, "key"), in.Value); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handleResetCard(host *card.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := host.Card(chi.URLParam(r, "cardId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		c.Reset()
		WriteJSON(w, http.StatusOK, c.View())
	}
}

func handleSubmitCard(host *card.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := host.Card(chi.URLParam(r, "cardId"))
		if err != nil {
			WriteError(w, err)
			return
		}

		call, err := c.Submit(r.Context())
		if err != nil {
			observability.LoggerFrom(r.Context(), zap.NewNop()).Warn("card submit failed",
				zap.String("card_id", c.ID()),
				zap.Error(err),
			)
			WriteError(w, err)
			return
		}

		resp := submitResponse{Status: c.Status()}
		if call.Domain != "" {
			resp.Call = &call
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
