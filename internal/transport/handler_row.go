package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/formcard/internal/card"
	"github.com/pitabwire/formcard/model"
)

// rowInputResponse is returned by a row input.
type rowInputResponse struct {
	Call *model.ServiceCall `json:"call,omitempty"`
	Row  model.RowView      `json:"row"`
}

func handleGetRow(host *card.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		row, err := host.Row(chi.URLParam(r, "rowId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, row.View())
	}
}

func handleRowInput(host *card.Host) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		row, err := host.Row(chi.URLParam(r, "rowId"))
		if err != nil {
			WriteError(w, err)
			return
		}

		var in inputRequest
		if err := decodeBody(r, &in); err != nil {
			WriteError(w, err)
			return
		}
		call, err := row.Input(r.Context(), in.Value)
		if err != nil {
			WriteError(w, err)
			return
		}

		resp := rowInputResponse{Row: row.View()}
		if call.Domain != "" {
			resp.Call = &call
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
