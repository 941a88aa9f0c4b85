package server

import (
	"encoding/json"
	"net/http"

	"github.com/dhirmadi/imgpub/internal/apperrors"
)

// errorDetail is the error response body shape of spec.md §4.J: {detail: string}.
type errorDetail struct {
	Detail string `json:"detail"`
}

func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)
	httpResponseJSONByte(w, v, code)
}

func httpResponseJSONByte(w http.ResponseWriter, msg []byte, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(msg)
}

func httpError(w http.ResponseWriter, detail string, code int) {
	httpResponseJSON(w, errorDetail{Detail: detail}, code)
}

// httpErrorFromErr maps err through apperrors.HTTPStatus and writes the
// resulting {detail} body.
func httpErrorFromErr(w http.ResponseWriter, err error) {
	httpError(w, err.Error(), apperrors.HTTPStatus(err))
}
