package inventory

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID. A valid incoming ID is kept, otherwise a new one is generated
const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware sets a request ID in the request's context and response headers
func (s *Service) RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ContextKeyRequestID, id)))
	})
}

func (s *Service) withJSONResponse(next ReturnHandlerFunc) http.Handler {
	type response struct {
		Code        int    `json:"code"`
		Description string `json:"description"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, body := next(w, r)
		if code == StatusCodeSkip {
			return
		}

		log := s.log.WithField("path", r.URL.Path)
		if id, ok := r.Context().Value(ContextKeyRequestID).(string); ok {
			log = log.WithField("request_id", id)
		}

		if err, ok := body.(error); ok || body == nil {
			resp := response{Code: code, Description: http.StatusText(code)}
			body = resp
			if err != nil {
				if code >= http.StatusInternalServerError {
					log.WithField("code", code).Error(err)
				} else {
					log.WithField("code", code).Info(err)
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)

		e := json.NewEncoder(w)
		err := e.Encode(body)

		if err != nil {
			log.WithError(err).Error("could not encode response")
		}
	})
}
