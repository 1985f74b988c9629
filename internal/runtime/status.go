package runtime

import (
	"net/http"
	"strings"

	"github.com/birdtrack/enrichflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/birdtrack/enrichflow/internal/runtime/logging"
	metadatapkg "github.com/birdtrack/enrichflow/internal/runtime/metadata"
)

// DefaultStatusPort is used when StatusPort is unset.
const DefaultStatusPort = 8081

// StartStatusServer mounts the status API when StatusEnabled:
//
//	GET /api/handlers   handler statistics
//	GET /api/transport  transport capabilities
//	GET /api/poison     poison queue statistics
//	GET /healthz        liveness
func (s *Service) StartStatusServer() {
	if s.Conf == nil || !s.Conf.StatusEnabled {
		return
	}

	port := s.Conf.StatusPort
	if port == 0 {
		port = DefaultStatusPort
	}

	s.RegisterHTTPHandler(port, "/api/handlers", http.HandlerFunc(s.handleGetHandlers))
	s.RegisterHTTPHandler(port, "/api/transport", http.HandlerFunc(s.handleGetTransport))
	s.RegisterHTTPHandler(port, "/api/poison", http.HandlerFunc(s.handleGetPoison))
	s.RegisterHTTPHandler(port, "/healthz", http.HandlerFunc(s.handleHealthz))
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	s.writeStatusJSON(w, r, s.handlers)
}

func (s *Service) handleGetTransport(w http.ResponseWriter, r *http.Request) {
	s.writeStatusJSON(w, r, s.capabilities)
}

func (s *Service) handleGetPoison(w http.ResponseWriter, r *http.Request) {
	s.writeStatusJSON(w, r, s.poisonMetrics.Snapshot())
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) writeStatusJSON(w http.ResponseWriter, r *http.Request, body any) {
	w.Header().Set("Content-Type", metadatapkg.ContentTypeJSON)

	if s.Conf != nil && len(s.Conf.StatusCORSAllowedOrigins) > 0 {
		if allowedOrigin := s.getAllowedCORSOrigin(r.Header.Get("Origin")); allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := jsoncodec.Marshal(body)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("Failed to encode status response", err, loggingpkg.LogFields{"path": r.URL.Path})
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(payload)
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
