package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/yanolja/gemback"
	"github.com/yanolja/gemback/dispatch"
	"github.com/yanolja/gemback/health"
)

type (
	BadRequestError     struct{ error }
	BadGatewayError     struct{ error }
	InternalServerError struct{ error }
	RateLimitError      struct{ error }
	RequestTimeoutError struct{ error }
	UnavailableError    struct{ error }
)

// Dispatcher is the part of *dispatch.Orchestrator the server needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, request gemback.Request) (*gemback.Response, error)
	DispatchStream(ctx context.Context, request gemback.Request) (<-chan gemback.Chunk, <-chan error)
	Stats() dispatch.Stats
	Health() map[string]health.ModelHealth
	HealthiestModel() (string, bool)
}

type GenerationServer struct {
	dispatcher Dispatcher

	// API key clients must present with the Bearer scheme. Empty disables
	// authentication.
	apiKey string

	// Serves /metrics when set.
	metrics http.Handler

	logger *zap.SugaredLogger
}

type healthResponse struct {
	Models     map[string]health.ModelHealth `json:"models"`
	Healthiest string                        `json:"healthiest,omitempty"`
}

type errorBody struct {
	Type      string                  `json:"type"`
	Message   string                  `json:"message"`
	Code      int                     `json:"code"`
	ErrorCode gemback.ErrorCode       `json:"error_code,omitempty"`
	RequestID string                  `json:"request_id,omitempty"`
	Attempts  []gemback.AttemptRecord `json:"attempts,omitempty"`
}

func NewGenerationServer(dispatcher Dispatcher, apiKey string, metrics http.Handler, logger *zap.SugaredLogger) *GenerationServer {
	return &GenerationServer{
		dispatcher: dispatcher,
		apiKey:     apiKey,
		metrics:    metrics,
		logger:     logger,
	}
}

// RegisterRoutes registers all generation API routes
func (s *GenerationServer) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/generate", s.HandleAuthentication(s.HandleGenerate)).Methods("POST")
	router.HandleFunc("/v1/generate/stream", s.HandleAuthentication(s.HandleGenerateStream)).Methods("POST")
	router.HandleFunc("/v1/stats", s.HandleAuthentication(s.HandleStats)).Methods("GET")
	router.HandleFunc("/v1/health", s.HandleAuthentication(s.HandleHealth)).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	}).Methods("GET")
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics).Methods("GET")
	}
}

// Handler returns every route, traced with OpenTelemetry.
func (s *GenerationServer) Handler() http.Handler {
	router := mux.NewRouter()
	s.RegisterRoutes(router)
	return otelhttp.NewHandler(router, "gemback")
}

func (s *GenerationServer) HandleGenerate(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	request, err := s.readRequest(httpRequest)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}

	response, err := s.dispatcher.Dispatch(httpRequest.Context(), *request)
	if err != nil {
		s.logger.Warnw("Failed to generate", "error", err)
		s.handleError(httpResponse, classifyError(err))
		return
	}

	s.writeJSON(httpResponse, http.StatusOK, response)
}

func (s *GenerationServer) HandleGenerateStream(httpResponse http.ResponseWriter, httpRequest *http.Request) {
	request, err := s.readRequest(httpRequest)
	if err != nil {
		s.handleError(httpResponse, err)
		return
	}

	flusher, ok := httpResponse.(http.Flusher)
	if !ok {
		s.handleError(httpResponse, InternalServerError{errors.New("streaming unsupported")})
		return
	}

	httpResponse.Header().Set("Content-Type", "text/event-stream")
	httpResponse.Header().Set("Cache-Control", "no-cache")
	httpResponse.Header().Set("Connection", "keep-alive")

	chunkCh, errorCh := s.dispatcher.DispatchStream(httpRequest.Context(), *request)
	for chunk := range chunkCh {
		if err := writeEvent(httpResponse, chunk); err != nil {
			s.logger.Warnw("Failed to write stream chunk", "error", err)
		}
		flusher.Flush()
	}

	if err := <-errorCh; err != nil {
		s.logger.Warnw("Failed to stream", "error", err)
		status, body := errorResponse(classifyError(err))
		if err := writeEvent(httpResponse, map[string]errorBody{"error": body}); err != nil {
			s.logger.Warnw("Failed to write stream error", "error", err, "status", status)
		}
		flusher.Flush()
	}

	// Send termination signal
	fmt.Fprintf(httpResponse, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *GenerationServer) HandleStats(httpResponse http.ResponseWriter, _ *http.Request) {
	s.writeJSON(httpResponse, http.StatusOK, s.dispatcher.Stats())
}

func (s *GenerationServer) HandleHealth(httpResponse http.ResponseWriter, _ *http.Request) {
	models := s.dispatcher.Health()
	if models == nil {
		s.handleError(httpResponse, UnavailableError{errors.New("monitoring is disabled")})
		return
	}
	healthiest, _ := s.dispatcher.HealthiestModel()
	s.writeJSON(httpResponse, http.StatusOK, healthResponse{Models: models, Healthiest: healthiest})
}

func (s *GenerationServer) HandleAuthentication(handler http.HandlerFunc) http.HandlerFunc {
	return func(httpResponse http.ResponseWriter, httpRequest *http.Request) {
		if s.apiKey == "" {
			handler(httpResponse, httpRequest)
			return
		}

		headerSplit := strings.Split(httpRequest.Header.Get("Authorization"), " ")
		if len(headerSplit) != 2 ||
			strings.ToLower(headerSplit[0]) != "bearer" ||
			headerSplit[1] != s.apiKey {
			s.writeError(httpResponse, http.StatusUnauthorized, errorBody{Type: "unauthorized", Message: "Unauthorized"})
			return
		}

		handler(httpResponse, httpRequest)
	}
}

func (s *GenerationServer) readRequest(httpRequest *http.Request) (*gemback.Request, error) {
	defer httpRequest.Body.Close()

	bodyBytes, err := io.ReadAll(httpRequest.Body)
	if err != nil {
		s.logger.Warnw("Failed to read request body", "error", err)
		return nil, BadRequestError{errors.New("invalid request body")}
	}

	var request gemback.Request
	if err := json.Unmarshal(bodyBytes, &request); err != nil {
		s.logger.Warnw("Invalid request body", "error", err)
		return nil, BadRequestError{errors.New("invalid request body")}
	}
	if strings.TrimSpace(request.Prompt) == "" {
		return nil, BadRequestError{errors.New("prompt is required")}
	}

	s.logger.Infow("Received generation request", "model", request.Model)
	return &request, nil
}

// classifyError wraps a dispatch error in the type that selects its HTTP
// status.
func classifyError(err error) error {
	var dispatchErr *gemback.DispatchError
	if !errors.As(err, &dispatchErr) {
		return InternalServerError{err}
	}
	switch dispatchErr.Code {
	case gemback.CodeAuth:
		return BadGatewayError{err}
	case gemback.CodeCanceled:
		return RequestTimeoutError{err}
	case gemback.CodeAllModelsFailed:
		if allRateLimited(dispatchErr.Attempts) {
			return RateLimitError{err}
		}
		return UnavailableError{err}
	case gemback.CodeStreamInterrupted:
		return BadGatewayError{err}
	default:
		return InternalServerError{err}
	}
}

func allRateLimited(attempts []gemback.AttemptRecord) bool {
	for _, attempt := range attempts {
		if attempt.StatusCode != http.StatusTooManyRequests {
			return false
		}
	}
	return len(attempts) > 0
}

func errorResponse(err error) (int, errorBody) {
	var status int
	var errorType, message string
	var cause error
	switch e := err.(type) {
	case BadRequestError:
		status, errorType, message, cause = http.StatusBadRequest, "invalid_request", "Invalid request", e.error
	case BadGatewayError:
		status, errorType, message, cause = http.StatusBadGateway, "upstream_error", "Upstream provider rejected the request", e.error
	case UnavailableError:
		status, errorType, message, cause = http.StatusServiceUnavailable, "unavailable", "No available models", e.error
	case RateLimitError:
		status, errorType, message, cause = http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded", e.error
	case RequestTimeoutError:
		status, errorType, message, cause = http.StatusRequestTimeout, "timeout", "Request timed out", e.error
	case InternalServerError:
		status, errorType, message, cause = http.StatusInternalServerError, "server_error", "Internal server error", e.error
	default:
		status, errorType, message = http.StatusInternalServerError, "server_error", "Internal server error"
	}

	body := errorBody{Type: errorType, Message: message, Code: status}
	if cause != nil {
		body.Message = fmt.Sprintf("%s: %v", message, cause)
	}
	var dispatchErr *gemback.DispatchError
	if errors.As(cause, &dispatchErr) {
		body.ErrorCode = dispatchErr.Code
		body.RequestID = dispatchErr.RequestID
		body.Attempts = dispatchErr.Attempts
	}
	return status, body
}

func (s *GenerationServer) handleError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	s.writeError(w, status, body)
}

func (s *GenerationServer) writeError(w http.ResponseWriter, status int, body errorBody) {
	body.Code = status
	s.writeJSON(w, status, map[string]errorBody{"error": body})
}

func (s *GenerationServer) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

func writeEvent(w io.Writer, data any) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", bytes)
	return err
}
