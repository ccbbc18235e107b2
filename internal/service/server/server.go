package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pylon/internal/model"
	"pylon/internal/pylon"
	"pylon/internal/service/session"
	"pylon/internal/utils/log"
)

// statusClientClosedRequest is reported when the caller went away first.
const statusClientClosedRequest = 499

type (
	// Sessions is the orchestration layer behind the HTTP routes.
	Sessions interface {
		GenerateCode(ctx context.Context) (string, error)
		Send(ctx context.Context, payload *model.Payload) (*model.Payload, error)
		Receive(ctx context.Context, code string) (*model.Payload, error)
		Status(ctx context.Context, code string) (*model.Receipt, error)
		History(ctx context.Context, code string) ([]*model.Transfer, error)
	}

	Options struct {
		Addr           string
		StaticDir      string
		CORSOrigins    []string
		ReceiveTimeout time.Duration
		// Gatherer enables GET /metrics when set.
		Gatherer prometheus.Gatherer
	}

	HttpServer struct {
		sessions Sessions
		opts     Options
		srv      *http.Server
	}

	sendRequest struct {
		Code    string  `json:"code"`
		Message *string `json:"message"`
	}

	receiveRequest struct {
		Code string `json:"code"`
	}
)

func NewHttpServer(sessions Sessions, opts Options) *HttpServer {
	s := &HttpServer{
		sessions: sessions,
		opts:     opts,
	}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/code", s.GenerateCode()).Methods(http.MethodGet)
	r.HandleFunc("/send", s.Send()).Methods(http.MethodPost)
	r.HandleFunc("/receive", s.Receive()).Methods(http.MethodPost)
	r.HandleFunc("/status/{code}", s.Status()).Methods(http.MethodGet)
	r.HandleFunc("/transfers/{code}", s.Transfers()).Methods(http.MethodGet)
	r.HandleFunc("/ws/receive", s.HandleReceiveWS()).Methods(http.MethodGet)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	if s.opts.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.opts.StaticDir)))
	} else {
		r.HandleFunc("/", s.Index()).Methods(http.MethodGet)
	}

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		return r
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(r)
}

// Run serves until Shutdown is called.
func (s *HttpServer) Run() error {
	log.Info("http server listening", zap.String("addr", s.opts.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *HttpServer) Index() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Hello, world!"))
	}
}

func (s *HttpServer) GenerateCode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, err := s.sessions.GenerateCode(r.Context())
		if err != nil {
			writeError[string](w, err)
			return
		}
		writeJSON(w, http.StatusOK, model.OK(http.StatusOK, code))
	}
}

func (s *HttpServer) Send() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, model.Fail[model.Payload](http.StatusBadRequest, "invalid request body"))
			return
		}

		payload := &model.Payload{Message: req.Message, Code: req.Code}
		sent, err := s.sessions.Send(r.Context(), payload)
		if err != nil {
			log.Error("send failed", zap.Error(err))
			writeError[model.Payload](w, err)
			return
		}
		writeJSON(w, http.StatusOK, model.OK(http.StatusOK, *sent))
	}
}

func (s *HttpServer) Receive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req receiveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, model.Fail[model.Payload](http.StatusBadRequest, "invalid request body"))
			return
		}

		ctx, cancel := s.receiveContext(r.Context())
		defer cancel()

		payload, err := s.sessions.Receive(ctx, req.Code)
		if err != nil {
			log.Error("receive failed", zap.Error(err))
			writeError[model.Payload](w, err)
			return
		}
		writeJSON(w, http.StatusOK, model.OK(http.StatusOK, *payload))
	}
}

func (s *HttpServer) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := mux.Vars(r)["code"]

		receipt, err := s.sessions.Status(r.Context(), code)
		if err != nil {
			writeError[model.Receipt](w, err)
			return
		}
		writeJSON(w, http.StatusOK, model.OK(http.StatusOK, *receipt))
	}
}

func (s *HttpServer) Transfers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := mux.Vars(r)["code"]

		transfers, err := s.sessions.History(r.Context(), code)
		if err != nil {
			writeError[[]*model.Transfer](w, err)
			return
		}
		writeJSON(w, http.StatusOK, model.OK(http.StatusOK, transfers))
	}
}

func (s *HttpServer) receiveContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.opts.ReceiveTimeout > 0 {
		return context.WithTimeout(parent, s.opts.ReceiveTimeout)
	}
	return context.WithCancel(parent)
}

// StatusFor maps an orchestration error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, pylon.ErrMissingCode):
		return http.StatusBadRequest
	case errors.Is(err, pylon.ErrUnknownCode):
		return http.StatusNotFound
	case errors.Is(err, pylon.ErrCodeGeneration):
		return http.StatusInternalServerError
	case errors.Is(err, pylon.ErrEmptyPayload):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, pylon.ErrConnection), errors.Is(err, pylon.ErrReceive):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError[T any](w http.ResponseWriter, err error) {
	status := StatusFor(err)
	writeJSON(w, status, model.Fail[T](status, err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
