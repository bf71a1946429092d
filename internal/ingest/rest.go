package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juju/errors"

	"shiftwatch/internal/auth"
	"shiftwatch/internal/logging"
	"shiftwatch/internal/model"
	"shiftwatch/internal/normalize"
)

const maxBody = 2 << 20

type RESTServer struct {
	gateway   *Gateway
	validator auth.Validator
	logger    *slog.Logger
}

func NewRESTServer(gw *Gateway, v auth.Validator, logger *slog.Logger) *RESTServer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &RESTServer{gateway: gw, validator: v, logger: logger}
}

func (s *RESTServer) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.validator))
		r.Post("/v1/events", s.handleEvents)
		r.Post("/v1/locations", s.handleLocations)
	})
	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *RESTServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("rest ingest listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Annotate(err, "rest ingest server")
	}
	return nil
}

type itemResult struct {
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type batchResult struct {
	Accepted int          `json:"accepted"`
	Failed   int          `json:"failed"`
	Results  []itemResult `json:"results"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, model.HTTPStatus(err), itemResult{Error: model.ErrorCode(err), Reason: err.Error()})
}

// decodeBody returns the submitted objects and whether the body was an
// array.
func decodeBody(w http.ResponseWriter, r *http.Request) ([]map[string]any, bool, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return nil, false, model.Validationf("read body: %v", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, false, model.Validationf("empty body")
	}
	if body[0] == '[' {
		var list []map[string]any
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, true, model.Validationf("malformed json: %v", err)
		}
		return list, true, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, false, model.Validationf("malformed json: %v", err)
	}
	return []map[string]any{obj}, false, nil
}

func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, func(ctx context.Context, id model.Identity, obj map[string]any) (string, error) {
		sub, err := normalize.Event(normalize.FromMap(obj), s.gateway.Location())
		if err != nil {
			return "", s.gateway.reject("event", err)
		}
		if err := scope(id, &sub.EmployeeID, &sub.CompanyID); err != nil {
			return "", s.gateway.reject("event", err)
		}
		sub.Source = "rest"
		return s.gateway.SubmitEvent(ctx, sub)
	})
}

func (s *RESTServer) handleLocations(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, func(ctx context.Context, id model.Identity, obj map[string]any) (string, error) {
		sub, err := normalize.Location(normalize.FromMap(obj), s.gateway.Location())
		if err != nil {
			return "", s.gateway.reject("location", err)
		}
		if err := scope(id, &sub.EmployeeID, &sub.CompanyID); err != nil {
			return "", s.gateway.reject("location", err)
		}
		sub.Source = "rest"
		return "", s.gateway.SubmitLocation(ctx, sub)
	})
}

// scope fills omitted ids from the caller's identity and rejects
// submissions on behalf of someone the caller may not act for.
func scope(id model.Identity, employeeID, companyID *string) error {
	if *employeeID == "" {
		*employeeID = id.EmployeeID
	}
	if *companyID == "" {
		*companyID = id.CompanyID
	}
	if !auth.CanActFor(id, *companyID, *employeeID) {
		return errors.Annotatef(model.ErrForbidden, "cannot submit for employee %s", *employeeID)
	}
	return nil
}

func (s *RESTServer) handle(w http.ResponseWriter, r *http.Request, submit func(context.Context, model.Identity, map[string]any) (string, error)) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, model.ErrAuthentication)
		return
	}
	objs, batch, err := decodeBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !batch {
		ref, err := submit(r.Context(), id, objs[0])
		if err != nil {
			s.logFailure(r, err)
			writeError(w, err)
			return
		}
		if ref == "" {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
			return
		}
		writeJSON(w, http.StatusCreated, itemResult{ID: ref})
		return
	}
	res := batchResult{Results: make([]itemResult, 0, len(objs))}
	for _, obj := range objs {
		ref, err := submit(r.Context(), id, obj)
		if err != nil {
			s.logFailure(r, err)
			res.Failed++
			res.Results = append(res.Results, itemResult{Error: model.ErrorCode(err), Reason: err.Error()})
			continue
		}
		res.Accepted++
		res.Results = append(res.Results, itemResult{ID: ref})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *RESTServer) logFailure(r *http.Request, err error) {
	code := model.ErrorCode(err)
	if code == "internal_error" {
		s.logger.Error("submission failed", "path", r.URL.Path, "err", err)
		return
	}
	s.logger.Debug("submission rejected", "path", r.URL.Path, "code", code, "err", err)
}
