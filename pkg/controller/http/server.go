package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
	"github.com/secmon-lab/mnemosyne/pkg/service/retrieval"
	"github.com/secmon-lab/mnemosyne/pkg/usecase"
	"github.com/secmon-lab/mnemosyne/pkg/utils/errutil"
	"github.com/secmon-lab/mnemosyne/pkg/utils/logging"
	"github.com/secmon-lab/mnemosyne/pkg/utils/safe"
)

type Server struct {
	router *chi.Mux
	uc     *usecase.UseCases
}

func New(uc *usecase.UseCases) *Server {
	r := chi.NewRouter()
	s := &Server{
		router: r,
		uc:     uc,
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(accessLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Route("/memory", func(r chi.Router) {
			r.Post("/", s.handleStoreMemory)
			r.Get("/search", s.handleSearch)
			r.Get("/context", s.handleContext)
		})
		r.Route("/session/{sessionID}", func(r chi.Router) {
			r.Post("/message", s.handleAddMessage)
			r.Post("/compact", s.handleCompact)
		})
		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", s.handleSyncStatus)
			r.Post("/start", s.handleSyncStart)
			r.Post("/stop", s.handleSyncStop)
		})
		r.Post("/maintenance/consolidate", s.handleConsolidate)
		r.Post("/entity/mention", s.handleEntityMention)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		safe.Write(r.Context(), w, []byte("OK"))
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// accessLogger is a middleware that logs HTTP requests
func accessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			logging.Default().Info("access",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, goerr.Wrap(err, "failed to marshal response"), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	safe.Write(r.Context(), w, data)
}

func (s *Server) handleStoreMemory(w http.ResponseWriter, r *http.Request) {
	var input usecase.StoreMemoryInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		errutil.HandleHTTP(r.Context(), w, goerr.Wrap(err, "invalid request body"), http.StatusBadRequest)
		return
	}

	mem, err := s.uc.StoreRawMemory(r.Context(), &input)
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, err, errStatus(err))
		return
	}
	respondJSON(w, r, http.StatusCreated, mem)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	opts, err := searchOptions(r)
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, err, http.StatusBadRequest)
		return
	}

	result, err := s.uc.SearchMemories(r.Context(), query, opts)
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, err, errStatus(err))
		return
	}
	respondJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	opts, err := searchOptions(r)
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, err, http.StatusBadRequest)
		return
	}

	text, err := s.uc.RetrieveContext(r.Context(), query, opts)
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, err, errStatus(err))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	safe.Write(r.Context(), w, []byte(text))
}

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var input usecase.AddMessageInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		errutil.HandleHTTP(r.Context(), w, goerr.Wrap(err, "invalid request body"), http.StatusBadRequest)
		return
	}

	result, err := s.uc.AddSessionMessage(r.Context(), sessionID, &input)
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, err, errStatus(err))
		return
	}
	respondJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	domain := types.MemoryDomain(r.URL.Query().Get("domain"))

	result, err := s.uc.CompactSession(r.Context(), sessionID, domain)
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, err, errStatus(err))
		return
	}
	respondJSON(w, r, http.StatusAccepted, result)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.uc.SyncStatus(r.Context())
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, err, errStatus(err))
		return
	}
	respondJSON(w, r, http.StatusOK, status)
}

func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	if err := s.uc.StartSync(r.Context()); err != nil {
		errutil.HandleHTTP(r.Context(), w, err, errStatus(err))
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleSyncStop(w http.ResponseWriter, r *http.Request) {
	s.uc.StopSync()
	respondJSON(w, r, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	result, err := s.uc.Consolidate(r.Context())
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, err, errStatus(err))
		return
	}
	respondJSON(w, r, http.StatusOK, result)
}

func (s *Server) handleEntityMention(w http.ResponseWriter, r *http.Request) {
	var input usecase.MentionInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		errutil.HandleHTTP(r.Context(), w, goerr.Wrap(err, "invalid request body"), http.StatusBadRequest)
		return
	}

	entity, err := s.uc.RecordEntityMention(r.Context(), &input)
	if err != nil {
		errutil.HandleHTTP(r.Context(), w, err, errStatus(err))
		return
	}
	respondJSON(w, r, http.StatusOK, entity)
}

// searchOptions parses the shared retrieval query parameters
func searchOptions(r *http.Request) (retrieval.Options, error) {
	q := r.URL.Query()
	opts := retrieval.Options{
		Domain:     types.MemoryDomain(q.Get("domain")),
		EntityType: types.EntityType(q.Get("entity_type")),
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return opts, goerr.Wrap(err, "invalid limit", goerr.V("limit", v))
		}
		opts.Limit = limit
	}
	if v := q.Get("min_score"); v != "" {
		score, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return opts, goerr.Wrap(err, "invalid min_score", goerr.V("min_score", v))
		}
		opts.MinScore = score
	}
	if v := q.Get("min_importance"); v != "" {
		imp, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return opts, goerr.Wrap(err, "invalid min_importance", goerr.V("min_importance", v))
		}
		opts.MinImportance = imp
	}
	if v := q.Get("max_age"); v != "" {
		age, err := time.ParseDuration(v)
		if err != nil {
			return opts, goerr.Wrap(err, "invalid max_age", goerr.V("max_age", v))
		}
		opts.MaxAge = age
	}
	for _, kind := range strings.Split(q.Get("kinds"), ",") {
		switch strings.TrimSpace(kind) {
		case "raw":
			opts.IncludeRaw = true
		case "compacted":
			opts.IncludeCompacted = true
		case "entities":
			opts.IncludeEntities = true
		}
	}
	return opts, nil
}

// errStatus maps usecase errors onto HTTP status codes
func errStatus(err error) int {
	if errors.Is(err, model.ErrInvalidPayload) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
