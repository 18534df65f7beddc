package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/strandtale/fabula/internal/artifact"
	"github.com/strandtale/fabula/internal/orchestrator"
	"github.com/strandtale/fabula/internal/runctl"
	"github.com/strandtale/fabula/internal/state"
)

var projectNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func (s *Server) projectRoot(name string) (string, bool) {
	if !projectNameRe.MatchString(name) {
		return "", false
	}
	return filepath.Join(s.config.BaseRoot, name), true
}

func (s *Server) openProject(name string) (*artifact.Store, bool) {
	root, ok := s.projectRoot(name)
	if !ok {
		return nil, false
	}
	store := artifact.Open(root, s.log)
	if !store.Exists() {
		return nil, false
	}
	return store, true
}

func (s *Server) orchestratorFor(store *artifact.Store, flag *runctl.ShutdownFlag) (*orchestrator.Orchestrator, error) {
	return orchestrator.New(orchestrator.Options{
		Store:    store,
		Logger:   s.log,
		Shutdown: flag,
	})
}

type projectSummary struct {
	Name        string `json:"name"`
	Author      string `json:"author,omitempty"`
	NumChapters int    `json:"num_chapters,omitempty"`
	Chapters    int    `json:"chapters_stored"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.config.BaseRoot)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := []projectSummary{}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		store, ok := s.openProject(ent.Name())
		if !ok {
			continue
		}
		out = append(out, s.summarize(ent.Name(), store))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) summarize(name string, store *artifact.Store) projectSummary {
	sum := projectSummary{Name: name}
	if settings, err := store.ReadSettings(); err == nil {
		sum.Author, _ = settings["author"].(string)
		if n, ok := settings["num_chapters"].(float64); ok {
			sum.NumChapters = int(n)
		}
	}
	if ids, err := store.ListChapters(); err == nil {
		sum.Chapters = len(ids)
	}
	return sum
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Author      string `json:"author"`
	NumChapters int    `json:"num_chapters"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	root, ok := s.projectRoot(req.Name)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid project name")
		return
	}
	if req.NumChapters < 1 {
		req.NumChapters = 3
	}
	store := artifact.Open(root, s.log)
	if err := store.InitProject(req.Name, req.Author, req.NumChapters); err != nil {
		if errors.Is(err, artifact.ErrProjectExists) {
			writeError(w, http.StatusConflict, "project already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, s.summarize(req.Name, store))
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	store, ok := s.openProject(name)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, s.summarize(name, store))
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	store, ok := s.openProject(name)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if status, _, _ := s.queue.StatusFor(name); status == StatusRunning {
		writeError(w, http.StatusConflict, "a generation task is running")
		return
	}
	if err := os.RemoveAll(store.Root()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	store, ok := s.openProject(name)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	o, err := s.orchestratorFor(store, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dump, err := o.StateDump(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dump)
}

type generateRequest struct {
	Prompt      string `json:"prompt"`
	NumChapters int    `json:"num_chapters"`
	// A pointer so an explicit 0 (no revisions, straight to human review)
	// is distinguishable from an omitted field.
	MaxRevisionRounds *int `json:"max_revision_rounds"`
	QABlockerMax      int  `json:"qa_blocker_max"`
	QAMajorMax        int  `json:"qa_major_max"`
}

func (req *generateRequest) runConfig() orchestrator.RunConfig {
	rounds := -1
	if req.MaxRevisionRounds != nil {
		rounds = *req.MaxRevisionRounds
	}
	return orchestrator.RunConfig{
		Prompt:            req.Prompt,
		NumChapters:       req.NumChapters,
		MaxRevisionRounds: rounds,
		QABlockerMax:      req.QABlockerMax,
		QAMajorMax:        req.QAMajorMax,
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	s.startTask(w, r, false)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.startTask(w, r, true)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request, resume bool) {
	name := chi.URLParam(r, "name")
	store, ok := s.openProject(name)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	var req generateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body is fine
	}
	cfg := req.runConfig()

	task, started := s.queue.Submit(name, func(ctx context.Context, flag *runctl.ShutdownFlag) (string, error) {
		o, err := s.orchestratorFor(store, flag)
		if err != nil {
			return "", err
		}
		final, err := runOrResume(ctx, o, cfg, resume)
		if err != nil {
			return "", err
		}
		if final.NeedsHumanReview {
			return "needs_human_review", nil
		}
		return "", nil
	})
	if !started {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "a generation task is already running",
			"task_id": task.ID,
		})
		return
	}
	s.log.Info("task started", zap.String("project", name), zap.String("task_id", task.ID), zap.Bool("resume", resume))
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": task.ID})
}

func runOrResume(ctx context.Context, o *orchestrator.Orchestrator, cfg orchestrator.RunConfig, resume bool) (*state.State, error) {
	if resume {
		return o.Resume(ctx, cfg)
	}
	return o.Run(ctx, cfg)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.openProject(name); !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if !s.queue.Revoke(name) {
		writeError(w, http.StatusNotFound, "no running task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopping": true})
}

func (s *Server) handleGenerateStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.openProject(name); !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	status, taskID, detail := s.queue.StatusFor(name)
	resp := map[string]any{"status": status}
	if taskID != "" {
		resp["task_id"] = taskID
	}
	if detail != "" {
		resp["detail"] = detail
	}
	writeJSON(w, http.StatusOK, resp)
}

type rollbackRequest struct {
	Step    string `json:"step,omitempty"`
	Chapter int    `json:"chapter,omitempty"`
	Scene   int    `json:"scene,omitempty"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	store, ok := s.openProject(name)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if status, _, _ := s.queue.StatusFor(name); status == StatusRunning {
		writeError(w, http.StatusConflict, "a generation task is running")
		return
	}
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	o, err := s.orchestratorFor(store, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	switch {
	case req.Step != "":
		err = o.RollbackToStep(req.Step)
	case req.Chapter > 0 && req.Scene > 0:
		err = o.RollbackToScene(req.Chapter, req.Scene)
	case req.Chapter > 0:
		err = o.RollbackToChapter(req.Chapter)
	default:
		writeError(w, http.StatusBadRequest, "rollback needs step or chapter")
		return
	}
	if err != nil {
		var ue *runctl.UserError
		if errors.As(err, &ue) {
			writeError(w, http.StatusBadRequest, ue.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rolled_back": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
