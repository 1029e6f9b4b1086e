package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/CodeTumbler/internal/bus"
	"github.com/Strob0t/CodeTumbler/internal/domain/project"
	"github.com/Strob0t/CodeTumbler/internal/service"
)

// Handlers bundles the dependencies of the REST API.
type Handlers struct {
	Orchestrator *service.Orchestrator
	Bus          *bus.Bus
}

func (h *Handlers) listProjects(w http.ResponseWriter, _ *http.Request) {
	summaries, err := h.Orchestrator.List()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if summaries == nil {
		summaries = []project.Summary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *Handlers) createProject(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[project.CreateRequest](w, r)
	if !ok {
		return
	}
	st, err := h.Orchestrator.Create(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *Handlers) getProject(w http.ResponseWriter, r *http.Request) {
	st, err := h.Orchestrator.Status(chi.URLParam(r, "name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) startProject(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.Start(chi.URLParam(r, "name")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *Handlers) stopProject(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.Stop(chi.URLParam(r, "name")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handlers) resetProject(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.Reset(chi.URLParam(r, "name")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handlers) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.Delete(chi.URLParam(r, "name")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handlers) getConversation(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Orchestrator.Conversation(chi.URLParam(r, "name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handlers) getUsage(w http.ResponseWriter, r *http.Request) {
	ledger, err := h.Orchestrator.Usage(chi.URLParam(r, "name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

func (h *Handlers) updateProviders(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Overrides map[string]string `json:"overrides"`
	}](w, r)
	if !ok {
		return
	}
	if err := h.Orchestrator.UpdateProviders(chi.URLParam(r, "name"), body.Overrides); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handlers) updateCompression(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[project.Compression](w, r)
	if !ok {
		return
	}
	if err := h.Orchestrator.UpdateCompression(chi.URLParam(r, "name"), body); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
