package admin

import (
	"log"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/dheeraj-coding/zed/pkg/archive"
	"github.com/dheeraj-coding/zed/pkg/validate"
)

func (a *Admin) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Status())
}

// handleIntegrity runs the validator over a fresh snapshot. It only
// reports; repairs are applied offline or at boot.
func (a *Admin) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	snap, err := a.ctrl.Snapshot(r.Context())
	if err != nil {
		log.Printf("admin: snapshot: %v", err)
		writeError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}
	v := validate.New(snap)
	v.Run()
	w.Header().Set("Content-Type", "application/json")
	validate.GenerateReport(v).WriteJSON(w)
}

func (a *Admin) handleListArchives(w http.ResponseWriter, r *http.Request) {
	list, err := archive.List(a.ctrl.ArchiveDir())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []archive.Info{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *Admin) handleCreateArchive(w http.ResponseWriter, r *http.Request) {
	path, err := a.ctrl.Archive(r.Context())
	if err != nil {
		log.Printf("admin: archive failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("admin: archive %s created from %s", path, r.RemoteAddr)
	writeJSON(w, http.StatusCreated, map[string]string{"path": path, "filename": filepath.Base(path)})
}

func (a *Admin) handleVerifyArchive(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name != filepath.Base(name) || !strings.HasSuffix(name, ".tar.gz") {
		writeError(w, http.StatusBadRequest, "invalid archive name")
		return
	}
	m, err := archive.Verify(filepath.Join(a.ctrl.ArchiveDir(), name))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "manifest": m})
}
