package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"uniq/internal/domain"
	"uniq/internal/knowledge"
	"uniq/internal/memory"
	"uniq/internal/research"
	"uniq/internal/security"
)

// --- auth ---

type loginRequest struct {
	RollNo   string `json:"roll_no"`
	Password string `json:"password"`
}

func (w *Web) handleLogin(rw http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RollNo) == "" || req.Password == "" {
		writeError(rw, http.StatusBadRequest, "roll_no and password are required")
		return
	}
	token, st, err := w.auth.Login(r.Context(), req.RollNo, req.Password)
	if err != nil {
		if errors.Is(err, security.ErrInvalidCredentials) {
			writeError(rw, http.StatusUnauthorized, "Invalid roll number or password")
			return
		}
		w.logger.Error("login failed", "error", err)
		writeError(rw, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"token": token, "student": st})
}

func (w *Web) handleMe(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, studentFrom(r.Context()))
}

func (w *Web) handleLogout(rw http.ResponseWriter, r *http.Request) {
	w.auth.Logout(bearerToken(r))
	writeJSON(rw, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// --- students (admin) ---

type registerRequest struct {
	RollNo     string `json:"roll_no"`
	Password   string `json:"password"` // empty = the roll number
	Name       string `json:"name"`
	Department string `json:"department"`
	Branch     string `json:"branch"`
	Semester   string `json:"semester"`
}

func (w *Web) handleRegister(rw http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	req.RollNo = strings.TrimSpace(req.RollNo)
	if req.RollNo == "" || strings.TrimSpace(req.Name) == "" {
		writeError(rw, http.StatusBadRequest, "roll_no and name are required")
		return
	}
	password := req.Password
	if password == "" {
		password = req.RollNo
	}
	hash, err := w.hashPassword(password)
	if err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}

	st, err := w.students.CreateStudent(r.Context(), domain.Student{
		RollNo:       req.RollNo,
		PasswordHash: hash,
		Name:         strings.TrimSpace(req.Name),
		Department:   strings.TrimSpace(req.Department),
		Branch:       strings.TrimSpace(req.Branch),
		Semester:     strings.TrimSpace(req.Semester),
	})
	if err != nil {
		if errors.Is(err, memory.ErrStudentExists) {
			writeError(rw, http.StatusBadRequest, "Roll number already exists")
			return
		}
		w.logger.Error("register student", "roll_no", req.RollNo, "error", err)
		writeError(rw, http.StatusInternalServerError, "could not register student")
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"message": "Student registered successfully", "student": st})
}

func (w *Web) handleListStudents(rw http.ResponseWriter, r *http.Request) {
	students, err := w.students.ListStudents(r.Context())
	if err != nil {
		w.logger.Error("list students", "error", err)
		writeError(rw, http.StatusInternalServerError, "could not list students")
		return
	}
	if students == nil {
		students = []domain.Student{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"students": students})
}

// --- knowledge base ---

func (w *Web) handleUpdateKnowledge(rw http.ResponseWriter, r *http.Request) {
	var req knowledge.UpdateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	w.logger.Info("knowledge base update requested",
		"new", len(req.NewFiles), "updated", len(req.UpdatedFiles), "deleted", len(req.DeletedFiles))

	report, err := w.knowledge.Update(r.Context(), req)
	if err != nil {
		w.logger.Error("knowledge base update failed", "error", err)
		writeError(rw, http.StatusInternalServerError, "Error updating knowledge base: "+err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"message": "Knowledge base updated successfully", "report": report})
}

// --- chat ---

type chatRequest struct {
	Question string `json:"question"`
}

func (w *Web) handleChatStream(rw http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.Question) == "" {
		writeError(rw, http.StatusBadRequest, "No question provided.")
		return
	}

	sink, wrote := textStream(rw, r)
	ans, err := w.assistant.Answer(r.Context(), strings.TrimSpace(req.Question), studentFrom(r.Context()), sink)
	if err != nil {
		if r.Context().Err() != nil {
			w.logger.Info("chat client disconnected")
			return
		}
		w.logger.Error("chat stream failed", "error", err)
		if !wrote() {
			writeError(rw, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.logger.Debug("chat answered", "route", ans.Route, "reason", ans.Reason, "sources", len(ans.Sources))
}

// --- research ---

type planRequest struct {
	Query string `json:"query"`
}

type executeRequest struct {
	Query       string          `json:"query"`
	Plan        json.RawMessage `json:"plan"`
	RefinedPlan json.RawMessage `json:"refined_plan"`
}

type streamRequest struct {
	Query         string                   `json:"query"`
	Plan          json.RawMessage          `json:"plan"`
	SearchResults []domain.WebSearchResult `json:"search_results"`
}

// decodePlan coerces a client-supplied plan the same way a model plan is
// coerced. ok is false when no plan was given.
func decodePlan(raw json.RawMessage) (plan domain.ResearchPlan, ok bool, err error) {
	if len(raw) == 0 || string(raw) == "null" {
		return domain.ResearchPlan{}, false, nil
	}
	plan, _, err = research.ParsePlan(string(raw))
	if errors.Is(err, research.ErrEmptyPlan) {
		plan.Normalize()
		return plan, true, nil
	}
	if err != nil {
		return domain.ResearchPlan{}, false, fmt.Errorf("plan must be a JSON object: %w", err)
	}
	return plan, true, nil
}

func (w *Web) handleResearchPlan(rw http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.Query) == "" {
		writeError(rw, http.StatusBadRequest, "Query is required")
		return
	}
	query := strings.TrimSpace(req.Query)
	plan, fallback := w.research.Plan(r.Context(), query)
	writeJSON(rw, http.StatusOK, map[string]any{
		"plan":     plan,
		"query":    query,
		"status":   "success",
		"fallback": fallback,
	})
}

func (w *Web) handleResearchExecute(rw http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	query := strings.TrimSpace(req.Query)
	plan, ok, err := decodePlan(req.RefinedPlan)
	if err == nil && !ok {
		plan, ok, err = decodePlan(req.Plan)
	}
	if err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if query == "" || !ok {
		writeError(rw, http.StatusBadRequest, "Query and plan are required")
		return
	}

	results, err := w.research.Execute(r.Context(), query, plan)
	if err != nil {
		w.logger.Error("research execute failed", "error", err)
		writeError(rw, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []domain.WebSearchResult{}
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"query":   query,
		"plan":    plan,
		"sources": results,
		"status":  "success",
	})
}

func (w *Web) handleResearchStream(rw http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	query := strings.TrimSpace(req.Query)
	plan, ok, err := decodePlan(req.Plan)
	if err != nil {
		writeError(rw, http.StatusBadRequest, err.Error())
		return
	}
	if query == "" || !ok {
		writeError(rw, http.StatusBadRequest, "Query and plan are required")
		return
	}

	sink, wrote := textStream(rw, r)
	if _, err := w.research.Synthesize(r.Context(), query, plan, req.SearchResults, sink); err != nil {
		if r.Context().Err() != nil {
			w.logger.Info("research client disconnected")
			return
		}
		w.logger.Error("research stream failed", "error", err)
		if !wrote() {
			writeError(rw, http.StatusInternalServerError, err.Error())
		}
	}
}

// --- documents ---

func (w *Web) handleDocument(rw http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	path, err := w.documents.SourcePath(name)
	if err != nil {
		writeError(rw, http.StatusBadRequest, "invalid file name")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(rw, http.StatusNotFound, "PDF not found")
			return
		}
		writeError(rw, http.StatusInternalServerError, "Error serving PDF")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(rw, http.StatusNotFound, "PDF not found")
		return
	}

	ext := filepath.Ext(name)
	ctype := mime.TypeByExtension(ext)
	switch {
	case strings.EqualFold(ext, ".pdf"):
		ctype = "application/pdf"
	case ctype == "":
		ctype = "application/octet-stream"
	}
	rw.Header().Set("Content-Type", ctype)
	rw.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
	http.ServeContent(rw, r, name, info.ModTime(), f)
}
