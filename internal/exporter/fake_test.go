package exporter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeGitLab keeps issues in memory and serves the subset of the issues
// API the exporter uses.
type fakeGitLab struct {
	mu       sync.Mutex
	nextID   int64
	issues   map[int64]map[int64]*remoteIssue // project -> iid -> issue
	creates  int
	puts     []map[string]any
	sudo     []string
	failNext map[string]int // route pattern -> remaining failures
	srv      *httptest.Server
}

func newFakeGitLab(t *testing.T) *fakeGitLab {
	f := &fakeGitLab{
		nextID:   1000,
		issues:   map[int64]map[int64]*remoteIssue{},
		failNext: map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v4/projects/{pid}/issues", f.create)
	mux.HandleFunc("GET /api/v4/projects/{pid}/issues/{iid}", f.get)
	mux.HandleFunc("PUT /api/v4/projects/{pid}/issues/{iid}", f.update)
	mux.HandleFunc("DELETE /api/v4/projects/{pid}/issues/{iid}", f.remove)
	mux.HandleFunc("POST /api/v4/projects/{pid}/issues/{iid}/move", f.move)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGitLab) URL() string {
	return f.srv.URL
}

func (f *fakeGitLab) failing(w http.ResponseWriter, r *http.Request) bool {
	key := r.Pattern
	if f.failNext[key] > 0 {
		f.failNext[key]--
		http.Error(w, `{"message":"boom"}`, http.StatusInternalServerError)
		return true
	}
	return false
}

func ids(r *http.Request) (int64, int64) {
	pid, _ := strconv.ParseInt(r.PathValue("pid"), 10, 64)
	iid, _ := strconv.ParseInt(r.PathValue("iid"), 10, 64)
	return pid, iid
}

func decodeBody(r *http.Request) map[string]any {
	body := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body
}

func applyBody(issue *remoteIssue, body map[string]any) {
	if v, ok := body["title"].(string); ok {
		issue.Title = v
	}
	if v, ok := body["description"].(string); ok {
		issue.Description = v
	}
	if v, ok := body["labels"].(string); ok {
		issue.Labels = []string{}
		for _, l := range strings.Split(v, ",") {
			if l = strings.TrimSpace(l); l != "" {
				issue.Labels = append(issue.Labels, l)
			}
		}
	}
	switch body["state_event"] {
	case "close":
		issue.State = "closed"
	case "reopen":
		issue.State = "opened"
	}
}

func (f *fakeGitLab) add(pid int64, issue *remoteIssue) *remoteIssue {
	if f.issues[pid] == nil {
		f.issues[pid] = map[int64]*remoteIssue{}
	}
	f.nextID++
	issue.ID = f.nextID
	issue.IID = int64(len(f.issues[pid]) + 1)
	issue.ProjectID = pid
	if issue.State == "" {
		issue.State = "opened"
	}
	if issue.Labels == nil {
		issue.Labels = []string{}
	}
	issue.WebURL = f.srv.URL + "/p/" + strconv.FormatInt(pid, 10) + "/-/issues/" + strconv.FormatInt(issue.IID, 10)
	f.issues[pid][issue.IID] = issue
	return issue
}

func (f *fakeGitLab) find(pid, iid int64) *remoteIssue {
	return f.issues[pid][iid]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeGitLab) create(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sudo = append(f.sudo, r.Header.Get("Sudo"))
	if f.failing(w, r) {
		return
	}
	pid, _ := ids(r)
	issue := &remoteIssue{}
	applyBody(issue, decodeBody(r))
	f.creates++
	writeJSON(w, http.StatusCreated, f.add(pid, issue))
}

func (f *fakeGitLab) get(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := f.find(ids(r))
	if issue == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "404 Not found"})
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (f *fakeGitLab) update(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := f.find(ids(r))
	if issue == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "404 Not found"})
		return
	}
	body := decodeBody(r)
	f.puts = append(f.puts, body)
	applyBody(issue, body)
	writeJSON(w, http.StatusOK, issue)
}

func (f *fakeGitLab) remove(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing(w, r) {
		return
	}
	pid, iid := ids(r)
	if f.find(pid, iid) == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "404 Not found"})
		return
	}
	delete(f.issues[pid], iid)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeGitLab) move(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pid, iid := ids(r)
	issue := f.find(pid, iid)
	if issue == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "404 Not found"})
		return
	}
	body := decodeBody(r)
	to, _ := body["to_project_id"].(float64)
	delete(f.issues[pid], iid)
	moved := *issue
	writeJSON(w, http.StatusCreated, f.add(int64(to), &moved))
}

// count returns the number of open issues in a project.
func (f *fakeGitLab) count(pid int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.issues[pid])
}

func (f *fakeGitLab) only(t *testing.T, pid int64) *remoteIssue {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.issues[pid]) != 1 {
		t.Fatalf("project %d has %d issues, want 1", pid, len(f.issues[pid]))
	}
	for _, issue := range f.issues[pid] {
		cp := *issue
		return &cp
	}
	return nil
}
