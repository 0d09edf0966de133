// Package remotetest provides an in-memory fake of the remote tracker API
// that records every request.
package remotetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"synchrony/internal/remote"
)

// APIKey is the key the server accepts unless overridden.
const APIKey = "test-api-key"

// Request is one recorded call.
type Request struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

type failure struct {
	code  int
	times int
}

type upload struct {
	data []byte
}

// Server is a fake remote tracker.
type Server struct {
	*httptest.Server

	// APIKey is compared with the auth header of every request.
	APIKey string
	// APIUserID authors journals and attachments created through the API.
	APIUserID int
	// Delay is slept after a request is recorded and before it is handled.
	Delay time.Duration
	// Reject, when set, may veto an issue create or update with messages.
	Reject func(remote.IssuePayload) []string
	// OnRequest, when set, runs before a request is handled, outside the
	// server lock.
	OnRequest func(method, path string)

	mu           sync.Mutex
	issues       map[int]*remote.Issue
	users        map[int]string
	projects     []remote.Project
	trackers     []remote.Tracker
	statuses     []remote.IssueStatus
	priorities   []remote.IssuePriority
	customFields []remote.CustomField
	uploads      map[string]upload
	files        map[int][]byte
	failures     map[string]*failure
	requests     []Request
	nextID       map[string]int
	lastStamp    time.Time
}

// NewServer starts a fake with an API user 1 named "API User".
func NewServer() *Server {
	s := &Server{
		APIKey:    APIKey,
		APIUserID: 1,
		issues:    make(map[int]*remote.Issue),
		users:     map[int]string{1: "API User"},
		uploads:   make(map[string]upload),
		files:     make(map[int][]byte),
		failures:  make(map[string]*failure),
		nextID:    make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) id(kind string) int {
	s.nextID[kind]++
	return s.nextID[kind]
}

// stamp returns a strictly increasing second-precision timestamp.
func (s *Server) stamp() time.Time {
	now := time.Now().UTC().Truncate(time.Second)
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Second)
	}
	s.lastStamp = now
	return now
}

// AddUser registers a remote principal.
func (s *Server) AddUser(id int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = name
}

// AddProject registers a remote project.
func (s *Server) AddProject(name string) remote.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := remote.Project{ID: s.id("project"), Name: name, Identifier: strings.ToLower(strings.ReplaceAll(name, " ", "-"))}
	s.projects = append(s.projects, p)
	return p
}

// AddTracker registers a remote tracker.
func (s *Server) AddTracker(name string) remote.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := remote.Tracker{ID: s.id("tracker"), Name: name}
	s.trackers = append(s.trackers, t)
	return t
}

// AddStatus registers a remote issue status.
func (s *Server) AddStatus(name string, closed bool) remote.IssueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := remote.IssueStatus{ID: s.id("status"), Name: name, IsClosed: closed}
	s.statuses = append(s.statuses, st)
	return st
}

// AddPriority registers a remote issue priority.
func (s *Server) AddPriority(name string) remote.IssuePriority {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := remote.IssuePriority{ID: s.id("priority"), Name: name}
	s.priorities = append(s.priorities, p)
	return p
}

// AddCustomField registers a remote custom field definition and returns it
// with its assigned id.
func (s *Server) AddCustomField(cf remote.CustomField) remote.CustomField {
	s.mu.Lock()
	defer s.mu.Unlock()
	cf.ID = s.id("custom_field")
	if cf.CustomizedType == "" {
		cf.CustomizedType = "issue"
	}
	s.customFields = append(s.customFields, cf)
	return cf
}

// AddIssue stores an issue as if created remotely by someone else. Zero
// timestamps are filled in.
func (s *Server) AddIssue(issue remote.Issue) *remote.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue.ID = s.id("issue")
	now := s.stamp()
	if issue.CreatedOn.IsZero() {
		issue.CreatedOn = now
	}
	if issue.UpdatedOn.IsZero() {
		issue.UpdatedOn = now
	}
	s.fillNames(&issue)
	stored := issue
	s.issues[issue.ID] = &stored
	out := s.copyIssue(&stored, true)
	return &out
}

// AddJournal appends a journal to an issue and bumps its updated_on.
func (s *Server) AddJournal(issueID int, j remote.Journal) remote.Journal {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue := s.issues[issueID]
	j.ID = s.id("journal")
	now := s.stamp()
	if j.CreatedOn.IsZero() {
		j.CreatedOn = now
	}
	j.User.Name = s.users[j.User.ID]
	issue.Journals = append(issue.Journals, j)
	issue.UpdatedOn = now
	return j
}

// AddAttachment attaches a file to an issue with an attachment journal.
func (s *Server) AddAttachment(issueID int, filename string, data []byte, authorID int) remote.Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attach(s.issues[issueID], filename, "", data, authorID)
}

func (s *Server) attach(issue *remote.Issue, filename, description string, data []byte, authorID int) remote.Attachment {
	id := s.id("attachment")
	now := s.stamp()
	a := remote.Attachment{
		ID:          id,
		Filename:    filename,
		Filesize:    int64(len(data)),
		ContentType: "application/octet-stream",
		Description: description,
		// Advertise a different host to exercise re-rooting.
		ContentURL: fmt.Sprintf("http://remote.invalid/attachments/download/%d/%s", id, filename),
		Author:     remote.Ref{ID: authorID, Name: s.users[authorID]},
		CreatedOn:  now,
	}
	s.files[id] = data
	issue.Attachments = append(issue.Attachments, a)
	name := filename
	issue.Journals = append(issue.Journals, remote.Journal{
		ID:        s.id("journal"),
		User:      a.Author,
		CreatedOn: now,
		Details: []remote.JournalDetail{{
			Property: "attachment",
			Name:     strconv.Itoa(id),
			NewValue: &name,
		}},
	})
	issue.UpdatedOn = now
	return a
}

// SetCustomField replaces one custom field value and bumps updated_on.
func (s *Server) SetCustomField(issueID, fieldID int, values ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue := s.issues[issueID]
	s.setCustomField(issue, remote.CustomFieldValue{ID: fieldID, Value: values})
	issue.UpdatedOn = s.stamp()
}

// Update mutates an issue in place and bumps updated_on.
func (s *Server) Update(issueID int, fn func(*remote.Issue)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue := s.issues[issueID]
	fn(issue)
	s.fillNames(issue)
	issue.UpdatedOn = s.stamp()
}

// AddRelation links two issues.
func (s *Server) AddRelation(from, to int, relationType string, delay *int) remote.Relation {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := remote.Relation{ID: s.id("relation"), IssueID: from, IssueToID: to, RelationType: relationType, Delay: delay}
	s.issues[from].Relations = append(s.issues[from].Relations, r)
	if to != from && s.issues[to] != nil {
		s.issues[to].Relations = append(s.issues[to].Relations, r)
	}
	return r
}

// AddWatcher subscribes a remote user.
func (s *Server) AddWatcher(issueID, userID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue := s.issues[issueID]
	issue.Watchers = append(issue.Watchers, remote.Ref{ID: userID, Name: s.users[userID]})
}

// DeleteIssue removes an issue.
func (s *Server) DeleteIssue(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.issues, id)
}

// Issue returns a copy of a stored issue with every nested collection.
func (s *Server) Issue(id int) (remote.Issue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[id]
	if !ok {
		return remote.Issue{}, false
	}
	return s.copyIssue(issue, true), true
}

// IssueCount returns the number of stored issues.
func (s *Server) IssueCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.issues)
}

// FailNext makes the next times requests matching method and path answer
// with code.
func (s *Server) FailNext(method, path string, code, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = &failure{code: code, times: times}
}

// Requests returns the recorded calls.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// ResetRequests forgets recorded calls.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// Count returns how many recorded calls match method and a path prefix.
func (s *Server) Count(method, pathPrefix string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.HasPrefix(r.Path, pathPrefix) {
			n++
		}
	}
	return n
}

// Mutations counts recorded non-GET calls.
func (s *Server) Mutations() int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method != http.MethodGet {
			n++
		}
	}
	return n
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})
	s.mu.Unlock()

	// Recorded before the delay so that a caller which gave up still counts.
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}
	if s.OnRequest != nil {
		s.OnRequest(r.Method, r.URL.Path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Header.Get(remote.APIKeyHeader) != s.APIKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if f := s.failures[r.Method+" "+r.URL.Path]; f != nil && f.times > 0 {
		f.times--
		writeJSON(w, f.code, map[string][]string{"errors": {http.StatusText(f.code)}})
		return
	}

	path := r.URL.Path
	parts := strings.Split(strings.Trim(strings.TrimSuffix(path, ".json"), "/"), "/")
	switch {
	case path == "/issues.json" && r.Method == http.MethodGet:
		s.listIssues(w, r)
	case path == "/issues.json" && r.Method == http.MethodPost:
		s.createIssue(w, body)
	case len(parts) == 2 && parts[0] == "issues":
		id, err := strconv.Atoi(parts[1])
		if err != nil {
			writeJSON(w, http.StatusNotFound, nil)
			return
		}
		switch r.Method {
		case http.MethodGet:
			s.getIssue(w, r, id)
		case http.MethodPut:
			s.updateIssue(w, id, body)
		default:
			writeJSON(w, http.StatusMethodNotAllowed, nil)
		}
	case len(parts) == 3 && parts[0] == "issues" && parts[2] == "relations" && r.Method == http.MethodPost:
		id, _ := strconv.Atoi(parts[1])
		s.createRelation(w, id, body)
	case len(parts) == 2 && parts[0] == "relations" && r.Method == http.MethodDelete:
		id, _ := strconv.Atoi(parts[1])
		s.deleteRelation(w, id)
	case len(parts) == 3 && parts[0] == "issues" && parts[2] == "watchers" && r.Method == http.MethodPost:
		id, _ := strconv.Atoi(parts[1])
		s.addWatcher(w, id, body)
	case len(parts) == 4 && parts[0] == "issues" && parts[2] == "watchers" && r.Method == http.MethodDelete:
		id, _ := strconv.Atoi(parts[1])
		uid, _ := strconv.Atoi(parts[3])
		s.removeWatcher(w, id, uid)
	case path == "/uploads.json" && r.Method == http.MethodPost:
		token := fmt.Sprintf("%d.%s", s.id("upload"), uuid.NewString())
		s.uploads[token] = upload{data: body}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"upload": map[string]string{"token": token}})
	case len(parts) >= 3 && parts[0] == "attachments" && parts[1] == "download":
		id, _ := strconv.Atoi(parts[2])
		data, ok := s.files[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, nil)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	case path == "/users/current.json":
		first, last, _ := strings.Cut(s.users[s.APIUserID], " ")
		writeJSON(w, http.StatusOK, map[string]interface{}{"user": remote.User{
			ID:        s.APIUserID,
			Login:     strings.ToLower(first),
			Firstname: first,
			Lastname:  last,
		}})
	case path == "/projects.json":
		s.listProjects(w, r)
	case path == "/trackers.json":
		writeJSON(w, http.StatusOK, map[string]interface{}{"trackers": s.trackers})
	case path == "/issue_statuses.json":
		writeJSON(w, http.StatusOK, map[string]interface{}{"issue_statuses": s.statuses})
	case path == "/enumerations/issue_priorities.json":
		writeJSON(w, http.StatusOK, map[string]interface{}{"issue_priorities": s.priorities})
	case path == "/custom_fields.json":
		writeJSON(w, http.StatusOK, map[string]interface{}{"custom_fields": s.customFields})
	default:
		writeJSON(w, http.StatusNotFound, nil)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if code == http.StatusNoContent {
		w.WriteHeader(code)
		return
	}
	w.WriteHeader(code)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since time.Time
	if v := q.Get("updated_on"); strings.HasPrefix(v, ">=") {
		since, _ = time.Parse(time.RFC3339, strings.TrimPrefix(v, ">="))
	}
	projectID, _ := strconv.Atoi(q.Get("project_id"))
	allStatuses := q.Get("status_id") == "*"

	var matched []*remote.Issue
	for _, issue := range s.issues {
		if projectID != 0 && issue.Project.ID != projectID {
			continue
		}
		if !since.IsZero() && issue.UpdatedOn.Before(since) {
			continue
		}
		if !allStatuses && s.statusClosed(issue.Status.ID) {
			continue
		}
		matched = append(matched, issue)
	}
	sort.Slice(matched, func(i, j int) bool {
		if q.Get("sort") == "updated_on:desc" {
			if !matched[i].UpdatedOn.Equal(matched[j].UpdatedOn) {
				return matched[i].UpdatedOn.After(matched[j].UpdatedOn)
			}
		}
		return matched[i].ID < matched[j].ID
	})

	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 25
	}
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]remote.Issue, 0, end-offset)
	for _, issue := range matched[offset:end] {
		page = append(page, s.copyIssue(issue, false))
	}
	writeJSON(w, http.StatusOK, remote.IssueList{Issues: page, TotalCount: total, Offset: offset, Limit: limit})
}

func (s *Server) statusClosed(id int) bool {
	for _, st := range s.statuses {
		if st.ID == id {
			return st.IsClosed
		}
	}
	return false
}

func (s *Server) getIssue(w http.ResponseWriter, r *http.Request, id int) {
	issue, ok := s.issues[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, nil)
		return
	}
	out := s.copyIssue(issue, false)
	for _, inc := range strings.Split(r.URL.Query().Get("include"), ",") {
		switch inc {
		case "journals":
			out.Journals = append([]remote.Journal(nil), issue.Journals...)
		case "attachments":
			out.Attachments = append([]remote.Attachment(nil), issue.Attachments...)
		case "relations":
			out.Relations = append([]remote.Relation(nil), issue.Relations...)
		case "watchers":
			out.Watchers = append([]remote.Ref(nil), issue.Watchers...)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"issue": out})
}

func decodePayload(body []byte) (remote.IssuePayload, error) {
	var wrapper struct {
		Issue remote.IssuePayload `json:"issue"`
	}
	err := json.Unmarshal(body, &wrapper)
	return wrapper.Issue, err
}

func (s *Server) createIssue(w http.ResponseWriter, body []byte) {
	payload, err := decodePayload(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, nil)
		return
	}
	if msgs := s.validate(payload, true); len(msgs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string][]string{"errors": msgs})
		return
	}
	now := s.stamp()
	issue := &remote.Issue{
		ID:        s.id("issue"),
		Author:    remote.Ref{ID: s.APIUserID},
		CreatedOn: now,
	}
	s.apply(issue, payload)
	issue.UpdatedOn = now
	s.issues[issue.ID] = issue
	writeJSON(w, http.StatusCreated, map[string]interface{}{"issue": s.copyIssue(issue, false)})
}

func (s *Server) updateIssue(w http.ResponseWriter, id int, body []byte) {
	issue, ok := s.issues[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, nil)
		return
	}
	payload, err := decodePayload(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, nil)
		return
	}
	if msgs := s.validate(payload, false); len(msgs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string][]string{"errors": msgs})
		return
	}
	s.apply(issue, payload)
	issue.UpdatedOn = s.stamp()
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) validate(p remote.IssuePayload, create bool) []string {
	var msgs []string
	if create && strings.TrimSpace(p.Subject) == "" {
		msgs = append(msgs, "Subject cannot be blank")
	}
	for _, u := range p.Uploads {
		if _, ok := s.uploads[u.Token]; !ok {
			msgs = append(msgs, "Invalid upload token")
		}
	}
	if s.Reject != nil {
		msgs = append(msgs, s.Reject(p)...)
	}
	return msgs
}

func (s *Server) apply(issue *remote.Issue, p remote.IssuePayload) {
	if p.ProjectID != 0 {
		issue.Project = remote.Ref{ID: p.ProjectID}
	}
	if p.TrackerID != 0 {
		issue.Tracker = remote.Ref{ID: p.TrackerID}
	}
	if p.StatusID != 0 {
		issue.Status = remote.Ref{ID: p.StatusID}
	}
	if p.PriorityID != 0 {
		issue.Priority = remote.Ref{ID: p.PriorityID}
	}
	if p.AssignedToID != nil {
		if *p.AssignedToID == 0 {
			issue.AssignedTo = nil
		} else {
			issue.AssignedTo = &remote.Ref{ID: *p.AssignedToID}
		}
	}
	if p.ParentIssueID != nil {
		issue.Parent = &remote.Ref{ID: *p.ParentIssueID}
	}
	if p.Subject != "" {
		issue.Subject = p.Subject
	}
	if p.Description != nil {
		issue.Description = *p.Description
	}
	if p.StartDate != nil {
		issue.StartDate = *p.StartDate
	}
	if p.DueDate != nil {
		issue.DueDate = *p.DueDate
	}
	if p.DoneRatio != nil {
		issue.DoneRatio = *p.DoneRatio
	}
	if p.EstimatedHours != nil {
		issue.EstimatedHours = p.EstimatedHours
	}
	for _, cf := range p.CustomFields {
		s.setCustomField(issue, cf)
	}
	s.fillNames(issue)
	for _, u := range p.Uploads {
		s.attach(issue, u.Filename, u.Description, s.uploads[u.Token].data, s.APIUserID)
		delete(s.uploads, u.Token)
	}
	if p.Notes != "" {
		issue.Journals = append(issue.Journals, remote.Journal{
			ID:           s.id("journal"),
			User:         remote.Ref{ID: s.APIUserID, Name: s.users[s.APIUserID]},
			Notes:        p.Notes,
			PrivateNotes: p.PrivateNotes,
			CreatedOn:    s.stamp(),
		})
	}
}

func (s *Server) setCustomField(issue *remote.Issue, v remote.CustomFieldValue) {
	for _, def := range s.customFields {
		if def.ID == v.ID {
			v.Name = def.Name
			v.Multiple = def.Multiple
		}
	}
	for i := range issue.CustomFields {
		if issue.CustomFields[i].ID == v.ID {
			issue.CustomFields[i] = v
			return
		}
	}
	issue.CustomFields = append(issue.CustomFields, v)
}

func (s *Server) fillNames(issue *remote.Issue) {
	for _, p := range s.projects {
		if p.ID == issue.Project.ID {
			issue.Project.Name = p.Name
		}
	}
	for _, t := range s.trackers {
		if t.ID == issue.Tracker.ID {
			issue.Tracker.Name = t.Name
		}
	}
	for _, st := range s.statuses {
		if st.ID == issue.Status.ID {
			issue.Status.Name = st.Name
		}
	}
	for _, p := range s.priorities {
		if p.ID == issue.Priority.ID {
			issue.Priority.Name = p.Name
		}
	}
	issue.Author.Name = s.users[issue.Author.ID]
	if issue.AssignedTo != nil {
		issue.AssignedTo.Name = s.users[issue.AssignedTo.ID]
	}
	for i := range issue.CustomFields {
		for _, def := range s.customFields {
			if def.ID == issue.CustomFields[i].ID {
				issue.CustomFields[i].Name = def.Name
				issue.CustomFields[i].Multiple = def.Multiple
			}
		}
	}
}

func (s *Server) copyIssue(issue *remote.Issue, nested bool) remote.Issue {
	out := *issue
	out.CustomFields = append([]remote.CustomFieldValue(nil), issue.CustomFields...)
	out.Journals, out.Attachments, out.Relations, out.Watchers = nil, nil, nil, nil
	if nested {
		out.Journals = append([]remote.Journal(nil), issue.Journals...)
		out.Attachments = append([]remote.Attachment(nil), issue.Attachments...)
		out.Relations = append([]remote.Relation(nil), issue.Relations...)
		out.Watchers = append([]remote.Ref(nil), issue.Watchers...)
	}
	return out
}

func (s *Server) createRelation(w http.ResponseWriter, issueID int, body []byte) {
	issue, ok := s.issues[issueID]
	if !ok {
		writeJSON(w, http.StatusNotFound, nil)
		return
	}
	var wrapper struct {
		Relation remote.RelationPayload `json:"relation"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		writeJSON(w, http.StatusBadRequest, nil)
		return
	}
	target, ok := s.issues[wrapper.Relation.IssueToID]
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string][]string{"errors": {"Related issue cannot be blank"}})
		return
	}
	rel := remote.Relation{
		ID:           s.id("relation"),
		IssueID:      issueID,
		IssueToID:    target.ID,
		RelationType: wrapper.Relation.RelationType,
		Delay:        wrapper.Relation.Delay,
	}
	issue.Relations = append(issue.Relations, rel)
	if target.ID != issue.ID {
		target.Relations = append(target.Relations, rel)
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"relation": rel})
}

func (s *Server) deleteRelation(w http.ResponseWriter, id int) {
	found := false
	for _, issue := range s.issues {
		kept := issue.Relations[:0]
		for _, r := range issue.Relations {
			if r.ID == id {
				found = true
				continue
			}
			kept = append(kept, r)
		}
		issue.Relations = kept
	}
	if !found {
		writeJSON(w, http.StatusNotFound, nil)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) addWatcher(w http.ResponseWriter, issueID int, body []byte) {
	issue, ok := s.issues[issueID]
	if !ok {
		writeJSON(w, http.StatusNotFound, nil)
		return
	}
	var payload struct {
		UserID int `json:"user_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, nil)
		return
	}
	for _, watcher := range issue.Watchers {
		if watcher.ID == payload.UserID {
			writeJSON(w, http.StatusNoContent, nil)
			return
		}
	}
	issue.Watchers = append(issue.Watchers, remote.Ref{ID: payload.UserID, Name: s.users[payload.UserID]})
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) removeWatcher(w http.ResponseWriter, issueID, userID int) {
	issue, ok := s.issues[issueID]
	if !ok {
		writeJSON(w, http.StatusNotFound, nil)
		return
	}
	kept := issue.Watchers[:0]
	for _, watcher := range issue.Watchers {
		if watcher.ID != userID {
			kept = append(kept, watcher)
		}
	}
	issue.Watchers = kept
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 25
	}
	total := len(s.projects)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"projects":    s.projects[offset:end],
		"total_count": total,
	})
}
