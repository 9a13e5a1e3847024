package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"infinitytrain/internal/util"
	"infinitytrain/pkg/domain"
	"infinitytrain/pkg/progress"
	"infinitytrain/pkg/storage"
	"infinitytrain/pkg/store"
	"infinitytrain/services/tracker/internal/app"
)

func newTestApp(t *testing.T, maxUpload int64) *app.App {
	t.Helper()
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	a, err := app.New(app.Config{Store: store.NewMemoryStore(), Objects: files, MaxUploadBytes: maxUpload})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.App == nil {
		cfg.App = newTestApp(t, 64)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp
}

func signup(t *testing.T, baseURL, name, email string) domain.User {
	t.Helper()
	var user domain.User
	resp := doJSON(t, http.MethodPost, baseURL+"/api/signup", map[string]string{"name": name, "email": email}, &user)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup expected 201, got %d", resp.StatusCode)
	}
	return user
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, Config{})
	var body map[string]string
	resp := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestTopicLifecycle(t *testing.T) {
	srv := newTestServer(t, Config{})

	topic := domain.Topic{ID: "t1", Title: "Safety", Icon: "ShieldCheck", Subtopics: []domain.Subtopic{
		{ID: "st1", Title: "Emergency", Resources: "# Emergency"},
		{ID: "st2", Title: "PPE", ResourceLinks: []domain.Resource{{Type: domain.ResourceVideo, Title: "Intro", URL: "https://example.com/v"}}},
	}}
	var created domain.Topic
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/topics", topic, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create topic expected 201, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != util.NoStoreValue {
		t.Fatalf("cache-control = %q", got)
	}
	if len(created.Subtopics) != 2 || created.Subtopics[1].ResourceLinks[0].URL != "https://example.com/v" {
		t.Fatalf("unexpected created topic: %+v", created)
	}

	// Path ID wins over the body.
	topic.ID = "ignored"
	topic.Title = "Safety First"
	topic.Subtopics = []domain.Subtopic{topic.Subtopics[1], topic.Subtopics[0]}
	var updated domain.Topic
	resp = doJSON(t, http.MethodPut, srv.URL+"/api/topics/t1", topic, &updated)
	if resp.StatusCode != http.StatusOK || updated.ID != "t1" || updated.Subtopics[0].ID != "st2" {
		t.Fatalf("update topic: %d %+v", resp.StatusCode, updated)
	}

	var list []domain.Topic
	doJSON(t, http.MethodGet, srv.URL+"/api/topics", nil, &list)
	if len(list) != 1 || list[0].Title != "Safety First" {
		t.Fatalf("unexpected topic list: %+v", list)
	}

	var ok map[string]bool
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/topics/t1", nil, &ok)
	if resp.StatusCode != http.StatusOK || !ok["success"] {
		t.Fatalf("delete topic: %d %v", resp.StatusCode, ok)
	}
	var archived domain.Topic
	doJSON(t, http.MethodGet, srv.URL+"/api/topics/t1", nil, &archived)
	if !archived.IsDeleted {
		t.Fatalf("expected topic to be archived")
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/topics/t1/restore", nil, &ok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore topic: %d", resp.StatusCode)
	}
	var restored domain.Topic
	doJSON(t, http.MethodGet, srv.URL+"/api/topics/t1", nil, &restored)
	if restored.IsDeleted {
		t.Fatalf("expected topic to be restored")
	}

	var errBody map[string]string
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/topics/missing", nil, &errBody)
	if resp.StatusCode != http.StatusNotFound || errBody["error"] != app.ErrTopicNotFound.Error() {
		t.Fatalf("missing topic: %d %v", resp.StatusCode, errBody)
	}
}

func TestTopicValidationErrors(t *testing.T) {
	srv := newTestServer(t, Config{})
	var errBody map[string]string
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/topics", "{not json", &errBody)
	if resp.StatusCode != http.StatusBadRequest || errBody["error"] != "invalid JSON body" {
		t.Fatalf("invalid json: %d %v", resp.StatusCode, errBody)
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/topics", domain.Topic{ID: "t1"}, &errBody)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing title expected 400, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/topics", nil, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("patch topics expected 405, got %d", resp.StatusCode)
	}
}

func TestProgressEndpoints(t *testing.T) {
	srv := newTestServer(t, Config{})
	user := signup(t, srv.URL, "Bo", "bo@example.com")
	topic := domain.Topic{ID: "t1", Title: "Safety", Subtopics: []domain.Subtopic{{ID: "st1", Title: "A"}, {ID: "st2", Title: "B"}}}
	doJSON(t, http.MethodPost, srv.URL+"/api/topics", topic, nil)

	record := domain.UserProgress{UserID: user.ID, SubtopicID: "st1", Status: domain.StatusFullyUnderstood}
	var echoed domain.UserProgress
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/progress", record, &echoed)
	if resp.StatusCode != http.StatusOK || echoed != record {
		t.Fatalf("set progress: %d %+v", resp.StatusCode, echoed)
	}
	var errBody map[string]string
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/progress", map[string]string{"userId": user.ID, "subtopicId": "st2", "status": "great"}, &errBody)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid status expected 400, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/progress", map[string]string{"status": "basic"}, &errBody)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing ids expected 400, got %d", resp.StatusCode)
	}

	var records []domain.UserProgress
	doJSON(t, http.MethodGet, srv.URL+"/api/progress/"+user.ID, nil, &records)
	if len(records) != 1 || records[0].Status != domain.StatusFullyUnderstood {
		t.Fatalf("unexpected records: %+v", records)
	}

	var summary []progress.Stats
	doJSON(t, http.MethodGet, srv.URL+"/api/progress/"+user.ID+"/summary", nil, &summary)
	if len(summary) != 1 || summary[0].WeightedPercentage != 50 || summary[0].State != progress.StateInProgress {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestUserEndpoints(t *testing.T) {
	srv := newTestServer(t, Config{})
	user := signup(t, srv.URL, "Anna Berg", "anna@example.com")
	if user.Role != domain.RoleEmployee || !strings.Contains(user.Avatar, "seed=Anna%20Berg") {
		t.Fatalf("unexpected signup user: %+v", user)
	}

	var errBody map[string]string
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/signup", map[string]string{"name": "Other", "email": "anna@example.com"}, &errBody)
	if resp.StatusCode != http.StatusBadRequest || errBody["error"] != app.ErrUserExists.Error() {
		t.Fatalf("duplicate signup: %d %v", resp.StatusCode, errBody)
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/signup", map[string]string{"email": "x@example.com"}, &errBody)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("signup without name expected 400, got %d", resp.StatusCode)
	}

	var loggedIn domain.User
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/login", map[string]string{"email": "anna@example.com"}, &loggedIn)
	if resp.StatusCode != http.StatusOK || loggedIn.ID != user.ID {
		t.Fatalf("login: %d %+v", resp.StatusCode, loggedIn)
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/login", map[string]string{"email": "nobody@example.com"}, &errBody)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown login expected 404, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/login", map[string]string{}, &errBody)
	if resp.StatusCode != http.StatusBadRequest || errBody["error"] != app.ErrEmailRequired.Error() {
		t.Fatalf("empty login: %d %v", resp.StatusCode, errBody)
	}

	var patched domain.User
	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/users/"+user.ID, map[string]string{"role": "admin"}, &patched)
	if resp.StatusCode != http.StatusOK || patched.Role != domain.RoleAdmin || patched.Name != "Anna Berg" {
		t.Fatalf("patch user: %d %+v", resp.StatusCode, patched)
	}
	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/users/"+user.ID, map[string]string{"role": "owner"}, &errBody)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid role expected 400, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/users/missing", nil, &errBody)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing user expected 404, got %d", resp.StatusCode)
	}

	var users []domain.User
	doJSON(t, http.MethodGet, srv.URL+"/api/users", nil, &users)
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
}

func TestAddComment(t *testing.T) {
	srv := newTestServer(t, Config{})
	user := signup(t, srv.URL, "Bo", "bo@example.com")
	doJSON(t, http.MethodPost, srv.URL+"/api/topics", domain.Topic{ID: "t1", Title: "Safety", Subtopics: []domain.Subtopic{{ID: "st1", Title: "A"}}}, nil)

	var res commentResponse
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/comments", map[string]any{
		"subtopicId": "st1",
		"comment":    map[string]string{"userId": user.ID, "text": "Checked the seals"},
	}, &res)
	if resp.StatusCode != http.StatusCreated || !res.Success || res.Comment.ID == "" || res.Comment.Timestamp.IsZero() {
		t.Fatalf("add comment: %d %+v", resp.StatusCode, res)
	}
	var topic domain.Topic
	doJSON(t, http.MethodGet, srv.URL+"/api/topics/t1", nil, &topic)
	if len(topic.Subtopics[0].Comments) != 1 || topic.Subtopics[0].Comments[0].Text != "Checked the seals" {
		t.Fatalf("comment not persisted: %+v", topic.Subtopics[0].Comments)
	}

	var errBody map[string]string
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/comments", map[string]any{"subtopicId": "st1"}, &errBody)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing comment expected 400, got %d", resp.StatusCode)
	}
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadAndServe(t *testing.T) {
	srv := newTestServer(t, Config{App: newTestApp(t, 16)})

	body, contentType := multipartBody(t, "file", "sketch.png", "drawing")
	resp, err := http.Post(srv.URL+"/api/upload", contentType, body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var uploaded map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&uploaded)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(uploaded["url"], app.UploadURLPrefix) {
		t.Fatalf("upload: %d %v", resp.StatusCode, uploaded)
	}

	resp, err = http.Get(srv.URL + uploaded["url"])
	if err != nil {
		t.Fatalf("get upload: %v", err)
	}
	content, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(content) != "drawing" || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("serve upload: %d %q %q", resp.StatusCode, content, resp.Header.Get("Content-Type"))
	}

	body, contentType = multipartBody(t, "file", "big.bin", strings.Repeat("x", 17))
	resp, err = http.Post(srv.URL+"/api/upload", contentType, body)
	if err != nil {
		t.Fatalf("upload large: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("too large upload expected 400, got %d", resp.StatusCode)
	}

	body, contentType = multipartBody(t, "attachment", "a.txt", "x")
	resp, err = http.Post(srv.URL+"/api/upload", contentType, body)
	if err != nil {
		t.Fatalf("upload wrong field: %v", err)
	}
	var errBody map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&errBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || errBody["error"] != app.ErrNoFile.Error() {
		t.Fatalf("missing file: %d %v", resp.StatusCode, errBody)
	}

	resp, err = http.Get(srv.URL + "/uploads/missing.png")
	if err != nil {
		t.Fatalf("get missing upload: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing upload expected 404, got %d", resp.StatusCode)
	}
}

func TestLoginRateLimit(t *testing.T) {
	redis := miniredis.RunT(t)
	a := newTestApp(t, 64)
	if _, err := a.Signup("Bo", "bo@example.com", ""); err != nil {
		t.Fatalf("signup: %v", err)
	}
	srv := newTestServer(t, Config{App: a, RedisAddr: redis.Addr(), LoginRateLimitPerMinute: 1})

	body := map[string]string{"email": "bo@example.com"}
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/login", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first login expected 200, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/login", body, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second login expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	// Signup has no limit configured.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/signup", map[string]string{"name": "Cy", "email": "cy@example.com"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup expected 201, got %d", resp.StatusCode)
	}
}

func TestNewRequiresRedisForRateLimits(t *testing.T) {
	_, err := New(Config{App: newTestApp(t, 64), SignupRateLimitPerMinute: 1})
	if err == nil {
		t.Fatalf("expected limiter initialization to fail without redis addr")
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, Config{CORSAllowedOrigins: []string{"https://train.example.com"}})
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/topics", nil)
	req.Header.Set("Origin", "https://train.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "https://train.example.com" {
		t.Fatalf("preflight: %d %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}
}
