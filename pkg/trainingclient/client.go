package trainingclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"infinitytrain/pkg/domain"
	"infinitytrain/pkg/progress"
)

// Client calls the tracker HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError represents a tracker error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// NewClient constructs a tracker client. baseURL is the server root, without
// the /api prefix.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) ListTopics() ([]domain.Topic, error) {
	var topics []domain.Topic
	if err := c.getJSON("/api/topics", &topics); err != nil {
		return nil, err
	}
	return topics, nil
}

func (c *Client) GetTopic(id string) (domain.Topic, error) {
	var topic domain.Topic
	if err := c.getJSON("/api/topics/"+url.PathEscape(id), &topic); err != nil {
		return domain.Topic{}, err
	}
	return topic, nil
}

// SaveTopic creates the topic when it has no ID and replaces it otherwise.
func (c *Client) SaveTopic(t domain.Topic) (domain.Topic, error) {
	method, path := http.MethodPost, "/api/topics"
	if strings.TrimSpace(t.ID) != "" {
		method, path = http.MethodPut, "/api/topics/"+url.PathEscape(t.ID)
	}
	var saved domain.Topic
	if err := c.sendJSON(method, path, t, &saved); err != nil {
		return domain.Topic{}, err
	}
	return saved, nil
}

func (c *Client) DeleteTopic(id string) error {
	return c.sendJSON(http.MethodDelete, "/api/topics/"+url.PathEscape(id), nil, nil)
}

func (c *Client) RestoreTopic(id string) error {
	return c.sendJSON(http.MethodPost, "/api/topics/"+url.PathEscape(id)+"/restore", nil, nil)
}

func (c *Client) ListProgress(userID string) ([]domain.UserProgress, error) {
	var records []domain.UserProgress
	if err := c.getJSON("/api/progress/"+url.PathEscape(userID), &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) ProgressSummary(userID string) ([]progress.Stats, error) {
	var stats []progress.Stats
	if err := c.getJSON("/api/progress/"+url.PathEscape(userID)+"/summary", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (c *Client) SetProgress(p domain.UserProgress) (domain.UserProgress, error) {
	var saved domain.UserProgress
	if err := c.sendJSON(http.MethodPost, "/api/progress", p, &saved); err != nil {
		return domain.UserProgress{}, err
	}
	return saved, nil
}

func (c *Client) ListUsers() ([]domain.User, error) {
	var users []domain.User
	if err := c.getJSON("/api/users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) GetUser(id string) (domain.User, error) {
	var user domain.User
	if err := c.getJSON("/api/users/"+url.PathEscape(id), &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

func (c *Client) UpdateUser(id string, update domain.UserUpdate) (domain.User, error) {
	var user domain.User
	if err := c.sendJSON(http.MethodPatch, "/api/users/"+url.PathEscape(id), update, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

func (c *Client) Login(email string) (domain.User, error) {
	var user domain.User
	if err := c.sendJSON(http.MethodPost, "/api/login", map[string]string{"email": email}, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// Signup registers an employee. avatar may be empty.
func (c *Client) Signup(name, email, avatar string) (domain.User, error) {
	body := map[string]string{"name": name, "email": email}
	if avatar != "" {
		body["avatar"] = avatar
	}
	var user domain.User
	if err := c.sendJSON(http.MethodPost, "/api/signup", body, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// AddComment posts a comment and returns it with the server-assigned ID and
// timestamp.
func (c *Client) AddComment(subtopicID string, comment domain.Comment) (domain.Comment, error) {
	req := struct {
		SubtopicID string         `json:"subtopicId"`
		Comment    domain.Comment `json:"comment"`
	}{SubtopicID: subtopicID, Comment: comment}
	var resp struct {
		Success bool           `json:"success"`
		Comment domain.Comment `json:"comment"`
	}
	if err := c.sendJSON(http.MethodPost, "/api/comments", req, &resp); err != nil {
		return domain.Comment{}, err
	}
	return resp.Comment, nil
}

// Upload sends a file as multipart field "file" and returns its public URL
// path.
func (c *Client) Upload(filename string, r io.Reader) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/upload", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp struct {
		URL string `json:"url"`
	}
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (c *Client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) sendJSON(method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return nil
}
