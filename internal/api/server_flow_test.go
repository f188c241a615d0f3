package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"todohub/internal/api/auth"
	"todohub/internal/config"
	"todohub/internal/model"
	"todohub/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// memUserStore 在内存里模拟带唯一索引的用户表。
type memUserStore struct {
	mu      sync.Mutex
	nextID  uint
	byEmail map[string]*model.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{nextID: 1, byEmail: map[string]*model.User{}}
}

func (m *memUserStore) CreateUser(ctx context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[user.Email]; ok {
		return gorm.ErrDuplicatedKey
	}
	user.ID = m.nextID
	m.nextID++
	stored := *user
	m.byEmail[user.Email] = &stored
	return nil
}

func (m *memUserStore) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.byEmail[email]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *user
	return &copied, nil
}

// memTodoStore 在内存里模拟按 user_id 限定的待办表。
type memTodoStore struct {
	mu     sync.Mutex
	nextID uint
	byID   map[uint]*model.Todo
}

func newMemTodoStore() *memTodoStore {
	return &memTodoStore{nextID: 1, byID: map[uint]*model.Todo{}}
}

func (m *memTodoStore) ListTodos(ctx context.Context, userID uint) ([]model.Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	todos := []model.Todo{}
	for _, todo := range m.byID {
		if todo.UserID == userID {
			todos = append(todos, *todo)
		}
	}
	return todos, nil
}

func (m *memTodoStore) CreateTodo(ctx context.Context, todo *model.Todo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	todo.ID = m.nextID
	m.nextID++
	stored := *todo
	m.byID[todo.ID] = &stored
	return nil
}

func (m *memTodoStore) GetTodo(ctx context.Context, id, userID uint) (*model.Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	todo, ok := m.byID[id]
	if !ok || todo.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *todo
	return &copied, nil
}

func (m *memTodoStore) UpdateTodo(ctx context.Context, id, userID uint, updates map[string]interface{}) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	todo, ok := m.byID[id]
	if !ok || todo.UserID != userID {
		return 0, nil
	}
	if v, ok := updates["title"].(string); ok {
		todo.Title = v
	}
	if v, ok := updates["content"].(string); ok {
		todo.Content = v
	}
	if v, ok := updates["start_date"].(time.Time); ok {
		todo.StartDate = v
	}
	if v, ok := updates["end_date"].(time.Time); ok {
		todo.EndDate = v
	}
	return 1, nil
}

func (m *memTodoStore) DeleteTodo(ctx context.Context, id, userID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	todo, ok := m.byID[id]
	if !ok || todo.UserID != userID {
		return 0, nil
	}
	delete(m.byID, id)
	return 1, nil
}

func newFlowServer(t *testing.T) (*gin.Engine, *memUserStore, *memTodoStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	metrics.InitMetrics()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	users := newMemUserStore()
	todos := newMemTodoStore()
	cfg := &config.Config{}
	cfg.Security.JWTSecret = "flow-test-secret"

	s := &Server{
		cfg:    cfg,
		logger: discard,
		router: gin.New(),
		auth:   auth.NewHandler(users, cfg.Security.JWTSecret, 0, nil, discard),
		todos:  todos,
	}
	s.router.Use(gin.Recovery())
	s.registerRoutes()
	return s.router, users, todos
}

func TestFlow_RegisterLoginCreateList(t *testing.T) {
	r, _, _ := newFlowServer(t)

	// register
	w := doJSON(t, r, http.MethodPost, "/register", gin.H{"email": "a@b.com", "password": "pw"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// duplicate register hits the uniqueness constraint
	w = doJSON(t, r, http.MethodPost, "/register", gin.H{"email": "a@b.com", "password": "pw"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("duplicate register: expected 400, got %d", w.Code)
	}

	// login
	w = doJSON(t, r, http.MethodPost, "/login", gin.H{"email": "a@b.com", "password": "pw"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var loginResp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &loginResp); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	if loginResp.Token == "" {
		t.Fatalf("expected token in login response")
	}

	// create a todo with the raw token in the Authorization header
	w = doAuthedJSON(t, r, http.MethodPost, "/todos", loginResp.Token, gin.H{
		"title":     "t",
		"content":   "c",
		"startDate": "2024-01-01",
		"endDate":   "2024-01-02",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created model.Todo
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created todo: %v", err)
	}
	if created.ID == 0 || created.Title != "t" || created.Content != "c" {
		t.Fatalf("unexpected created todo %+v", created)
	}

	// list returns exactly that todo
	w = doAuthedJSON(t, r, http.MethodGet, "/todos", loginResp.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var listed []model.Todo
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list body: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != created.ID || listed[0].Title != "t" {
		t.Fatalf("unexpected list %+v", listed)
	}
}

func TestFlow_TodosRequireToken(t *testing.T) {
	r, _, _ := newFlowServer(t)

	w := doJSON(t, r, http.MethodGet, "/todos", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w = doAuthedJSON(t, r, http.MethodGet, "/todos", "garbage", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 with invalid token, got %d", w.Code)
	}
}

func TestFlow_OwnershipIsolation(t *testing.T) {
	r, _, _ := newFlowServer(t)

	tokens := map[string]string{}
	for _, email := range []string{"a@b.com", "c@d.com"} {
		w := doJSON(t, r, http.MethodPost, "/register", gin.H{"email": email, "password": "pw"})
		if w.Code != http.StatusCreated {
			t.Fatalf("register %s: got %d", email, w.Code)
		}
		w = doJSON(t, r, http.MethodPost, "/login", gin.H{"email": email, "password": "pw"})
		if w.Code != http.StatusOK {
			t.Fatalf("login %s: got %d", email, w.Code)
		}
		var resp struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode login: %v", err)
		}
		tokens[email] = resp.Token
	}

	w := doAuthedJSON(t, r, http.MethodPost, "/todos", tokens["a@b.com"], gin.H{"title": "mine"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d", w.Code)
	}
	var created model.Todo
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}

	// the other user cannot see or delete it
	w = doAuthedJSON(t, r, http.MethodGet, "/todos", tokens["c@d.com"], nil)
	if w.Code != http.StatusOK || w.Body.String() != "[]" {
		t.Fatalf("expected empty list for other user, got %d %q", w.Code, w.Body.String())
	}
	w = doAuthedJSON(t, r, http.MethodDelete, "/todos/1", tokens["c@d.com"], nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 deleting another user's todo, got %d", w.Code)
	}

	// the owner still can
	w = doAuthedJSON(t, r, http.MethodDelete, fmt.Sprintf("/todos/%d", created.ID), tokens["a@b.com"], nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for owner delete, got %d", w.Code)
	}
}

func doAuthedJSON(t *testing.T, r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}
