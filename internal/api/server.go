package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"todohub/internal/api/auth"
	"todohub/internal/api/middleware"
	"todohub/internal/config"
	"todohub/internal/model"
	"todohub/internal/pkg/metrics"
	"todohub/internal/pkg/ratelimit"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端以及 Gin 路由引擎。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *gorm.DB
	rdb    *redis.Client
	router *gin.Engine
	auth   *auth.Handler
	todos  TodoStore
}

// TodoStore 抽象待办的持久化操作，便于在测试中替换。
// 所有操作都以 userID 限定范围，防止跨用户读写。
type TodoStore interface {
	ListTodos(ctx context.Context, userID uint) ([]model.Todo, error)
	CreateTodo(ctx context.Context, todo *model.Todo) error
	GetTodo(ctx context.Context, id, userID uint) (*model.Todo, error)
	UpdateTodo(ctx context.Context, id, userID uint, updates map[string]interface{}) (int64, error)
	DeleteTodo(ctx context.Context, id, userID uint) (int64, error)
}

type dbTodoStore struct {
	db *gorm.DB
}

func (s dbTodoStore) ListTodos(ctx context.Context, userID uint) ([]model.Todo, error) {
	todos := []model.Todo{}
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&todos).Error; err != nil {
		return nil, err
	}
	return todos, nil
}

func (s dbTodoStore) CreateTodo(ctx context.Context, todo *model.Todo) error {
	return s.db.WithContext(ctx).Create(todo).Error
}

func (s dbTodoStore) GetTodo(ctx context.Context, id, userID uint) (*model.Todo, error) {
	var todo model.Todo
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&todo).Error; err != nil {
		return nil, err
	}
	return &todo, nil
}

func (s dbTodoStore) UpdateTodo(ctx context.Context, id, userID uint, updates map[string]interface{}) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Todo{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(updates)
	return res.RowsAffected, res.Error
}

func (s dbTodoStore) DeleteTodo(ctx context.Context, id, userID uint) (int64, error) {
	res := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&model.Todo{})
	return res.RowsAffected, res.Error
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 初始化 Gin 路由引擎
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
		// 注册不预查邮箱，靠唯一索引报 ErrDuplicatedKey
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.User{}, &model.Todo{}); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	metrics.InitMetrics()

	loginLimiter := ratelimit.NewLimiter(rdb, "todohub:ratelimit:login:", cfg.Security.LoginRate, cfg.Security.LoginBurst)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(cors.Default())

	s := &Server{
		cfg:    cfg,
		logger: logger,
		db:     db,
		rdb:    rdb,
		router: r,
		auth:   auth.NewHandler(auth.NewDBStore(db), cfg.Security.JWTSecret, cfg.Security.TokenTTL, loginLimiter, logger),
		todos:  dbTodoStore{db: db},
	}
	s.registerRoutes()
	return s, nil
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			if closeErr := sqlDB.Close(); closeErr != nil {
				if firstErr == nil {
					firstErr = closeErr
				}
			}
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)

	s.router.POST("/register", s.auth.Register)
	s.router.POST("/login", s.auth.Login)

	authed := s.router.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.POST("/logout", s.auth.Logout)
	authed.GET("/todos", s.handleListTodos)
	authed.POST("/todos", s.handleCreateTodo)
	authed.PUT("/todos/:id", s.handleUpdateTodo)
	authed.DELETE("/todos/:id", s.handleDeleteTodo)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// todoRequest 创建/更新待办的请求参数。
// 日期以字符串传入，兼容 "2024-01-01" 与 RFC 3339 两种写法。
type todoRequest struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// handleListTodos 返回当前用户的全部待办。
//
// GET /todos
func (s *Server) handleListTodos(c *gin.Context) {
	userID := getUserID(c)
	todos, err := s.todos.ListTodos(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error("list todos failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list todos"})
		return
	}
	if todos == nil {
		todos = []model.Todo{} // JSON 序列化为 [] 而不是 null
	}
	c.JSON(http.StatusOK, todos)
}

// handleCreateTodo 处理创建待办的请求。
//
// POST /todos
func (s *Server) handleCreateTodo(c *gin.Context) {
	var req todoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := getUserID(c)

	todo := model.Todo{
		UserID:    userID,
		Title:     req.Title,
		Content:   req.Content,
		StartDate: parseDate(req.StartDate),
		EndDate:   parseDate(req.EndDate),
	}
	if err := s.todos.CreateTodo(c.Request.Context(), &todo); err != nil {
		s.logger.Error("create todo failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to add todo"})
		return
	}

	metrics.TodosCreatedTotal.Inc()
	c.JSON(http.StatusCreated, todo)
}

// handleUpdateTodo 整体替换一条待办的四个字段。
//
// PUT /todos/:id
func (s *Server) handleUpdateTodo(c *gin.Context) {
	userID := getUserID(c)
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid todo id"})
		return
	}

	var req todoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 全字段覆盖：缺失字段按零值写入，不做补齐
	updates := map[string]interface{}{
		"title":      req.Title,
		"content":    req.Content,
		"start_date": parseDate(req.StartDate),
		"end_date":   parseDate(req.EndDate),
	}

	rows, err := s.todos.UpdateTodo(c.Request.Context(), uint(id), userID, updates)
	if err != nil {
		s.logger.Error("update todo failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update todo"})
		return
	}
	if rows == 0 {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update todo"})
		return
	}

	todo, err := s.todos.GetTodo(c.Request.Context(), uint(id), userID)
	if err != nil {
		s.logger.Error("load updated todo failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update todo"})
		return
	}
	c.JSON(http.StatusOK, todo)
}

// handleDeleteTodo 删除一条待办。
//
// DELETE /todos/:id
func (s *Server) handleDeleteTodo(c *gin.Context) {
	userID := getUserID(c)
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "todo not found"})
		return
	}

	rows, err := s.todos.DeleteTodo(c.Request.Context(), uint(id), userID)
	if err != nil {
		s.logger.Error("delete todo failed", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "todo not found"})
		return
	}
	if rows == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "todo not found"})
		return
	}

	c.Status(http.StatusNoContent)
}

// parseDate 解析请求中的日期字符串。
// 解析失败返回零值时间，与历史行为一致（不校验日期）。
func parseDate(v string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func getUserID(c *gin.Context) uint {
	v, ok := c.Get("userID")
	if !ok {
		return 0
	}
	if id, ok := v.(uint); ok {
		return id
	}
	return 0
}
