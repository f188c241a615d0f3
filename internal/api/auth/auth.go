package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"todohub/internal/model"
	"todohub/internal/pkg/metrics"
	"todohub/internal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// UserStore 抽象用户的持久化操作，便于在测试中替换。
type UserStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	FindUserByEmail(ctx context.Context, email string) (*model.User, error)
}

// NewDBStore 返回基于 GORM 的 UserStore 实现。
func NewDBStore(db *gorm.DB) UserStore {
	return dbUserStore{db: db}
}

type dbUserStore struct {
	db *gorm.DB
}

func (s dbUserStore) CreateUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

func (s dbUserStore) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// Handler 提供注册与登录接口。
type Handler struct {
	users     UserStore
	jwtSecret []byte
	tokenTTL  time.Duration
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
}

// NewHandler 创建 Auth Handler。tokenTTL 为 0 时签发的 token 不过期。
func NewHandler(users UserStore, jwtSecret string, tokenTTL time.Duration, limiter *ratelimit.Limiter, logger *slog.Logger) *Handler {
	return &Handler{
		users:     users,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		limiter:   limiter,
		logger:    logger,
	}
}

type registerRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Register 创建新用户。
//
// 邮箱是否重复不做预查，交给唯一索引裁决，注册竞态由存储层约束收敛。
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("hash password failed", slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}

	user := model.User{
		Email:    email,
		Password: string(hash),
	}
	if err := h.users.CreateUser(c.Request.Context(), &user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user already exists"})
			return
		}
		if h.logger != nil {
			h.logger.Error("create user failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "user already exists"})
		return
	}

	metrics.UserRegistrationsTotal.Inc()
	if h.logger != nil {
		h.logger.Info("user registered", slog.String("email", email))
	}
	c.JSON(http.StatusCreated, gin.H{"message": "user created successfully"})
}

// Login 校验用户并返回 JWT。
//
// 邮箱不存在与密码错误返回同一个提示，不泄露哪个字段出错。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))

	allowed, err := h.limiter.Allow(c.Request.Context(), email)
	if err != nil {
		// 限流器故障时放行，不把 Redis 当成登录的硬依赖
		if h.logger != nil {
			h.logger.Warn("login ratelimit check failed", slog.String("error", err.Error()))
		}
	} else if !allowed {
		metrics.LoginThrottledTotal.Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts"})
		return
	}

	user, err := h.users.FindUserByEmail(c.Request.Context(), email)
	if err != nil {
		metrics.LoginFailuresTotal.Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credentials"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		metrics.LoginFailuresTotal.Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := h.issueToken(user.ID)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("sign token failed", slog.String("email", email), slog.String("error", err.Error()))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}

	if h.logger != nil {
		h.logger.Info("user logged in", slog.String("email", email))
	}
	c.JSON(http.StatusOK, tokenResponse{Token: token})
}

// Logout 处理注销请求（当前为无状态，直接返回成功）。
func (h *Handler) Logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func (h *Handler) issueToken(userID uint) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  strconv.FormatUint(uint64(userID), 10),
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	if h.tokenTTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(h.tokenTTL))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}
