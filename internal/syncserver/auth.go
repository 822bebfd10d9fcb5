package syncserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/crypto/bcrypt"

	"github.com/lotas/readeasy/internal/account"
)

// CookieName is the session cookie holding the JWT.
const CookieName = "token"

const ctxClaims = "claims"

// Claims is the JWT payload of a session.
type Claims struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}

func (s *Server) signToken(u *account.User) (string, error) {
	now := time.Now()
	claims := Claims{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
}

// ValidateToken parses and verifies a session token.
func (s *Server) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("token is required")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func (s *Server) setSessionCookie(c *gin.Context, token string, maxAge int) {
	c.SetSameSite(http.SameSiteNoneMode)
	c.SetCookie(CookieName, token, maxAge, "/", "", s.cfg.SecureCookie, true)
}

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(CookieName)
		if err != nil || token == "" {
			errorResponse(c, http.StatusUnauthorized, "No authentication token, access denied")
			return
		}
		claims, err := s.ValidateToken(token)
		if err != nil {
			errorResponse(c, http.StatusUnauthorized, "Invalid token, access denied")
			return
		}
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

func claimsFrom(c *gin.Context) *Claims {
	v, _ := c.Get(ctxClaims)
	claims, _ := v.(*Claims)
	return claims
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		registrationAttempts.WithLabelValues("failure").Inc()
		errorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		registrationAttempts.WithLabelValues("failure").Inc()
		errorResponse(c, http.StatusBadRequest, "All fields are required")
		return
	}

	ctx := c.Request.Context()
	existing, err := s.store.FindUserByUsername(ctx, req.Username)
	if err != nil {
		registrationAttempts.WithLabelValues("failure").Inc()
		errorResponse(c, http.StatusInternalServerError, "Server error during registration")
		return
	}
	if existing != nil {
		registrationAttempts.WithLabelValues("failure").Inc()
		errorResponse(c, http.StatusBadRequest, account.ErrExists.Error())
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		registrationAttempts.WithLabelValues("failure").Inc()
		errorResponse(c, http.StatusInternalServerError, "Server error during registration")
		return
	}

	u := &account.User{
		ID:           bson.NewObjectID().Hex(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		registrationAttempts.WithLabelValues("failure").Inc()
		if errors.Is(err, account.ErrExists) {
			errorResponse(c, http.StatusBadRequest, account.ErrExists.Error())
			return
		}
		errorResponse(c, http.StatusInternalServerError, "Server error during registration")
		return
	}
	if err := s.store.SaveSettings(ctx, account.NewSettingsDoc(u.ID)); err != nil {
		registrationAttempts.WithLabelValues("failure").Inc()
		errorResponse(c, http.StatusInternalServerError, "Server error during registration")
		return
	}

	registrationAttempts.WithLabelValues("success").Inc()
	c.JSON(http.StatusCreated, gin.H{
		"message": "User registered successfully",
		"userId":  u.ID,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(c *gin.Context) {
	start := time.Now()
	status := "failure"
	defer func() {
		loginDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		loginAttempts.WithLabelValues(status).Inc()
	}()

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		errorResponse(c, http.StatusBadRequest, "All fields are required")
		return
	}

	u, err := s.store.FindUserByUsername(c.Request.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Server error during login")
		return
	}
	if u == nil || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid credentials")
		return
	}

	token, err := s.signToken(u)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Server error during login")
		return
	}
	s.setSessionCookie(c, token, int(s.cfg.TokenTTL.Seconds()))

	status = "success"
	c.JSON(http.StatusOK, gin.H{
		"message":  "Login successful",
		"userId":   u.ID,
		"username": u.Username,
		"email":    u.Email,
	})
}

func (s *Server) logout(c *gin.Context) {
	logoutAttempts.Inc()
	s.setSessionCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

// status never fails: any problem with the cookie reads as logged out.
func (s *Server) status(c *gin.Context) {
	token, err := c.Cookie(CookieName)
	if err != nil || token == "" {
		c.JSON(http.StatusOK, gin.H{"isLoggedIn": false})
		return
	}
	claims, err := s.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"isLoggedIn": false})
		return
	}
	u, err := s.store.FindUserByID(c.Request.Context(), claims.ID)
	if err != nil || u == nil {
		c.JSON(http.StatusOK, gin.H{"isLoggedIn": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"isLoggedIn": true,
		"userId":     u.ID,
		"username":   u.Username,
		"email":      u.Email,
	})
}

func (s *Server) profile(c *gin.Context) {
	claims := claimsFrom(c)
	u, err := s.store.FindUserByID(c.Request.Context(), claims.ID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Server error getting profile")
		return
	}
	if u == nil {
		errorResponse(c, http.StatusNotFound, "User not found")
		return
	}
	c.JSON(http.StatusOK, u)
}
