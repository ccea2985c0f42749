package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/welldanyogia/ipam/backend/internal/audit"
	"github.com/welldanyogia/ipam/backend/internal/metrics"
	"github.com/welldanyogia/ipam/backend/internal/repository"
	"github.com/welldanyogia/ipam/backend/internal/security"
)

// Auth service errors
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameExists     = errors.New("username already exists")
	ErrInvalidUsername    = errors.New("invalid username")
	ErrInvalidEmail       = errors.New("invalid email format")
	ErrInvalidRole        = errors.New("invalid role")
	ErrWeakPassword       = errors.New("password does not meet complexity requirements")
)

// Error codes for API responses
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAuthTokenMissing   = "AUTH_TOKEN_MISSING"
	CodeAuthTokenInvalid   = "AUTH_TOKEN_INVALID"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Failure reasons recorded for rejected logins. They reach the audit log
// and the metrics, never the client.
const (
	ReasonAddressBlocked = "address blocked"
	ReasonAccountLocked  = "account locked"
	ReasonUnknownAccount = "unknown account"
	ReasonInactive       = "account disabled"
	ReasonBadPassword    = "invalid password"
)

// Roles an account can hold
var Roles = []string{"admin", "user", "readonly"}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=100"`
	Password string `json:"password" validate:"required,max=72"`
}

// AuthResponse represents the authentication response
type AuthResponse struct {
	User   UserResponse  `json:"user"`
	Tokens TokenResponse `json:"tokens"`
}

// TokenResponse represents the token response
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// UserResponse represents the user data in responses
type UserResponse struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	Role      string     `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login,omitempty"`
}

// NewAccount is the input of CreateAccount
type NewAccount struct {
	Username string
	Email    string
	Password string
	Role     string
}

// AuthService handles authentication business logic
type AuthService struct {
	accounts          repository.AccountRepository
	defense           *security.LoginDefense
	audit             *audit.Writer
	tokenService      *TokenService
	passwordValidator *PasswordValidator
	logger            *slog.Logger
}

// NewAuthService creates a new AuthService instance
func NewAuthService(
	accounts repository.AccountRepository,
	defense *security.LoginDefense,
	writer *audit.Writer,
	tokenService *TokenService,
	passwordValidator *PasswordValidator,
	logger *slog.Logger,
) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		accounts:          accounts,
		defense:           defense,
		audit:             writer,
		tokenService:      tokenService,
		passwordValidator: passwordValidator,
		logger:            logger,
	}
}

// Login authenticates an account and issues an access token.
//
// Every rejection returns ErrInvalidCredentials whatever the cause; the cause
// is recorded through the login defense. A storage error while checking the
// block or lock state does not reject on its own; the password check still
// decides.
func (s *AuthService) Login(ctx context.Context, rc audit.RequestContext, req LoginRequest) (*AuthResponse, error) {
	username := strings.TrimSpace(req.Username)

	if block, err := s.defense.IsAddressBlocked(ctx, rc, ""); err == nil && block.Blocked {
		return nil, s.reject(ctx, rc, username, ReasonAddressBlocked)
	}

	if lock, err := s.defense.IsAccountLocked(ctx, username); err == nil && lock.Locked {
		return nil, s.reject(ctx, rc, username, ReasonAccountLocked)
	}

	user, err := s.accounts.GetByUsername(ctx, username)
	if errors.Is(err, repository.ErrAccountNotFound) {
		_ = s.passwordValidator.CompareDummy(req.Password)
		return nil, s.reject(ctx, rc, username, ReasonUnknownAccount)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	if !user.IsActive {
		_ = s.passwordValidator.VerifyPassword(req.Password, user.PasswordHash)
		return nil, s.reject(ctx, rc, username, ReasonInactive)
	}

	if err := s.passwordValidator.VerifyPassword(req.Password, user.PasswordHash); err != nil {
		return nil, s.reject(ctx, rc, username, ReasonBadPassword)
	}

	_ = s.defense.ResetFailedAttempts(ctx, user.ID)

	rc.UserID = &user.ID
	_ = s.audit.LogLogin(ctx, rc, fmt.Sprintf("User %s logged in", user.Username))
	metrics.LoginAttemptsTotal.WithLabelValues("success").Inc()

	token, err := s.tokenService.GenerateAccessToken(user.ID.String(), user.Username, user.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	s.logger.Info("login succeeded",
		slog.String("user_id", user.ID.String()),
		slog.String("ip_address", rc.Client.IPAddress),
	)

	lastLogin := time.Now()
	return &AuthResponse{
		User: UserResponse{
			ID:        user.ID.String(),
			Username:  user.Username,
			Email:     user.Email,
			Role:      user.Role,
			CreatedAt: user.CreatedAt,
			LastLogin: &lastLogin,
		},
		Tokens: TokenResponse{
			AccessToken: token,
			ExpiresIn:   int64(s.tokenService.GetAccessTokenExpiry().Seconds()),
			TokenType:   "Bearer",
		},
	}, nil
}

func (s *AuthService) reject(ctx context.Context, rc audit.RequestContext, username, reason string) error {
	metrics.LoginAttemptsTotal.WithLabelValues(strings.ReplaceAll(reason, " ", "_")).Inc()
	if err := s.defense.RegisterFailedLogin(ctx, rc, username, reason); err != nil {
		s.logger.Warn("failed login not fully recorded",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
	return ErrInvalidCredentials
}

// Logout records the end of the caller's session. Access tokens are
// stateless and expire on their own.
func (s *AuthService) Logout(ctx context.Context, rc audit.RequestContext) error {
	return s.audit.LogLogout(ctx, rc, "User logged out")
}

// CreateAccount validates and stores a new account with a bcrypt hash
func (s *AuthService) CreateAccount(ctx context.Context, in NewAccount) (*repository.User, []PasswordValidationError, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" || len(username) > security.MaxUsernameLength {
		return nil, nil, fmt.Errorf("%w: must be 1 to %d bytes", ErrInvalidUsername, security.MaxUsernameLength)
	}

	email := strings.TrimSpace(strings.ToLower(in.Email))
	if !isValidEmail(email) {
		return nil, nil, ErrInvalidEmail
	}

	role := in.Role
	if role == "" {
		role = "user"
	}
	if !slices.Contains(Roles, role) {
		return nil, nil, ErrInvalidRole
	}

	if problems := s.passwordValidator.ValidatePassword(in.Password); len(problems) > 0 {
		return nil, problems, ErrWeakPassword
	}

	hash, err := s.passwordValidator.HashPassword(in.Password)
	if err != nil {
		return nil, nil, err
	}

	user := &repository.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := s.accounts.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrUsernameAlreadyExists) {
			return nil, nil, ErrUsernameExists
		}
		return nil, nil, err
	}

	s.logger.Info("account created", slog.String("user_id", user.ID.String()), slog.String("role", role))
	return user, nil, nil
}

// isValidEmail checks if the email format is valid
func isValidEmail(email string) bool {
	if email == "" {
		return false
	}
	_, err := mail.ParseAddress(email)
	return err == nil
}

// GetProfile returns the account behind an access token
func (s *AuthService) GetProfile(ctx context.Context, userID string) (*UserResponse, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, repository.ErrAccountNotFound
	}
	user, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &UserResponse{
		ID:        user.ID.String(),
		Username:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
		LastLogin: user.LastLoginAt,
	}, nil
}
