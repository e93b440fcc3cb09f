package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"plantchat/internal/auth"
	"plantchat/internal/config"
	"plantchat/internal/rbac"
	"plantchat/internal/store"
	"plantchat/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByName(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	ListUsersByRole(context.Context, string) ([]store.User, error)

	CreateConversation(context.Context, store.Conversation) (store.Conversation, error)
	GetConversation(context.Context, string) (store.Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string, archived, includeAll bool) ([]store.Conversation, error)
	UpdateLifecycle(ctx context.Context, conv store.Conversation, expectedVersion int64) (bool, error)
	TouchConversation(context.Context, string) error

	InsertMessage(context.Context, store.Message) (store.Message, error)
	GetMessage(context.Context, string) (store.Message, error)
	ListMessages(context.Context, string) ([]store.Message, error)
	AddFlashViewer(ctx context.Context, messageID, userID string) error
	MarkMessageRead(ctx context.Context, messageID, userID string) error

	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens; Redis when configured, the Postgres
// store otherwise.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// broadcaster is the realtime fan-out contract the engine depends on.
// Delivery is best-effort to currently joined connections only.
type broadcaster interface {
	Emit(conversationID, eventType string, payload any) int
	EmitToUser(userID, eventType string, payload any) bool
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	events   broadcaster
	locks    *conversationLocks
}

func New(cfg config.Config, dataStore *store.PostgresStore, events broadcaster) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		events:   events,
		locks:    newConversationLocks(),
	}
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, events broadcaster) *Service {
	service := New(cfg, dataStore, events)
	service.sessions = sessions
	return service
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Login issues a session for an already-provisioned user. Accounts are
// created by the admin tooling, never here.
func (s *Service) Login(ctx context.Context, username string) (Session, error) {
	user, err := s.store.GetUserByName(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		Role:     user.Role,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ListChatUsers returns the directory a user may start conversations with.
// Floor workers only ever talk to production management; everyone else
// sees the whole directory minus themselves.
func (s *Service) ListChatUsers(ctx context.Context, session Session) ([]store.User, error) {
	if rbac.Normalize(session.Role) == rbac.RoleTeam {
		return s.store.ListUsersByRole(ctx, string(rbac.RoleProdManager))
	}

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]store.User, 0, len(users))
	for _, user := range users {
		if user.ID == session.UserID {
			continue
		}
		visible = append(visible, user)
	}
	return visible, nil
}

// CanJoinRoom authorizes a realtime room join against the conversation's
// participant set. Admins may observe any room.
func (s *Service) CanJoinRoom(ctx context.Context, conversationID, userID, role string) (bool, error) {
	if rbac.Normalize(role) == rbac.RoleAdmin {
		return true, nil
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return conv.HasParticipant(userID), nil
}
