package gmail

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/GPEire/Tradie-GSuite/core/port/out"
	"github.com/GPEire/Tradie-GSuite/pkg/apperr"
	"github.com/GPEire/Tradie-GSuite/pkg/crypto"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
)

// TokenStore implements out.TokenSource over the user table. Tokens
// live encrypted at rest and are decrypted only here, at the edge.
type TokenStore struct {
	users     out.UserRepository
	encryptor *crypto.Encryptor
	oauth     *oauth2.Config
	log       *logger.Logger
}

func NewTokenStore(users out.UserRepository, encryptor *crypto.Encryptor, oauth *oauth2.Config) *TokenStore {
	return &TokenStore{
		users:     users,
		encryptor: encryptor,
		oauth:     oauth,
		log:       logger.WithField("component", "token_store"),
	}
}

// Token returns the user's current OAuth token, refreshing through the
// provider when it is close to expiry. A failed refresh marks the user
// auth-expired so workers stop burning attempts on them.
func (s *TokenStore) Token(ctx context.Context, userID string) (*oauth2.Token, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, apperr.NotFound("user")
	}
	if u.AuthExpired {
		return nil, apperr.AuthExpired(userID, nil)
	}

	access, err := s.encryptor.Decrypt(u.AccessTokenEncrypted)
	if err != nil {
		return nil, apperr.InternalWithError(err)
	}
	refresh, err := s.encryptor.Decrypt(u.RefreshTokenEncrypted)
	if err != nil {
		return nil, apperr.InternalWithError(err)
	}

	tok := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       u.TokenExpiry,
		TokenType:    "Bearer",
	}
	if tok.Valid() {
		return tok, nil
	}

	refreshed, err := s.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		s.log.WithError(err).Warn("token refresh failed user=%s", userID)
		if markErr := s.MarkAuthExpired(ctx, userID); markErr != nil {
			s.log.WithError(markErr).Error("failed to mark auth expired user=%s", userID)
		}
		return nil, apperr.AuthExpired(userID, err)
	}
	if err := s.SaveToken(ctx, userID, refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// SaveToken persists a rotated token pair, encrypted.
func (s *TokenStore) SaveToken(ctx context.Context, userID string, token *oauth2.Token) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return apperr.NotFound("user")
	}

	access, err := s.encryptor.Encrypt(token.AccessToken)
	if err != nil {
		return apperr.InternalWithError(err)
	}
	u.AccessTokenEncrypted = access
	if token.RefreshToken != "" {
		refresh, err := s.encryptor.Encrypt(token.RefreshToken)
		if err != nil {
			return apperr.InternalWithError(err)
		}
		u.RefreshTokenEncrypted = refresh
	}
	u.TokenExpiry = token.Expiry
	u.AuthExpired = false
	u.UpdatedAt = time.Now().UTC()
	return s.users.Save(ctx, u)
}

// MarkAuthExpired flags the user for re-consent.
func (s *TokenStore) MarkAuthExpired(ctx context.Context, userID string) error {
	return s.users.SetAuthExpired(ctx, userID, true)
}
