// Package identity implements the identity pool engine: user pools
// persisted in bbolt, PBKDF2 password storage, JWT token issuance, the
// password reset flow and optional function triggers.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"lws.localdev.org/common"
	"lws.localdev.org/compute"
)

var (
	ErrPoolNotFound     = errors.New("identity pool does not exist")
	ErrUserExists       = errors.New("user already exists")
	ErrUserNotFound     = errors.New("user does not exist")
	ErrNotAuthorized    = errors.New("incorrect username or password")
	ErrUserNotConfirmed = errors.New("user is not confirmed")
	ErrCodeMismatch     = errors.New("invalid confirmation code")
	ErrCodeExpired      = errors.New("confirmation code expired")
	ErrPasswordPolicy   = errors.New("password does not satisfy the pool policy")
	ErrValidation       = errors.New("validation error")
)

const (
	accessTokenTTL  = time.Hour
	refreshTokenTTL = 30 * 24 * time.Hour
	resetCodeTTL    = 5 * time.Minute

	poolsBucket = "pools"
)

// PoolConfig is the caller-supplied pool definition.
type PoolConfig struct {
	Name               string         `json:"name"`
	Policy             PasswordPolicy `json:"policy"`
	RequiredAttributes []string       `json:"requiredAttributes,omitempty"`
	AutoConfirm        bool           `json:"autoConfirm"`
	PreAuthTrigger     string         `json:"preAuthTrigger,omitempty"`
	PostConfirmTrigger string         `json:"postConfirmTrigger,omitempty"`
}

// Pool is one stored identity pool.
type Pool struct {
	ID        string     `json:"id"`
	ClientID  string     `json:"clientId"`
	ARN       string     `json:"arn"`
	Config    PoolConfig `json:"config"`
	CreatedAt time.Time  `json:"createdAt"`
}

// User is one pool member. The password hash never leaves the engine.
type User struct {
	Username     string            `json:"username"`
	Sub          string            `json:"sub"`
	PasswordHash string            `json:"passwordHash"`
	Confirmed    bool              `json:"confirmed"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// AuthResult carries the issued token set.
type AuthResult struct {
	IDToken      string `json:"idToken"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn"`
}

type resetCode struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type refreshRecord struct {
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Engine is the identity store. Pools and users persist in bbolt;
// tokens are signed with a per-process HS256 key.
type Engine struct {
	db         *bolt.DB
	log        *logrus.Entry
	signingKey []byte

	mu      sync.Mutex
	invoker compute.Invoker
}

// Open creates or opens the pool database under dir.
func Open(dir string, signingKey []byte) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create identity data dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "pools.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(poolsBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	if len(signingKey) == 0 {
		signingKey = make([]byte, 32)
		if _, err := rand.Read(signingKey); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Engine{
		db:         db,
		log:        common.ServiceLogger("identity"),
		signingKey: signingKey,
	}, nil
}

// Close releases the underlying store.
func (e *Engine) Close() error { return e.db.Close() }

// SetInvoker binds the compute invoker used for pool triggers.
func (e *Engine) SetInvoker(inv compute.Invoker) {
	e.mu.Lock()
	e.invoker = inv
	e.mu.Unlock()
}

func usersBucket(poolID string) []byte   { return []byte("u:" + poolID) }
func refreshBucket(poolID string) []byte { return []byte("r:" + poolID) }
func codesBucket(poolID string) []byte   { return []byte("c:" + poolID) }

// CreatePool registers a pool and its per-pool buckets.
func (e *Engine) CreatePool(cfg PoolConfig) (Pool, error) {
	if cfg.Name == "" {
		return Pool{}, fmt.Errorf("%w: pool name required", ErrValidation)
	}
	if cfg.Policy.MinLength <= 0 {
		cfg.Policy.MinLength = 8
	}
	pool := Pool{
		ID:        "local_" + uuid.NewString()[:8],
		ClientID:  uuid.NewString(),
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}
	pool.ARN = common.PoolARN(pool.ID)
	err := e.db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(pool)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(poolsBucket)).Put([]byte(pool.ID), raw); err != nil {
			return err
		}
		for _, b := range [][]byte{usersBucket(pool.ID), refreshBucket(pool.ID), codesBucket(pool.ID)} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Pool{}, err
	}
	e.log.WithField("pool", pool.ID).Info("identity pool created")
	return pool, nil
}

// DeletePool removes a pool and all of its users and tokens.
func (e *Engine) DeletePool(poolID string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		pools := tx.Bucket([]byte(poolsBucket))
		if pools.Get([]byte(poolID)) == nil {
			return fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
		}
		if err := pools.Delete([]byte(poolID)); err != nil {
			return err
		}
		for _, b := range [][]byte{usersBucket(poolID), refreshBucket(poolID), codesBucket(poolID)} {
			if err := tx.DeleteBucket(b); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
		}
		return nil
	})
}

// GetPool loads one pool.
func (e *Engine) GetPool(poolID string) (Pool, error) {
	var pool Pool
	err := e.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(poolsBucket)).Get([]byte(poolID))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
		}
		return json.Unmarshal(raw, &pool)
	})
	return pool, err
}

// ListPools returns all pools ordered by id.
func (e *Engine) ListPools() ([]Pool, error) {
	var out []Pool
	err := e.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(poolsBucket)).ForEach(func(_, v []byte) error {
			var p Pool
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SignUp registers a user after policy and required-attribute checks.
// The returned flag reports whether the user is already confirmed.
func (e *Engine) SignUp(poolID, username, password string, attrs map[string]string) (User, bool, error) {
	pool, err := e.GetPool(poolID)
	if err != nil {
		return User{}, false, err
	}
	if username == "" {
		return User{}, false, fmt.Errorf("%w: username required", ErrValidation)
	}
	if err := pool.Config.Policy.Validate(password); err != nil {
		return User{}, false, err
	}
	for _, req := range pool.Config.RequiredAttributes {
		if _, ok := attrs[req]; !ok {
			return User{}, false, fmt.Errorf("%w: missing required attribute %s", ErrValidation, req)
		}
	}
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, false, err
	}
	user := User{
		Username:     username,
		Sub:          uuid.NewString(),
		PasswordHash: hash,
		Confirmed:    pool.Config.AutoConfirm,
		Attributes:   attrs,
		CreatedAt:    time.Now().UTC(),
	}
	err = e.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(usersBucket(poolID))
		if users.Get([]byte(username)) != nil {
			return fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		raw, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return users.Put([]byte(username), raw)
	})
	if err != nil {
		return User{}, false, err
	}
	if user.Confirmed {
		e.fireTrigger(pool.Config.PostConfirmTrigger, "PostConfirmation", poolID, username)
	}
	return user, user.Confirmed, nil
}

// ConfirmSignUp marks a user confirmed and fires the post-confirm
// trigger; trigger failure is logged, not returned.
func (e *Engine) ConfirmSignUp(poolID, username string) error {
	pool, err := e.GetPool(poolID)
	if err != nil {
		return err
	}
	err = e.updateUser(poolID, username, func(u *User) error {
		u.Confirmed = true
		return nil
	})
	if err != nil {
		return err
	}
	e.fireTrigger(pool.Config.PostConfirmTrigger, "PostConfirmation", poolID, username)
	return nil
}

// InitiateAuth runs USER_PASSWORD_AUTH or REFRESH_TOKEN_AUTH.
func (e *Engine) InitiateAuth(ctx context.Context, poolID, flow string, params map[string]string) (AuthResult, error) {
	pool, err := e.GetPool(poolID)
	if err != nil {
		return AuthResult{}, err
	}
	switch flow {
	case "USER_PASSWORD_AUTH":
		return e.passwordAuth(ctx, pool, params["USERNAME"], params["PASSWORD"])
	case "REFRESH_TOKEN_AUTH":
		return e.refreshAuth(pool, params["REFRESH_TOKEN"])
	default:
		return AuthResult{}, fmt.Errorf("%w: unsupported auth flow %q", ErrValidation, flow)
	}
}

func (e *Engine) passwordAuth(ctx context.Context, pool Pool, username, password string) (AuthResult, error) {
	user, err := e.getUser(pool.ID, username)
	if err != nil {
		return AuthResult{}, ErrNotAuthorized
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return AuthResult{}, ErrNotAuthorized
	}
	if !user.Confirmed {
		return AuthResult{}, fmt.Errorf("%w: %s", ErrUserNotConfirmed, username)
	}
	// Pre-auth trigger failure blocks authentication.
	if pool.Config.PreAuthTrigger != "" {
		if err := e.invokeTrigger(ctx, pool.Config.PreAuthTrigger, "PreAuthentication", pool.ID, username); err != nil {
			return AuthResult{}, fmt.Errorf("%w: pre-auth trigger rejected: %v", ErrNotAuthorized, err)
		}
	}
	return e.issueTokens(pool, user, true)
}

func (e *Engine) refreshAuth(pool Pool, token string) (AuthResult, error) {
	if token == "" {
		return AuthResult{}, ErrNotAuthorized
	}
	var username string
	err := e.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(refreshBucket(pool.ID)).Get([]byte(token))
		if raw == nil {
			return ErrNotAuthorized
		}
		var rec refreshRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if time.Now().After(rec.ExpiresAt) {
			return ErrNotAuthorized
		}
		username = rec.Username
		return nil
	})
	if err != nil {
		return AuthResult{}, err
	}
	user, err := e.getUser(pool.ID, username)
	if err != nil {
		return AuthResult{}, ErrNotAuthorized
	}
	return e.issueTokens(pool, user, false)
}

func (e *Engine) issueTokens(pool Pool, user User, withRefresh bool) (AuthResult, error) {
	now := time.Now()
	base := jwt.MapClaims{
		"sub":      user.Sub,
		"username": user.Username,
		"iss":      pool.ARN,
		"aud":      pool.ClientID,
		"iat":      now.Unix(),
		"exp":      now.Add(accessTokenTTL).Unix(),
	}
	access := jwt.MapClaims{"token_use": "access"}
	id := jwt.MapClaims{"token_use": "id"}
	for k, v := range base {
		access[k] = v
		id[k] = v
	}
	for k, v := range user.Attributes {
		id[k] = v
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, access).SignedString(e.signingKey)
	if err != nil {
		return AuthResult{}, err
	}
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, id).SignedString(e.signingKey)
	if err != nil {
		return AuthResult{}, err
	}
	out := AuthResult{
		IDToken:     idToken,
		AccessToken: accessToken,
		ExpiresIn:   int(accessTokenTTL.Seconds()),
	}
	if withRefresh {
		out.RefreshToken = uuid.NewString()
		rec, err := json.Marshal(refreshRecord{Username: user.Username, ExpiresAt: now.Add(refreshTokenTTL)})
		if err != nil {
			return AuthResult{}, err
		}
		err = e.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(refreshBucket(pool.ID)).Put([]byte(out.RefreshToken), rec)
		})
		if err != nil {
			return AuthResult{}, err
		}
	}
	return out, nil
}

// ForgotPassword stores a short-lived reset code and returns it; the
// local emulator has no delivery channel, so the code comes back to
// the caller.
func (e *Engine) ForgotPassword(poolID, username string) (string, error) {
	if _, err := e.getUser(poolID, username); err != nil {
		return "", err
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	code := fmt.Sprintf("%06d", n.Int64())
	raw, err := json.Marshal(resetCode{Code: code, ExpiresAt: time.Now().Add(resetCodeTTL)})
	if err != nil {
		return "", err
	}
	err = e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(codesBucket(poolID)).Put([]byte(username), raw)
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// ConfirmForgotPassword validates the reset code and replaces the
// user's password.
func (e *Engine) ConfirmForgotPassword(poolID, username, code, newPassword string) error {
	pool, err := e.GetPool(poolID)
	if err != nil {
		return err
	}
	if err := pool.Config.Policy.Validate(newPassword); err != nil {
		return err
	}
	err = e.db.Update(func(tx *bolt.Tx) error {
		codes := tx.Bucket(codesBucket(poolID))
		raw := codes.Get([]byte(username))
		if raw == nil {
			return ErrCodeMismatch
		}
		var rc resetCode
		if err := json.Unmarshal(raw, &rc); err != nil {
			return err
		}
		if rc.Code != code {
			return ErrCodeMismatch
		}
		if time.Now().After(rc.ExpiresAt) {
			return ErrCodeExpired
		}
		return codes.Delete([]byte(username))
	})
	if err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	return e.updateUser(poolID, username, func(u *User) error {
		u.PasswordHash = hash
		return nil
	})
}

// GetUser resolves a user from a valid access token.
func (e *Engine) GetUser(poolID, accessToken string) (User, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return e.signingKey, nil
	})
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	if use, _ := claims["token_use"].(string); use != "access" {
		return User{}, fmt.Errorf("%w: not an access token", ErrNotAuthorized)
	}
	username, _ := claims["username"].(string)
	return e.AdminGetUser(poolID, username)
}

// AdminGetUser loads a user record directly.
func (e *Engine) AdminGetUser(poolID, username string) (User, error) {
	return e.getUser(poolID, username)
}

// AdminCreateUser registers a confirmed user with a preset password.
func (e *Engine) AdminCreateUser(poolID, username, password string, attrs map[string]string) (User, error) {
	pool, err := e.GetPool(poolID)
	if err != nil {
		return User{}, err
	}
	if err := pool.Config.Policy.Validate(password); err != nil {
		return User{}, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}
	user := User{
		Username:     username,
		Sub:          uuid.NewString(),
		PasswordHash: hash,
		Confirmed:    true,
		Attributes:   attrs,
		CreatedAt:    time.Now().UTC(),
	}
	err = e.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(usersBucket(poolID))
		if users.Get([]byte(username)) != nil {
			return fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		raw, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return users.Put([]byte(username), raw)
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// DeleteUser removes a user record.
func (e *Engine) DeleteUser(poolID, username string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(usersBucket(poolID))
		if users == nil || users.Get([]byte(username)) == nil {
			return fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		return users.Delete([]byte(username))
	})
}

// ListUsers returns a pool's users ordered by username.
func (e *Engine) ListUsers(poolID string) ([]User, error) {
	if _, err := e.GetPool(poolID); err != nil {
		return nil, err
	}
	var out []User
	err := e.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket(poolID)).ForEach(func(_, v []byte) error {
			var u User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			out = append(out, u)
			return nil
		})
	})
	return out, err
}

func (e *Engine) getUser(poolID, username string) (User, error) {
	var user User
	err := e.db.View(func(tx *bolt.Tx) error {
		users := tx.Bucket(usersBucket(poolID))
		if users == nil {
			return fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
		}
		raw := users.Get([]byte(username))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		return json.Unmarshal(raw, &user)
	})
	return user, err
}

func (e *Engine) updateUser(poolID, username string, mutate func(*User) error) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(usersBucket(poolID))
		if users == nil {
			return fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
		}
		raw := users.Get([]byte(username))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		var user User
		if err := json.Unmarshal(raw, &user); err != nil {
			return err
		}
		if err := mutate(&user); err != nil {
			return err
		}
		updated, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return users.Put([]byte(username), updated)
	})
}

// invokeTrigger calls a pool trigger and returns its error.
func (e *Engine) invokeTrigger(ctx context.Context, fn, source, poolID, username string) error {
	e.mu.Lock()
	inv := e.invoker
	e.mu.Unlock()
	if inv == nil || fn == "" {
		return nil
	}
	payload, err := json.Marshal(map[string]string{
		"triggerSource": source,
		"poolId":        poolID,
		"userName":      username,
	})
	if err != nil {
		return err
	}
	_, err = inv.Invoke(ctx, fn, payload)
	return err
}

// fireTrigger calls a trigger and only logs failure.
func (e *Engine) fireTrigger(fn, source, poolID, username string) {
	if fn == "" {
		return
	}
	if err := e.invokeTrigger(context.Background(), fn, source, poolID, username); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"trigger": fn, "pool": poolID, "user": username,
		}).Error("trigger invocation failed")
	}
}
