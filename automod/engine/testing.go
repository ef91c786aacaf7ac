package engine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veritas-labs/veritas/automod/audit"
	"github.com/veritas-labs/veritas/automod/auth"
	"github.com/veritas-labs/veritas/automod/cachestore"
	"github.com/veritas-labs/veritas/automod/classifier"
	"github.com/veritas-labs/veritas/automod/countstore"
	"github.com/veritas-labs/veritas/automod/review"
	"github.com/veritas-labs/veritas/automod/rules"
	"github.com/veritas-labs/veritas/models"
	"github.com/veritas-labs/veritas/util/cliutil"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	TestAudience = "veritas-moderator"
	testKeyID    = "test-key"
)

// Classifier which returns a canned verdict, or error, after an optional delay. Safe for concurrent use.
type FakeClassifier struct {
	mu      sync.Mutex
	Verdict *classifier.Verdict
	Err     error
	Delay   time.Duration
	Calls   atomic.Int32
}

func (fc *FakeClassifier) Set(v *classifier.Verdict, err error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.Verdict = v
	fc.Err = err
}

func (fc *FakeClassifier) Classify(ctx context.Context, req classifier.Request) (*classifier.Verdict, error) {
	fc.Calls.Add(1)
	fc.mu.Lock()
	v, err, delay := fc.Verdict, fc.Err, fc.Delay
	fc.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if v != nil {
		cp := *v
		return &cp, err
	}
	return nil, err
}

// An Engine over an in-memory database, with a fake classifier and a locally generated signing key.
type TestFixture struct {
	Engine     *Engine
	Classifier *FakeClassifier
	Audit      *audit.Logger
	Counters   *countstore.MemCountStore

	key *rsa.PrivateKey
	seq atomic.Int64
}

func NewTestFixture() (*TestFixture, error) {
	db, err := cliutil.SetupDatabase("sqlite://:memory:", 1)
	if err != nil {
		return nil, err
	}
	if err := models.RunAllMigrations(db); err != nil {
		return nil, err
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	pub, err := jwk.FromRaw(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := pub.Set(jwk.KeyIDKey, testKeyID); err != nil {
		return nil, err
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		return nil, err
	}

	logger := slog.Default()
	authCfg := auth.DefaultConfig()
	authCfg.Audience = TestAudience
	validator := auth.NewValidator(authCfg, &auth.SetKeySource{Set: set}, auth.NewMemReplayGuard(10_000, time.Hour), logger)

	ruleStore := rules.NewStore(db)
	fc := &FakeClassifier{}
	al := audit.NewLogger(db, logger)
	counters := countstore.NewMemCountStore()
	eng := &Engine{
		Logger:     logger,
		Config:     DefaultConfig(),
		DB:         db,
		Auth:       validator,
		Rules:      rules.NewProvider(ruleStore, logger),
		RuleStore:  ruleStore,
		Cache:      cachestore.NewSQLCacheStore(db),
		Classifier: fc,
		Reviews:    review.NewManager(db, logger),
		Audit:      al,
		Counters:   counters,
	}
	if err := eng.Start(context.Background()); err != nil {
		return nil, err
	}
	return &TestFixture{
		Engine:     eng,
		Classifier: fc,
		Audit:      al,
		Counters:   counters,
		key:        priv,
	}, nil
}

func (fx *TestFixture) sign(sub string, scopes []string, issued, expires time.Time) string {
	claims := jwt.MapClaims{
		"sub":   sub,
		"aud":   TestAudience,
		"iat":   issued.Unix(),
		"exp":   expires.Unix(),
		"jti":   fmt.Sprintf("test-jti-%d", fx.seq.Add(1)),
		"scope": scopes,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKeyID
	s, err := tok.SignedString(fx.key)
	if err != nil {
		panic(err)
	}
	return s
}

// A fresh single-use credential for sub with the given scopes.
func (fx *TestFixture) Token(sub string, scopes ...string) string {
	now := time.Now()
	return fx.sign(sub, scopes, now, now.Add(5*time.Minute))
}

func (fx *TestFixture) ExpiredToken(sub string, scopes ...string) string {
	now := time.Now()
	return fx.sign(sub, scopes, now.Add(-2*time.Hour), now.Add(-time.Hour))
}
