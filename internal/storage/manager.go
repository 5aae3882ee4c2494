// Package storage routes articles to pluggable storage methods and
// dispatches every token-addressed operation to the method that owns the
// token.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/newsspool/internal/metrics"
	"github.com/tunnelmesh/newsspool/internal/token"
)

// SetupOption names a one-shot manager setting.
type SetupOption int

const (
	// SetupReadWrite opens the manager for Store and Cancel.
	SetupReadWrite SetupOption = iota
	// SetupPreOpen asks methods to open their files at Init.
	SetupPreOpen
)

type initState int

const (
	initNo initState = iota
	initDone
	initFail
)

type methodState struct {
	init       initState
	configured bool
	attrs      Attributes
}

// Config contains configuration for the storage manager.
type Config struct {
	// EtcDir holds storage.conf.
	EtcDir string
	// PolicyPath overrides EtcDir/storage.conf.
	PolicyPath string
	Registry   *Registry
	// StoreOnXref routes by the Xref header instead of Newsgroups.
	StoreOnXref bool
	Logger      *zerolog.Logger
	Metrics     *metrics.StorageMetrics
	Now         func() time.Time
}

// Manager is the storage manager. It is safe for concurrent use.
type Manager struct {
	registry    *Registry
	policyPath  string
	storeOnXref bool
	logger      zerolog.Logger
	metrics     *metrics.StorageMetrics
	now         func() time.Time

	readWrite atomic.Bool
	preOpen   atomic.Bool

	mu          sync.Mutex
	initialized bool
	subs        []*Subscription
	state       [256]methodState
}

// NewManager creates a storage manager. Nothing is read until Init.
func NewManager(cfg Config) *Manager {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	policy := cfg.PolicyPath
	if policy == "" {
		policy = filepath.Join(cfg.EtcDir, PolicyFile)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	reg := cfg.Registry
	if reg == nil {
		reg = &Registry{}
	}
	return &Manager{
		registry:    reg,
		policyPath:  policy,
		storeOnXref: cfg.StoreOnXref,
		logger:      logger.With().Str("component", "storage").Logger(),
		metrics:     cfg.Metrics,
		now:         now,
	}
}

// Setup changes a one-shot option. It fails once the manager is
// initialized.
func (m *Manager) Setup(opt SetupOption, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return ErrAlreadyInitialized
	}
	switch opt {
	case SetupReadWrite:
		m.readWrite.Store(value)
	case SetupPreOpen:
		m.preOpen.Store(value)
	default:
		return fmt.Errorf("unknown setup option %d", opt)
	}
	return nil
}

// ReadWrite reports whether the manager accepts Store and Cancel.
func (m *Manager) ReadWrite() bool {
	return m.readWrite.Load()
}

// PreOpen reports whether methods should open their files at Init.
func (m *Manager) PreOpen() bool {
	return m.preOpen.Load()
}

// Registry returns the method registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Init reads the policy and initializes every method it references. If any
// method fails, everything initialized so far is shut down again. Calling
// Init on an initialized manager does nothing.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}
	m.initialized = true

	if err := m.readConfigLocked(); err != nil {
		m.shutdownLocked()
		return err
	}

	var errs []error
	for _, meth := range m.registry.ordered {
		st := &m.state[meth.Type()]
		if !st.configured {
			continue
		}
		attrs, err := meth.Init(ctx, m)
		if err != nil {
			st.init = initFail
			st.attrs = Attributes{ExpensiveStat: true}
			m.metrics.SetInitFailed(meth.Name(), true)
			m.logger.Warn().Err(err).Str("method", meth.Name()).Msg("storage method failed initialization")
			errs = append(errs, fmt.Errorf("%s: %w", meth.Name(), err))
			continue
		}
		st.init = initDone
		st.attrs = attrs
		m.metrics.SetInitFailed(meth.Name(), false)
	}
	if len(errs) > 0 {
		m.shutdownLocked()
		m.logger.Warn().Msg("one or more storage methods failed initialization")
		return fmt.Errorf("%w: one or more storage methods failed initialization: %w", ErrUninit, errors.Join(errs...))
	}
	return nil
}

func (m *Manager) readConfigLocked() error {
	for i := range m.state {
		m.state[i] = methodState{}
	}
	subs, err := LoadPolicy(m.policyPath, m.registry)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", m.policyPath).Msg("cannot read storage policy")
		return err
	}
	for _, s := range subs {
		m.state[s.Method].configured = true
	}
	m.subs = subs
	return nil
}

// initMethodLocked initializes a method on first use. A method that failed
// once stays failed until ReinitMethod.
func (m *Manager) initMethodLocked(ctx context.Context, t token.Type) error {
	if !m.initialized {
		if err := m.readConfigLocked(); err != nil {
			return err
		}
	}
	m.initialized = true

	st := &m.state[t]
	switch st.init {
	case initDone:
		return nil
	case initFail:
		return ErrUninit
	}

	meth, ok := m.registry.Lookup(t)
	if !ok {
		st.init = initFail
		return fmt.Errorf("%w: no storage method for token type %d", ErrUninit, t)
	}
	if !st.configured {
		st.init = initFail
		return fmt.Errorf("%w: storage method %s is not configured", ErrUninit, meth.Name())
	}
	attrs, err := meth.Init(ctx, m)
	if err != nil {
		st.init = initFail
		st.attrs = Attributes{ExpensiveStat: true}
		m.metrics.SetInitFailed(meth.Name(), true)
		m.logger.Warn().Err(err).Str("method", meth.Name()).Msg("could not initialize storage method late")
		return fmt.Errorf("%w: %s: %w", ErrUninit, meth.Name(), err)
	}
	st.init = initDone
	st.attrs = attrs
	m.metrics.SetInitFailed(meth.Name(), false)
	return nil
}

// ReinitMethod clears a failed state and initializes the method again.
func (m *Manager) ReinitMethod(ctx context.Context, t token.Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state[t].init == initFail {
		m.state[t].init = initNo
	}
	return m.initMethodLocked(ctx, t)
}

// method returns the initialized method owning tokens of type t.
func (m *Manager) method(ctx context.Context, t token.Type) (Method, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state[t].init == initFail {
		return nil, ErrUninit
	}
	if err := m.initMethodLocked(ctx, t); err != nil {
		m.logger.Warn().Err(err).Uint8("type", uint8(t)).Msg("could not find token type or method was not initialized")
		return nil, err
	}
	meth, _ := m.registry.Lookup(t)
	return meth, nil
}

// Subscription returns the first policy entry accepting art whose method
// can be initialized.
func (m *Manager) Subscription(ctx context.Context, art *Article) (*Subscription, error) {
	if art == nil || art.Len() == 0 {
		return nil, ErrBadHandle
	}
	if art.Groups == "" {
		return nil, fmt.Errorf("%w: empty Newsgroups header field", ErrNoMatch)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if m.state[sub.Method].init == initFail {
			continue
		}
		if !sub.Accepts(art) {
			continue
		}
		if err := m.initMethodLocked(ctx, sub.Method); err == nil {
			return sub, nil
		}
	}
	return nil, ErrNoMatch
}

// Subscriptions returns a copy of the parsed policy.
func (m *Manager) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, len(m.subs))
	for i, s := range m.subs {
		out[i] = *s
	}
	return out
}

// ParseArticle wraps wire-format data for Store.
func (m *Manager) ParseArticle(data []byte) *Article {
	return NewArticle(data, m.storeOnXref, m.now())
}

// Store routes art through the policy and files it with the chosen method.
func (m *Manager) Store(ctx context.Context, art *Article) (tok token.Token, err error) {
	if !m.ReadWrite() {
		return token.Empty(), ErrReadOnly
	}
	sub, err := m.Subscription(ctx, art)
	if err != nil {
		return token.Empty(), err
	}
	meth, _ := m.registry.Lookup(sub.Method)

	defer m.observe(meth.Name(), "store", time.Now(), &err)
	tok, err = meth.Store(ctx, art, sub.Class)
	if err != nil {
		return token.Empty(), err
	}
	m.metrics.RecordStored(meth.Name(), art.Len())
	return tok, nil
}

// Retrieve fetches the article named by tok.
func (m *Manager) Retrieve(ctx context.Context, tok token.Token, amount RetrieveType) (art *Article, err error) {
	meth, err := m.method(ctx, tok.Type)
	if err != nil {
		return nil, err
	}
	defer m.observe(meth.Name(), "retrieve", time.Now(), &err)
	art, err = meth.Retrieve(ctx, tok, amount)
	if err != nil {
		return nil, err
	}
	art.NextMethod = 0
	return art, nil
}

// Exists reports whether the article named by tok is still stored.
func (m *Manager) Exists(ctx context.Context, tok token.Token) bool {
	art, err := m.Retrieve(ctx, tok, RetrieveStat)
	if err != nil {
		return false
	}
	m.FreeArticle(art)
	return true
}

// Next walks every article of every configured method. Pass nil to start;
// io.EOF marks the end. The cursor is consumed by the call.
func (m *Manager) Next(ctx context.Context, cursor *Article, amount RetrieveType) (*Article, error) {
	start := 0
	if cursor != nil {
		start = cursor.NextMethod
	}
	for i := start; i < m.registry.len(); i++ {
		meth := m.registry.at(i)

		m.mu.Lock()
		st := m.state[meth.Type()]
		var err error
		switch {
		case st.init == initFail:
			err = ErrUninit
		case st.configured:
			err = m.initMethodLocked(ctx, meth.Type())
		}
		configured := m.state[meth.Type()].configured
		m.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if configured {
			art, err := meth.Next(ctx, cursor, amount)
			if err == nil {
				art.NextMethod = i
				return art, nil
			}
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
		}
		cursor = nil
	}
	return nil, io.EOF
}

// FreeArticle releases an article returned by Retrieve or Next.
func (m *Manager) FreeArticle(art *Article) {
	if art == nil {
		return
	}
	meth, err := m.method(context.Background(), art.Type)
	if err != nil {
		m.logger.Warn().Err(err).Msg("can't free article with uninitialized method")
		return
	}
	meth.FreeArticle(art)
}

// Cancel removes the article named by tok.
func (m *Manager) Cancel(ctx context.Context, tok token.Token) (err error) {
	if !m.ReadWrite() {
		return ErrReadOnly
	}
	meth, err := m.method(ctx, tok.Type)
	if err != nil {
		m.logger.Warn().Err(err).Msg("can't cancel article with uninitialized method")
		return err
	}
	defer m.observe(meth.Name(), "cancel", time.Now(), &err)
	return meth.Cancel(ctx, tok)
}

// SelfExpire reports whether the method owning tok expires on its own.
func (m *Manager) SelfExpire(tok token.Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[tok.Type].attrs.SelfExpire
}

// ExpensiveStat reports whether a stat of tok costs a full read.
func (m *Manager) ExpensiveStat(tok token.Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[tok.Type].attrs.ExpensiveStat
}

// ArtNgNum maps tok to the newsgroup and article number it was filed
// under. When the method cannot answer, the Xref header of the article is
// consulted.
func (m *Manager) ArtNgNum(ctx context.Context, tok token.Token) (ArtNgNum, error) {
	meth, err := m.method(ctx, tok.Type)
	if err != nil {
		m.logger.Warn().Err(err).Msg("can't probe article with uninitialized method")
		return ArtNgNum{}, err
	}
	var ann ArtNgNum
	if err := meth.Ctl(ctx, ProbeArtNgNum, tok, &ann); err != nil {
		return ArtNgNum{}, err
	}
	if ann.ArtNum != 0 {
		return ann, nil
	}

	art, err := meth.Retrieve(ctx, tok, RetrieveHead)
	if err != nil {
		return ArtNgNum{}, err
	}
	defer meth.FreeArticle(art)

	xref, ok := Xref(art.Data)
	if !ok {
		return ArtNgNum{}, fmt.Errorf("%w: article has no Xref header", ErrNotFound)
	}
	entries := ParseXref(xref)
	if len(entries) == 0 || entries[0].ArtNum == 0 {
		return ArtNgNum{}, fmt.Errorf("%w: malformed Xref header", ErrNotFound)
	}
	return ArtNgNum{Group: entries[0].Group, ArtNum: entries[0].ArtNum}, nil
}

// Probe answers an auxiliary query. For ProbeArtNgNum the answer is stored
// in value.
func (m *Manager) Probe(ctx context.Context, kind ProbeType, tok token.Token, value *ArtNgNum) (bool, error) {
	switch kind {
	case ProbeSelfExpire:
		return m.SelfExpire(tok), nil
	case ProbeExpensiveStat:
		return m.ExpensiveStat(tok), nil
	case ProbeArtNgNum:
		if value == nil {
			return false, ErrBadHandle
		}
		ann, err := m.ArtNgNum(ctx, tok)
		if err != nil {
			return false, err
		}
		*value = ann
		return true, nil
	}
	return false, ErrUnsupported
}

// FlushCachedData asks every initialized method to flush. All methods are
// flushed even when some fail.
func (m *Manager) FlushCachedData(ft FlushType) error {
	m.mu.Lock()
	var methods []Method
	for _, meth := range m.registry.ordered {
		if m.state[meth.Type()].init == initDone {
			methods = append(methods, meth)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, meth := range methods {
		if err := meth.FlushCachedData(ft); err != nil {
			m.logger.Warn().Err(err).Str("method", meth.Name()).Msg("can't flush cached data")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Explain describes tok in human terms.
func (m *Manager) Explain(tok token.Token) string {
	meth, ok := m.registry.Lookup(tok.Type)
	if !ok {
		return fmt.Sprintf("unknown token type %d (class %d)", tok.Type, tok.Class)
	}
	return meth.Explain(tok)
}

// Shutdown shuts down every initialized method once and forgets the policy.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdownLocked()
}

func (m *Manager) shutdownLocked() error {
	if !m.initialized {
		return nil
	}
	var errs []error
	for _, meth := range m.registry.ordered {
		st := &m.state[meth.Type()]
		if st.init == initDone {
			if err := meth.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", meth.Name(), err))
			}
			st.init = initNo
			st.configured = false
		}
	}
	m.subs = nil
	m.initialized = false
	return errors.Join(errs...)
}

func (m *Manager) observe(method, op string, start time.Time, err *error) {
	m.metrics.RecordOp(method, op, *err, time.Since(start))
}
