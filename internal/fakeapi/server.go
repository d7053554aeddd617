// Package fakeapi is an in-process stand-in for the account API the client
// talks to. It speaks the same routes, anti-forgery cookie protocol and
// error bodies, and lets tests inject failures and count requests.
package fakeapi

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	APIPrefix      = "/api"
	CSRFCookiePath = "/sanctum/csrf-cookie"
	CSRFCookieName = "XSRF-TOKEN"
	CSRFHeaderName = "X-XSRF-TOKEN"
	Issuer         = "fakeapi"
)

// Options configures a Server
type Options struct {
	SigningKey  []byte
	TokenTTL    time.Duration
	BcryptCost  int
	Now         func() time.Time
	DisableCSRF bool
}

// Fault is a canned response served instead of the real handler
type Fault struct {
	Status int
	Body   any
	Header map[string]string
}

// User is the public shape of an account
type User struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	Username        string     `json:"username,omitempty"`
	AvatarURL       string     `json:"avatar_url,omitempty"`
	Role            string     `json:"role,omitempty"`
	EmailVerifiedAt *time.Time `json:"email_verified_at"`
}

type account struct {
	User
	passwordHash string
	resetToken   string
}

// Server is the fake API
type Server struct {
	app      *fiber.App
	listener net.Listener
	opts     Options

	mu         sync.Mutex
	accounts   map[string]*account
	issued     map[string]struct{}
	revoked    map[string]struct{}
	csrfTokens map[string]struct{}
	faults     map[string][]Fault
	hits       map[string]int
}

// New returns a server with its routes registered. Call Start to listen.
func New(opts Options) *Server {
	if len(opts.SigningKey) == 0 {
		opts.SigningKey = []byte(uuid.NewString())
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 2 * time.Hour
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.MinCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		opts:       opts,
		accounts:   map[string]*account{},
		issued:     map[string]struct{}{},
		revoked:    map[string]struct{}{},
		csrfTokens: map[string]struct{}{},
		faults:     map[string][]Fault{},
		hits:       map[string]int{},
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             4 << 20,
	})
	s.routes()
	return s
}

// App exposes the fiber app, e.g. for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start listens on a random loopback port.
func (s *Server) Start() error {
	return s.Listen("127.0.0.1:0")
}

// Listen serves on addr in the background.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go func() {
		_ = s.app.Listener(ln)
	}()
	return nil
}

// Origin returns the scheme and host the server listens on.
func (s *Server) Origin() string {
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// URL returns the API base URL.
func (s *Server) URL() string {
	return s.Origin() + APIPrefix
}

// Close stops the server.
func (s *Server) Close() error {
	return s.app.Shutdown()
}

// SeedUser creates a verified account and returns it.
func (s *Server) SeedUser(name, email, password string) (User, error) {
	acc, err := s.createAccount(name, email, password)
	if err != nil {
		return User{}, err
	}
	now := s.opts.Now()
	s.mu.Lock()
	acc.EmailVerifiedAt = &now
	user := acc.User
	s.mu.Unlock()
	return user, nil
}

// FailNext queues fault for the next request to method and path, where
// path is relative to the API prefix, e.g. "/auth/user".
func (s *Server) FailNext(method, path string, fault Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := routeKey(method, APIPrefix+path)
	s.faults[key] = append(s.faults[key], fault)
}

// Hits returns how many requests reached method and path. Paths outside
// the API prefix, like the cookie endpoint, are given in full.
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !strings.HasPrefix(path, CSRFCookiePath) {
		path = APIPrefix + path
	}
	return s.hits[routeKey(method, path)]
}

// RotateCSRF forgets every issued anti-forgery token.
func (s *Server) RotateCSRF() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrfTokens = map[string]struct{}{}
}

// ExpireSessions rejects every token issued so far.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.issued {
		s.revoked[id] = struct{}{}
	}
}

// ResetToken returns the pending password reset token of email.
func (s *Server) ResetToken(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[normalizeEmail(email)]; ok {
		return acc.resetToken
	}
	return ""
}

// VerificationLink returns the signed verification link for email.
func (s *Server) VerificationLink(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[normalizeEmail(email)]
	if !ok {
		return ""
	}
	expires := s.opts.Now().Add(time.Hour).Unix()
	return fmt.Sprintf("%s/auth/email/verify/%s/%s?expires=%d&signature=%s",
		s.URL(), acc.ID, emailHash(acc.Email), expires, uuid.NewString())
}

// Lookup returns the account with email.
func (s *Server) Lookup(email string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[normalizeEmail(email)]
	if !ok {
		return User{}, false
	}
	return acc.User, true
}

var errEmailTaken = errors.New("The email has already been taken.")

func (s *Server) createAccount(name, email, password string) (*account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if hid, err := hashid.NewUUID(normalizeEmail(email)); err == nil {
		id = hid.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeEmail(email)
	if _, exists := s.accounts[key]; exists {
		return nil, errEmailTaken
	}

	acc := &account{
		User: User{
			ID:       id,
			Name:     name,
			Email:    email,
			Username: strings.Split(email, "@")[0],
			Role:     "user",
		},
		passwordHash: string(hash),
	}
	s.accounts[key] = acc
	return acc, nil
}

func (s *Server) issueToken(acc *account) (string, error) {
	now := s.opts.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   acc.ID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TokenTTL)),
	}

	s.mu.Lock()
	s.issued[claims.ID] = struct{}{}
	s.mu.Unlock()

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.SigningKey)
}

// authenticate resolves a bearer token to its account and token id.
func (s *Server) authenticate(raw string) (*account, string, bool) {
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.opts.SigningKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(s.opts.Now),
	)
	if err != nil {
		return nil, "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, revoked := s.revoked[claims.ID]; revoked {
		return nil, "", false
	}
	for _, acc := range s.accounts {
		if acc.ID == claims.Subject {
			return acc, claims.ID, true
		}
	}
	return nil, "", false
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func emailHash(email string) string {
	sum := sha1.Sum([]byte(email))
	return hex.EncodeToString(sum[:])
}
